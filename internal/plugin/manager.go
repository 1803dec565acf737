// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/roostd/roost/pkg/errutil"
)

// ManifestName is the manifest file expected in every plugin directory.
const ManifestName = "plugin.yaml"

// Instance is one managed plugin: a descriptor plus the host running it.
type Instance interface {
	Descriptor() *Descriptor
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
	Status() Status
}

// Status is a plugin's externally visible runtime state.
type Status struct {
	Name     string   `json:"name"`
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Version  string   `json:"version"`
	State    string   `json:"state"`
	PID      int      `json:"pid,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Restarts int      `json:"restarts,omitempty"`
	Error    *Failure `json:"error,omitempty"`
}

// Factory constructs the host instance for one discovered descriptor.
type Factory func(desc *Descriptor) (Instance, error)

// Manager discovers plugins and drives their lifecycle.
type Manager struct {
	pluginsDir string
	external   Factory
	internal   Factory
	loaded     map[string]Instance
	mu         sync.RWMutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithExternalFactory sets the constructor for external plugin hosts.
func WithExternalFactory(f Factory) ManagerOption {
	return func(m *Manager) {
		m.external = f
	}
}

// WithInternalFactory sets the constructor for internal plugin hosts.
func WithInternalFactory(f Factory) ManagerOption {
	return func(m *Manager) {
		m.internal = f
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		loaded:     make(map[string]Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*Descriptor, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var descs []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestName)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		desc, err := NewDescriptor(pluginDir, manifest)
		if err != nil {
			slog.Warn("skipping plugin with rejected descriptor",
				"dir", entry.Name(),
				"plugin", manifest.Name,
				"error", err)
			continue
		}

		descs = append(descs, desc)
	}

	return descs, nil
}

// LoadAll discovers all plugins and constructs their host instances.
// Individual plugin failures are logged as warnings but don't fail the
// entire load, so the daemon starts even when some plugins have issues.
// Callers needing strict loading use Discover plus Load per descriptor.
func (m *Manager) LoadAll(ctx context.Context) error {
	descs, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	for _, desc := range descs {
		if err := m.Load(desc); err != nil {
			errutil.LogError(slog.Default().With("plugin", desc.Name),
				"failed to load plugin", err)
			continue
		}
	}

	return nil
}

// Load constructs and registers the host instance for one descriptor.
// Kinds without a configured factory are skipped with a warning so the
// daemon can run without, say, internal plugin support.
func (m *Manager) Load(desc *Descriptor) error {
	var factory Factory
	switch desc.Type {
	case TypeExternal:
		factory = m.external
	case TypeInternal:
		factory = m.internal
	default:
		// Manifest.Validate rejects unknown types; a hand-built descriptor
		// can still reach here.
		slog.Warn("unknown plugin type, skipping",
			"plugin", desc.Name,
			"type", desc.Type)
		return nil
	}
	if factory == nil {
		slog.Warn("no host configured for plugin type, skipping",
			"plugin", desc.Name,
			"type", desc.Type)
		return nil
	}

	inst, err := factory(desc)
	if err != nil {
		return fmt.Errorf("load plugin %s: %w", desc.Name, err)
	}

	m.mu.Lock()
	if _, exists := m.loaded[desc.Name]; exists {
		slog.Warn("plugin conflict: overwriting existing plugin",
			"plugin", desc.Name)
	}
	m.loaded[desc.Name] = inst
	m.mu.Unlock()

	slog.Info("loaded plugin",
		"plugin", desc.Name,
		"type", desc.Type,
		"version", desc.Version.String())

	return nil
}

// Get returns a loaded instance by name.
func (m *Manager) Get(name string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.loaded[name]
	return inst, ok
}

// ListPlugins returns names of all loaded plugins.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}

	// Sort for deterministic output
	sort.Strings(names)
	return names
}

// StartAll starts every loaded plugin. Activation failures are logged and
// recorded on the instance; they never abort the daemon.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.ListPlugins() {
		inst, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := inst.Start(ctx); err != nil {
			// Host errors carry the plugin name in their oops context.
			errutil.LogError(slog.Default(), "failed to start plugin", err)
		}
	}
}

// StopAll stops every loaded plugin. Stop failures are logged; shutdown
// proceeds regardless.
func (m *Manager) StopAll(ctx context.Context) {
	for _, name := range m.ListPlugins() {
		inst, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := inst.Stop(ctx); err != nil {
			slog.Warn("failed to stop plugin",
				"plugin", name,
				"error", err)
		}
	}
}

// Statuses reports the runtime state of every loaded plugin, sorted by
// name.
func (m *Manager) Statuses() []Status {
	names := m.ListPlugins()
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		if inst, ok := m.Get(name); ok {
			statuses = append(statuses, inst.Status())
		}
	}
	return statuses
}

// Close stops all plugins and clears the manager.
func (m *Manager) Close(ctx context.Context) error {
	m.StopAll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = make(map[string]Instance)
	return nil
}
