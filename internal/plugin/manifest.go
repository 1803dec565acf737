// Package plugin provides plugin discovery, descriptors, and lifecycle
// control.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Type identifies where a plugin runs.
type Type string

// Plugin kinds supported by the daemon.
const (
	// TypeInternal plugins run in-process and cannot be unloaded.
	TypeInternal Type = "internal"
	// TypeExternal plugins run in a child process owned by a host.
	TypeExternal Type = "external"
)

// Manifest represents a plugin.yaml file. A missing type defaults to
// external.
type Manifest struct {
	Name     string          `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version  string          `yaml:"version" json:"version"`
	Type     Type            `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=internal,enum=external"`
	Requires string          `yaml:"requires,omitempty" json:"requires,omitempty"`
	External *ExternalConfig `yaml:"external,omitempty" json:"external,omitempty"`
	Internal *InternalConfig `yaml:"internal,omitempty" json:"internal,omitempty"`
	Watch    []string        `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// ExternalConfig holds external plugin configuration. Command is resolved
// relative to the plugin directory unless absolute.
type ExternalConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// InternalConfig holds internal (in-process) plugin configuration.
type InternalConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints and normalizes an absent type to
// external.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if m.Requires != "" {
		if _, err := semver.NewConstraint(m.Requires); err != nil {
			return fmt.Errorf("requires %q is not a valid version constraint: %w", m.Requires, err)
		}
	}

	if m.Type == "" {
		m.Type = TypeExternal
	}
	switch m.Type {
	case TypeExternal:
		if m.External == nil {
			return fmt.Errorf("external is required when type is external")
		}
		if m.External.Command == "" {
			return fmt.Errorf("external.command is required")
		}
	case TypeInternal:
		if m.Internal == nil {
			return fmt.Errorf("internal is required when type is internal")
		}
		if m.Internal.Entry == "" {
			return fmt.Errorf("internal.entry is required")
		}
	default:
		return fmt.Errorf("type must be 'internal' or 'external', got %q", m.Type)
	}

	return nil
}
