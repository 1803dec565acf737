// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package plugin

import (
	"github.com/Masterminds/semver/v3"
)

// RuntimeVersion is the plugin API version this daemon resolves descriptors
// against. Internal plugins constrain it through the manifest's requires
// field.
const RuntimeVersion = "1.0.0"

// Descriptor is the static identity of one plugin, loaded once from its
// manifest and never mutated. Path is the plugin directory.
type Descriptor struct {
	Path           string
	Name           string
	Version        *semver.Version
	ID             string
	Type           Type
	Requires       string
	RuntimeVersion string

	// Manifest retains the parsed manifest for host-specific configuration
	// (command, entry, watch roots).
	Manifest *Manifest
}

// NewDescriptor builds a descriptor from a validated manifest. An internal
// plugin whose requires constraint is not satisfied by the daemon's runtime
// version is rejected here; it must never load with a mismatched API.
// External plugins carry their constraint to the child process instead.
func NewDescriptor(dir string, m *Manifest) (*Descriptor, error) {
	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, err
	}

	runtime := semver.MustParse(RuntimeVersion)
	if m.Type == TypeInternal && m.Requires != "" {
		constraint, err := semver.NewConstraint(m.Requires)
		if err != nil {
			return nil, err
		}
		if !constraint.Check(runtime) {
			return nil, ErrRuntimeMismatch(m.Name, m.Requires, RuntimeVersion)
		}
	}

	return &Descriptor{
		Path:           dir,
		Name:           m.Name,
		Version:        version,
		ID:             m.Name + "@" + m.Version,
		Type:           m.Type,
		Requires:       m.Requires,
		RuntimeVersion: RuntimeVersion,
		Manifest:       m,
	}, nil
}
