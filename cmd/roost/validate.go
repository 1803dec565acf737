// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roostd/roost/internal/plugin"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate plugin manifests without starting the daemon",
		Long: `Validates plugin.yaml manifests against the manifest schema and
the daemon's descriptor rules. The argument is a single plugin directory
or a plugins tree. Exits with code 0 on success, non-zero on failure.

Useful in CI pipelines to catch manifest errors early:
  roost validate ./plugins`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, root string) error {
	dirs, err := collectPluginDirs(root)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no plugin manifests found under %s", root)
	}

	var failures int
	for _, dir := range dirs {
		if err := validatePluginDir(dir); err != nil {
			failures++
			cmd.PrintErrf("FAIL %s: %v\n", dir, err)
			continue
		}
		cmd.Printf("ok   %s\n", dir)
	}

	if failures > 0 {
		return fmt.Errorf("validation failed: %d of %d plugins invalid", failures, len(dirs))
	}
	return nil
}

// collectPluginDirs resolves the directories to validate. A root that
// itself holds a manifest is a single plugin; otherwise every immediate
// subdirectory with a manifest counts.
func collectPluginDirs(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	if fileExists(filepath.Join(root, plugin.ManifestName)) {
		return []string{root}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if fileExists(filepath.Join(dir, plugin.ManifestName)) {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// validatePluginDir runs the same checks discovery would: schema shape,
// manifest semantics, then descriptor construction with its runtime
// version constraint.
func validatePluginDir(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, plugin.ManifestName)) //nolint:gosec // path comes from the command line
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := plugin.ValidateSchema(data); err != nil {
		return fmt.Errorf("schema: %s", plugin.FormatSchemaError(err))
	}

	m, err := plugin.ParseManifest(data)
	if err != nil {
		return err
	}

	if _, err := plugin.NewDescriptor(dir, m); err != nil {
		return err
	}
	return nil
}
