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

// schemaConfig holds configuration for the schema command.
type schemaConfig struct {
	out string
}

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	cfg := &schemaConfig{}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON Schema",
		Long: `Print the JSON Schema that plugin.yaml manifests are validated
against. With --out the schema is written to a file instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchema(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.out, "out", "", "write the schema to a file instead of stdout")

	return cmd
}

func runSchema(cmd *cobra.Command, cfg *schemaConfig) error {
	schema, err := plugin.GenerateSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if cfg.out == "" {
		cmd.Println(string(schema))
		return nil
	}

	if dir := filepath.Dir(cfg.out); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(cfg.out, schema, 0o600); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}

	cmd.Printf("wrote %s\n", cfg.out)
	return nil
}
