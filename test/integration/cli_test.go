// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

//go:build integration

package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

const validExternalManifest = `name: echo
version: 1.0.0
type: external
external:
  command: ./echo
`

const validInternalManifest = `name: greeter
version: 1.0.0
type: internal
requires: ">= 1.0.0"
internal:
  entry: main.lua
`

var _ = Describe("CLI", func() {
	Describe("validate", func() {
		var tmpDir string

		BeforeEach(func() {
			var err error
			tmpDir, err = os.MkdirTemp("", "roost-validate-*")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = os.RemoveAll(tmpDir)
		})

		It("accepts a tree of well formed manifests", func() {
			writePluginManifest(tmpDir, "echo", validExternalManifest)
			writePluginManifest(tmpDir, "greeter", validInternalManifest)

			out, err := runRoost("validate", tmpDir)
			Expect(err).NotTo(HaveOccurred(), out)
			Expect(out).To(ContainSubstring("ok"))
			Expect(out).To(ContainSubstring("echo"))
			Expect(out).To(ContainSubstring("greeter"))
		})

		It("rejects a manifest with unknown keys", func() {
			writePluginManifest(tmpDir, "echo", validExternalManifest)
			writePluginManifest(tmpDir, "broken", `name: broken
version: 1.0.0
type: external
command: ./broken
`)

			out, err := runRoost("validate", tmpDir)
			Expect(err).To(HaveOccurred())
			Expect(out).To(ContainSubstring("FAIL"))
			Expect(out).To(ContainSubstring("broken"))
			Expect(out).To(ContainSubstring("1 of 2"))
		})

		It("fails on a directory without manifests", func() {
			out, err := runRoost("validate", tmpDir)
			Expect(err).To(HaveOccurred())
			Expect(out).To(ContainSubstring("no plugin manifests"))
		})
	})

	Describe("schema", func() {
		It("prints the manifest schema as JSON", func() {
			out, err := runRoost("schema")
			Expect(err).NotTo(HaveOccurred(), out)
			Expect(json.Valid([]byte(out))).To(BeTrue(), "schema output is not JSON: %s", out)
			Expect(out).To(ContainSubstring("Roost Plugin Manifest"))
		})

		It("writes the schema to a file", func() {
			tmpDir, err := os.MkdirTemp("", "roost-schema-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			target := filepath.Join(tmpDir, "plugin.schema.json")
			out, err := runRoost("schema", "--out", target)
			Expect(err).NotTo(HaveOccurred(), out)

			data, err := os.ReadFile(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Valid(data)).To(BeTrue())
		})
	})

	Describe("status", func() {
		It("fails when no daemon is listening", func() {
			out, err := runRoost("status", "--addr", freeListenAddr())
			Expect(err).To(HaveOccurred())
			Expect(out).To(ContainSubstring("unreachable"))
		})
	})

	Describe("serve", func() {
		It("refuses to start with an invalid config", func() {
			tmpDir, err := os.MkdirTemp("", "roost-serve-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			configPath := filepath.Join(tmpDir, "config.yaml")
			Expect(os.WriteFile(configPath, []byte("log:\n  level: shouting\n"), 0o644)).To(Succeed())

			out, err := runRoost("serve", "--config", configPath)
			Expect(err).To(HaveOccurred())
			Expect(out).To(ContainSubstring("invalid configuration"))
		})
	})
})

// runRoost executes the built roost binary and returns its combined output.
func runRoost(args ...string) (string, error) {
	cmd := exec.Command(roostBin, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// writePluginManifest creates a plugin directory holding only a manifest.
// Validation never executes plugin code, so no binary or entry file is
// needed.
func writePluginManifest(root, name, manifest string) {
	dir := filepath.Join(root, name)
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644)).To(Succeed())
}
