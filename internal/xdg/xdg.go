// Package xdg provides XDG Base Directory paths for roost.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "roost"

// baseDir resolves one XDG base directory: the environment variable when
// set, the home-relative fallback otherwise, with the app name appended.
func baseDir(envVar string, fallback ...string) string {
	base := os.Getenv(envVar)
	if base == "" {
		parts := append([]string{os.Getenv("HOME")}, fallback...)
		base = filepath.Join(parts...)
	}
	return filepath.Join(base, appName)
}

// ConfigDir returns the roost config directory (XDG_CONFIG_HOME or
// ~/.config).
func ConfigDir() string {
	return baseDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the roost data directory (XDG_DATA_HOME or
// ~/.local/share).
func DataDir() string {
	return baseDir("XDG_DATA_HOME", ".local", "share")
}

// ConfigFile returns the default daemon configuration file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// PluginsDir returns the default plugins directory.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}

// EnsureDir creates a directory and all parent directories if they don't
// exist. Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
