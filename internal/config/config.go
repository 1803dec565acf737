// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package config loads the daemon configuration and serves it to plugins
// as a live, subscribable tree.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/roostd/roost/internal/xdg"
)

// Config is the daemon configuration tree. The same tree, marshaled, is
// what subscribed plugins receive.
type Config struct {
	Log     LogConfig     `koanf:"log" json:"log"`
	Plugins PluginsConfig `koanf:"plugins" json:"plugins"`
	HTTP    HTTPConfig    `koanf:"http" json:"http"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// PluginsConfig controls plugin discovery and supervision.
type PluginsConfig struct {
	Dir            string        `koanf:"dir" json:"dir"`
	AutoReload     bool          `koanf:"auto_reload" json:"auto_reload"`
	ReloadDebounce time.Duration `koanf:"reload_debounce" json:"reload_debounce"`
	StatsInterval  time.Duration `koanf:"stats_interval" json:"stats_interval"`
}

// HTTPConfig controls the observability HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr" json:"addr"`
}

// Default returns the configuration used when neither file nor flags say
// otherwise.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Plugins: PluginsConfig{
			Dir:            xdg.PluginsDir(),
			AutoReload:     false,
			ReloadDebounce: 500 * time.Millisecond,
			StatsInterval:  30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:7070",
		},
	}
}

// Load builds the configuration with precedence defaults < file < flags.
// An empty path skips the file layer; a nil flag set skips the flag layer.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Plugins.Dir == "" {
		return fmt.Errorf("plugins.dir is required")
	}
	if c.Plugins.ReloadDebounce <= 0 {
		return fmt.Errorf("plugins.reload_debounce must be positive, got %s", c.Plugins.ReloadDebounce)
	}
	if c.Plugins.StatsInterval <= 0 {
		return fmt.Errorf("plugins.stats_interval must be positive, got %s", c.Plugins.StatsInterval)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	return nil
}
