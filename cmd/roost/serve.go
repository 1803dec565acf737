// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roostd/roost/internal/config"
	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/logging"
	"github.com/roostd/roost/internal/observability"
	"github.com/roostd/roost/internal/plugin"
	"github.com/roostd/roost/internal/plugin/exthost"
	"github.com/roostd/roost/internal/plugin/luahost"
	"github.com/roostd/roost/internal/watch"
	"github.com/roostd/roost/internal/xdg"
)

// Timeouts for the serve command.
const (
	shutdownTimeout      = 5 * time.Second
	configReloadDebounce = 500 * time.Millisecond
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host daemon",
		Long: `Run the daemon: discover plugins, start them, and serve the
metrics and status HTTP endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	// Flag names double as config keys; defaults must match config.Default
	// so an unset flag never shadows a file value.
	defaults := config.Default()
	cmd.Flags().String("plugins.dir", defaults.Plugins.Dir, "plugins directory")
	cmd.Flags().Bool("plugins.auto_reload", defaults.Plugins.AutoReload, "restart plugins when their files change")
	cmd.Flags().Duration("plugins.reload_debounce", defaults.Plugins.ReloadDebounce, "quiet period before a file change restarts a plugin")
	cmd.Flags().Duration("plugins.stats_interval", defaults.Plugins.StatsInterval, "plugin resource sampling interval")
	cmd.Flags().String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (text or json)")
	cmd.Flags().String("http.addr", defaults.HTTP.Addr, "metrics and status HTTP address")

	return cmd
}

// runServeWithDeps starts the daemon with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.ConfigLoader == nil {
		deps.ConfigLoader = config.Load
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker, statuses observability.StatusSource) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker, statuses)
		}
	}

	path := resolveConfigPath(configFile)
	cfg, err := deps.ConfigLoader(path, cmd.Flags())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("roost", version, cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting roost",
		"version", version,
		"config_file", path,
		"plugins_dir", cfg.Plugins.Dir,
		"http_addr", cfg.HTTP.Addr,
	)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := config.NewStore(*cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create config store: %w", err)
	}
	defer store.Close()

	dispatcher := dispatch.NewDispatcher()
	if err := store.Routes(dispatcher); err != nil {
		return fmt.Errorf("failed to mount config routes: %w", err)
	}

	// First run with the XDG default has no plugins directory yet; a dir
	// that cannot be created just means an empty plugin set.
	if err := xdg.EnsureDir(cfg.Plugins.Dir); err != nil {
		slog.Warn("could not create plugins directory",
			"dir", cfg.Plugins.Dir, "error", err)
	}

	manager := plugin.NewManager(cfg.Plugins.Dir,
		plugin.WithExternalFactory(externalFactory(cfg, dispatcher)),
		plugin.WithInternalFactory(internalFactory(dispatcher)),
	)
	if err := manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	manager.StartAll(ctx)

	// The daemon is ready once plugins have been offered a start; individual
	// activation failures are reported through the status API, not readiness.
	obsServer := deps.ObservabilityServerFactory(cfg.HTTP.Addr, func() bool { return true }, manager.Statuses)
	obsErrChan, err := obsServer.Start()
	if err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if stopErr := manager.Close(shutdownCtx); stopErr != nil {
			slog.Warn("failed to stop plugins during cleanup", "error", stopErr)
		}
		return fmt.Errorf("failed to start observability server: %w", err)
	}
	// Monitor observability server errors - cancel context on error
	go monitorServerErrors(ctx, cancel, obsErrChan, "observability")

	slog.Info("observability server started", "addr", obsServer.Addr())

	var watcher *watch.Watcher
	if path != "" {
		watcher, err = watchConfigFile(path, cmd.Flags(), store)
		if err != nil {
			slog.Warn("config file watch disabled", "path", path, "error", err)
		}
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("roost started")
	slog.Info("roost ready", "plugins", len(manager.ListPlugins()))

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			slog.Debug("error closing config watcher", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := manager.Close(shutdownCtx); err != nil {
		slog.Warn("error stopping plugins", "error", err)
	}

	if err := obsServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// externalFactory builds the host constructor for external plugins. Every
// host is chained into the dispatcher's fallback resolvers so unrouted
// paths are offered to its child; the fallback lives for the daemon's
// lifetime.
func externalFactory(cfg *config.Config, d *dispatch.Dispatcher) plugin.Factory {
	return func(desc *plugin.Descriptor) (plugin.Instance, error) {
		opts := []exthost.Option{
			exthost.WithLogger(slog.Default()),
			exthost.WithDispatcher(d),
		}
		if cfg.Plugins.AutoReload {
			opts = append(opts, exthost.WithAutoReload(cfg.Plugins.ReloadDebounce))
		}
		h := exthost.New(desc, opts...)
		d.AddFallback(h.Dispatch)
		return h, nil
	}
}

// internalFactory builds the host constructor for internal (Lua) plugins.
func internalFactory(d *dispatch.Dispatcher) plugin.Factory {
	return func(desc *plugin.Descriptor) (plugin.Instance, error) {
		return luahost.New(desc,
			luahost.WithLogger(slog.Default()),
			luahost.WithDispatcher(d),
		), nil
	}
}

// watchConfigFile reloads the config store when the file changes. The
// watcher covers the file's directory because editors replace files
// rather than rewrite them in place.
func watchConfigFile(path string, flags *pflag.FlagSet, store *config.Store) (*watch.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := watch.New(configReloadDebounce, func() {
		cfg, err := config.Load(abs, flags)
		if err != nil {
			slog.Warn("ignoring config change", "path", abs, "error", err)
			return
		}
		if err := store.Update(*cfg); err != nil {
			slog.Warn("failed to apply config change", "path", abs, "error", err)
			return
		}
		slog.Info("configuration reloaded", "path", abs)
	}, watch.WithFilter(func(p string) bool { return p == abs }))
	if err != nil {
		return nil, err
	}

	if err := w.AddTree(filepath.Dir(abs)); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			slog.Debug("error closing config watcher", "error", closeErr)
		}
		return nil, err
	}
	return w, nil
}

// resolveConfigPath returns the explicit config path, or the default XDG
// location when a file exists there. An empty result runs on defaults.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := xdg.ConfigFile(); fileExists(p) {
		return p
	}
	return ""
}

// fileExists returns true if the file exists, false otherwise.
// Permission errors are treated as "file exists" to avoid silently
// ignoring files we can't read.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
