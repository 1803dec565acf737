// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package exthost

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
)

// EnvDebug lists plugin names, comma separated, whose child process is
// launched under a headless delve so a debugger can attach.
const EnvDebug = "ROOST_DEBUG"

// delveListenPattern matches the banner a headless delve prints when its
// API server is up.
var delveListenPattern = regexp.MustCompile(`API server listening at:\s*(\S+)`)

// debugRequested reports whether EnvDebug names this plugin.
func debugRequested(name string) bool {
	if name == "" {
		return false
	}
	for _, entry := range strings.Split(os.Getenv(EnvDebug), ",") {
		if strings.TrimSpace(entry) == name {
			return true
		}
	}
	return false
}

// debugCommand wraps a resolved plugin command so it runs under a headless
// delve on an ephemeral port. Delve's own output is pushed to stderr with
// log-dest so the child's stdout stays a clean tunnel transport.
func debugCommand(command string, args []string) (string, []string) {
	wrapped := []string{
		"exec", "--headless", "--listen=127.0.0.1:0", "--api-version=2", "--log-dest=2",
		command,
	}
	if len(args) > 0 {
		wrapped = append(wrapped, "--")
		wrapped = append(wrapped, args...)
	}
	return "dlv", wrapped
}

// debugScanner finds the delve listen banner in child diagnostics exactly
// once per cycle and logs an attach hint. Lines after the match are not
// scanned.
type debugScanner struct {
	plugin string
	logger *slog.Logger
	found  atomic.Bool
}

func newDebugScanner(plugin string, logger *slog.Logger) *debugScanner {
	return &debugScanner{plugin: plugin, logger: logger}
}

// Scan checks one diagnostic line for the listen banner.
func (d *debugScanner) Scan(line string) {
	if d.found.Load() {
		return
	}
	m := delveListenPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	if d.found.Swap(true) {
		return
	}
	d.logger.Info("plugin debugger listening",
		"plugin", d.plugin, "connect", "dlv connect "+m[1])
}
