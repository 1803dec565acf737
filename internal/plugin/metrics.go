// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Directions for the tunnel message counter, from the daemon's point of view.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// PluginState is the gauge for plugin lifecycle states. The value is the
// numeric State (0=stopped, 1=starting, 2=started, 3=stopping).
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "roost_plugin_state",
		Help: "Current lifecycle state of a plugin (0=stopped, 1=starting, 2=started, 3=stopping)",
	},
	[]string{"plugin"},
)

// PluginRestarts is the counter for plugin restarts.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginRestarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roost_plugin_restarts_total",
		Help: "Total number of plugin restarts",
	},
	[]string{"plugin"},
)

// PluginCPUPercent is the gauge for child process CPU usage.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginCPUPercent = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "roost_plugin_cpu_percent",
		Help: "CPU usage reported by a plugin child process, in percent",
	},
	[]string{"plugin"},
)

// PluginRSSBytes is the gauge for child process resident memory.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginRSSBytes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "roost_plugin_rss_bytes",
		Help: "Resident set size reported by a plugin child process, in bytes",
	},
	[]string{"plugin"},
)

// PluginGoroutines is the gauge for child process goroutine counts.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginGoroutines = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "roost_plugin_goroutines",
		Help: "Goroutine count reported by a plugin child process",
	},
	[]string{"plugin"},
)

// TunnelMessages is the counter for tunnel messages exchanged with plugin
// child processes.
// Use RegisterMetrics to register this with a Prometheus registry.
var TunnelMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roost_tunnel_messages_total",
		Help: "Total number of tunnel messages exchanged with plugin processes",
	},
	[]string{"plugin", "direction", "type"},
)

// RegisterMetrics registers plugin package metrics with the given Prometheus registry.
// This must be called at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PluginState)
	reg.MustRegister(PluginRestarts)
	reg.MustRegister(PluginCPUPercent)
	reg.MustRegister(PluginRSSBytes)
	reg.MustRegister(PluginGoroutines)
	reg.MustRegister(TunnelMessages)
}

// RecordState sets the state gauge for one plugin.
func RecordState(plugin string, s State) {
	PluginState.WithLabelValues(plugin).Set(float64(s))
}

// RecordRestart increments the restart counter for one plugin.
func RecordRestart(plugin string) {
	PluginRestarts.WithLabelValues(plugin).Inc()
}

// RecordStats publishes a child process resource snapshot.
// Parameters:
//   - plugin: the plugin name
//   - cpuPercent, rssBytes, goroutines: the reported sample values
func RecordStats(plugin string, cpuPercent float64, rssBytes uint64, goroutines int) {
	PluginCPUPercent.WithLabelValues(plugin).Set(cpuPercent)
	PluginRSSBytes.WithLabelValues(plugin).Set(float64(rssBytes))
	PluginGoroutines.WithLabelValues(plugin).Set(float64(goroutines))
}

// RecordTunnelMessage counts one tunnel message.
// Parameters:
//   - plugin: the plugin name
//   - direction: DirectionIn for child-to-daemon, DirectionOut for daemon-to-child
//   - msgType: the wire message type
func RecordTunnelMessage(plugin, direction, msgType string) {
	TunnelMessages.WithLabelValues(plugin, direction, msgType).Inc()
}

// ForgetPlugin drops all metric series for a plugin that was unloaded.
func ForgetPlugin(plugin string) {
	labels := prometheus.Labels{"plugin": plugin}
	PluginState.DeletePartialMatch(labels)
	PluginRestarts.DeletePartialMatch(labels)
	PluginCPUPercent.DeletePartialMatch(labels)
	PluginRSSBytes.DeletePartialMatch(labels)
	PluginGoroutines.DeletePartialMatch(labels)
	TunnelMessages.DeletePartialMatch(labels)
}
