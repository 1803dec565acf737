// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package sdk provides the runtime for building roost external plugins.
//
// External plugins are ordinary executables the roost daemon spawns as
// child processes. The SDK speaks the tunnel protocol over stdin/stdout,
// drives activation and graceful shutdown, forwards unresolved dispatches
// to the daemon, and reports logs and resource usage upstream.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//
//		"github.com/roostd/roost/pkg/sdk"
//	)
//
//	type EchoPlugin struct{}
//
//	func (p *EchoPlugin) Activate(ctx context.Context, rt *sdk.Runtime) error {
//		return rt.Route("/echo/say", func(ctx context.Context, req *sdk.Request) (*sdk.Result, error) {
//			return &sdk.Result{Status: 200, Data: req.Data}, nil
//		})
//	}
//
//	func main() {
//		sdk.Serve(&sdk.ServeConfig{
//			Plugin: &EchoPlugin{},
//		})
//	}
package sdk

import (
	"context"
	"os"
)

// Environment the daemon sets on every plugin process. Host and plugins
// must use the same names.
const (
	// EnvPlugin carries the plugin name.
	EnvPlugin = "ROOST_PLUGIN"
	// EnvPluginDir carries the absolute plugin directory.
	EnvPluginDir = "ROOST_PLUGIN_DIR"
)

// Plugin is the interface external plugins implement.
type Plugin interface {
	// Activate prepares the plugin: register routes, open resources, spin
	// up workers. Returning an error aborts startup and the process exits
	// with the reserved activation failure code.
	Activate(ctx context.Context, rt *Runtime) error
}

// Deactivator is implemented by plugins that need a graceful-shutdown
// hook. It runs when the daemon asks the plugin to deactivate, before the
// process exits.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// ServeConfig configures the plugin runtime.
type ServeConfig struct {
	// Plugin is the plugin implementation.
	// Required; Serve will panic if nil.
	Plugin Plugin
}

// Serve runs the plugin. This should be called from main(). It blocks for
// the life of the process and terminates it when the daemon asks the
// plugin to deactivate or the transport goes away.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("sdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("sdk: config.Plugin cannot be nil")
	}
	rt := newRuntime(os.Stdin, os.Stdout, os.Exit)
	rt.run(context.Background(), config.Plugin)
}
