// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package luahost runs internal plugins on an in-process sandboxed Lua
// runtime.
//
// One Host owns one plugin: a persistent Lua state built by the
// StateFactory, the manifest's entry file loaded into it at Start, and the
// routes the plugin mounted on the daemon dispatcher. Internal plugins have
// no child process, no tunnel, and no watchers; every touch of the Lua
// state is serialized by the instance mutex.
package luahost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/plugin"
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the daemon logger plugin log calls go through.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithDispatcher sets the daemon dispatcher Lua routes mount on. Without
// one, a plugin calling roost.route fails to activate.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(h *Host) {
		h.dispatcher = d
	}
}

// Host runs one internal plugin. The zero value is not usable; construct
// with New.
type Host struct {
	desc       *plugin.Descriptor
	logger     *slog.Logger
	machine    *plugin.Machine
	dispatcher *dispatch.Dispatcher
	factory    *StateFactory

	mu      sync.Mutex
	state   *lua.LState
	routes  []string
	failure *plugin.Failure
}

var _ plugin.Instance = (*Host)(nil)

// New creates a host for one internal plugin. Nothing runs until Start.
func New(desc *plugin.Descriptor, opts ...Option) *Host {
	h := &Host{
		desc:    desc,
		logger:  slog.Default(),
		machine: plugin.NewMachine(),
		factory: NewStateFactory(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Descriptor returns the plugin's static identity.
func (h *Host) Descriptor() *plugin.Descriptor {
	return h.desc
}

// State returns the current lifecycle state.
func (h *Host) State() plugin.State {
	return h.machine.State()
}

// Status reports the externally visible runtime state. Internal plugins
// never carry a PID, exit code, or restart count.
func (h *Host) Status() plugin.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := plugin.Status{
		Name:    h.desc.Name,
		ID:      h.desc.ID,
		Type:    h.desc.Type,
		Version: h.desc.Version.String(),
		State:   h.machine.State().String(),
	}
	if h.failure != nil {
		failure := *h.failure
		st.Error = &failure
	}
	return st
}

// Start loads the entry file into a fresh sandboxed state and calls its
// activate function. Either step failing stops the instance and captures
// the failure. A concurrent start joins the in-flight attempt.
func (h *Host) Start(ctx context.Context) error {
	attempt, proceed := h.machine.BeginStart()
	if !proceed {
		return attempt.Wait(ctx)
	}

	plugin.RecordState(h.desc.Name, plugin.StateStarting)

	h.mu.Lock()
	h.failure = nil
	err := h.activateLocked(ctx)
	if err != nil {
		h.teardownLocked()
		h.failure = plugin.FailureFrom(err)
		h.machine.Exited(err)
	} else {
		h.machine.Activated()
	}
	h.mu.Unlock()

	if err != nil {
		plugin.RecordState(h.desc.Name, plugin.StateStopped)
		h.logger.Error("plugin activation failed",
			"plugin", h.desc.Name, "error", err)
		return err
	}

	plugin.RecordState(h.desc.Name, plugin.StateStarted)
	h.logger.Info("plugin activated",
		"plugin", h.desc.Name, "runtime", "lua")
	return nil
}

// Stop runs the plugin's optional deactivate hook, unmounts its routes, and
// discards the Lua state. Stopping a plugin that is not started is a no-op;
// a stop that races a concurrent start orders itself before it.
func (h *Host) Stop(_ context.Context) error {
	if !h.machine.BeginStop() {
		return nil
	}

	plugin.RecordState(h.desc.Name, plugin.StateStopping)
	h.logger.Info("stopping plugin", "plugin", h.desc.Name)

	h.mu.Lock()
	h.deactivateLocked()
	h.teardownLocked()
	h.machine.Exited(nil)
	h.mu.Unlock()

	plugin.RecordState(h.desc.Name, plugin.StateStopped)
	return nil
}

// activateLocked builds the state, loads the entry file, and runs the
// plugin's activate function. The caller holds mu and owns teardown on
// error.
func (h *Host) activateLocked(ctx context.Context) error {
	entry := filepath.Join(h.desc.Path, h.desc.Manifest.Internal.Entry)
	code, err := os.ReadFile(filepath.Clean(entry))
	if err != nil {
		return plugin.ErrActivation(h.desc.Name, 0, "failed to read entry file: "+err.Error(), "")
	}

	L, err := h.factory.NewState(ctx)
	if err != nil {
		return plugin.ErrActivation(h.desc.Name, 0, err.Error(), "")
	}
	h.state = L

	// Entry load and activation run under the caller's deadline. The state
	// is discarded on failure, so an aborted script never leaks a wedged
	// interpreter into a started instance.
	L.SetContext(ctx)
	defer L.RemoveContext()

	h.registerAPILocked(L)

	if err := L.DoString(string(code)); err != nil {
		return h.activationError(err)
	}

	activate := L.GetGlobal("activate")
	if activate.Type() == lua.LTNil {
		return plugin.ErrActivation(h.desc.Name, 0, "entry file defines no activate function", "")
	}
	if err := L.CallByParam(lua.P{
		Fn:      activate,
		NRet:    0,
		Protect: true,
	}); err != nil {
		return h.activationError(err)
	}
	return nil
}

// activationError converts a Lua failure into the captured activation
// error. The traceback the VM produced becomes the failure's stack.
func (h *Host) activationError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return plugin.ErrActivation(h.desc.Name, 0, apiErr.Object.String(), apiErr.StackTrace)
	}
	return plugin.ErrActivation(h.desc.Name, 0, err.Error(), "")
}

// deactivateLocked runs the plugin's optional deactivate hook. Hook errors
// are logged, never fatal; the instance is going away regardless.
func (h *Host) deactivateLocked() {
	L := h.state
	if L == nil {
		return
	}
	deactivate := L.GetGlobal("deactivate")
	if deactivate.Type() == lua.LTNil {
		return
	}
	if err := L.CallByParam(lua.P{
		Fn:      deactivate,
		NRet:    0,
		Protect: true,
	}); err != nil {
		h.logger.Warn("deactivate hook failed",
			"plugin", h.desc.Name, "error", err)
	}
}

// teardownLocked unmounts the plugin's routes and discards the Lua state.
func (h *Host) teardownLocked() {
	if h.dispatcher != nil {
		for _, pattern := range h.routes {
			h.dispatcher.Unroute(pattern)
		}
	}
	h.routes = nil
	if h.state != nil {
		h.state.Close()
		h.state = nil
	}
}

// registerAPILocked installs the roost table the entry file programs
// against.
func (h *Host) registerAPILocked(L *lua.LState) {
	api := L.NewTable()
	L.SetField(api, "log", L.NewFunction(h.luaLog))
	L.SetField(api, "route", L.NewFunction(h.luaRoute))
	L.SetGlobal("roost", api)
}

// luaLog implements roost.log(level, msg). Unknown levels log as info.
func (h *Host) luaLog(L *lua.LState) int {
	levelText := L.CheckString(1)
	msg := L.CheckString(2)

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		level = slog.LevelInfo
	}
	h.logger.Log(context.Background(), level, msg, "plugin", h.desc.Name)
	return 0
}

// luaRoute implements roost.route(pattern, fn). It runs on the Lua stack,
// which only ever executes under mu, so the route list needs no extra
// locking.
func (h *Host) luaRoute(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	if h.dispatcher == nil {
		L.RaiseError("no dispatcher to mount %s on", pattern)
		return 0
	}
	if err := h.dispatcher.Route(pattern, h.routeHandler(fn)); err != nil {
		L.RaiseError("route %s: %s", pattern, err.Error())
		return 0
	}
	h.routes = append(h.routes, pattern)
	return 0
}

// routeHandler adapts one mounted Lua function to the dispatcher. The
// handler receives the request data as a string and returns (status, body)
// on success or (nil, err) on failure.
func (h *Host) routeHandler(fn *lua.LFunction) dispatch.HandlerFunc {
	return func(_ context.Context, req *dispatch.Request) (*dispatch.Result, error) {
		return h.callRoute(fn, req)
	}
}

func (h *Host) callRoute(fn *lua.LFunction, req *dispatch.Request) (*dispatch.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	L := h.state
	if L == nil {
		// Raced a stop; the route is on its way out.
		return nil, dispatch.ErrNotFound(req.Path)
	}

	arg := lua.LValue(lua.LNil)
	if len(req.Data) > 0 {
		arg = lua.LString(req.Data)
	}
	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    2,
		Protect: true,
	}, arg); err != nil {
		return nil, oops.In("luahost").With("plugin", h.desc.Name).With("path", req.Path).Wrap(err)
	}

	second := L.Get(-1)
	first := L.Get(-2)
	L.Pop(2)

	if first.Type() == lua.LTNil {
		msg := "handler returned no status"
		if second.Type() != lua.LTNil {
			msg = second.String()
		}
		return nil, oops.In("luahost").With("plugin", h.desc.Name).With("path", req.Path).New(msg)
	}

	status := int(lua.LVAsNumber(first))
	if status <= 0 {
		return nil, oops.In("luahost").With("plugin", h.desc.Name).With("path", req.Path).
			With("returned", first.String()).New("handler returned a non-numeric status")
	}
	return &dispatch.Result{Status: status, Data: resultData(second)}, nil
}

// resultData converts a handler's body value to reply data. Nil stays
// empty, valid JSON passes through, anything else becomes a JSON string.
func resultData(v lua.LValue) json.RawMessage {
	if v.Type() == lua.LTNil {
		return nil
	}
	s := v.String()
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return quoted
}
