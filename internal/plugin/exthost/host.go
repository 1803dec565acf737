// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package exthost runs external plugins as supervised child processes.
//
// One Host owns one plugin's full lifecycle: it spawns the manifest command
// with the plugin directory as working directory, speaks the tunnel protocol
// over the child's stdin and stdout, forwards unmatched dispatcher paths
// into the child, and restarts the instance when its sources change. The
// child process is the isolation boundary; nothing of the plugin runs in
// the daemon.
package exthost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/plugin"
	"github.com/roostd/roost/internal/relay"
	"github.com/roostd/roost/internal/stats"
	"github.com/roostd/roost/internal/tunnel"
	"github.com/roostd/roost/internal/watch"
	"github.com/roostd/roost/pkg/errutil"
	"github.com/roostd/roost/pkg/sdk"
)

// Environment passed to every child process. Aliased from the SDK so host
// and plugins agree on the names.
const (
	EnvPlugin    = sdk.EnvPlugin
	EnvPluginDir = sdk.EnvPluginDir
)

const (
	// defaultDeactivateTimeout bounds how long a child may take to
	// acknowledge a deactivate request.
	defaultDeactivateTimeout = 5 * time.Second
	// defaultExitTimeout bounds the wait for a child to exit once its
	// transport is gone or it was asked to deactivate. After that it is
	// killed.
	defaultExitTimeout = 3 * time.Second
	// stderrTailLines is how many trailing stderr lines are kept as crash
	// context.
	stderrTailLines = 32
	// maxStderrLine caps a single stderr line fed to the scanner.
	maxStderrLine = 1 << 20
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the daemon logger child diagnostics and re-emitted plugin
// logs go through.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithDispatcher sets the daemon dispatcher that serves requests the child
// sends up. Without one every child request answers not found.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(h *Host) {
		h.dispatcher = d
	}
}

// WithAutoReload enables debounced restarts on source changes. A
// non-positive window leaves auto-reload disabled.
func WithAutoReload(debounce time.Duration) Option {
	return func(h *Host) {
		h.reloadDebounce = debounce
	}
}

// Host supervises one external plugin's child process. The zero value is
// not usable; construct with New.
type Host struct {
	desc           *plugin.Descriptor
	logger         *slog.Logger
	machine        *plugin.Machine
	dispatcher     *dispatch.Dispatcher
	reloadDebounce time.Duration

	deactivateTimeout time.Duration
	exitTimeout       time.Duration

	mu          sync.Mutex
	cmd         *exec.Cmd
	tn          *tunnel.Tunnel
	rl          *relay.Relay
	pid         int
	exitCode    *int
	restarts    int
	failure     *plugin.Failure
	actFailure  *plugin.Failure
	snapshot    *stats.Snapshot
	watcher     *watch.Watcher
	tail        *stderrTail
	waitDone    chan struct{}
	cycleCancel context.CancelFunc
}

var _ plugin.Instance = (*Host)(nil)

// New creates a host for one external plugin. The host starts nothing until
// Start is called.
func New(desc *plugin.Descriptor, opts ...Option) *Host {
	h := &Host{
		desc:              desc,
		logger:            slog.Default(),
		machine:           plugin.NewMachine(),
		deactivateTimeout: defaultDeactivateTimeout,
		exitTimeout:       defaultExitTimeout,
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

// Status reports the externally visible runtime state.
func (h *Host) Status() plugin.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := plugin.Status{
		Name:     h.desc.Name,
		ID:       h.desc.ID,
		Type:     h.desc.Type,
		Version:  h.desc.Version.String(),
		State:    h.machine.State().String(),
		PID:      h.pid,
		Restarts: h.restarts,
	}
	if h.exitCode != nil {
		code := *h.exitCode
		st.ExitCode = &code
	}
	if h.failure != nil {
		failure := *h.failure
		st.Error = &failure
	}
	return st
}

// Stats returns the most recent resource snapshot the child reported, nil
// before the first report of a cycle.
func (h *Host) Stats() *stats.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot == nil {
		return nil
	}
	snap := *h.snapshot
	return &snap
}

// Start launches the child process and blocks until the plugin activates,
// fails, or ctx is done. A concurrent start joins the in-flight attempt; a
// start while already started returns immediately with its result.
func (h *Host) Start(ctx context.Context) error {
	attempt, proceed := h.machine.BeginStart()
	if !proceed {
		return attempt.Wait(ctx)
	}

	plugin.RecordState(h.desc.Name, plugin.StateStarting)
	h.mu.Lock()
	h.failure = nil
	h.actFailure = nil
	h.exitCode = nil
	h.snapshot = nil
	h.mu.Unlock()

	if err := h.spawn(); err != nil {
		h.machine.Exited(err)
		h.setFailure(plugin.FailureFrom(err))
		plugin.RecordState(h.desc.Name, plugin.StateStopped)
		return err
	}
	return attempt.Wait(ctx)
}

// Stop deactivates the plugin and waits for the child to exit, killing it
// when it overstays. Stopping a plugin that is not started is a no-op,
// except that a child still activating is killed so no orphan survives a
// daemon shutdown.
func (h *Host) Stop(ctx context.Context) error {
	for !h.machine.BeginStop() {
		switch h.machine.State() {
		case plugin.StateStopped:
			return nil
		case plugin.StateStopping:
			return h.awaitExit(ctx, nil)
		case plugin.StateStarting:
			// No graceful path before activation; the exit monitor settles
			// the pending attempt.
			h.logger.Warn("killing plugin during activation", "plugin", h.desc.Name)
			h.kill()
			return h.awaitExit(ctx, nil)
		case plugin.StateStarted:
			// Lost a race with activation; claim the stop now.
		}
	}

	plugin.RecordState(h.desc.Name, plugin.StateStopping)
	h.logger.Info("stopping plugin", "plugin", h.desc.Name)

	h.mu.Lock()
	tn := h.tn
	h.mu.Unlock()

	if tn != nil {
		dctx, cancel := context.WithTimeout(ctx, h.deactivateTimeout)
		plugin.RecordTunnelMessage(h.desc.Name, plugin.DirectionOut, string(tunnel.TypeDeactivate))
		_, err := tn.Send(dctx, &tunnel.Message{Type: tunnel.TypeDeactivate})
		cancel()
		if err != nil {
			h.logger.Warn("plugin did not acknowledge deactivate",
				"plugin", h.desc.Name, "error", err)
		}
	}
	return h.awaitExit(ctx, time.After(h.exitTimeout))
}

// Dispatch is the fallback the daemon mounts on its dispatcher: a path no
// local route matched is forwarded to the child. A not-found answer falls
// through to next so another resolver can claim the path.
func (h *Host) Dispatch(ctx context.Context, req *dispatch.Request, next dispatch.HandlerFunc) (*dispatch.Result, error) {
	h.mu.Lock()
	tn, rl := h.tn, h.rl
	h.mu.Unlock()
	if tn == nil {
		return next(ctx, req)
	}

	plugin.RecordTunnelMessage(h.desc.Name, plugin.DirectionOut, string(tunnel.TypeRequest))
	reply, err := tn.Send(ctx, tunnel.NewRequest(req.Path, req.Data))
	if err != nil {
		return nil, err
	}
	if reply.Status == tunnel.StatusNotFound {
		return next(ctx, req)
	}
	if reply.Type == tunnel.TypeError {
		return nil, relay.ReplyError(req.Path, reply)
	}
	return rl.Consume(reply, func(sid string) {
		plugin.RecordTunnelMessage(h.desc.Name, plugin.DirectionOut, string(tunnel.TypeUnsubscribe))
		if err := tn.Emit(&tunnel.Message{Type: tunnel.TypeUnsubscribe, Sid: sid}); err != nil {
			h.logger.Debug("unsubscribe emit failed",
				"plugin", h.desc.Name, "sid", sid, "error", err)
		}
	})
}

// spawn builds and starts the child process and wires its stdio into a
// tunnel. The caller owns the starting state.
func (h *Host) spawn() error {
	m := h.desc.Manifest
	if m == nil || m.External == nil {
		return oops.With("plugin", h.desc.Name).
			Errorf("plugin %s has no external command", h.desc.Name)
	}

	command := resolveCommand(h.desc.Path, m.External.Command)
	args := m.External.Args
	var dbg *debugScanner
	if debugRequested(h.desc.Name) {
		command, args = debugCommand(command, args)
		dbg = newDebugScanner(h.desc.Name, h.logger)
		h.logger.Info("launching plugin under delve", "plugin", h.desc.Name)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = h.desc.Path
	cmd.Env = append(os.Environ(),
		EnvPlugin+"="+h.desc.Name,
		EnvPluginDir+"="+h.desc.Path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return oops.With("plugin", h.desc.Name).Wrapf(err, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return oops.With("plugin", h.desc.Name).Wrapf(err, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return oops.With("plugin", h.desc.Name).Wrapf(err, "open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return oops.With("plugin", h.desc.Name).
			With("command", command).
			Wrapf(err, "spawn plugin %s", h.desc.Name)
	}

	rl := relay.New()
	tail := newStderrTail(stderrTailLines)
	waitDone := make(chan struct{})
	stderrDone := make(chan struct{})
	cycleCtx, cycleCancel := context.WithCancel(context.Background())

	var tn *tunnel.Tunnel
	handler := func(msg *tunnel.Message, reply tunnel.ReplyFunc) {
		h.handleMessage(cycleCtx, tn, rl, msg, reply)
	}
	tn = tunnel.New(stdout, stdin, handler,
		tunnel.WithLogger(h.logger), tunnel.WithCloser(stdin))

	h.mu.Lock()
	h.cmd = cmd
	h.tn = tn
	h.rl = rl
	h.pid = cmd.Process.Pid
	h.tail = tail
	h.waitDone = waitDone
	h.cycleCancel = cycleCancel
	h.mu.Unlock()

	tn.Start()
	go h.drainStderr(stderr, tail, dbg, stderrDone)
	go h.monitorExit(cmd, tn, waitDone, stderrDone)

	h.logger.Info("plugin process started",
		"plugin", h.desc.Name, "pid", cmd.Process.Pid)
	return nil
}

// handleMessage is the tunnel handler for one child process cycle. It runs
// on the tunnel read loop; anything that dispatches or waits moves to its
// own goroutine.
func (h *Host) handleMessage(ctx context.Context, tn *tunnel.Tunnel, rl *relay.Relay, msg *tunnel.Message, reply tunnel.ReplyFunc) {
	name := h.desc.Name
	plugin.RecordTunnelMessage(name, plugin.DirectionIn, string(msg.Type))

	switch msg.Type {
	case tunnel.TypeActivated:
		if !h.machine.Activated() {
			h.logger.Warn("activated event outside starting",
				"plugin", name, "state", h.machine.State().String())
			return
		}
		plugin.RecordState(name, plugin.StateStarted)
		h.logger.Info("plugin activated", "plugin", name)
		go h.startWatcher()

	case tunnel.TypeActivationError:
		h.mu.Lock()
		h.actFailure = &plugin.Failure{Message: msg.Message, Stack: msg.Stack}
		h.mu.Unlock()

	case tunnel.TypeLog:
		h.relog(msg)

	case tunnel.TypeStats:
		h.recordStats(msg)

	case tunnel.TypeRequest:
		go h.serveRequest(ctx, tn, rl, msg, reply)

	case tunnel.TypeDeactivate:
		// Children have no authority to stop the daemon.
		h.logger.Warn("unexpected deactivate from child", "plugin", name)

	default:
		if rl.HandleMessage(msg) {
			return
		}
		h.logger.Warn("unroutable tunnel message",
			"plugin", name, "type", string(msg.Type), "sid", msg.Sid)
	}
}

// serveRequest dispatches a child-originated request into the daemon
// dispatcher and relays the result back, streams included.
func (h *Host) serveRequest(ctx context.Context, tn *tunnel.Tunnel, rl *relay.Relay, msg *tunnel.Message, reply tunnel.ReplyFunc) {
	if h.dispatcher == nil {
		if err := reply(relay.ErrorReply(dispatch.ErrNotFound(msg.Path))); err != nil {
			h.logger.Debug("reply failed", "plugin", h.desc.Name, "error", err)
		}
		return
	}
	res, err := h.dispatcher.Dispatch(ctx, &dispatch.Request{Path: msg.Path, Data: msg.Data})
	if err != nil {
		if rerr := reply(relay.ErrorReply(err)); rerr != nil {
			h.logger.Debug("reply failed", "plugin", h.desc.Name, "error", rerr)
		}
		return
	}
	if err := rl.Serve(ctx, tn, reply, res); err != nil {
		h.logger.Debug("stream relay ended",
			"plugin", h.desc.Name, "path", msg.Path, "error", err)
	}
}

// relog re-emits a child log record through the daemon's logger. The
// child's identity is dropped; the plugin name attaches instead.
func (h *Host) relog(msg *tunnel.Message) {
	var rec tunnel.LogRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		h.logger.Warn("malformed log frame", "plugin", h.desc.Name, "error", err)
		return
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(rec.Level)); err != nil {
		level = slog.LevelInfo
	}
	args := make([]any, 0, 2*len(rec.Attrs)+2)
	args = append(args, "plugin", h.desc.Name)
	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, rec.Attrs[k])
	}
	h.logger.Log(context.Background(), level, rec.Msg, args...)
}

// recordStats caches the child's resource snapshot and publishes it.
func (h *Host) recordStats(msg *tunnel.Message) {
	var snap stats.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		h.logger.Warn("malformed stats frame", "plugin", h.desc.Name, "error", err)
		return
	}
	h.mu.Lock()
	h.snapshot = &snap
	h.mu.Unlock()
	plugin.RecordStats(h.desc.Name, snap.CPUPercent, snap.RSSBytes, snap.Goroutines)
}

// drainStderr reads child stderr line-wise until the pipe closes. Every
// line lands in the tail ring and the debug log; while a debug scan is
// pending each line is also checked for the delve listen banner.
func (h *Host) drainStderr(r io.Reader, tail *stderrTail, dbg *debugScanner, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		if dbg != nil {
			dbg.Scan(line)
		}
		h.logger.Debug("plugin stderr", "plugin", h.desc.Name, "line", line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Debug("plugin stderr read ended",
			"plugin", h.desc.Name, "error", err)
	}
}

// monitorExit is the sole caller of cmd.Wait for one cycle. It waits for
// the tunnel to finish reading first so no buffered frame is lost to
// Wait closing the stdout pipe, then reaps the child. A child that
// lingers after its transport is gone is killed. waitDone closes only
// after exit handling, so a stop observing it sees the machine settled.
func (h *Host) monitorExit(cmd *exec.Cmd, tn *tunnel.Tunnel, waitDone, stderrDone chan struct{}) {
	<-tn.Done()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(h.exitTimeout):
		h.logger.Warn("plugin transport closed but child lingers, killing",
			"plugin", h.desc.Name, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		err = <-waitErr
	}

	<-stderrDone
	h.handleExit(err)
	close(waitDone)
}

// handleExit settles one cycle after the child is gone: record the exit
// code, tear down the tunnel and relay, close the source watcher, drive
// the lifecycle transition, and capture the failure when the exit was not
// asked for.
func (h *Host) handleExit(cmdErr error) {
	code := exitCode(cmdErr)
	name := h.desc.Name

	h.mu.Lock()
	h.exitCode = &code
	h.pid = 0
	h.cmd = nil
	tn := h.tn
	h.tn = nil
	rl := h.rl
	h.rl = nil
	w := h.watcher
	h.watcher = nil
	cancel := h.cycleCancel
	h.cycleCancel = nil
	act := h.actFailure
	tail := h.tail
	h.mu.Unlock()

	if tn != nil {
		_ = tn.Close()
		if terr := tn.Err(); terr != nil {
			h.logger.Warn("plugin tunnel closed with error",
				"plugin", name, "error", terr)
		}
	}
	if rl != nil {
		rl.Close(plugin.ErrProcessExit(name, code))
	}
	if w != nil {
		_ = w.Close()
	}
	if cancel != nil {
		cancel()
	}

	var startErr error
	if act != nil {
		startErr = plugin.ErrActivation(name, code, act.Message, act.Stack)
	} else {
		startErr = plugin.ErrActivation(name, code, "", "")
	}

	switch prev := h.machine.Exited(startErr); prev {
	case plugin.StateStarting:
		h.setFailure(plugin.FailureFrom(startErr))
		h.logger.Error("plugin failed to activate",
			append([]any{"plugin", name, "exit_code", code}, stderrAttr(tail)...)...)
	case plugin.StateStarted:
		crashErr := plugin.ErrProcessExit(name, code)
		h.setFailure(plugin.FailureFrom(crashErr))
		h.logger.Error("plugin process exited unexpectedly",
			append([]any{"plugin", name, "exit_code", code}, stderrAttr(tail)...)...)
	case plugin.StateStopping:
		h.logger.Info("plugin stopped", "plugin", name, "exit_code", code)
	}
	plugin.RecordState(name, h.machine.State())
}

// startWatcher begins auto-reload watching once the plugin is running. One
// watcher carries every root so a burst across roots still coalesces into
// a single restart.
func (h *Host) startWatcher() {
	if h.reloadDebounce <= 0 {
		return
	}
	w, err := watch.New(h.reloadDebounce, h.restart, watch.WithLogger(h.logger))
	if err != nil {
		h.logger.Warn("auto-reload unavailable", "plugin", h.desc.Name, "error", err)
		return
	}
	added := 0
	for _, root := range h.watchRoots() {
		if err := w.AddTree(root); err != nil {
			h.logger.Warn("cannot watch plugin source root",
				"plugin", h.desc.Name, "root", root, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = w.Close()
		return
	}

	h.mu.Lock()
	if h.machine.State() != plugin.StateStarted {
		// The child already exited; its teardown owns watcher cleanup.
		h.mu.Unlock()
		_ = w.Close()
		return
	}
	h.watcher = w
	h.mu.Unlock()
	h.logger.Debug("watching plugin sources", "plugin", h.desc.Name, "roots", added)
}

// watchRoots returns the plugin directory plus manifest watch entries,
// relative entries resolved against the plugin directory, deduplicated.
func (h *Host) watchRoots() []string {
	roots := []string{h.desc.Path}
	seen := map[string]bool{filepath.Clean(h.desc.Path): true}
	if m := h.desc.Manifest; m != nil {
		for _, entry := range m.Watch {
			root := entry
			if !filepath.IsAbs(root) {
				root = filepath.Join(h.desc.Path, root)
			}
			root = filepath.Clean(root)
			if seen[root] {
				continue
			}
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// restart is the debounced source-change handler: stop, then start fresh
// with the captured error cleared.
func (h *Host) restart() {
	name := h.desc.Name
	h.logger.Info("plugin sources changed, restarting", "plugin", name)

	ctx := context.Background()
	if err := h.Stop(ctx); err != nil {
		h.logger.Warn("restart stop failed", "plugin", name, "error", err)
	}

	h.mu.Lock()
	h.restarts++
	h.mu.Unlock()
	plugin.RecordRestart(name)

	if err := h.Start(ctx); err != nil {
		errutil.LogError(h.logger, "plugin restart failed", err)
	}
}

// awaitExit blocks until the exit monitor finishes the cycle. A non-nil
// deadline escalates to a kill when it fires first; ctx expiry kills too
// so a daemon shutdown never hangs on a stuck child.
func (h *Host) awaitExit(ctx context.Context, deadline <-chan time.Time) error {
	h.mu.Lock()
	waitDone := h.waitDone
	h.mu.Unlock()
	if waitDone == nil {
		return nil
	}
	select {
	case <-waitDone:
		return nil
	case <-deadline:
		h.logger.Warn("plugin did not exit after deactivate, killing", "plugin", h.desc.Name)
		h.kill()
	case <-ctx.Done():
		h.kill()
	}
	<-waitDone
	return nil
}

func (h *Host) kill() {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (h *Host) setFailure(f *plugin.Failure) {
	h.mu.Lock()
	h.failure = f
	h.mu.Unlock()
}

// resolveCommand resolves the manifest command against the plugin
// directory. Bare names that do not exist there fall back to PATH lookup.
func resolveCommand(dir, command string) string {
	if filepath.IsAbs(command) {
		return command
	}
	joined := filepath.Join(dir, command)
	if _, err := os.Stat(joined); err == nil {
		return joined
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		return joined
	}
	return command
}

// exitCode maps a cmd.Wait error to the child's exit code. A kill or other
// abnormal end without an exit status reports -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func stderrAttr(tail *stderrTail) []any {
	if tail == nil {
		return nil
	}
	lines := tail.Lines()
	if len(lines) == 0 {
		return nil
	}
	return []any{"stderr", strings.Join(lines, "\n")}
}

// stderrTail keeps the last N stderr lines of one cycle for crash context.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
