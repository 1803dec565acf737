// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/relay"
	"github.com/roostd/roost/internal/stats"
	"github.com/roostd/roost/internal/tunnel"
)

// configWaitTimeout bounds how long startup waits for the first
// configuration snapshot before proceeding with defaults.
const configWaitTimeout = 5 * time.Second

// Request is one dispatched call as a plugin handler sees it.
type Request struct {
	Path string
	Data json.RawMessage
}

// Result is a dispatch outcome: a status with either a unary payload or a
// live stream.
type Result struct {
	Status int
	Data   json.RawMessage
	Stream *Stream
}

// Handler serves one routed path.
type Handler func(ctx context.Context, req *Request) (*Result, error)

// Stream is a live sequence of JSON items. Consumers call Recv until it
// reports io.EOF or a failure; producers call Send and finish with Close
// or CloseWithError.
type Stream struct {
	st *dispatch.Stream
}

// Recv returns the next item. Buffered items drain before a terminal
// state surfaces; a finished stream reports io.EOF.
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	return s.st.Recv(ctx)
}

// Send delivers one item, blocking while the buffer is full.
func (s *Stream) Send(ctx context.Context, item json.RawMessage) error {
	return s.st.Send(ctx, item)
}

// Close ends the stream normally.
func (s *Stream) Close() {
	s.st.Close()
}

// CloseWithError ends the stream with a failure the consumer sees.
func (s *Stream) CloseWithError(err error) {
	s.st.CloseWithError(err)
}

// Cancel abandons a consumed stream without waiting for its natural end.
// The peer producing it is told to stop.
func (s *Stream) Cancel() {
	s.st.Cancel()
}

// Sid returns the stream's subscription id.
func (s *Stream) Sid() string {
	return s.st.Sid()
}

// NewStream opens an announcing stream for a handler to return. The
// returned Result carries the stream; the handler, or a goroutine it
// starts, sends items and must finish with Close or CloseWithError.
func NewStream(ctx context.Context) (*Stream, *Result, error) {
	st, err := relay.NewSubscriptionStream(ctx)
	if err != nil {
		return nil, nil, err
	}
	s := &Stream{st: st}
	return s, &Result{Status: tunnel.StatusOK, Stream: s}, nil
}

// Runtime is the plugin's connection to the daemon. One Runtime exists per
// plugin process; Serve hands it to Activate and it stays valid for the
// process lifetime.
type Runtime struct {
	name    string
	dir     string
	tn      *tunnel.Tunnel
	rl      *relay.Relay
	disp    *dispatch.Dispatcher
	sampler *stats.Sampler
	logger  *slog.Logger
	diag    *slog.Logger
	exit    func(int)

	exitOnce     sync.Once
	shutdownOnce sync.Once

	mu        sync.Mutex
	plugin    Plugin
	cfg       json.RawMessage
	watchers  []func(json.RawMessage)
	configSid string
}

// configView picks the keys the runtime itself consumes out of the daemon
// configuration tree.
type configView struct {
	Plugins struct {
		StatsInterval time.Duration `json:"stats_interval"`
	} `json:"plugins"`
}

// newRuntime wires a runtime over a transport. Production uses the process
// stdio and os.Exit; tests substitute pipes and a recording exit.
func newRuntime(r io.Reader, w io.Writer, exit func(int)) *Runtime {
	rt := &Runtime{
		name: os.Getenv(EnvPlugin),
		dir:  os.Getenv(EnvPluginDir),
		rl:   relay.New(),
		disp: dispatch.NewDispatcher(),
		exit: exit,
		// Transport-level noise goes to stderr, the out-of-band channel the
		// daemon drains; plugin logs travel as tunnel frames.
		diag: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	rt.tn = tunnel.New(r, w, rt.handleMessage, tunnel.WithLogger(rt.diag))
	rt.logger = slog.New(newFrameHandler(rt.tn))
	rt.sampler = stats.NewSampler(rt.emitStats, stats.WithLogger(rt.logger))
	return rt
}

// run drives the plugin life: transport up, configuration subscribed,
// activation, then serving until the daemon deactivates the plugin or the
// transport goes away.
func (rt *Runtime) run(ctx context.Context, p Plugin) {
	rt.mu.Lock()
	rt.plugin = p
	rt.mu.Unlock()

	rt.tn.Start()
	defer rt.teardown()

	rt.subscribeConfig(ctx)

	if err := p.Activate(ctx, rt); err != nil {
		rt.reportActivationError(err)
		rt.terminate(tunnel.ActivationFailureExitCode)
		return
	}
	if err := rt.tn.Emit(&tunnel.Message{Type: tunnel.TypeActivated}); err != nil {
		rt.diag.Error("cannot report activation", "error", err)
		rt.terminate(1)
		return
	}
	rt.sampler.Start()

	// The daemon going away is the terminal signal; deactivation exits
	// from its own handler before this unblocks.
	<-rt.tn.Done()
	rt.terminate(0)
}

// teardown releases runtime resources on the paths where the process does
// not exit for real, which is to say under test.
func (rt *Runtime) teardown() {
	rt.rl.Close(tunnel.ErrClosed)
	rt.sampler.Stop()
}

func (rt *Runtime) terminate(code int) {
	rt.exitOnce.Do(func() {
		rt.exit(code)
	})
}

// Name returns the plugin name the daemon assigned this process.
func (rt *Runtime) Name() string {
	return rt.name
}

// Dir returns the plugin's directory, which is also the process working
// directory.
func (rt *Runtime) Dir() string {
	return rt.dir
}

// Logger returns a logger whose records travel to the daemon as log
// frames and re-emit through the daemon's own sink.
func (rt *Runtime) Logger() *slog.Logger {
	return rt.logger
}

// Config returns the latest configuration snapshot, nil before the first
// one arrives. Callers must not modify the returned bytes.
func (rt *Runtime) Config() json.RawMessage {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

// WatchConfig registers fn to run on every configuration snapshot. When a
// snapshot is already present fn runs immediately with it.
func (rt *Runtime) WatchConfig(fn func(json.RawMessage)) {
	rt.mu.Lock()
	rt.watchers = append(rt.watchers, fn)
	cfg := rt.cfg
	rt.mu.Unlock()
	if cfg != nil {
		fn(cfg)
	}
}

// Route registers a handler for a path pattern on the plugin's local
// dispatcher. The daemon reaches these routes by forwarding requests over
// the tunnel.
func (rt *Runtime) Route(pattern string, h Handler) error {
	return rt.disp.Route(pattern, func(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
		res, err := h(ctx, &Request{Path: req.Path, Data: req.Data})
		if err != nil {
			return nil, err
		}
		return unwrapResult(res), nil
	})
}

// Call dispatches a path. Local routes answer directly; a local route miss
// forwards the call to the daemon, so daemon and sibling-plugin routes
// resolve transparently. Any other local failure propagates unchanged.
func (rt *Runtime) Call(ctx context.Context, path string, data json.RawMessage) (*Result, error) {
	res, err := rt.disp.Dispatch(ctx, &dispatch.Request{Path: path, Data: data})
	if err == nil {
		return wrapResult(res), nil
	}
	if !dispatch.IsNotFound(err) {
		return nil, err
	}
	return rt.forward(ctx, path, data)
}

// forward sends a dispatch over the tunnel and interprets the correlated
// reply, consuming announced streams.
func (rt *Runtime) forward(ctx context.Context, path string, data json.RawMessage) (*Result, error) {
	reply, err := rt.tn.Send(ctx, tunnel.NewRequest(path, data))
	if err != nil {
		return nil, err
	}
	if reply.Type == tunnel.TypeError {
		return nil, relay.ReplyError(path, reply)
	}
	res, err := rt.rl.Consume(reply, func(sid string) {
		if err := rt.tn.Emit(&tunnel.Message{Type: tunnel.TypeUnsubscribe, Sid: sid}); err != nil {
			rt.diag.Debug("unsubscribe emit failed", "sid", sid, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

// subscribeConfig opens the daemon configuration stream and seeds
// operational parameters from the first snapshot. Failures log a warning
// and leave the defaults in place; configuration is an input, not a
// requirement.
func (rt *Runtime) subscribeConfig(ctx context.Context) {
	res, err := rt.Call(ctx, "/config/subscribe", nil)
	if err != nil {
		rt.logger.Warn("config subscription unavailable, using defaults", "error", err)
		return
	}
	if res.Stream == nil {
		rt.logger.Warn("config subscription returned no stream, using defaults")
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, configWaitTimeout)
	first, err := res.Stream.Recv(waitCtx)
	cancel()
	switch {
	case err == nil:
		rt.applyConfig(first)
	case errors.Is(err, context.DeadlineExceeded):
		rt.logger.Warn("no config snapshot yet, using defaults")
	default:
		rt.logger.Warn("config stream failed, using defaults", "error", err)
		return
	}

	rt.mu.Lock()
	rt.configSid = res.Stream.Sid()
	rt.mu.Unlock()
	go rt.watchConfigStream(res.Stream)
}

// watchConfigStream applies configuration snapshots for the rest of the
// process life.
func (rt *Runtime) watchConfigStream(st *Stream) {
	for {
		raw, err := st.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rt.diag.Debug("config stream ended", "error", err)
			}
			return
		}
		rt.applyConfig(raw)
	}
}

// applyConfig stores a snapshot, retunes the sampler, and notifies
// watchers.
func (rt *Runtime) applyConfig(raw json.RawMessage) {
	var view configView
	if err := json.Unmarshal(raw, &view); err != nil {
		rt.logger.Warn("malformed config snapshot", "error", err)
		return
	}

	rt.mu.Lock()
	rt.cfg = raw
	watchers := make([]func(json.RawMessage), len(rt.watchers))
	copy(watchers, rt.watchers)
	rt.mu.Unlock()

	if view.Plugins.StatsInterval > 0 {
		rt.sampler.SetInterval(view.Plugins.StatsInterval)
	}
	for _, fn := range watchers {
		fn(raw)
	}
}

// handleMessage is the tunnel handler: deactivation and forwarded requests
// leave the read loop immediately; stream traffic routes through the
// relay.
func (rt *Runtime) handleMessage(msg *tunnel.Message, reply tunnel.ReplyFunc) {
	switch msg.Type {
	case tunnel.TypeDeactivate:
		go rt.shutdown(reply)
	case tunnel.TypeRequest:
		go rt.serveRequest(msg, reply)
	default:
		if rt.rl.HandleMessage(msg) {
			return
		}
		rt.logger.Warn("unroutable tunnel message",
			"type", string(msg.Type), "sid", msg.Sid)
	}
}

// serveRequest serves one daemon-originated request against local routes
// only; forwarding it back would loop.
func (rt *Runtime) serveRequest(msg *tunnel.Message, reply tunnel.ReplyFunc) {
	ctx := context.Background()
	res, err := rt.disp.Dispatch(ctx, &dispatch.Request{Path: msg.Path, Data: msg.Data})
	if err != nil {
		if rerr := reply(relay.ErrorReply(err)); rerr != nil {
			rt.diag.Debug("reply failed", "path", msg.Path, "error", rerr)
		}
		return
	}
	if err := rt.rl.Serve(ctx, rt.tn, reply, res); err != nil {
		rt.diag.Debug("stream relay ended", "path", msg.Path, "error", err)
	}
}

// shutdown is the deactivate path: quiesce, run the plugin's hook,
// acknowledge, exit 0. Every step before the ack is best-effort.
func (rt *Runtime) shutdown(reply tunnel.ReplyFunc) {
	rt.shutdownOnce.Do(func() {
		rt.mu.Lock()
		sid := rt.configSid
		rt.configSid = ""
		p := rt.plugin
		rt.mu.Unlock()

		if sid != "" {
			if err := rt.tn.Emit(&tunnel.Message{Type: tunnel.TypeUnsubscribe, Sid: sid}); err != nil {
				rt.logger.Warn("config unsubscribe failed", "error", err)
			}
		}
		if d, ok := p.(Deactivator); ok {
			if err := d.Deactivate(context.Background()); err != nil {
				rt.logger.Warn("deactivate hook failed", "error", err)
			}
		}
		rt.sampler.Stop()

		if err := reply(tunnel.NewReply(tunnel.StatusOK, nil)); err != nil {
			rt.diag.Debug("deactivate ack failed", "error", err)
		}
		rt.terminate(0)
	})
}

// emitStats forwards one sampler snapshot as a stats frame.
func (rt *Runtime) emitStats(snap stats.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := rt.tn.Emit(&tunnel.Message{Type: tunnel.TypeStats, Data: data}); err != nil {
		rt.diag.Debug("stats emit failed", "error", err)
	}
}

// reportActivationError tells the daemon why activation failed before the
// process exits with the reserved code.
func (rt *Runtime) reportActivationError(err error) {
	frame := &tunnel.Message{
		Type:    tunnel.TypeActivationError,
		Message: err.Error(),
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		frame.Stack = oopsErr.Stacktrace()
	}
	if werr := rt.tn.Emit(frame); werr != nil {
		rt.diag.Error("cannot report activation failure",
			"error", err, "emit_error", werr)
	}
}

func wrapResult(res *dispatch.Result) *Result {
	if res == nil {
		return nil
	}
	out := &Result{Status: res.Status, Data: res.Data}
	if res.Stream != nil {
		out.Stream = &Stream{st: res.Stream}
	}
	return out
}

func unwrapResult(res *Result) *dispatch.Result {
	if res == nil {
		return nil
	}
	out := &dispatch.Result{Status: res.Status, Data: res.Data}
	if res.Stream != nil {
		out.Stream = res.Stream.st
	}
	return out
}
