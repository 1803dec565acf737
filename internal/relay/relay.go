// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package relay translates between dispatch streams and tunnel frames.
//
// A dispatch result that is a live sequence is relayed incrementally: the
// stream's announcing subscribe item becomes the correlated reply, each
// following item an event frame tagged with the sid, and the terminal state
// a fin or error frame. Both tunnel ends run a relay; each side tracks the
// streams it produces and the streams it consumes so an unsubscribe from
// either direction tears down exactly one registration.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/tunnel"
)

const (
	// maxEarlyStreams bounds how many unconsumed sids may stage traffic
	// at once.
	maxEarlyStreams = 8
	// earlyItemLimit matches the dispatch stream buffer; staged items
	// beyond it would not fit the stream either.
	earlyItemLimit = 16
)

// earlyTraffic stages frames for a sid whose announce reply is still in
// flight to its consumer. The reply resolves on the caller's goroutine
// while the read loop may already be routing the stream's first events, so
// those frames wait here until Consume registers the stream.
type earlyTraffic struct {
	items    []json.RawMessage
	terminal *tunnel.Message
}

// Relay owns one tunnel end's stream bookkeeping.
type Relay struct {
	consumers *Registry
	producers *Registry

	// mu orders consumer registration against read-loop routing so staged
	// frames replay before any later ones are delivered.
	mu    sync.Mutex
	early map[string]*earlyTraffic
}

// New creates a relay with empty registries.
func New() *Relay {
	return &Relay{
		consumers: NewRegistry(),
		producers: NewRegistry(),
		early:     make(map[string]*earlyTraffic),
	}
}

// NewSubscriptionStream creates an announcing stream: its first item is the
// subscribe envelope carrying a fresh sid. Producers send payload items
// after it and finish with Close or CloseWithError.
func NewSubscriptionStream(ctx context.Context) (*dispatch.Stream, error) {
	sid := tunnel.NewSID()
	st := dispatch.NewStream(sid)
	if err := st.Send(ctx, tunnel.NewSubscribeItem(sid)); err != nil {
		return nil, err
	}
	return st, nil
}

// Serve relays one dispatch result to the peer. Unary results become the
// correlated reply; stream results are pumped item by item until a terminal
// state. Blocks until the stream ends, so callers run it on the request's
// own goroutine, never the tunnel read loop.
func (r *Relay) Serve(ctx context.Context, tn *tunnel.Tunnel, reply tunnel.ReplyFunc, res *dispatch.Result) error {
	if res == nil {
		return reply(tunnel.NewReply(tunnel.StatusOK, nil))
	}
	status := res.Status
	if status == 0 {
		status = tunnel.StatusOK
	}
	if res.Stream == nil {
		return reply(tunnel.NewReply(status, res.Data))
	}
	return r.serveStream(ctx, tn, reply, res.Stream, status)
}

func (r *Relay) serveStream(ctx context.Context, tn *tunnel.Tunnel, reply tunnel.ReplyFunc, st *dispatch.Stream, status int) error {
	first, err := st.Recv(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return reply(tunnel.NewReply(status, nil))
		}
		return reply(ErrorReply(err))
	}

	// An announcing first item registers the stream so an unsubscribe can
	// reach it; anything else relays as a plain reply with no fin to come.
	var sid string
	if meta := tunnel.SniffItem(first); meta.Type == tunnel.TypeSubscribe && meta.Sid != "" {
		sid = meta.Sid
		if regErr := r.producers.Register(st); regErr != nil {
			st.Cancel()
			return reply(ErrorReply(regErr))
		}
	}

	if err := reply(tunnel.NewReply(status, first)); err != nil {
		r.producers.Remove(sid)
		st.Cancel()
		return err
	}

	for {
		item, err := st.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if sid == "" {
					return nil
				}
				if _, ok := r.producers.Remove(sid); !ok {
					return nil
				}
				return tn.Emit(&tunnel.Message{Type: tunnel.TypeFin, Sid: sid})
			}
			if sid != "" {
				if _, ok := r.producers.Remove(sid); !ok {
					return nil
				}
			}
			return tn.Emit(errorFrame(sid, err))
		}

		if err := tn.Emit(&tunnel.Message{Type: tunnel.TypeEvent, Sid: sid, Data: item}); err != nil {
			r.producers.Remove(sid)
			st.Cancel()
			return err
		}
	}
}

// Consume interprets a successful correlated reply. A reply whose payload is
// a subscribe announce produces a registered consumer stream; cancelling it
// invokes cancel with the sid (once) so the caller can notify the peer.
// Anything else is a unary result.
func (r *Relay) Consume(reply *tunnel.Message, cancel func(sid string)) (*dispatch.Result, error) {
	meta := tunnel.SniffItem(reply.Data)
	if meta.Type != tunnel.TypeSubscribe || meta.Sid == "" {
		return &dispatch.Result{Status: reply.Status, Data: reply.Data}, nil
	}

	st := dispatch.NewStream(meta.Sid)
	st.OnCancel(func() {
		if _, ok := r.consumers.Remove(meta.Sid); ok && cancel != nil {
			cancel(meta.Sid)
		}
	})

	r.mu.Lock()
	if err := r.consumers.Register(st); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if parked, ok := r.early[meta.Sid]; ok {
		delete(r.early, meta.Sid)
		r.replayLocked(st, parked)
	}
	r.mu.Unlock()

	return &dispatch.Result{Status: reply.Status, Stream: st}, nil
}

// HandleMessage routes stream traffic to its registered stream, from the
// tunnel handler goroutine. Returns false for message types the relay does
// not own.
func (r *Relay) HandleMessage(msg *tunnel.Message) bool {
	switch msg.Type {
	case tunnel.TypeEvent:
		if msg.Sid == "" {
			slog.Warn("dropping stream event without sid")
			return true
		}
		r.mu.Lock()
		st, ok := r.consumers.Resolve(msg.Sid)
		if !ok {
			r.parkLocked(msg)
			r.mu.Unlock()
			return true
		}
		err := st.TrySend(msg.Data)
		r.mu.Unlock()
		if err != nil {
			// Known limitation: a consumer that stops draining loses items
			// rather than stalling every stream on this tunnel.
			slog.Warn("stream item dropped", "sid", msg.Sid, "error", err)
		}
		return true

	case tunnel.TypeFin, tunnel.TypeError:
		if msg.Type == tunnel.TypeError && msg.Sid == "" {
			// Correlated dispatch error, resolved by the tunnel itself.
			return false
		}
		r.mu.Lock()
		st, ok := r.consumers.Remove(msg.Sid)
		if !ok {
			r.parkLocked(msg)
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()
		if msg.Type == tunnel.TypeFin {
			st.Close()
		} else {
			st.CloseWithError(streamError(msg))
		}
		return true

	case tunnel.TypeUnsubscribe:
		if st, ok := r.producers.Remove(msg.Sid); ok {
			st.Cancel()
		}
		return true
	}
	return false
}

// parkLocked stages a frame for a sid with no registered consumer yet.
// Bounded: a sid beyond the staging caps loses frames with a warning.
func (r *Relay) parkLocked(msg *tunnel.Message) {
	entry, ok := r.early[msg.Sid]
	if !ok {
		if len(r.early) >= maxEarlyStreams {
			slog.Warn("dropping frame for unknown stream",
				"sid", msg.Sid, "type", string(msg.Type))
			return
		}
		entry = &earlyTraffic{}
		r.early[msg.Sid] = entry
	}
	if entry.terminal != nil {
		return
	}
	switch msg.Type {
	case tunnel.TypeEvent:
		if len(entry.items) >= earlyItemLimit {
			slog.Warn("stream item dropped before consume", "sid", msg.Sid)
			return
		}
		entry.items = append(entry.items, msg.Data)
	case tunnel.TypeFin, tunnel.TypeError:
		entry.terminal = msg
	}
}

// replayLocked feeds staged traffic into a freshly registered consumer
// stream, applying a staged terminal state last.
func (r *Relay) replayLocked(st *dispatch.Stream, parked *earlyTraffic) {
	for _, item := range parked.items {
		if err := st.TrySend(item); err != nil {
			slog.Warn("stream item dropped", "sid", st.Sid(), "error", err)
		}
	}
	if parked.terminal == nil {
		return
	}
	if _, ok := r.consumers.Remove(st.Sid()); !ok {
		return
	}
	if parked.terminal.Type == tunnel.TypeFin {
		st.Close()
		return
	}
	st.CloseWithError(streamError(parked.terminal))
}

// Close fails every tracked stream in both registries and drops staged
// traffic. Called once the tunnel is gone.
func (r *Relay) Close(err error) {
	r.mu.Lock()
	r.early = make(map[string]*earlyTraffic)
	r.mu.Unlock()
	r.consumers.CloseAll(err)
	r.producers.CloseAll(err)
}

// Open reports how many streams the relay currently tracks.
func (r *Relay) Open() int {
	return r.consumers.Len() + r.producers.Len()
}

// ErrorReply converts a dispatch failure into a correlated error reply,
// preserving status, message, and stack across the process boundary.
func ErrorReply(err error) *tunnel.Message {
	status, stack := errorParts(err)
	return tunnel.NewErrorReply(status, err.Error(), stack)
}

// ReplyError reconstructs the failure carried by a correlated error reply.
// A not-found status becomes a route miss so fallback chains keep working
// across the tunnel.
func ReplyError(path string, reply *tunnel.Message) error {
	if reply.Status == tunnel.StatusNotFound {
		return dispatch.ErrNotFound(path)
	}
	builder := oops.With("path", path).With("status", reply.Status)
	if reply.Stack != "" {
		builder = builder.With("remote_stack", reply.Stack)
	}
	return builder.Errorf("%s", reply.Message)
}

func errorFrame(sid string, err error) *tunnel.Message {
	status, stack := errorParts(err)
	return &tunnel.Message{
		Type:    tunnel.TypeError,
		Sid:     sid,
		Status:  status,
		Message: err.Error(),
		Stack:   stack,
	}
}

func errorParts(err error) (int, string) {
	status := tunnel.StatusInternalError
	if dispatch.IsNotFound(err) {
		status = tunnel.StatusNotFound
	}
	var stack string
	if oopsErr, ok := oops.AsOops(err); ok {
		stack = oopsErr.Stacktrace()
		if s, ok := oopsErr.Context()["status"].(int); ok && s != 0 {
			status = s
		}
	}
	return status, stack
}

func streamError(msg *tunnel.Message) error {
	status := msg.Status
	if status == 0 {
		status = tunnel.StatusInternalError
	}
	builder := oops.Code(dispatch.CodeStream).
		With("sid", msg.Sid).
		With("status", status)
	if msg.Stack != "" {
		builder = builder.With("remote_stack", msg.Stack)
	}
	return builder.Errorf("%s", msg.Message)
}
