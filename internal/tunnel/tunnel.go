// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// Error codes for tunnel failures.
const (
	CodeTunnelClosed = "TUNNEL_CLOSED"
	CodeProtocol     = "PROTOCOL_ERROR"
)

// ErrClosed is the terminal error for a tunnel whose transport is gone.
// Every send pending at close time fails with an error wrapping ErrClosed.
var ErrClosed = errors.New("tunnel closed")

// ReplyFunc answers the message it was handed out for. When that message
// carried a correlation ID the reply is correlated to it; otherwise the
// reply is emitted as a plain event.
type ReplyFunc func(*Message) error

// Handler receives every inbound message that is not a reply to a pending
// send. Handlers are invoked sequentially from the read loop, in transport
// order. A handler must not block on a reply from the same tunnel; work
// that sends and waits belongs on its own goroutine.
type Handler func(msg *Message, reply ReplyFunc)

// Option configures a Tunnel.
type Option func(*Tunnel)

// WithLogger sets the logger used for protocol warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tunnel) {
		t.logger = logger
	}
}

// WithCloser registers a transport closer invoked once when the tunnel
// shuts down (typically the write end of the peer's pipe).
func WithCloser(c io.Closer) Option {
	return func(t *Tunnel) {
		t.closers = append(t.closers, c)
	}
}

// Tunnel is a framed, bidirectional, asynchronous message channel wrapping
// one process's IPC endpoint. Concurrent sends are multiplexed by
// correlation ID and may complete out of order relative to issuance. The
// tunnel never reconnects; when the transport closes, recovery is the
// owner's responsibility.
type Tunnel struct {
	enc     *json.Encoder
	dec     *json.Decoder
	handler Handler
	logger  *slog.Logger
	closers []io.Closer

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Message
	closed  bool
	err     error

	done chan struct{}
}

// New wraps a transport in a Tunnel. The reader carries inbound frames, the
// writer outbound ones. Start must be called before the tunnel delivers
// anything.
func New(r io.Reader, w io.Writer, handler Handler, opts ...Option) *Tunnel {
	if handler == nil {
		panic("tunnel: handler cannot be nil")
	}
	t := &Tunnel{
		enc:     json.NewEncoder(w),
		dec:     json.NewDecoder(r),
		handler: handler,
		logger:  slog.Default(),
		pending: make(map[uint64]chan *Message),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the read loop.
func (t *Tunnel) Start() {
	go t.readLoop()
}

// Done is closed when the tunnel has shut down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal transport error, nil for a clean close. Only
// meaningful after Done is closed.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil && !errors.Is(t.err, io.EOF) {
		return t.err
	}
	return nil
}

// Send writes msg with a fresh correlation ID and blocks until the
// correlated reply arrives, the transport closes, or ctx is done. Pending
// sends fail exactly once with an error wrapping ErrClosed when the peer
// goes away.
func (t *Tunnel) Send(ctx context.Context, msg *Message) (*Message, error) {
	id := t.nextID.Add(1)
	ch := make(chan *Message, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.closedErr()
	}
	t.pending[id] = ch
	t.mu.Unlock()

	out := *msg
	out.ID = id
	if err := t.write(&out); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-t.done:
		// Prefer a reply that raced the shutdown.
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return nil, t.closedErr()
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, oops.With("path", msg.Path).Wrap(ctx.Err())
	}
}

// Emit writes msg without a correlation ID. Fire-and-forget: no reply is
// expected or routed.
func (t *Tunnel) Emit(msg *Message) error {
	out := *msg
	out.ID = 0
	return t.write(&out)
}

// Close shuts the tunnel down, failing all pending sends. Idempotent.
func (t *Tunnel) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Tunnel) write(msg *Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return t.closedErr()
	}

	if err := t.enc.Encode(msg); err != nil {
		t.shutdown(err)
		return t.closedErr()
	}
	return nil
}

// readLoop decodes frames until the transport fails, routing replies to
// pending sends and everything else to the handler.
func (t *Tunnel) readLoop() {
	for {
		var msg Message
		if err := t.dec.Decode(&msg); err != nil {
			if !isDisconnect(err) {
				t.logger.Warn("tunnel frame decode failed", "error", err)
				t.shutdown(oops.Code(CodeProtocol).Wrap(err))
				return
			}
			t.shutdown(err)
			return
		}

		if t.resolvePending(&msg) {
			continue
		}

		reply := t.replyFunc(msg.ID)
		t.handler(&msg, reply)
	}
}

// resolvePending routes correlated replies (reply, or error without a sid)
// to their waiting sender. Returns false for messages the handler owns.
func (t *Tunnel) resolvePending(msg *Message) bool {
	if msg.ID == 0 {
		return false
	}
	if msg.Type != TypeReply && !(msg.Type == TypeError && msg.Sid == "") {
		return false
	}

	t.mu.Lock()
	ch, ok := t.pending[msg.ID]
	if ok {
		delete(t.pending, msg.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("tunnel reply for unknown correlation id",
			"id", msg.ID,
			"type", string(msg.Type))
		return true
	}
	ch <- msg
	return true
}

// replyFunc scopes a reply to one inbound message's correlation ID. For
// messages without one it degrades to Emit.
func (t *Tunnel) replyFunc(id uint64) ReplyFunc {
	return func(msg *Message) error {
		out := *msg
		out.ID = id
		if id == 0 {
			return t.Emit(&out)
		}
		return t.write(&out)
	}
}

// shutdown marks the tunnel closed, releases pending senders via done, and
// closes the transport. Only the first caller's error is retained.
func (t *Tunnel) shutdown(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	t.pending = nil
	t.mu.Unlock()

	close(t.done)
	for _, c := range t.closers {
		if cerr := c.Close(); cerr != nil {
			t.logger.Debug("tunnel transport close failed", "error", cerr)
		}
	}
}

func (t *Tunnel) closedErr() error {
	t.mu.Lock()
	cause := t.err
	t.mu.Unlock()

	builder := oops.Code(CodeTunnelClosed)
	if cause != nil && !errors.Is(cause, io.EOF) {
		builder = builder.With("cause", cause.Error())
	}
	return builder.Wrap(ErrClosed)
}

// isDisconnect reports whether a decode error is an expected transport
// teardown rather than a framing violation.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
