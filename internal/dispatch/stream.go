// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/samber/oops"
)

// itemBuffer is the per-stream item channel capacity. Producers block once
// the consumer falls this far behind.
const itemBuffer = 16

// ErrStreamClosed is returned by Send after the stream reached a terminal
// state.
var ErrStreamClosed = errors.New("stream closed")

// ErrStreamFull is returned by TrySend when the consumer has fallen a full
// buffer behind.
var ErrStreamFull = errors.New("stream buffer full")

// Stream is an ordered sequence of response items with explicit terminal
// states. The producing side calls Send then exactly one of Close or
// CloseWithError; those three must not be called concurrently with each
// other. Cancel is the consumer-side abort and is safe from any goroutine:
// it stops future Sends and fires the cancel hook, but leaves Items open,
// so a canceller must stop ranging on its own.
type Stream struct {
	sid   string
	items chan json.RawMessage
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	err      error
	onCancel func()
}

// NewStream creates a stream. The sid may be empty for streams that never
// announce a subscription.
func NewStream(sid string) *Stream {
	return &Stream{
		sid:   sid,
		items: make(chan json.RawMessage, itemBuffer),
		done:  make(chan struct{}),
	}
}

// Sid returns the subscription id the stream was created under.
func (s *Stream) Sid() string {
	return s.sid
}

// Items returns the item channel. It is closed by Close and CloseWithError,
// after which Err reports the terminal error, if any.
func (s *Stream) Items() <-chan json.RawMessage {
	return s.items
}

// Done is closed once the stream reaches any terminal state, including
// Cancel.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error set by CloseWithError. It is meaningful
// once Items is closed or Done fires.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers one item to the consumer, blocking while the buffer is full.
func (s *Stream) Send(ctx context.Context, item json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	select {
	case s.items <- item:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return oops.With("sid", s.sid).Wrap(ctx.Err())
	}
}

// TrySend delivers one item without blocking. Callers on a read loop use it
// so one slow consumer cannot stall the whole tunnel; a full buffer loses
// the item.
func (s *Stream) TrySend(item json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case s.items <- item:
		return nil
	default:
		return ErrStreamFull
	}
}

// Close ends the stream normally. Idempotent.
func (s *Stream) Close() {
	s.finish(nil)
}

// CloseWithError ends the stream with a terminal error. Idempotent; the
// first terminal state wins.
func (s *Stream) CloseWithError(err error) {
	s.finish(err)
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.items)
	s.mu.Unlock()
}

// Cancel aborts the stream from the consuming side. Future Sends fail and
// the cancel hook runs once; the producer's own Close becomes a no-op.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	fn := s.onCancel
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Fail terminates the stream from outside the producing goroutine, recording
// err as the terminal error. Unlike CloseWithError it leaves Items open, so
// it is safe while a Send is blocked; readers must use Recv (or watch Done)
// to observe it. The cancel hook does not fire.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Recv returns the next item. It drains buffered items before reporting a
// terminal state: io.EOF after Close or Cancel, the recorded error after
// CloseWithError or Fail.
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return nil, s.terminal()
		}
		return item, nil
	case <-s.done:
		select {
		case item, ok := <-s.items:
			if !ok {
				return nil, s.terminal()
			}
			return item, nil
		default:
			return nil, s.terminal()
		}
	case <-ctx.Done():
		return nil, oops.With("sid", s.sid).Wrap(ctx.Err())
	}
}

func (s *Stream) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// OnCancel sets the hook invoked by Cancel. The relay uses it to notify the
// peer and drop the registration.
func (s *Stream) OnCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = fn
}
