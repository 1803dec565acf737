// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/relay"
	"github.com/roostd/roost/internal/tunnel"
)

// Dispatch paths the store mounts.
const (
	PathGet       = "/config/get"
	PathSubscribe = "/config/subscribe"
)

// Store holds the live configuration and fans updates out to subscribed
// streams. Plugins reach it through the dispatcher: /config/get returns
// the current snapshot, /config/subscribe opens a stream that yields the
// current snapshot and then one item per change.
type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	current Config
	raw     json.RawMessage
	subs    map[string]*dispatch.Stream
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger,
		current: cfg,
		raw:     raw,
		subs:    make(map[string]*dispatch.Stream),
	}, nil
}

// Current returns the configuration as last updated.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Snapshot returns the marshaled form of the current configuration.
func (s *Store) Snapshot() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

// Update replaces the configuration and pushes the new snapshot to every
// subscriber. An update that changes nothing is not broadcast.
func (s *Store) Update(cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(raw, s.raw) {
		return nil
	}
	s.current = cfg
	s.raw = raw

	for sid, st := range s.subs {
		if err := st.TrySend(raw); err != nil {
			// Subscribers consume snapshots far slower than config
			// changes arrive only when something is wrong; the next
			// update carries the full state anyway.
			s.logger.Warn("dropping config snapshot for slow subscriber",
				"sid", sid,
				"error", err)
		}
	}
	return nil
}

// Subscribers reports how many streams are currently attached.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Routes mounts the store's handlers on the dispatcher.
func (s *Store) Routes(d *dispatch.Dispatcher) error {
	if err := d.Route(PathGet, s.handleGet); err != nil {
		return err
	}
	return d.Route(PathSubscribe, s.handleSubscribe)
}

// Close finishes every subscription stream. Subscribers observe a normal
// end of stream.
func (s *Store) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*dispatch.Stream)
	s.mu.Unlock()

	for _, st := range subs {
		st.Close()
	}
}

func (s *Store) handleGet(_ context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
	return &dispatch.Result{Status: tunnel.StatusOK, Data: s.Snapshot()}, nil
}

func (s *Store) handleSubscribe(ctx context.Context, _ *dispatch.Request) (*dispatch.Result, error) {
	st, err := relay.NewSubscriptionStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Send(ctx, s.Snapshot()); err != nil {
		return nil, err
	}

	sid := st.Sid()
	st.OnCancel(func() { s.drop(sid) })

	s.mu.Lock()
	s.subs[sid] = st
	s.mu.Unlock()

	s.logger.Debug("config subscription opened", "sid", sid)
	return &dispatch.Result{Status: tunnel.StatusOK, Stream: st}, nil
}

func (s *Store) drop(sid string) {
	s.mu.Lock()
	delete(s.subs, sid)
	s.mu.Unlock()

	s.logger.Debug("config subscription closed", "sid", sid)
}
