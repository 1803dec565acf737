// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package relay

import (
	"sync"

	"github.com/samber/oops"

	"github.com/roostd/roost/internal/dispatch"
	"github.com/roostd/roost/internal/tunnel"
)

// Registry tracks open streams by subscription id. A sid is registered at
// most once; removal is the single arbiter between natural completion and
// an explicit unsubscribe racing each other.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*dispatch.Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[string]*dispatch.Stream),
	}
}

// Register tracks a stream under its sid. Registering a sid twice is a
// protocol anomaly and fails.
func (r *Registry) Register(st *dispatch.Stream) error {
	sid := st.Sid()
	if sid == "" {
		return oops.Code(tunnel.CodeProtocol).
			Errorf("cannot register stream without sid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[sid]; exists {
		return oops.Code(tunnel.CodeProtocol).
			With("sid", sid).
			Errorf("duplicate stream registration")
	}
	r.streams[sid] = st
	return nil
}

// Resolve looks up a stream by sid.
func (r *Registry) Resolve(sid string) (*dispatch.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[sid]
	return st, ok
}

// Remove drops a sid and returns its stream. Removing an unknown or
// already-removed sid reports false; callers treat that as "someone else
// already tore this down" and emit nothing further.
func (r *Registry) Remove(sid string) (*dispatch.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[sid]
	if ok {
		delete(r.streams, sid)
	}
	return st, ok
}

// Len reports the number of tracked streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// CloseAll fails every tracked stream with err and clears the registry.
// Called on tunnel teardown so no consumer waits on a dead peer.
func (r *Registry) CloseAll(err error) {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*dispatch.Stream)
	r.mu.Unlock()

	for _, st := range streams {
		st.Fail(err)
	}
}
