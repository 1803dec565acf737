// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package dispatch provides the path-addressable call facility shared by the
// daemon and plugin runtimes.
//
// Route patterns use gobwas/glob with '/' as the segment separator:
//   - '*' matches a single segment (does not cross '/')
//   - '**' matches zero or more segments (crosses '/')
//
// Examples:
//   - "/config/get" matches only "/config/get"
//   - "/kv/*" matches "/kv/get" but NOT "/kv/ns/get"
//   - "/kv/**" matches both "/kv/get" AND "/kv/ns/get"
//
// A dispatch that misses every route falls through an ordered chain of
// fallback resolvers; plugin hosts register themselves there so unmatched
// paths become tunnel round-trips.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("roost/dispatch")

// ErrEmptyPath is returned for requests without a path.
var ErrEmptyPath = errors.New("dispatch: empty path")

// Request is one dispatcher call.
type Request struct {
	Path string
	Data json.RawMessage
}

// Result is the outcome of a dispatcher call. Stream is non-nil when the
// handler produced a live sequence instead of a single value; Data is then
// unset.
type Result struct {
	Status int
	Data   json.RawMessage
	Stream *Stream
}

// HandlerFunc handles one matched request.
type HandlerFunc func(ctx context.Context, req *Request) (*Result, error)

// FallbackFunc resolves a request no local route matched. It either answers
// or delegates to next, the remainder of the chain.
type FallbackFunc func(ctx context.Context, req *Request, next HandlerFunc) (*Result, error)

type route struct {
	pattern string
	glob    glob.Glob
	handler HandlerFunc
}

// Dispatcher routes requests by path. It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	routes    []route
	fallbacks []*fallbackEntry
}

type fallbackEntry struct {
	fn FallbackFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Route registers a handler for a glob pattern. Patterns are tried in
// registration order, first match wins. Re-registering a pattern overwrites
// the previous handler and logs a warning.
func (d *Dispatcher) Route(pattern string, h HandlerFunc) error {
	if h == nil {
		return errors.New("dispatch: nil handler")
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return oops.With("pattern", pattern).Wrap(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, r := range d.routes {
		if r.pattern == pattern {
			slog.Warn("route conflict: overwriting existing route",
				"pattern", pattern)
			d.routes[i] = route{pattern: pattern, glob: g, handler: h}
			return nil
		}
	}
	d.routes = append(d.routes, route{pattern: pattern, glob: g, handler: h})
	return nil
}

// Unroute removes a registered pattern. Unknown patterns are a no-op.
func (d *Dispatcher) Unroute(pattern string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, r := range d.routes {
		if r.pattern == pattern {
			d.routes = append(d.routes[:i], d.routes[i+1:]...)
			return
		}
	}
}

// AddFallback appends a resolver to the fallback chain and returns its
// removal function. Fallbacks run in registration order after every local
// route missed.
func (d *Dispatcher) AddFallback(fb FallbackFunc) func() {
	entry := &fallbackEntry{fn: fb}

	d.mu.Lock()
	d.fallbacks = append(d.fallbacks, entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.fallbacks {
			if e == entry {
				d.fallbacks = append(d.fallbacks[:i], d.fallbacks[i+1:]...)
				return
			}
		}
	}
}

// Dispatch routes a request to the first matching handler, falling through
// to the fallback chain on a miss. Handler errors other than a route miss
// propagate unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (res *Result, err error) {
	if req == nil || req.Path == "" {
		return nil, ErrEmptyPath
	}

	ctx, span := tracer.Start(ctx, "dispatch.call",
		trace.WithAttributes(
			attribute.String("dispatch.path", req.Path),
		),
	)
	defer func() {
		if err != nil && !IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if h, pattern, ok := d.match(req.Path); ok {
		span.SetAttributes(attribute.String("dispatch.route", pattern))
		res, err = h(ctx, req)
		if err == nil || !IsNotFound(err) {
			if err != nil {
				slog.WarnContext(ctx, "dispatch failed",
					"path", req.Path,
					"route", pattern,
					"error", err,
				)
			}
			return res, err
		}
		// Handler reported a miss: fall through like an unmatched path.
	}

	span.SetAttributes(attribute.Bool("dispatch.fallback", true))
	return d.runFallbacks(ctx, req, d.fallbackChain())
}

func (d *Dispatcher) match(path string) (HandlerFunc, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, r := range d.routes {
		if r.glob.Match(path) {
			return r.handler, r.pattern, true
		}
	}
	return nil, "", false
}

func (d *Dispatcher) fallbackChain() []*fallbackEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chain := make([]*fallbackEntry, len(d.fallbacks))
	copy(chain, d.fallbacks)
	return chain
}

func (d *Dispatcher) runFallbacks(ctx context.Context, req *Request, chain []*fallbackEntry) (*Result, error) {
	if len(chain) == 0 {
		return nil, ErrNotFound(req.Path)
	}
	next := func(ctx context.Context, req *Request) (*Result, error) {
		return d.runFallbacks(ctx, req, chain[1:])
	}
	return chain[0].fn(ctx, req, next)
}
