// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package sdk

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roostd/roost/internal/tunnel"
)

// frameHandler is a slog.Handler that ships records to the daemon as log
// frames. The daemon re-emits them through its own sink under the plugin's
// name, so level filtering happens there, not here.
type frameHandler struct {
	tn     *tunnel.Tunnel
	attrs  map[string]any
	prefix string
}

func newFrameHandler(tn *tunnel.Tunnel) *frameHandler {
	return &frameHandler{tn: tn}
}

func (h *frameHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug
}

func (h *frameHandler) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+rec.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	rec.Attrs(func(a slog.Attr) bool {
		h.addAttr(attrs, a)
		return true
	})

	record := tunnel.LogRecord{
		Level: rec.Level.String(),
		Msg:   rec.Message,
		Time:  rec.Time,
	}
	if len(attrs) > 0 {
		record.Attrs = attrs
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return h.tn.Emit(&tunnel.Message{Type: tunnel.TypeLog, Data: data})
}

func (h *frameHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.addAttr(next.attrs, a)
	}
	return next
}

// WithGroup flattens groups into dotted key prefixes; the wire attrs are a
// flat map.
func (h *frameHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *frameHandler) addAttr(dst map[string]any, a slog.Attr) {
	if a.Key == "" {
		return
	}
	dst[h.prefix+a.Key] = attrValue(a.Value)
}

func (h *frameHandler) clone() *frameHandler {
	attrs := make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &frameHandler{tn: h.tn, attrs: attrs, prefix: h.prefix}
}

// attrValue maps a slog value to something json.Marshal renders usefully.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		members := v.Group()
		m := make(map[string]any, len(members))
		for _, a := range members {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}
