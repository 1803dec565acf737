// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package tunnel implements the framed message channel between a plugin
// host and its child process.
//
// Frames are newline-delimited JSON envelopes over a byte stream (the
// child's stdin/stdout). The envelope is self-describing: a Type tag plus
// the fields that type needs. Dispatch traffic carries a correlation ID and
// gets exactly one reply; everything else is fire-and-forget. Streamed
// dispatch responses are carried as sid-tagged event/fin/error frames after
// an announcing subscribe frame.
package tunnel

import (
	"encoding/json"
	"time"
)

// Type tags a tunnel message envelope.
type Type string

// Message types carried over the tunnel.
const (
	// TypeRequest routes a call through the peer's dispatcher. Correlated.
	TypeRequest Type = "request"
	// TypeReply is the correlated response to a request or deactivate.
	TypeReply Type = "reply"
	// TypeError reports a failure: correlated (dispatch error) when ID is
	// set, stream-terminal when Sid is set.
	TypeError Type = "error"
	// TypeActivated signals successful plugin activation. Child to parent.
	TypeActivated Type = "activated"
	// TypeActivationError reports a failed activation just before the child
	// exits with ActivationFailureExitCode.
	TypeActivationError Type = "activation_error"
	// TypeLog re-emits a child log record through the parent's sink.
	TypeLog Type = "log"
	// TypeStats carries a periodic resource-usage snapshot.
	TypeStats Type = "stats"
	// TypeDeactivate requests graceful child shutdown. Correlated; the child
	// acknowledges with a reply before exiting.
	TypeDeactivate Type = "deactivate"
	// TypeSubscribe announces a subscription stream and its sid. Sent as the
	// first item of every announcing stream.
	TypeSubscribe Type = "subscribe"
	// TypeEvent is one relayed item of a subscription stream.
	TypeEvent Type = "event"
	// TypeFin marks normal end of a subscription stream.
	TypeFin Type = "fin"
	// TypeUnsubscribe closes a tracked stream without waiting for its
	// natural completion. Either direction.
	TypeUnsubscribe Type = "unsubscribe"
)

// Message is the tunnel envelope. Every field needed to interpret a message
// is in the envelope; no type carries ambient state. ID is present only on
// correlated dispatch traffic (request/reply/error/deactivate).
type Message struct {
	ID      uint64          `json:"id,omitempty"`
	Type    Type            `json:"type"`
	Path    string          `json:"path,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Status  int             `json:"status,omitempty"`
	Sid     string          `json:"sid,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// LogRecord is the wire shape of a TypeLog payload. The child's identity is
// dropped on re-emit; the parent logs under its own identity with the plugin
// name attached.
type LogRecord struct {
	Level string         `json:"level"`
	Msg   string         `json:"msg"`
	Time  time.Time      `json:"time"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// NewRequest builds a dispatch request envelope. The correlation ID is
// assigned by Send.
func NewRequest(path string, data json.RawMessage) *Message {
	return &Message{Type: TypeRequest, Path: path, Data: data}
}

// NewReply builds a correlated reply carrying a status and payload.
func NewReply(status int, data json.RawMessage) *Message {
	return &Message{Type: TypeReply, Status: status, Data: data}
}

// NewErrorReply builds a correlated error reply. A zero status defaults to
// StatusInternalError.
func NewErrorReply(status int, msg, stack string) *Message {
	if status == 0 {
		status = StatusInternalError
	}
	return &Message{Type: TypeError, Status: status, Message: msg, Stack: stack}
}

// NewSubscribeItem builds the announce item that opens a subscription
// stream, as raw JSON suitable for a dispatch stream.
func NewSubscribeItem(sid string) json.RawMessage {
	raw, _ := json.Marshal(Message{Type: TypeSubscribe, Sid: sid})
	return raw
}

// StreamMeta is the sniffed portion of a stream item: enough to recognize
// subscribe announcements without decoding the rest.
type StreamMeta struct {
	Type Type   `json:"type"`
	Sid  string `json:"sid"`
}

// SniffItem inspects a raw stream item for its type tag and sid. Items that
// are not envelopes at all come back with an empty type and are forwarded
// verbatim.
func SniffItem(raw json.RawMessage) StreamMeta {
	var meta StreamMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return StreamMeta{}
	}
	return meta
}
