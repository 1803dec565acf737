// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package dispatch

import (
	"github.com/samber/oops"
)

// Error codes for dispatch failures.
const (
	CodeNotFound = "DISPATCH_NOT_FOUND"
	CodeStream   = "STREAM_ERROR"
)

// ErrNotFound creates an error for a path with no matching route. Callers
// treat it as a fallback trigger, not a hard failure, until every handler in
// the chain has missed.
func ErrNotFound(path string) error {
	return oops.Code(CodeNotFound).
		With("path", path).
		Errorf("no route for %s", path)
}

// ErrStream creates an error for a stream that failed mid-flight.
func ErrStream(sid string, cause error) error {
	return oops.Code(CodeStream).
		With("sid", sid).
		Wrap(cause)
}

// IsNotFound reports whether err is a route-miss that should fall through to
// the next handler.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == CodeNotFound
}
