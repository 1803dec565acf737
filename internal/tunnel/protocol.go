// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package tunnel

// Dispatch reply statuses. These are protocol conventions shared with the
// rest of the daemon, named here so call sites never re-derive the numbers.
const (
	// StatusOK is a successful dispatch reply.
	StatusOK = 200
	// StatusNotFound marks a route miss. The receiving side falls through to
	// its next handler instead of surfacing an error.
	StatusNotFound = 404
	// StatusInternalError is the default status for errors that carry none.
	StatusInternalError = 500

	// errorStatusThreshold separates success statuses from failures.
	errorStatusThreshold = 400
)

// ActivationFailureExitCode is the reserved exit code a child uses when
// plugin activation fails, distinguishing it from ordinary crashes. The
// child emits an activation_error frame first, then exits with this code.
const ActivationFailureExitCode = 70

// IsErrorStatus reports whether a reply status denotes a failure.
func IsErrorStatus(status int) bool {
	return status >= errorStatusThreshold
}
