// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package plugin

import (
	"fmt"

	"github.com/samber/oops"
)

// Error codes for plugin lifecycle failures.
const (
	CodeActivation      = "ACTIVATION_FAILED"
	CodeProcessExit     = "PROCESS_EXIT"
	CodeRuntimeMismatch = "PLUGIN_RUNTIME_MISMATCH"
)

// ErrActivation creates the error for a plugin that failed to reach the
// started state. When the child reported no message of its own, one is
// synthesized from the exit code.
func ErrActivation(name string, exitCode int, message, stack string) error {
	if message == "" {
		message = fmt.Sprintf("failed to activate plugin (code %d)", exitCode)
	}
	builder := oops.Code(CodeActivation).
		With("plugin", name).
		With("exit_code", exitCode)
	if stack != "" {
		builder = builder.With("remote_stack", stack)
	}
	return builder.Errorf("%s", message)
}

// ErrProcessExit creates the error for a child that terminated while the
// plugin was started.
func ErrProcessExit(name string, exitCode int) error {
	return oops.Code(CodeProcessExit).
		With("plugin", name).
		With("exit_code", exitCode).
		Errorf("plugin process exited unexpectedly (code %d)", exitCode)
}

// ErrRuntimeMismatch creates the error for an internal plugin whose declared
// requirement the daemon runtime cannot satisfy.
func ErrRuntimeMismatch(name, requires, runtime string) error {
	return oops.Code(CodeRuntimeMismatch).
		With("plugin", name).
		With("requires", requires).
		With("runtime_version", runtime).
		Errorf("plugin %s requires runtime %s, have %s", name, requires, runtime)
}

// FailureFrom extracts the message and stack captured in an error for the
// status surface. A nil error yields nil.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Message: err.Error()}
	if oopsErr, ok := oops.AsOops(err); ok {
		if stack, ok := oopsErr.Context()["remote_stack"].(string); ok {
			f.Stack = stack
		}
	}
	return f
}
