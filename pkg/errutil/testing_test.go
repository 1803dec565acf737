// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package errutil_test

import (
	"fmt"
	"testing"

	"github.com/samber/oops"

	"github.com/roostd/roost/pkg/errutil"
)

func TestAssertErrorCode(t *testing.T) {
	err := oops.Code("PROCESS_EXIT").
		With("plugin", "echo").
		Errorf("plugin process exited unexpectedly (code 137)")
	errutil.AssertErrorCode(t, err, "PROCESS_EXIT")
}

func TestAssertErrorCode_WrappedError(t *testing.T) {
	inner := oops.Code("ACTIVATION_FAILED").Errorf("no activate function")
	err := fmt.Errorf("load plugin echo: %w", inner)
	errutil.AssertErrorCode(t, err, "ACTIVATION_FAILED")
}

func TestAssertErrorContext_StringValue(t *testing.T) {
	err := oops.With("plugin", "echo").Errorf("tunnel closed")
	errutil.AssertErrorContext(t, err, "plugin", "echo")
}

func TestAssertErrorContext_IntValue(t *testing.T) {
	err := oops.With("exit_code", 70).Errorf("activation failed")
	errutil.AssertErrorContext(t, err, "exit_code", 70)
}

func TestAssertErrorContextContains(t *testing.T) {
	err := oops.With("remote_stack", "goroutine 1 [running]:\nmain.activate\n\tplugin.go:7").
		Errorf("activation failed")
	errutil.AssertErrorContextContains(t, err, "remote_stack", "plugin.go:7")
}
