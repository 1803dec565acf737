// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package exthost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugRequested(t *testing.T) {
	t.Setenv(EnvDebug, "alpha, beta")

	assert.True(t, debugRequested("alpha"))
	assert.True(t, debugRequested("beta"), "entries are trimmed")
	assert.False(t, debugRequested("gamma"))
	assert.False(t, debugRequested(""))

	t.Setenv(EnvDebug, "")
	assert.False(t, debugRequested("alpha"))
}

func TestDebugCommand(t *testing.T) {
	cmd, args := debugCommand("/srv/plugins/echo/run", []string{"--fast", "-v"})
	assert.Equal(t, "dlv", cmd)
	assert.Equal(t, []string{
		"exec", "--headless", "--listen=127.0.0.1:0", "--api-version=2", "--log-dest=2",
		"/srv/plugins/echo/run",
		"--", "--fast", "-v",
	}, args)

	cmd, args = debugCommand("/srv/plugins/echo/run", nil)
	assert.Equal(t, "dlv", cmd)
	assert.NotContains(t, args, "--", "no separator without plugin args")
}
