// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package plugin

import (
	"context"
	"sync"
)

// State is a plugin instance's lifecycle state.
type State int32

// Lifecycle states. Stopped is both initial and terminal.
const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

// String returns the state's wire and log representation.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Failure is a captured plugin error: the message and, when the child
// reported one, its stack. Cleared on restart.
type Failure struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StartAttempt is the shared completion of one start cycle. Concurrent
// starters wait on the same attempt instead of spawning a second child.
type StartAttempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newStartAttempt() *StartAttempt {
	return &StartAttempt{done: make(chan struct{})}
}

func settledAttempt(err error) *StartAttempt {
	a := newStartAttempt()
	a.settle(err)
	return a
}

func (a *StartAttempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Wait blocks until the attempt settles or ctx is done.
func (a *StartAttempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Machine guards a plugin instance's lifecycle transitions. At most one
// start/stop cycle is in flight at a time; hosts drive it from activation
// events and process exit.
type Machine struct {
	mu      sync.Mutex
	state   State
	attempt *StartAttempt
}

// NewMachine creates a machine in the stopped state.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginStart claims a start cycle. The first caller from stopped owns the
// spawn (proceed true) and must settle the attempt through Activated or
// Exited; every later caller gets the in-flight or settled attempt to wait
// on. A start during stopping fails immediately.
func (m *Machine) BeginStart() (attempt *StartAttempt, proceed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStarting, StateStarted:
		return m.attempt, false
	case StateStopping:
		return settledAttempt(ErrActivation("", 0, "plugin is stopping", "")), false
	}

	m.state = StateStarting
	m.attempt = newStartAttempt()
	return m.attempt, true
}

// Activated moves starting to started and resolves the pending attempt.
// Reports false when the machine was not starting.
func (m *Machine) Activated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStarting {
		return false
	}
	m.state = StateStarted
	m.attempt.settle(nil)
	return true
}

// BeginStop moves started to stopping. Reports false in any other state;
// callers then decide whether there is anything to stop at all.
func (m *Machine) BeginStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStarted {
		return false
	}
	m.state = StateStopping
	return true
}

// Exited drives the transition for a terminated instance and returns the
// state it left. An exit during starting rejects the attempt with startErr;
// an exit from started or stopping simply lands in stopped.
func (m *Machine) Exited(startErr error) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	switch m.state {
	case StateStarting:
		m.state = StateStopped
		m.attempt.settle(startErr)
	case StateStarted, StateStopping:
		m.state = StateStopped
	}
	return prev
}
