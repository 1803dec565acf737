// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package watch provides filesystem change notification with coalescing
// debounce, used to restart plugins when their source trees change.
package watch

import (
	"sync"
	"time"
)

// DefaultDebounce is the delay applied when a caller does not configure one.
// Editors and package managers emit bursts of change events; one coalesced
// action per burst avoids restart storms.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer coalesces a burst of triggers into a single deferred call:
// the action is scheduled at trigger time plus the delay, and every
// further trigger before it fires resets the schedule.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer invoking fn after delay. A
// non-positive delay falls back to DefaultDebounce.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger schedules the action, resetting any pending schedule. The action
// runs on its own goroutine once the delay elapses without another trigger.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Stop cancels any pending action and ignores further triggers. It does
// not wait for an action that already started running.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
