// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package watch

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes one or more directory trees and invokes a single
// debounced callback when anything under them changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce *Debouncer
	logger   *slog.Logger
	filter   func(path string) bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter restricts which changed paths trigger the callback.
func WithFilter(fn func(path string) bool) Option {
	return func(w *Watcher) {
		w.filter = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher that calls onChange after the debounce delay once
// events stop arriving. Watch roots are added with AddTree.
func New(delay time.Duration, onChange func(), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: NewDebouncer(delay, onChange),
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.loop()
	return w, nil
}

// AddTree registers root and every directory below it. Directories created
// after registration are picked up on the next restart cycle, when the
// owning host rebuilds its watchers.
func (w *Watcher) AddTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Close stops watching and cancels any pending callback. A callback that
// already fired may still be running when Close returns.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
		<-w.done
		w.debounce.Stop()
	})
	return w.closeErr
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.filter != nil && !w.filter(event.Name) {
				continue
			}
			w.logger.Debug("filesystem change",
				"path", event.Name,
				"op", event.Op.String())
			w.debounce.Trigger()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
