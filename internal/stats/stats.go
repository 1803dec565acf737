// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

// Package stats samples process resource usage for the stats frames a
// plugin emits to its daemon.
package stats

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// MinInterval is the floor for the sampling interval. Sampling more often
// than this costs more than the numbers are worth.
const MinInterval = time.Second

// DefaultInterval is used until configuration says otherwise.
const DefaultInterval = 30 * time.Second

// Snapshot is one observation of the process, in the shape the stats
// frame carries.
type Snapshot struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
	UptimeMs   int64   `json:"uptime_ms"`
}

// Sampler periodically observes the current process and hands each
// snapshot to an emit callback. The interval can be changed while the
// sampler runs; configuration subscriptions use that to retune it live.
type Sampler struct {
	pid    int
	proc   *process.Process
	start  time.Time
	emit   func(Snapshot)
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithInterval sets the initial sampling interval, clamped to MinInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		s.interval = clampInterval(d, s.logger)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger
	}
}

// NewSampler creates a sampler for the current process. OS-level metrics
// degrade to zero when the platform cannot provide them; runtime metrics
// are always available.
func NewSampler(emit func(Snapshot), opts ...Option) *Sampler {
	s := &Sampler{
		pid:      os.Getpid(),
		start:    time.Now(),
		emit:     emit,
		logger:   slog.Default(),
		interval: DefaultInterval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	proc, err := process.NewProcess(int32(s.pid))
	if err != nil {
		s.logger.Warn("process stats unavailable", "pid", s.pid, "error", err)
	} else {
		s.proc = proc
	}
	return s
}

// Interval returns the current sampling interval.
func (s *Sampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval retunes a running sampler. Values below MinInterval are
// clamped with a warning.
func (s *Sampler) SetInterval(d time.Duration) {
	d = clampInterval(d, s.logger)

	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	// Wake the loop; a pending kick already covers this update.
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Sample takes one observation immediately.
func (s *Sampler) Sample() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		PID:        s.pid,
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
		UptimeMs:   time.Since(s.start).Milliseconds(),
	}

	if s.proc != nil {
		if cpu, err := s.proc.Percent(0); err == nil {
			snap.CPUPercent = cpu
		} else {
			s.logger.Debug("cpu sample failed", "error", err)
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			snap.RSSBytes = mem.RSS
		} else if err != nil {
			s.logger.Debug("memory sample failed", "error", err)
		}
	}

	return snap
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
}

// Stop terminates the loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started {
		<-s.done
	}
}

func (s *Sampler) run() {
	defer close(s.done)

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.emit(s.Sample())
			timer.Reset(s.Interval())

		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval())

		case <-s.stop:
			return
		}
	}
}

func clampInterval(d time.Duration, logger *slog.Logger) time.Duration {
	if d < MinInterval {
		if logger != nil && d > 0 {
			logger.Warn("stats interval below minimum, clamping",
				"requested", d,
				"minimum", MinInterval)
		}
		return MinInterval
	}
	return d
}
