// Package timesource implements the device time model of spec.md §4.1: a
// wall clock that is either derived from a synced epoch base or, before the
// phone provides one, expressed directly in uptime seconds.
package timesource

import (
	"log/slog"
	"sync"
	"time"
)

// Source tracks (epoch_base, uptime_base_ms, synced) and answers Now() per
// the synced/unsynced formula in spec.md §4.1. Create one with New or
// NewWithClock; the zero value has no uptime clock, and Now, Uptime and
// SetEpoch panic on it.
type Source struct {
	mu sync.Mutex

	epochBase    int64 // seconds, valid only when synced
	uptimeBaseMs int64 // uptime at the moment SetEpoch was called
	synced       bool

	// uptimeMs is injectable for tests; defaults to a monotonic clock
	// anchored at construction.
	uptimeMs func() int64

	logger *slog.Logger
}

// New creates a Source whose uptime clock starts at zero at construction
// time and advances with the monotonic wall clock.
func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	return &Source{
		uptimeMs: func() int64 { return time.Since(start).Milliseconds() },
		logger:   logger.With("subsystem", "timesource"),
	}
}

// NewWithClock creates a Source using an injected uptime clock, for tests
// that need to control the passage of time deterministically.
func NewWithClock(logger *slog.Logger, uptimeMs func() int64) *Source {
	s := New(logger)
	s.uptimeMs = uptimeMs
	return s
}

// Now returns the current time in epoch seconds when synced, or raw uptime
// seconds when not — exactly spec.md §4.1's now_s().
func (s *Source) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *Source) nowLocked() int64 {
	u := s.uptimeMs()
	if s.synced {
		return s.epochBase + (u-s.uptimeBaseMs)/1000
	}
	return u / 1000
}

// SetEpoch captures the current uptime as the base for a newly-synced
// clock. Idempotent: calling it again simply re-anchors. spec.md leaves
// backward clock moves unspecified; we log and accept rather than error,
// since refusing would leave the device permanently unsynced after one bad
// phone clock.
func (s *Source) SetEpoch(epochSeconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.synced && epochSeconds < s.nowLocked() {
		s.logger.Warn("epoch set moves clock backward", "current", s.nowLocked(), "new", epochSeconds)
	}
	s.epochBase = epochSeconds
	s.uptimeBaseMs = s.uptimeMs()
	s.synced = true
}

// Synced reports whether the clock has received an epoch from the phone.
func (s *Source) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Uptime returns raw uptime seconds, used by the retimestamper's U term
// regardless of sync state.
func (s *Source) Uptime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uptimeMs() / 1000
}
