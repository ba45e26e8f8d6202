// Package codec provides a reference recorder.CodecSource for running
// reclod without the real microphone/encoder hardware spec.md §6 scopes
// out of this repo, the same way internal/link/tcpconn stands in for a
// real BLE driver.
package codec

import (
	"context"
	"sync"
	"time"
)

// NullSource periodically delivers fixed-size silent frames on a timer. It
// exists only so internal/recorder is exercisable end-to-end in the
// bundled demo command — a production build wires a real encoder here.
type NullSource struct {
	frameSize int
	interval  time.Duration

	mu sync.Mutex
	cb func(frame []byte)
}

// NewNullSource creates a NullSource that emits a zero-filled frame of
// frameSize bytes every interval once Run is started.
func NewNullSource(frameSize int, interval time.Duration) *NullSource {
	return &NullSource{frameSize: frameSize, interval: interval}
}

// SetCallback implements recorder.CodecSource.
func (s *NullSource) SetCallback(cb func(frame []byte)) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Run emits frames until ctx is canceled.
func (s *NullSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	frame := make([]byte, s.frameSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			cb := s.cb
			s.mu.Unlock()
			if cb != nil {
				cb(frame)
			}
		}
	}
}
