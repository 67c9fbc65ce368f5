// Package config holds the shared mutable runtime settings and the
// flag/environment option parsing for the stevedore binary.
package config

import "sync"

// DefaultMaxConcurrent is the number of transfers admitted in parallel
// when nothing else is configured.
const DefaultMaxConcurrent = 4

// Settings is the global, mutable configuration shared between the
// scheduler and the backend executors: the concurrency bound and the
// bandwidth limit. Both are safe to change at any time; changes apply to
// transfers admitted afterwards, and to in-flight transfers wherever the
// executor polls the bandwidth value live.
type Settings struct {
	mu             sync.RWMutex
	maxConcurrent  int
	bandwidthLimit int64
}

// NewSettings creates settings with the given concurrency bound and
// bandwidth limit in bytes per second (0 = unlimited).
func NewSettings(maxConcurrent int, bandwidthLimit int64) *Settings {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if bandwidthLimit < 0 {
		bandwidthLimit = 0
	}
	return &Settings{
		maxConcurrent:  maxConcurrent,
		bandwidthLimit: bandwidthLimit,
	}
}

// MaxConcurrent returns the current concurrency bound.
func (s *Settings) MaxConcurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxConcurrent
}

// SetMaxConcurrent updates the concurrency bound. Values below 1 are
// clamped to 1.
func (s *Settings) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
}

// BandwidthLimit returns the current limit in bytes per second,
// 0 meaning unlimited.
func (s *Settings) BandwidthLimit() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bandwidthLimit
}

// SetBandwidthLimit updates the bandwidth limit. Negative values clear it.
func (s *Settings) SetBandwidthLimit(n int64) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.bandwidthLimit = n
	s.mu.Unlock()
}

// BandwidthFunc returns a live view of the limit for executors to poll.
func (s *Settings) BandwidthFunc() func() int64 {
	return s.BandwidthLimit
}
