// Package ratelimit provides sliding-window admission control shared
// by the workers dispatching to a quota-constrained provider.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/driftlock/dispatch/internal/clock"
)

// admitBuffer is added to the returned wait so the oldest timestamp has
// certainly left the window by the time the caller retries.
const admitBuffer = 50 * time.Millisecond

// Config holds the sliding-window parameters.
type Config struct {
	// Window is the length of the sliding window.
	Window time.Duration

	// Capacity is the maximum number of admissions inside any window.
	Capacity int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Window:   60 * time.Second,
		Capacity: 10,
	}
}

// Limiter admits requests so that no sliding window of the configured
// length ever observes more than Capacity admissions. Admission only
// happens before a request, never after; callers sleep cooperatively
// for the returned duration and retry.
type Limiter struct {
	mu     sync.Mutex
	stamps []time.Time

	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// NewLimiter creates a sliding-window limiter.
func NewLimiter(cfg Config, clk clock.Clock, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}

	return &Limiter{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
}

// Admit prunes timestamps that fell out of the window and, if the
// window has room, records a new admission and returns zero. Otherwise
// it returns how long the caller must sleep before the oldest
// admission exits the window, plus a small buffer. The caller sleeps
// without holding any limiter state and calls Admit again.
func (l *Limiter) Admit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Window)

	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept

	if len(l.stamps) < l.cfg.Capacity {
		l.stamps = append(l.stamps, now)
		return 0
	}

	wait := l.stamps[0].Add(l.cfg.Window).Sub(now) + admitBuffer
	l.logger.Debug("rate limit reached",
		"in_window", len(l.stamps),
		"capacity", l.cfg.Capacity,
		"wait", wait)
	return wait
}

// InWindow returns the number of admissions currently inside the
// window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.cfg.Window)
	count := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
