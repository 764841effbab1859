// Package ratelimit implements a per-key sliding-window request limiter.
//
// Each key owns the timestamps of its accepted requests within the trailing
// window. Stale timestamps are purged lazily on every [Limiter.Check] for that
// key; [Limiter.Sweep] and [Limiter.Run] reclaim keys whose window is entirely
// stale so that one-off clients do not accumulate forever.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults applied by configuration.
const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of a [Limiter.Check].
type Decision int

const (
	// Denied means the key is at its limit. The attempt was not recorded.
	Denied Decision = iota

	// Allowed means the request was recorded against the key's window.
	Allowed
)

// String returns "allowed" or "denied".
func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Limiter is a sliding-window rate limiter keyed by opaque strings. It is safe
// for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter allowing limit requests per window per key.
func New(limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	l := &Limiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func validate(limit int, window time.Duration) error {
	if limit < 1 {
		return fmt.Errorf("ratelimit: limit must be >= 1, got %d", limit)
	}
	if window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	return nil
}

// Check purges key's timestamps older than now-window, then records the
// request and returns [Allowed] if fewer than limit remain. Otherwise it
// returns [Denied] and the window is left as purged.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := purge(l.requests[key], now.Add(-l.window))

	if len(recent) >= l.limit {
		l.requests[key] = recent
		return Denied
	}
	l.requests[key] = append(recent, now)
	return Allowed
}

// Allow is shorthand for Check(key) == Allowed.
func (l *Limiter) Allow(key string) bool {
	return l.Check(key) == Allowed
}

// purge drops timestamps before cutoff in place. Timestamps are appended in
// order so the retained suffix starts at the first one not before cutoff.
func purge(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}

// Sweep removes every key with no timestamp inside the current window and
// returns the number of keys removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, ts := range l.requests {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(l.requests, key)
			removed++
		}
	}
	return removed
}

// Run calls [Limiter.Sweep] every interval until ctx is done. A non-positive
// interval uses the window length.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		l.mu.Lock()
		interval = l.window
		l.mu.Unlock()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("ratelimit: swept stale keys", "removed", n)
			}
		}
	}
}

// SetLimits changes limit and window for all keys. Existing timestamps are
// kept and judged against the new window on their next check.
func (l *Limiter) SetLimits(limit int, window time.Duration) error {
	if err := validate(limit, window); err != nil {
		return err
	}
	l.mu.Lock()
	l.limit = limit
	l.window = window
	l.mu.Unlock()
	slog.Info("ratelimit: limits updated", "limit", limit, "window", window)
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}
