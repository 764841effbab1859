// Package session holds per-connection conversational history.
//
// A [Store] maps opaque session keys to an ordered list of [Turn]s. Every key
// has its own lock, so mutations on one session never wait for another; the
// map lock is only held long enough to locate or insert an entry. Idle
// sessions are evicted by [Store.SweepIdle], which is driven periodically by
// [Store.Run] rather than on the request path.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// Defaults applied by configuration.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxTurns    = 20
	minSweepInterval   = 10 * time.Second
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role types.Role
	Text string
	At   time.Time
}

// Message converts the turn to the provider-facing message type.
func (t Turn) Message() types.Message {
	return types.Message{Role: t.Role, Content: t.Text}
}

type entry struct {
	mu      sync.Mutex
	turns   []Turn
	removed bool

	// lastActive is unix nanoseconds. It is read by the sweeper without
	// taking mu.
	lastActive atomic.Int64
}

// Store is a concurrency-safe session map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	maxTurns int
	now      func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithMaxTurns bounds each session's history. When exceeded, the oldest turns
// are dropped first. Zero means unbounded.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxTurns = n
		}
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxTurns returns the configured history bound, zero if unbounded.
func (s *Store) MaxTurns() int { return s.maxTurns }

// lookup returns the entry for key, or nil.
func (s *Store) lookup(key string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

// locked returns the live entry for key with its lock held, creating it if
// necessary. The caller must unlock it.
func (s *Store) locked(key string) *entry {
	for {
		e := s.lookup(key)
		if e == nil {
			s.mu.Lock()
			e = s.sessions[key]
			if e == nil {
				e = &entry{}
				e.lastActive.Store(s.now().UnixNano())
				s.sessions[key] = e
			}
			s.mu.Unlock()
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Swept between lookup and lock; retry against the map.
		e.mu.Unlock()
	}
}

// History returns a copy of key's turns in insertion order. An unknown key
// yields nil and is not created.
func (s *Store) History(key string) []Turn {
	e := s.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.turns) == 0 {
		return nil
	}
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Append adds turn to key's history and refreshes its last activity. A zero
// At is set to the current time.
func (s *Store) Append(key string, turn Turn) {
	e := s.locked(key)
	defer e.mu.Unlock()

	now := s.now()
	if turn.At.IsZero() {
		turn.At = now
	}
	e.turns = append(e.turns, turn)
	if s.maxTurns > 0 && len(e.turns) > s.maxTurns {
		drop := len(e.turns) - s.maxTurns
		e.turns = append(e.turns[:0], e.turns[drop:]...)
	}
	e.lastActive.Store(now.UnixNano())
}

// Reset clears key's history atomically and refreshes its last activity.
func (s *Store) Reset(key string) {
	e := s.locked(key)
	defer e.mu.Unlock()
	e.turns = nil
	e.lastActive.Store(s.now().UnixNano())
}

// Touch refreshes key's last activity, creating an empty session if needed.
func (s *Store) Touch(key string) {
	e := s.locked(key)
	e.lastActive.Store(s.now().UnixNano())
	e.mu.Unlock()
}

// Remove deletes key. It reports whether the session existed.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	e, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepIdle evicts every session whose last activity is before now-maxIdle
// and returns how many were evicted. Sessions with an operation in flight are
// skipped; they are by definition not idle.
func (s *Store) SweepIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle).UnixNano()

	s.mu.RLock()
	var candidates []string
	for key, e := range s.sessions {
		if e.lastActive.Load() < cutoff {
			candidates = append(candidates, key)
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	evicted := 0
	s.mu.Lock()
	for _, key := range candidates {
		e, ok := s.sessions[key]
		if !ok || !e.mu.TryLock() {
			continue
		}
		if e.lastActive.Load() < cutoff {
			e.removed = true
			delete(s.sessions, key)
			evicted++
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()
	return evicted
}

// SweepInterval returns the sweep period used by [Store.Run] when none is
// given: half the idle timeout, but never below ten seconds.
func SweepInterval(maxIdle time.Duration) time.Duration {
	return max(minSweepInterval, maxIdle/2)
}

// Run sweeps idle sessions every interval until ctx is done. A non-positive
// interval selects [SweepInterval](maxIdle).
func (s *Store) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 {
		interval = SweepInterval(maxIdle)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.SweepIdle(maxIdle); n > 0 {
				slog.Info("session: evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
