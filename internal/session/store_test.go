package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestStore_AppendAndHistoryOrder(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Append("a", Turn{Role: types.RoleUser, Text: "hi"})
	s.Append("a", Turn{Role: types.RoleAssistant, Text: "hello"})
	s.Append("a", Turn{Role: types.RoleUser, Text: "bye"})

	h := s.History("a")
	want := []string{"hi", "hello", "bye"}
	if len(h) != len(want) {
		t.Fatalf("len(History) = %d, want %d", len(h), len(want))
	}
	for i, w := range want {
		if h[i].Text != w {
			t.Errorf("turn %d = %q, want %q", i, h[i].Text, w)
		}
		if h[i].At.IsZero() {
			t.Errorf("turn %d has zero timestamp", i)
		}
	}
}

func TestStore_HistoryIsCopy(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Append("a", Turn{Role: types.RoleUser, Text: "hi"})
	h := s.History("a")
	h[0].Text = "mutated"
	if got := s.History("a")[0].Text; got != "hi" {
		t.Errorf("stored turn changed to %q through returned slice", got)
	}
}

func TestStore_HistoryUnknownKey(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if h := s.History("missing"); h != nil {
		t.Errorf("History = %v, want nil", h)
	}
	if s.Len() != 0 {
		t.Error("History must not create sessions")
	}
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s := NewStore(WithClock(clk.Now))
	s.Append("a", Turn{Role: types.RoleUser, Text: "hi"})
	clk.Advance(4 * time.Minute)
	s.Reset("a")

	if h := s.History("a"); len(h) != 0 {
		t.Errorf("History after reset = %v", h)
	}
	// Reset counts as activity.
	clk.Advance(2 * time.Minute)
	if n := s.SweepIdle(5 * time.Minute); n != 0 {
		t.Errorf("SweepIdle evicted %d, reset should refresh activity", n)
	}
}

func TestStore_MaxTurnsDropsOldest(t *testing.T) {
	t.Parallel()

	s := NewStore(WithMaxTurns(3))
	for i := range 5 {
		s.Append("a", Turn{Role: types.RoleUser, Text: fmt.Sprint(i)})
	}
	h := s.History("a")
	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	for i, w := range []string{"2", "3", "4"} {
		if h[i].Text != w {
			t.Errorf("turn %d = %q, want %q", i, h[i].Text, w)
		}
	}
}

func TestStore_SweepIdleExact(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s := NewStore(WithClock(clk.Now))

	s.Append("stale-1", Turn{Role: types.RoleUser, Text: "x"})
	s.Touch("stale-2")
	clk.Advance(3 * time.Minute)
	s.Append("fresh", Turn{Role: types.RoleUser, Text: "keep me"})
	clk.Advance(3 * time.Minute)

	// stale-* last active 6m ago, fresh 3m ago.
	if n := s.SweepIdle(5 * time.Minute); n != 2 {
		t.Fatalf("SweepIdle = %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	h := s.History("fresh")
	if len(h) != 1 || h[0].Text != "keep me" {
		t.Errorf("fresh history = %v", h)
	}
	if s.History("stale-1") != nil {
		t.Error("stale-1 should be gone")
	}
}

func TestStore_SweepIdleBoundary(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s := NewStore(WithClock(clk.Now))
	s.Touch("a")
	clk.Advance(time.Minute)

	// Exactly maxIdle old is not before now-maxIdle.
	if n := s.SweepIdle(time.Minute); n != 0 {
		t.Errorf("SweepIdle at boundary = %d, want 0", n)
	}
	clk.Advance(time.Nanosecond)
	if n := s.SweepIdle(time.Minute); n != 1 {
		t.Errorf("SweepIdle past boundary = %d, want 1", n)
	}
}

func TestStore_AppendAfterSweepRecreates(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s := NewStore(WithClock(clk.Now))
	s.Append("a", Turn{Role: types.RoleUser, Text: "old"})
	clk.Advance(time.Hour)
	s.SweepIdle(time.Minute)

	s.Append("a", Turn{Role: types.RoleUser, Text: "new"})
	h := s.History("a")
	if len(h) != 1 || h[0].Text != "new" {
		t.Errorf("History = %v, want only the new turn", h)
	}
}

func TestStore_Remove(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Touch("a")
	if !s.Remove("a") {
		t.Error("Remove existing = false")
	}
	if s.Remove("a") {
		t.Error("Remove missing = true")
	}
}

func TestStore_ConcurrentKeys(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	const keys, perKey = 8, 100
	for k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", k)
			for i := range perKey {
				s.Append(key, Turn{Role: types.RoleUser, Text: fmt.Sprint(i)})
				_ = s.History(key)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			s.SweepIdle(time.Hour)
		}
	}()
	wg.Wait()

	for k := range keys {
		h := s.History(fmt.Sprintf("k%d", k))
		if len(h) != perKey {
			t.Errorf("k%d has %d turns, want %d", k, len(h), perKey)
			continue
		}
		for i, turn := range h {
			if turn.Text != fmt.Sprint(i) {
				t.Errorf("k%d turn %d = %q, out of order", k, i, turn.Text)
				break
			}
		}
	}
}

func TestSweepInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{5 * time.Minute, 150 * time.Second},
		{10 * time.Second, 10 * time.Second},
		{0, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := SweepInterval(tt.idle); got != tt.want {
			t.Errorf("SweepInterval(%v) = %v, want %v", tt.idle, got, tt.want)
		}
	}
}

func TestStore_Run(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Touch("a")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 5*time.Millisecond, time.Millisecond) }()

	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if s.Len() != 0 {
		t.Error("idle session was not swept")
	}
}
