package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		limit  int
		window time.Duration
	}{
		{"zero limit", 0, time.Second},
		{"negative limit", -3, time.Second},
		{"zero window", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.limit, tt.window); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCheck_LimitThenWindowExpiry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l, err := New(3, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}

	for i := range 3 {
		if d := l.Check("10.0.0.1"); d != Allowed {
			t.Fatalf("request %d = %v, want allowed", i+1, d)
		}
		clk.Advance(time.Second)
	}
	if d := l.Check("10.0.0.1"); d != Denied {
		t.Fatalf("request over limit = %v, want denied", d)
	}

	// The oldest timestamp is 3s old; step past the window relative to it.
	clk.Advance(time.Minute - 2*time.Second)
	if d := l.Check("10.0.0.1"); d != Allowed {
		t.Fatalf("after window = %v, want allowed", d)
	}
}

func TestCheck_DenialIsNotCounted(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l, _ := New(1, 10*time.Second, WithClock(clk.Now))

	if !l.Allow("k") {
		t.Fatal("first request should pass")
	}
	// Hammering while denied must not extend the window.
	for range 5 {
		clk.Advance(time.Second)
		if l.Allow("k") {
			t.Fatal("should be denied inside window")
		}
	}
	clk.Advance(6 * time.Second) // just past the window of the only accepted request
	if !l.Allow("k") {
		t.Error("denied attempts were counted against the window")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := New(1, time.Hour)
	if !l.Allow("a") {
		t.Fatal("a should pass")
	}
	if !l.Allow("b") {
		t.Error("b must not be affected by a")
	}
	if l.Allow("a") {
		t.Error("a should be denied")
	}
}

func TestSweep_RemovesOnlyStaleKeys(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	l, _ := New(5, time.Minute, WithClock(clk.Now))

	l.Check("old")
	clk.Advance(50 * time.Second)
	l.Check("fresh")
	clk.Advance(20 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestSetLimits(t *testing.T) {
	t.Parallel()

	l, _ := New(1, time.Hour)
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("should be denied at limit 1")
	}
	if err := l.SetLimits(2, time.Hour); err != nil {
		t.Fatal(err)
	}
	if !l.Allow("k") {
		t.Error("raised limit should admit another request")
	}
	if err := l.SetLimits(0, time.Hour); err == nil {
		t.Error("invalid limits should be rejected")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	l, _ := New(1, 10*time.Millisecond)
	l.Allow("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Len() != 0 {
		t.Error("background sweep did not reclaim stale key")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
