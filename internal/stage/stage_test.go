package stage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/fault"
)

var errUpstream = errors.New("upstream 503")

func fastPolicy(retries int) Policy {
	return Policy{
		Timeout:    50 * time.Millisecond,
		MaxRetries: retries,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	}
}

func TestPolicy_Backoff(t *testing.T) {
	t.Parallel()
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	if got := (Policy{}).Backoff(3); got != 0 {
		t.Errorf("zero policy Backoff = %v, want 0", got)
	}
}

func TestExecutor_JitterBounds(t *testing.T) {
	t.Parallel()

	var seen []int64
	e := NewExecutor(Policy{BaseDelay: time.Second, Jitter: true},
		WithRand(func(n int64) int64 {
			seen = append(seen, n)
			return n - 1
		}))
	if got := e.delay(e.Policy("x"), 1); got != 2*time.Second {
		t.Errorf("delay = %v, want upper bound 2s", got)
	}
	if len(seen) != 1 || seen[0] != int64(2*time.Second)+1 {
		t.Errorf("rand called with %v, want [2s+1]", seen)
	}
}

func TestRun_FirstAttemptSucceeds(t *testing.T) {
	t.Parallel()

	e := NewExecutor(fastPolicy(2))
	got, out, err := Run(context.Background(), e, "recognize", func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello" {
		t.Errorf("value = %q", got)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Result != ResultSuccess {
		t.Errorf("attempts = %+v", out.Attempts)
	}
}

func TestRun_RecoversAfterFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failure func(ctx context.Context) error
		want    Result
	}{
		{"errors", func(context.Context) error { return errUpstream }, ResultError},
		{"timeouts", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }, ResultTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			const failFirst = 2
			var calls atomic.Int32
			e := NewExecutor(fastPolicy(3))
			got, out, err := Run(context.Background(), e, "generate", func(ctx context.Context) (int, error) {
				if calls.Add(1) <= failFirst {
					return 0, tt.failure(ctx)
				}
				return 42, nil
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got != 42 {
				t.Errorf("value = %d, want 42", got)
			}
			if len(out.Attempts) != failFirst+1 {
				t.Fatalf("attempts = %d, want %d", len(out.Attempts), failFirst+1)
			}
			var sum time.Duration
			for i, a := range out.Attempts {
				sum += a.Elapsed
				if a.Number != i+1 {
					t.Errorf("attempt %d numbered %d", i, a.Number)
				}
				if i < failFirst && a.Result != tt.want {
					t.Errorf("attempt %d result = %v, want %v", i+1, a.Result, tt.want)
				}
			}
			if out.Elapsed < sum {
				t.Errorf("Elapsed %v < sum of attempts %v", out.Elapsed, sum)
			}
		})
	}
}

func TestRun_Exhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
		want error
	}{
		{
			name: "upstream",
			fn:   func(context.Context) (string, error) { return "", errUpstream },
			want: fault.ErrStageUpstreamError,
		},
		{
			name: "timeout honouring ctx",
			fn: func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: fault.ErrStageTimeout,
		},
		{
			name: "timeout ignoring ctx",
			fn: func(context.Context) (string, error) {
				time.Sleep(200 * time.Millisecond)
				return "late", nil
			},
			want: fault.ErrStageTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			const retries = 2
			e := NewExecutor(fastPolicy(retries))
			start := time.Now()
			_, out, err := Run(context.Background(), e, "synthesize", tt.fn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := fault.StageOf(err); got != "synthesize" {
				t.Errorf("stage = %q, want synthesize", got)
			}
			if len(out.Attempts) != retries+1 {
				t.Errorf("attempts = %d, want %d", len(out.Attempts), retries+1)
			}
			// Three 50ms deadlines plus back-off, well below the 200ms sleep x3.
			if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
				t.Errorf("Run took %v, deadline not enforced", elapsed)
			}
		})
	}
}

func TestRun_UpstreamCauseIsKept(t *testing.T) {
	t.Parallel()

	e := NewExecutor(fastPolicy(0))
	_, _, err := Run(context.Background(), e, "generate", func(context.Context) (string, error) {
		return "", errUpstream
	})
	if !errors.Is(err, errUpstream) {
		t.Errorf("cause not reachable from %v", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("err %T is not *fault.Error", err)
	}
}

func TestRun_NoInputIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	e := NewExecutor(fastPolicy(5))
	_, out, err := Run(context.Background(), e, "recognize", func(context.Context) (string, error) {
		calls.Add(1)
		return "", ErrNoInput
	})
	if !errors.Is(err, fault.ErrEmptyInput) {
		t.Fatalf("err = %v, want empty input", err)
	}
	if calls.Load() != 1 || len(out.Attempts) != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1", calls.Load(), len(out.Attempts))
	}
	if out.Attempts[0].Result != ResultEmpty {
		t.Errorf("result = %v, want empty", out.Attempts[0].Result)
	}
}

func TestRun_PermanentIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	e := NewExecutor(fastPolicy(5))
	_, _, err := Run(context.Background(), e, "generate", func(context.Context) (string, error) {
		calls.Add(1)
		return "", Permanent(errors.New("400 invalid model"))
	})
	if !errors.Is(err, fault.ErrStageUpstreamError) {
		t.Fatalf("err = %v, want upstream error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRun_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := Run(ctx, e, "generate", func(context.Context) (string, error) {
			return "", errUpstream
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, fault.ErrCanceled) {
			t.Errorf("err = %v, want canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not observe cancellation during back-off")
	}
}

func TestRun_CanceledDuringAttempt(t *testing.T) {
	t.Parallel()

	e := NewExecutor(Policy{Timeout: time.Hour, MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, out, err := Run(ctx, e, "recognize", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, fault.ErrCanceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if len(out.Attempts) != 1 {
		t.Errorf("attempts = %d, a canceled stage must not retry", len(out.Attempts))
	}
}

func TestExecutor_PerStagePolicy(t *testing.T) {
	t.Parallel()

	synth := Policy{Timeout: time.Second, MaxRetries: 7}
	e := NewExecutor(DefaultPolicy(), WithPolicy("synthesize", synth))
	if got := e.Policy("synthesize"); got != synth {
		t.Errorf("Policy(synthesize) = %+v", got)
	}
	if got := e.Policy("recognize"); got != DefaultPolicy() {
		t.Errorf("Policy(recognize) = %+v, want default", got)
	}
}

type statusErr int

func (e statusErr) Error() string   { return "status" }
func (e statusErr) Permanent() bool { return e >= 400 && e < 500 }

func TestIsPermanent_Interface(t *testing.T) {
	t.Parallel()
	if !IsPermanent(fmt.Errorf("wrap: %w", statusErr(400))) {
		t.Error("400 should be permanent")
	}
	if IsPermanent(statusErr(503)) {
		t.Error("503 should not be permanent")
	}
	if IsPermanent(errUpstream) {
		t.Error("plain error should not be permanent")
	}
}
