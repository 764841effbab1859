package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/apierr"
)

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Ordering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantCall []string
		wantErr  bool
	}{
		{"primary ok", nil, []string{"primary"}, false},
		{"primary fails", map[string]bool{"primary": true}, []string{"primary", "secondary"}, false},
		{"all fail", map[string]bool{"primary": true, "secondary": true}, []string{"primary", "secondary"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(FallbackConfig{})
			var calls []string
			err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
				calls = append(calls, v)
				if tt.failing[v] {
					return errTest
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrAllFailed) {
				t.Errorf("err = %v, want ErrAllFailed", err)
			}
			if len(calls) != len(tt.wantCall) {
				t.Fatalf("calls = %v, want %v", calls, tt.wantCall)
			}
			for i := range calls {
				if calls[i] != tt.wantCall[i] {
					t.Errorf("calls = %v, want %v", calls, tt.wantCall)
				}
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}})
	for range 2 {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	st := fg.Status()
	if st[0].State != "open" || st[1].State != "closed" {
		t.Fatalf("status = %+v", st)
	}

	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		return "from-" + v, nil
	})
	if err != nil || got != "from-secondary" {
		t.Errorf("got (%q, %v), want from-secondary", got, err)
	}
}

func TestFallbackGroup_KeepsLastErrorInChain(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	_, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (int, error) {
		return 0, apierr.New(v, 400, nil)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
	var se *apierr.StatusError
	if !errors.As(err, &se) || se.Provider != "secondary" || !se.Permanent() {
		t.Errorf("last status error not preserved: %v", err)
	}
}

func TestFallbackGroup_SingleEntryReturnsRawError(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("only", "only", FallbackConfig{})
	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, errTest) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want plain errTest", err)
	}
	if fg.Primary() != "only" || fg.Len() != 1 {
		t.Errorf("primary=%q len=%d", fg.Primary(), fg.Len())
	}
}

func TestFallbackGroup_StopsOnCancel(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := fg.Execute(ctx, func(ctx context.Context, _ string) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, fallback must not run after cancel", calls)
	}
	if fg.Status()[0].State != "closed" {
		t.Error("cancellation should not count against the breaker")
	}
}

func TestFallbackGroup_RecordsProviderRequests(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	fg := newGroup(FallbackConfig{Kind: "llm", Metrics: m})
	_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "parley.provider.requests" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("provider requests = %d, want 2", total)
	}
}
