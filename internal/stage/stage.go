// Package stage runs one pipeline stage under a per-attempt deadline with
// bounded, jittered exponential back-off between attempts.
//
// [Run] never returns a raw provider error: every failure is normalised to a
// [*fault.Error] naming the stage. The raw error is kept as the cause for
// logging only.
//
// Three conditions end a stage without further attempts:
//
//   - the function returns [ErrNoInput] (or an error wrapping it), reported as
//     [fault.KindEmptyInput];
//   - the function returns an error marked with [Permanent], reported as
//     [fault.KindStageUpstreamError];
//   - the parent context is done, reported as [fault.KindCanceled].
package stage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
)

// ErrNoInput is returned by a stage function whose result carries no usable
// content. It is never retried.
var ErrNoInput = errors.New("stage produced no usable input")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. an HTTP 400 from an
// upstream API. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked with
// [Permanent] or reports itself permanent through a Permanent() bool method.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var pe interface{ Permanent() bool }
	return errors.As(err, &pe) && pe.Permanent()
}

// Policy controls deadlines and retries for one stage.
type Policy struct {
	// Timeout is the deadline for a single attempt. Zero means no deadline.
	Timeout time.Duration

	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// BaseDelay is the back-off before the first retry. Each further retry
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the back-off. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter draws each back-off uniformly from [0, delay] instead of using
	// delay as is.
	Jitter bool
}

// DefaultPolicy mirrors the stock configuration: 30s per attempt, two
// retries, one second base delay.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
		Jitter:     true,
	}
}

// Backoff returns the un-jittered delay before retry number retry (0 for the
// first retry).
func (p Policy) Backoff(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for range retry {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Result classifies a single attempt.
type Result int

const (
	// ResultSuccess is an attempt that returned a usable value.
	ResultSuccess Result = iota
	// ResultTimeout is an attempt cut off by its per-attempt deadline.
	ResultTimeout
	// ResultError is an attempt that failed with an upstream error.
	ResultError
	// ResultEmpty is an attempt whose output carried nothing to pass on.
	ResultEmpty
)

// String returns the metric label for r.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	case ResultEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Attempt records one invocation of a stage function.
type Attempt struct {
	Number  int // 1-based
	Result  Result
	Elapsed time.Duration
	Err     error
}

// Outcome summarises a stage run.
type Outcome struct {
	Stage    string
	Attempts []Attempt

	// Elapsed is the wall time from the first attempt's start to the end of
	// the run, including back-off waits.
	Elapsed time.Duration
}

// Executor holds per-stage policies and instrumentation. The zero value is
// not usable; use [NewExecutor].
type Executor struct {
	def      Policy
	policies map[string]Policy
	metrics  *observe.Metrics
	rand     func(n int64) int64
}

// Option configures an [Executor].
type Option func(*Executor)

// WithPolicy overrides the policy for a named stage.
func WithPolicy(stage string, p Policy) Option {
	return func(e *Executor) { e.policies[stage] = p }
}

// WithMetrics records attempt and duration metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRand replaces the jitter source. f must return a value in [0, n).
func WithRand(f func(n int64) int64) Option {
	return func(e *Executor) { e.rand = f }
}

// NewExecutor returns an Executor using def for any stage without an
// explicit policy.
func NewExecutor(def Policy, opts ...Option) *Executor {
	e := &Executor{
		def:      def,
		policies: make(map[string]Policy),
		rand:     rand.Int64N,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the policy applied to stage.
func (e *Executor) Policy(stage string) Policy {
	if p, ok := e.policies[stage]; ok {
		return p
	}
	return e.def
}

func (e *Executor) delay(p Policy, retry int) time.Duration {
	d := p.Backoff(retry)
	if !p.Jitter || d <= 0 {
		return d
	}
	return time.Duration(e.rand(int64(d) + 1))
}

type attemptResult[T any] struct {
	val T
	err error
}

// Run invokes fn under stage's policy. It returns fn's value on success.
// The [Outcome] is valid on every return path.
func Run[T any](ctx context.Context, e *Executor, stage string, fn func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	p := e.Policy(stage)
	out := Outcome{Stage: stage}
	log := observe.Logger(ctx).With("stage", stage)

	ctx, span := observe.StartSpan(ctx, "stage."+stage,
		trace.WithAttributes(attribute.Int("max_retries", p.MaxRetries)))
	defer span.End()

	start := time.Now()
	finish := func(err error) (T, Outcome, error) {
		out.Elapsed = time.Since(start)
		span.SetAttributes(attribute.Int("attempts", len(out.Attempts)))
		status := "ok"
		if err != nil {
			status = fault.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		if e.metrics != nil {
			e.metrics.RecordStage(ctx, stage, status, out.Elapsed.Seconds())
		}
		return zero, out, err
	}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.delay(p, attempt-1)
			log.Debug("stage: backing off", "attempt", attempt+1, "delay", wait)
			if err := sleep(ctx, wait); err != nil {
				return finish(fault.New(fault.KindCanceled, stage, err))
			}
		}

		val, a := invoke(ctx, p.Timeout, attempt+1, fn)
		out.Attempts = append(out.Attempts, a)
		if e.metrics != nil {
			e.metrics.RecordStageAttempt(ctx, stage, a.Result.String())
		}

		switch a.Result {
		case ResultSuccess:
			_, o, _ := finish(nil)
			return val, o, nil // finish always yields the zero value
		case ResultEmpty:
			return finish(fault.New(fault.KindEmptyInput, stage, a.Err))
		}

		if ctx.Err() != nil {
			return finish(fault.New(fault.KindCanceled, stage, ctx.Err()))
		}
		if IsPermanent(a.Err) {
			log.Warn("stage: permanent failure, not retrying", "attempt", a.Number, "err", a.Err)
			return finish(fault.New(fault.KindStageUpstreamError, stage, a.Err))
		}
		log.Warn("stage: attempt failed",
			"attempt", a.Number,
			"of", p.MaxRetries+1,
			"result", a.Result.String(),
			"elapsed", a.Elapsed,
			"err", a.Err,
		)
	}

	last := out.Attempts[len(out.Attempts)-1]
	kind := fault.KindStageUpstreamError
	if last.Result == ResultTimeout {
		kind = fault.KindStageTimeout
	}
	return finish(fault.New(kind, stage,
		fmt.Errorf("%d attempts exhausted: %w", len(out.Attempts), last.Err)))
}

// invoke runs one attempt. fn is run on its own goroutine so that a function
// ignoring its context still cannot hold the caller past the deadline.
func invoke[T any](ctx context.Context, timeout time.Duration, number int, fn func(context.Context) (T, error)) (T, Attempt) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(actx)
		done <- attemptResult[T]{val: v, err: err}
	}()

	var r attemptResult[T]
	select {
	case r = <-done:
	case <-actx.Done():
		r.err = actx.Err()
	}
	a := Attempt{Number: number, Elapsed: time.Since(start), Err: r.err}

	switch {
	case r.err == nil:
		a.Result = ResultSuccess
	case errors.Is(r.err, ErrNoInput):
		a.Result = ResultEmpty
	case ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		a.Result = ResultTimeout
		a.Err = fmt.Errorf("attempt %d exceeded %s: %w", number, timeout, r.err)
	default:
		a.Result = ResultError
	}
	return r.val, a
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
