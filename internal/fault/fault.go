// Package fault defines the normalised error taxonomy shared by the admission
// controller, rate limiter, stage executor, and pipeline orchestrator.
//
// Every failure that crosses a component boundary is a [*Error] carrying a
// [Kind]. Raw transport or SDK errors are only ever attached as the Cause and
// never returned on their own. Callers branch on the kind with [KindOf] or
// errors.Is against the sentinel values:
//
//	if errors.Is(err, fault.ErrRateLimited) { … }
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is returned by [KindOf] for errors that were not produced by
	// this package.
	KindUnknown Kind = iota

	// KindAdmissionRejected means no pipeline slot became available within the
	// acquire timeout.
	KindAdmissionRejected

	// KindRateLimited means the client exceeded its request quota.
	KindRateLimited

	// KindEmptyInput means recognition produced no usable text. Never retried.
	KindEmptyInput

	// KindStageTimeout means a stage exhausted its retries on deadline.
	KindStageTimeout

	// KindStageUpstreamError means a stage exhausted its retries on repeated
	// upstream failure, or failed with a permanent error.
	KindStageUpstreamError

	// KindInternal is a programming-level invariant violation such as a double
	// slot release.
	KindInternal

	// KindCanceled means the caller's context was cancelled mid-flight.
	KindCanceled
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAdmissionRejected:
		return "admission_rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindEmptyInput:
		return "empty_input"
	case KindStageTimeout:
		return "stage_timeout"
	case KindStageUpstreamError:
		return "stage_upstream_error"
	case KindInternal:
		return "internal_error"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels for use with errors.Is. A [*Error] matches the sentinel of its kind.
var (
	ErrAdmissionRejected  = errors.New("admission rejected")
	ErrRateLimited        = errors.New("rate limited")
	ErrEmptyInput         = errors.New("empty input")
	ErrStageTimeout       = errors.New("stage timeout")
	ErrStageUpstreamError = errors.New("stage upstream error")
	ErrInternal           = errors.New("internal error")
	ErrCanceled           = errors.New("canceled")
)

func sentinel(k Kind) error {
	switch k {
	case KindAdmissionRejected:
		return ErrAdmissionRejected
	case KindRateLimited:
		return ErrRateLimited
	case KindEmptyInput:
		return ErrEmptyInput
	case KindStageTimeout:
		return ErrStageTimeout
	case KindStageUpstreamError:
		return ErrStageUpstreamError
	case KindInternal:
		return ErrInternal
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// Error is the normalised failure type.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Stage names the pipeline stage that failed. Empty for failures decided
	// outside a stage (admission, rate limiting, internal).
	Stage string

	// Cause is the underlying error, if any. It is informational only.
	Cause error
}

// New returns an [*Error] of the given kind.
func New(kind Kind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Cause: cause}
}

// Internal returns a [KindInternal] error with a formatted cause.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Cause: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " at stage " + e.Stage
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel for e's kind, or an [*Error] with
// the same kind and (when set on target) the same stage.
func (e *Error) Is(target error) bool {
	if s := sentinel(e.Kind); s != nil && target == s {
		return true
	}
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
	}
	return false
}

// KindOf returns the kind of the first [*Error] in err's chain, or
// [KindUnknown].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// StageOf returns the stage name of the first [*Error] in err's chain.
func StageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}
