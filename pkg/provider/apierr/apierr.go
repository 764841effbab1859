// Package apierr classifies HTTP failures returned by provider backends.
//
// Providers wrap non-2xx responses in a [*StatusError]. Client errors other
// than 408 Request Timeout and 429 Too Many Requests report themselves as
// permanent, which tells the stage executor not to retry them.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is an upstream API response with a non-success status code.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

// New returns a StatusError for provider. err may be nil.
func New(provider string, code int, err error) *StatusError {
	return &StatusError{Provider: provider, Code: code, Err: err}
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: http %d", e.Provider, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *StatusError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same request is pointless.
func (e *StatusError) Permanent() bool {
	return IsPermanentStatus(e.Code)
}

// IsPermanentStatus reports whether code is a client error that a retry
// cannot fix.
func IsPermanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// Code returns the status code of the first [*StatusError] in err's chain,
// or zero.
func Code(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
