package clients

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed remote call
type ErrorKind string

const (
	KindAuthFailure ErrorKind = "AUTH_FAILURE"
	KindForbidden   ErrorKind = "FORBIDDEN"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindServerError ErrorKind = "SERVER_ERROR"
	KindNetwork     ErrorKind = "NETWORK"
	KindUnexpected  ErrorKind = "UNEXPECTED"
)

// Sentinels matched through errors.Is against an *APIError.
// ErrAuthFailure matches both 401 and 403.
var (
	ErrAuthFailure = errors.New("remote authentication failed")
	ErrForbidden   = errors.New("remote authorization failed")
	ErrNotFound    = errors.New("remote resource not found")
	ErrRateLimited = errors.New("remote rate limit exceeded")
	ErrServerError = errors.New("remote server error")
	ErrNetwork     = errors.New("remote unreachable")
	ErrUnexpected  = errors.New("unexpected remote response")
)

// APIError is returned for every failed remote call
type APIError struct {
	Kind       ErrorKind
	StatusCode int           // 0 for network failures
	RetryAfter time.Duration // set for rate-limited responses carrying Retry-After
	Body       string
	Err        error // underlying transport error, if any
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("tiendanube api %s: %v", e.Kind, e.Err)
	case e.Body != "":
		return fmt.Sprintf("tiendanube api %s (status %d): %s", e.Kind, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("tiendanube api %s (status %d)", e.Kind, e.StatusCode)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is lets callers match on the sentinel for the error's kind
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.Kind == KindAuthFailure || e.Kind == KindForbidden
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrServerError:
		return e.Kind == KindServerError
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrUnexpected:
		return e.Kind == KindUnexpected
	}
	return false
}

// KindForStatus maps a non-2xx status code to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthFailure
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindUnexpected
	}
}

// IsRateLimited reports whether err is a rate-limited API error
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsRetriable reports whether a failure may succeed on a later job attempt.
// Rate limits, server errors and network failures are retriable; auth,
// not-found and unexpected responses are not.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case KindRateLimited, KindServerError, KindNetwork:
		return true
	}
	return false
}

// KindOf returns the error kind, or "" if err is not an *APIError
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
