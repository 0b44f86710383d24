// Package errmodel holds the error taxonomy shared by the resilience layer,
// the orchestrator and the scheduler.
package errmodel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a failure.
type Kind string

const (
	KindRateLimited      Kind = "rate_limited"
	KindCircuitOpen      Kind = "circuit_open"
	KindTimeout          Kind = "timeout"
	KindRetryableFailure Kind = "retryable_failure"
	KindFatalFailure     Kind = "fatal_failure"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindDependencyFailed Kind = "dependency_failed"
	KindDeadLettered     Kind = "dead_lettered"
	KindCancelled        Kind = "cancelled"
	KindInvalidRequest   Kind = "invalid_request"
	KindNotFound         Kind = "not_found"
	KindConfiguration    Kind = "configuration"
	KindInternal         Kind = "internal"
)

// Error is the classified error used across the core.
//
// Retryable marks the transient classes (timeouts, 5xx, connection errors)
// that the retry loop may attempt again. Once retries are exhausted the
// resilience layer returns a KindRetryableFailure error with Retryable unset.
type Error struct {
	Kind       Kind
	Dependency string
	Message    string
	Retryable  bool
	Attempts   int
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Dependency != "" {
		msg += " [" + e.Dependency + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryable wraps a transient handler failure.
func Retryable(dependency string, cause error) *Error {
	return &Error{Kind: KindRetryableFailure, Dependency: dependency, Retryable: true, Cause: cause}
}

// Fatal wraps a non-retryable handler failure such as bad input.
func Fatal(dependency string, cause error) *Error {
	return &Error{Kind: KindFatalFailure, Dependency: dependency, Cause: cause}
}

// Timeout reports an attempt that exceeded its deadline.
func Timeout(dependency string, cause error) *Error {
	return &Error{Kind: KindTimeout, Dependency: dependency, Retryable: true, Cause: cause}
}

// Invalid reports a structurally invalid request.
func Invalid(format string, args ...any) *Error {
	return Newf(KindInvalidRequest, format, args...)
}

// NotFound reports an unknown plan or task.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// FromHTTPStatus classifies a non-2xx response from a third-party API.
// 408, 429 and 5xx are transient; every other 4xx is fatal.
func FromHTTPStatus(dependency string, status int, body string) *Error {
	cause := fmt.Errorf("http %d: %s", status, Truncate(body, 256))
	switch {
	case status == http.StatusRequestTimeout:
		return Timeout(dependency, cause)
	case status == http.StatusTooManyRequests, status >= 500:
		return Retryable(dependency, cause)
	default:
		return Fatal(dependency, cause)
	}
}

// Classify maps an arbitrary error onto the taxonomy. Errors that are not
// recognisably transient are treated as fatal so they are never retried.
func Classify(dependency string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Dependency == "" && dependency != "" {
			c := *e
			c.Dependency = dependency
			return &c
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(dependency, err)
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Dependency: dependency, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout(dependency, err)
		}
		return Retryable(dependency, err)
	}
	return Fatal(dependency, err)
}

// KindOf returns the taxonomy kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// DependencyOf returns the dependency recorded on err, if any.
func DependencyOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Dependency
	}
	return ""
}

// UserMessage is the user-facing reason shown for an unfinished part of a request.
func UserMessage(kind Kind) string {
	switch kind {
	case KindRateLimited:
		return "too many requests right now, please try again in a minute"
	case KindCircuitOpen:
		return "the service is temporarily unavailable"
	case KindTimeout:
		return "the service took too long to answer"
	case KindRetryableFailure:
		return "the service kept failing after several attempts"
	case KindFatalFailure:
		return "the service rejected the request"
	case KindBudgetExceeded:
		return "ran out of time before this part could start"
	case KindDependencyFailed:
		return "skipped because an earlier part failed"
	case KindDeadLettered:
		return "the task failed permanently and needs attention"
	case KindCancelled:
		return "the request was cancelled"
	case KindInvalidRequest:
		return "the request could not be understood"
	case KindNotFound:
		return "nothing found with that identifier"
	default:
		return "something went wrong"
	}
}

// Truncate shortens s to at most limit bytes, cutting on a rune boundary
// and marking the cut with "...".
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := max(limit-3, 0)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
