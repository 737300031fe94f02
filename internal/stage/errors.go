package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a stage failure for retry decisions.
type Kind string

const (
	// KindTransient covers timeouts, rate limits, and 5xx-style failures.
	KindTransient Kind = "transient"
	// KindQuota means short retries cannot help; back off until the next
	// scheduled run.
	KindQuota Kind = "quota_exhausted"
	// KindValidation is a non-retryable policy or output problem.
	KindValidation Kind = "validation"
	// KindDuplicate means the target already holds the content; treated as
	// success for idempotency purposes.
	KindDuplicate Kind = "duplicate_publication"
)

// Error is a classified stage failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf builds a retryable failure.
func Transientf(format string, args ...any) error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Quotaf builds a quota-exhausted failure.
func Quotaf(format string, args ...any) error {
	return &Error{Kind: KindQuota, Err: fmt.Errorf(format, args...)}
}

// Validationf builds a non-retryable failure.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Duplicatef reports that the desired end state already holds at the target.
func Duplicatef(format string, args ...any) error {
	return &Error{Kind: KindDuplicate, Err: fmt.Errorf(format, args...)}
}

// ErrDeferred reports that a stage still has work but made no failed
// attempt: the next attempt time for the remaining work has not arrived.
// Deferrals never consume retry budget.
var ErrDeferred = errors.New("stage deferred")

// Deferredf wraps ErrDeferred with context about what is still pending.
func Deferredf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrDeferred)
}

// Classify maps any error to a Kind. Unclassified errors default to
// transient so an unknown failure never permanently kills an item.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether a failure of the given kind may be attempted again.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransient, KindQuota:
		return true
	default:
		return false
	}
}

// FromHTTPStatus converts an HTTP error response into a classified failure.
func FromHTTPStatus(service string, status int, body string) error {
	body = strings.TrimSpace(body)
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(body, "insufficient_quota") || strings.Contains(body, "quota") {
			return Quotaf("%s: quota exhausted: %s", service, body)
		}
		return Transientf("%s: rate limited: %s", service, body)
	case status == http.StatusPaymentRequired:
		return Quotaf("%s: quota exhausted: %s", service, body)
	case status == http.StatusConflict:
		return Duplicatef("%s: already exists: %s", service, body)
	case status >= http.StatusInternalServerError || status == http.StatusRequestTimeout:
		return Transientf("%s: status %d: %s", service, status, body)
	default:
		return Validationf("%s: status %d: %s", service, status, body)
	}
}
