package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an outbound-call failure and determines retry behavior.
type Kind string

const (
	// KindRateLimited: the API returned a too-many-requests signal. Retry
	// the same credential after exponential backoff.
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExceeded: the credential's daily quota is spent. Rotate to
	// a fresh credential and retry.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindSuspectedBan: the API signalled permanent suspension. The
	// credential is deactivated pending operator review; not retried.
	KindSuspectedBan Kind = "suspected_ban"
	// KindCircuitOpen: the circuit breaker refused the call. Fail fast.
	KindCircuitOpen Kind = "circuit_open"
	// KindTransient: a server-side error expected to self-resolve. Retry
	// after a short randomized delay without rotating credentials.
	KindTransient Kind = "transient"
	// KindNoCredential: every active credential in the category is below
	// the minimum unit-cost floor. Callers pause until the daily reset.
	KindNoCredential Kind = "no_credential_available"
	// KindUnclassified: anything else. Propagated without retry.
	KindUnclassified Kind = "unclassified"
)

// Error wraps an outbound-call failure with its classification.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %v (retry after %v)", e.Kind, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification kind.
func NewError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// NewRateLimited wraps err as a rate-limit failure with a retry hint.
func NewRateLimited(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the classification of err. Context timeouts are treated
// as transient failures; unknown errors are unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnclassified
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
