package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the coarse classification of a provider failure.
// Retry policy is driven by the kind, not by inspecting error text.
type ErrorKind string

const (
	// KindRateLimited is a throttle response. The credential gets a
	// cooldown and the task retries with backoff.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTransient covers network timeouts, 5xx and similar. Bounded
	// retry with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent covers malformed requests and revoked credentials.
	// Never retried.
	KindPermanent ErrorKind = "permanent"

	// KindTimeout is raised by the stuck-task sweep. Always terminal.
	KindTimeout ErrorKind = "timeout"
)

// Retryable reports whether a task may retry after this kind of error.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// CollectError is a classified provider failure. RetryAfter carries a
// provider-suggested backoff (zero when the provider gave none).
type CollectError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *CollectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *CollectError) Unwrap() error { return e.Err }

// Classify returns the kind of err, defaulting to transient for
// unclassified errors so that unknown failures still get a bounded retry.
func Classify(err error) ErrorKind {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// RetryAfterHint extracts the provider-suggested backoff, if any.
func RetryAfterHint(err error) time.Duration {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// RateLimited wraps err as a throttle response.
func RateLimited(err error, retryAfter time.Duration) error {
	return &CollectError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Transient wraps err as a retryable provider fault.
func Transient(err error) error {
	return &CollectError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable fault.
func Permanent(err error) error {
	return &CollectError{Kind: KindPermanent, Err: err}
}
