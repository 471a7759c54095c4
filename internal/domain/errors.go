package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrGovernanceBlocked indicates that the kill switch is engaged and
	// all mutating operations are refused.
	ErrGovernanceBlocked = errors.New("governance blocked")

	// ErrRateLimited indicates that the caller exceeded a per-minute
	// request ceiling. The concrete error is a [RateLimitedError]
	// carrying the retry-after duration.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExceeded indicates that the caller exhausted the daily
	// quota for an action kind.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRecipeUnknown indicates a recipe value outside the known set.
	ErrRecipeUnknown = errors.New("unknown recipe")

	// ErrRecipeNotConfigured indicates that the service has no pipeline
	// mapping for the requested recipe.
	ErrRecipeNotConfigured = errors.New("recipe not configured")

	// ErrIdempotencyConflict indicates a repeated idempotency key with a
	// different payload.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrDispatchFailed indicates that the outbound call to the
	// deployment engine did not yield an accepted run. The concrete
	// error is a [DispatchError].
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrTokenUnavailable indicates that no engine credential could be
	// obtained and none is cached.
	ErrTokenUnavailable = errors.New("token unavailable")

	// ErrUnknownRun indicates an engine event whose run identifier does
	// not correlate to any deployment record. It is logged and dropped,
	// never surfaced to callers.
	ErrUnknownRun = errors.New("unknown run")
)

// RateLimitedError reports a rejected request together with the time the
// caller should wait before retrying. errors.Is(err, ErrRateLimited)
// matches it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// DispatchError reports a failed outbound dispatch. Retryable is true for
// transport failures and engine 5xx responses; Ambiguous is true when the
// engine may have started a run despite the failure, in which case the
// quota reservation must be kept. errors.Is(err, ErrDispatchFailed)
// matches it.
type DispatchError struct {
	Retryable bool
	Ambiguous bool
	Status    int
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch failed (retryable=%t): %v", e.Retryable, e.Err)
	}
	return fmt.Sprintf("dispatch failed (retryable=%t): engine status %d", e.Retryable, e.Status)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }
