package quotarouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNoCandidates           = errors.New("quotarouter: no candidates available")
	ErrQuotaExceeded          = errors.New("quotarouter: quota exceeded")
	ErrRateLimited            = errors.New("quotarouter: rate limited by provider")
	ErrAuthFailed             = errors.New("quotarouter: authentication failed")
	ErrInvalidRequest         = errors.New("quotarouter: invalid request")
	ErrProviderUnavailable    = errors.New("quotarouter: provider unavailable")
	ErrProviderRejected       = errors.New("quotarouter: provider rejected request")
	ErrResponseUnparseable    = errors.New("quotarouter: response unparseable")
	ErrModelNotFound          = errors.New("quotarouter: model not found")
	ErrAllCandidatesExhausted = errors.New("quotarouter: all candidates exhausted")
	ErrAggressiveModeDisabled = errors.New("quotarouter: aggressive mode disabled")
	ErrVersionConflict        = errors.New("quotarouter: record version conflict")
	ErrUnsupportedSchema      = errors.New("quotarouter: unsupported record schema")
	ErrStatePersistence       = errors.New("quotarouter: state persistence failed")
)

// ErrorKind is the coarse classification used for outcomes and the error log.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindRateLimited         ErrorKind = "rate_limited"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindProviderRejected    ErrorKind = "provider_rejected"
	KindAuthFailed          ErrorKind = "auth_failed"
	KindUnparseable         ErrorKind = "response_unparseable"
	KindNotSupported        ErrorKind = "not_supported"
	KindCanceled            ErrorKind = "canceled"
	KindPersistence         ErrorKind = "persistence"
	KindExhausted           ErrorKind = "all_candidates_exhausted"
	KindUnknown             ErrorKind = "unknown"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrProviderRejected), errors.Is(err, ErrInvalidRequest):
		return KindProviderRejected
	case errors.Is(err, ErrResponseUnparseable):
		return KindUnparseable
	case errors.Is(err, ErrModelNotFound):
		return KindNotSupported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrStatePersistence), errors.Is(err, ErrVersionConflict):
		return KindPersistence
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrAllCandidatesExhausted):
		return KindExhausted
	default:
		return KindUnknown
	}
}

// IsFatal returns true if the error should stop the whole request rather
// than advance the fallback chain.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStatePersistence) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable returns true if the error can be retried with another candidate.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRejected) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrResponseUnparseable) ||
		errors.Is(err, ErrQuotaExceeded)
}

// AttemptState is a state of the per-request state machine.
type AttemptState string

const (
	StatePending    AttemptState = "pending"
	StateReserving  AttemptState = "reserving"
	StateCalling    AttemptState = "calling"
	StateSucceeded  AttemptState = "succeeded"
	StateSoftFailed AttemptState = "soft_failed"
	StateDenied     AttemptState = "denied"
	StateHardFailed AttemptState = "hard_failed"
)

// AttemptFailure records why one candidate did not serve a request.
type AttemptFailure struct {
	Model      ModelID
	State      AttemptState
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration
}

func (f AttemptFailure) String() string {
	s := fmt.Sprintf("%s: %s", f.Model, f.Kind)
	if f.Err != nil {
		s += fmt.Sprintf(" (%v)", f.Err)
	}
	if f.RetryAfter > 0 {
		s += fmt.Sprintf(" retry_after=%s", f.RetryAfter.Round(time.Second))
	}
	return s
}

// RoutingError is returned when every candidate of a chain has failed.
type RoutingError struct {
	Task     string
	Failures []AttemptFailure
}

func (e *RoutingError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("quotarouter: task=%s: %v", e.Task, ErrNoCandidates)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("quotarouter: task=%s attempts=%d: all candidates exhausted: %s",
		e.Task, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes ErrAllCandidatesExhausted, plus ErrNoCandidates when the
// chain was empty.
func (e *RoutingError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return []error{ErrAllCandidatesExhausted, ErrNoCandidates}
	}
	return []error{ErrAllCandidatesExhausted}
}

// RetryAfter returns the shortest quota retry hint among the failures,
// or zero if no candidate was denied by quota.
func (e *RoutingError) RetryAfter() time.Duration {
	var shortest time.Duration
	for _, f := range e.Failures {
		if f.RetryAfter > 0 && (shortest == 0 || f.RetryAfter < shortest) {
			shortest = f.RetryAfter
		}
	}
	return shortest
}
