package tokengate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrAuthFailed              = errors.New("tokengate: authentication failed")
	ErrRateLimited             = errors.New("tokengate: rate limit exceeded")
	ErrQuotaExceeded           = errors.New("tokengate: quota exceeded")
	ErrQuotaContention         = errors.New("tokengate: quota contention")
	ErrInvalidRequest          = errors.New("tokengate: invalid request")
	ErrProviderUnavailable     = errors.New("tokengate: provider unavailable")
	ErrProviderRateLimited     = errors.New("tokengate: rate limited by provider")
	ErrProviderAuth            = errors.New("tokengate: provider rejected credentials")
	ErrAllProvidersUnavailable = errors.New("tokengate: all providers unavailable")
	ErrNoProviders             = errors.New("tokengate: no providers registered")
	ErrCallerNotFound          = errors.New("tokengate: caller not found")
	ErrInternal                = errors.New("tokengate: internal error")
)

// RateLimitError is returned when a caller's token bucket is empty.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tokengate: rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// QuotaError is returned when a reservation does not fit into the
// caller's remaining budget for the period.
type QuotaError struct {
	CallerID  string
	Period    int
	Requested int64
	Remaining int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("tokengate: quota exceeded: caller=%s period=%d requested=%d remaining=%d",
		e.CallerID, e.Period, e.Requested, e.Remaining)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// RouterError wraps an error with routing context.
type RouterError struct {
	Err      error
	Provider string
	Model    string
	Attempts int
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("tokengate: provider=%s model=%s attempts=%d: %v",
		e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the error can be retried with another provider.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrProviderAuth)
}

// IsTransport returns true if the error means the provider itself is
// unusable and must be marked unhealthy.
func IsTransport(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderAuth)
}

// ErrorClass returns a stable short name for err, used as a metrics label.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed):
		return "authentication"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAllProvidersUnavailable), errors.Is(err, ErrNoProviders):
		return "providers_unavailable"
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderAuth):
		return "provider_transport"
	case errors.Is(err, ErrProviderRateLimited):
		return "provider_rate_limited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
