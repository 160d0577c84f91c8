package embedder

import (
	"fmt"
	"time"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// RateLimitedError reports provider throttling. Callers back off and retry.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("embedding provider rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("embedding provider rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ErrorCode classifies throttling as transient.
func (e *RateLimitedError) ErrorCode() string { return domain.ErrCodeTransientProvider }

// ProviderError reports an upstream failure. Temporary failures are retried,
// others mark the input as unembeddable.
type ProviderError struct {
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorCode maps temporary failures to transient and the rest to permanent input.
func (e *ProviderError) ErrorCode() string {
	if e.Temporary {
		return domain.ErrCodeTransientProvider
	}
	return domain.ErrCodePermanentInput
}

// PartialBatchFailure is returned when some items of a batch were embedded
// and others were not. Per-item errors are on the Result.
type PartialBatchFailure struct {
	Total  int
	Failed []int
	Errs   []error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%d of %d items failed to embed", len(e.Failed), e.Total)
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (e *PartialBatchFailure) Unwrap() []error { return e.Errs }
