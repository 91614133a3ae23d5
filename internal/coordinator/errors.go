package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel outcomes surfaced to the transport layer. The handler maps all
// three to a generic 503: the client only needs "try again later", never the
// internal reason.
var (
	// ErrStoreUnavailable means the shared store could not answer on the
	// miss path. The protocol fails closed: no generation proceeds without
	// lock protection.
	ErrStoreUnavailable = errors.New("coordination store unavailable")

	// ErrBudgetExhausted means today's spend cap is reached. System-wide,
	// not caller-specific.
	ErrBudgetExhausted = errors.New("daily generation budget exhausted")

	// ErrBusy means another worker held the generation lock and content did
	// not appear within the bounded wait.
	ErrBusy = errors.New("generation in progress elsewhere")
)

// CapacityError is a rate limiter denial, retryable with a disclosed delay.
type CapacityError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Tier, e.RetryAfter)
}

// GenerationError wraps a failure of the upstream generation callback.
// Surfaced to clients as a generic failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
