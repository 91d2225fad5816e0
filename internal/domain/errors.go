package domain

import (
	"fmt"
	"time"
)

// Sentinel errors for the domain layer.
var (
	// ErrRateLimit marks a backend 429. The model router treats it as a
	// signal to abandon the current candidate, not as a retryable failure.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")

	// ErrAuthInvalid marks a 401/403 from the model backend.
	ErrAuthInvalid = fmt.Errorf("authentication failed")

	// ErrSchemaInvalid marks a 200 response whose body lacks the expected
	// delta payload.
	ErrSchemaInvalid = fmt.Errorf("response schema invalid")

	// ErrAllModelsExhausted is surfaced when every candidate model failed.
	// The consumer reports it as a single final failure message; it is
	// never retried automatically.
	ErrAllModelsExhausted = fmt.Errorf("all candidate models exhausted")

	// ErrNotModified is the benign "message is not modified" edit outcome.
	ErrNotModified = fmt.Errorf("message not modified")

	// ErrStreamActive is returned when a second stream is requested for a
	// chat that already has one in flight.
	ErrStreamActive = fmt.Errorf("stream already active")

	// ErrSessionNotFound is returned for operations on an unknown chat.
	ErrSessionNotFound = fmt.Errorf("session not found")
)

// FloodControlError is a channel-imposed rate limit carrying the mandated
// wait before the next write may be attempted.
type FloodControlError struct {
	RetryAfter time.Duration
}

func (e *FloodControlError) Error() string {
	return fmt.Sprintf("flood control: retry after %s", e.RetryAfter)
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
