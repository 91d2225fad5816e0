package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatrelay/internal/domain"
)

// RetryPolicy governs what happens when the messenger answers an edit with
// flood control. The write is retried with the same payload after waiting
// at least the mandated retry-after; each further flood answer escalates
// the wait through an exponential schedule. After MaxAttempts writes the
// policy sleeps the final escalated delay and gives up, returning the flood
// error so the caller keeps the text buffered without blocking the stream.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error // for testing
}

// NewRetryPolicy builds a policy. BaseDelay is the floor for every wait,
// normally the stream edit interval.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Do runs op, retrying only on flood control. Any other outcome, success
// included, is returned to the caller immediately.
func (p *RetryPolicy) Do(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0 // the mandated retry-after dominates, jitter adds nothing
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		err := op()
		var flood *domain.FloodControlError
		if err == nil || !errors.As(err, &flood) {
			return err
		}

		delay := bo.NextBackOff()
		if flood.RetryAfter > delay {
			delay = flood.RetryAfter
		}
		if p.BaseDelay > delay {
			delay = p.BaseDelay
		}

		if attempt >= p.MaxAttempts {
			p.logger.Warn("flood control persists, giving up on this edit",
				"attempts", attempt, "final_wait", delay)
			if serr := p.sleep(ctx, delay); serr != nil {
				return serr
			}
			return err
		}

		p.logger.Warn("flood control hit, retrying edit",
			"attempt", attempt, "retry_after", flood.RetryAfter, "wait", delay)
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
