package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.Generator = (*Router)(nil)

// streamOpener opens one streaming completion against a concrete model.
// Satisfied by *OpenRouterClient.
type streamOpener interface {
	Stream(ctx context.Context, model string, history []domain.Message) (<-chan domain.StreamDelta, error)
}

// Router sends a completion request to an ordered list of candidate models,
// falling back on transport, schema, or rate-limit failure. Once a candidate
// begins yielding content it is committed for the remainder of the call: the
// router never switches away from a working model mid-stream.
//
// Each candidate carries its own circuit breaker, so a model that fails
// repeatedly is skipped while its circuit is open instead of being probed on
// every request.
type Router struct {
	opener     streamOpener
	candidates []domain.ModelCandidate
	breakers   map[string]*gobreaker.CircuitBreaker[*committedStream]
	logger     *slog.Logger
}

// NewRouter creates a Router over the given candidate models, in priority
// order. Breaker settings apply per candidate.
func NewRouter(opener streamOpener, models []string, cfg config.BreakerConfig, logger *slog.Logger) *Router {
	candidates := make([]domain.ModelCandidate, 0, len(models))
	breakers := make(map[string]*gobreaker.CircuitBreaker[*committedStream], len(models))

	for i, model := range models {
		candidates = append(candidates, domain.ModelCandidate{Model: model, Priority: i})
		breakers[model] = newCandidateBreaker(model, cfg, logger)
	}

	return &Router{
		opener:     opener,
		candidates: candidates,
		breakers:   breakers,
		logger:     logger,
	}
}

func newCandidateBreaker(model string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*committedStream] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}

	return gobreaker.NewCircuitBreaker[*committedStream](gobreaker.Settings{
		Name:        "model:" + model,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a model fault. A rate limit means
			// the provider is shedding load, not that the model is broken,
			// so it falls through to the next candidate without counting
			// toward the trip threshold.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrRateLimit)
		},
	})
}

// Generate implements domain.Generator. It iterates candidates by ascending
// priority, probing each until one yields content. No partial output from a
// failed candidate reaches the caller. If every candidate fails, the call
// returns domain.ErrAllModelsExhausted.
func (r *Router) Generate(ctx context.Context, history []domain.Message) (<-chan domain.StreamDelta, error) {
	// Immutable snapshot: the caller may keep appending to its history.
	hist := make([]domain.Message, len(history))
	copy(hist, history)

	for _, cand := range r.candidates {
		cb := r.breakers[cand.Model]

		cs, err := cb.Execute(func() (*committedStream, error) {
			return r.probe(ctx, cand.Model, hist)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				r.logger.Warn("candidate circuit open, skipping", "model", cand.Model)
			} else {
				r.logger.Warn("candidate failed, trying next", "model", cand.Model, "error", err)
			}
			continue
		}

		r.logger.Info("candidate committed", "model", cand.Model)
		return cs.deltas(ctx), nil
	}

	return nil, domain.ErrAllModelsExhausted
}

// committedStream holds the deltas consumed while probing a candidate plus
// the still-open channel for the remainder of the stream.
type committedStream struct {
	pending []domain.StreamDelta
	rest    <-chan domain.StreamDelta
}

// probe opens a stream for the candidate and reads until the first content
// fragment arrives. A stream that ends, or reports done, before yielding any
// content is a schema failure and the candidate is abandoned.
func (r *Router) probe(ctx context.Context, model string, history []domain.Message) (*committedStream, error) {
	ch, err := r.opener.Stream(ctx, model, history)
	if err != nil {
		return nil, err
	}

	var pending []domain.StreamDelta
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: stream ended without content", domain.ErrSchemaInvalid)
			}
			pending = append(pending, d)
			if d.Content != "" {
				return &committedStream{pending: pending, rest: ch}, nil
			}
			if d.Done {
				return nil, fmt.Errorf("%w: stream finished without content", domain.ErrSchemaInvalid)
			}
		}
	}
}

// deltas replays the probed deltas, then forwards the rest of the stream.
func (cs *committedStream) deltas(ctx context.Context) <-chan domain.StreamDelta {
	out := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(out)
		for _, d := range cs.pending {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		for d := range cs.rest {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
