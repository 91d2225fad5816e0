package usecase

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"chatrelay/internal/domain"
)

// HistoryCompactor trims conversation history before it is sent to the
// model: the system turn survives, then the most recent turns up to
// MaxTurns, then an optional token budget prunes oldest-first using a
// tiktoken encoding. When the encoding cannot be loaded the compactor
// degrades to turn counting only.
type HistoryCompactor struct {
	maxTurns    int
	tokenBudget int
	enc         *tiktoken.Tiktoken
	logger      *slog.Logger
}

// NewHistoryCompactor loads the named encoding. tokenBudget <= 0 disables
// token pruning.
func NewHistoryCompactor(maxTurns, tokenBudget int, encoding string, logger *slog.Logger) *HistoryCompactor {
	c := &HistoryCompactor{maxTurns: maxTurns, tokenBudget: tokenBudget, logger: logger}
	if tokenBudget > 0 {
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			logger.Warn("token encoding unavailable, compacting by turn count only",
				"encoding", encoding, "error", err)
		} else {
			c.enc = enc
		}
	}
	return c
}

// Compact returns a trimmed copy of history. The input is never mutated.
// The most recent turn is always kept, so the current user message cannot
// be pruned away regardless of budget.
func (c *HistoryCompactor) Compact(history []domain.Message) []domain.Message {
	if len(history) == 0 {
		return nil
	}

	var system []domain.Message
	turns := history
	if history[0].Role == domain.RoleSystem {
		system = history[:1]
		turns = history[1:]
	}

	if c.maxTurns > 0 && len(turns) > c.maxTurns {
		turns = turns[len(turns)-c.maxTurns:]
	}

	if c.enc != nil && c.tokenBudget > 0 {
		turns = c.pruneToBudget(system, turns)
	}

	out := make([]domain.Message, 0, len(system)+len(turns))
	out = append(out, system...)
	out = append(out, turns...)
	return out
}

func (c *HistoryCompactor) pruneToBudget(system, turns []domain.Message) []domain.Message {
	total := 0
	for _, m := range system {
		total += len(c.enc.Encode(m.Content, nil, nil))
	}
	counts := make([]int, len(turns))
	for i, m := range turns {
		counts[i] = len(c.enc.Encode(m.Content, nil, nil))
		total += counts[i]
	}

	drop := 0
	for total > c.tokenBudget && drop < len(turns)-1 {
		total -= counts[drop]
		drop++
	}
	if drop > 0 {
		c.logger.Debug("history pruned to token budget",
			"dropped_turns", drop, "budget", c.tokenBudget)
	}
	return turns[drop:]
}
