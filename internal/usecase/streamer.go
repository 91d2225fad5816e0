package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
)

const (
	stoppedNotice   = "Generation stopped."
	exhaustedNotice = "All models are currently unavailable. Please try again later."

	// cleanupTimeout bounds the edits made after the producer is gone.
	cleanupTimeout = 10 * time.Second
)

// Streamer runs one generation end to end: it obtains a delta stream from
// the generator, reconciles it against the messenger's message-size limit
// through a chain of segments, and settles the session when the stream
// completes, fails, or is cancelled.
type Streamer struct {
	generator domain.Generator
	messenger domain.Messenger
	sessions  *SessionStore
	compactor *HistoryCompactor
	registry  *TaskRegistry
	retry     *RetryPolicy
	policy    FlushPolicy
	logger    *slog.Logger
}

// NewStreamer wires the delivery pipeline.
func NewStreamer(
	generator domain.Generator,
	messenger domain.Messenger,
	sessions *SessionStore,
	registry *TaskRegistry,
	compactor *HistoryCompactor,
	retry *RetryPolicy,
	policy FlushPolicy,
	logger *slog.Logger,
) *Streamer {
	return &Streamer{
		generator: generator,
		messenger: messenger,
		sessions:  sessions,
		registry:  registry,
		compactor: compactor,
		retry:     retry,
		policy:    policy,
		logger:    logger,
	}
}

// Run delivers one answer. It must be called in its own goroutine; it
// releases the task slot and settles the session state before returning.
// The producer reads from the task context so a cancel tears the model
// stream down immediately, while cleanup edits run on their own context
// and still go out after cancellation.
func (s *Streamer) Run(ctx context.Context, task *StreamTask, history []domain.Message) {
	defer s.registry.Finish(task)

	log := s.logger.With("chat_id", task.ChatID, "task_id", task.ID)
	writer := NewSegmentWriter(s.messenger, task.ChatID, log)
	buf := NewChunkBuffer(s.policy)

	if err := writer.Open(ctx); err != nil {
		log.Error("cannot open placeholder message", "error", err)
		s.settle(log, task.ChatID, "")
		return
	}

	stream, err := s.generator.Generate(task.Context(), s.compactor.Compact(history))
	if err != nil {
		if task.Cancelled() || errors.Is(err, context.Canceled) {
			s.finishCancelled(log, task.ChatID, writer)
			return
		}
		log.Error("generation failed before first delta", "error", err)
		s.failStream(ctx, log, task.ChatID, writer)
		return
	}

	for delta := range stream {
		if task.Cancelled() {
			break
		}
		if delta.Content == "" {
			continue
		}
		buf.Append(delta.Content)

		if err := s.drainOverflow(ctx, log, writer, buf); err != nil {
			// Only context errors escape drainOverflow.
			break
		}

		if buf.ShouldFlush(writer.Committed()) {
			s.flush(ctx, log, writer, buf, false)
		}
	}

	if task.Cancelled() {
		s.finishCancelled(log, task.ChatID, writer)
		return
	}

	// Residual flush and marker removal.
	if err := s.drainOverflow(ctx, log, writer, buf); err == nil {
		s.flush(ctx, log, writer, buf, true)
	}
	writer.CloseSegment()

	delivered := writer.Delivered()
	log.Info("stream delivered",
		"segments", writer.SegmentCount(), "runes", len([]rune(delivered)))
	s.settle(log, task.ChatID, delivered)
}

// drainOverflow closes out segments while the buffer cannot fit into the
// open one: each pass fills the segment to exactly capacity, seals it, and
// opens a fresh placeholder below for the remainder.
func (s *Streamer) drainOverflow(ctx context.Context, log *slog.Logger, writer *SegmentWriter, buf *ChunkBuffer) error {
	for {
		portion, ok := buf.Overflow(writer.Committed())
		if !ok {
			return nil
		}

		err := s.retry.Do(ctx, func() error {
			return writer.Write(ctx, portion, true)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The text still counts as part of the answer even though this
			// edit never landed; the display loses at most one tail.
			log.Warn("closing edit failed, sealing segment anyway", "error", err)
			writer.CommitUnsent(portion)
		}
		writer.CloseSegment()
		buf.Consume(portion)

		if err := writer.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("cannot open next segment, dropping remainder", "error", err)
			buf.Clear()
			return nil
		}
		buf.ForceNextFlush()
	}
}

// flush pushes buffered text into the open segment. Consumed only on
// success, so after a failed edit the next flush carries the union of the
// missed and the new text. A non-final write carries the progress marker,
// so its payload is capped at SegmentCapacity minus the marker headroom;
// any excess stays buffered for the overflow pass or the final flush.
func (s *Streamer) flush(ctx context.Context, log *slog.Logger, writer *SegmentWriter, buf *ChunkBuffer, final bool) {
	if buf.Empty() {
		if final && writer.Committed() > 0 {
			// Strip the progress marker from the last intermediate edit.
			if err := writer.Write(ctx, "", true); err != nil {
				log.Warn("final marker strip failed", "error", err)
			}
		}
		return
	}

	text := buf.String()
	if !final {
		room := s.policy.SegmentCapacity - s.policy.MarkerRunes - writer.Committed()
		if room <= 0 {
			// Too close to capacity for a marker-bearing edit. The text
			// surfaces on the next overflow fill or the final flush.
			buf.MarkFlushed()
			return
		}
		if room < buf.Len() {
			text = string([]rune(text)[:room])
		}
	}

	err := s.retry.Do(ctx, func() error {
		return writer.Write(ctx, text, final)
	})
	if err == nil {
		buf.Consume(text)
	} else {
		log.Warn("segment edit failed, text stays buffered", "error", err, "final", final)
		if final {
			// No further flush is coming; keep the history complete.
			writer.CommitUnsent(text)
			buf.Clear()
		}
	}
	buf.MarkFlushed()
}

// finishCancelled settles a cancelled stream: partial text stays exactly as
// last displayed, any unflushed buffer is discarded, and a stopped notice
// replaces the placeholder only when nothing visible was delivered yet.
func (s *Streamer) finishCancelled(log *slog.Logger, chatID int64, writer *SegmentWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	delivered := writer.Delivered()
	if delivered == "" {
		if err := writer.Replace(ctx, stoppedNotice); err != nil {
			log.Warn("cannot post stopped notice", "error", err)
		}
	} else if err := writer.Write(ctx, "", true); err != nil {
		log.Warn("cannot strip marker after cancel", "error", err)
	}
	writer.CloseSegment()

	log.Info("stream cancelled", "delivered_runes", len([]rune(delivered)))
	s.settle(log, chatID, delivered)
}

// failStream replaces the placeholder with a failure notice. No assistant
// turn is recorded, so the user's message can simply be sent again.
func (s *Streamer) failStream(ctx context.Context, log *slog.Logger, chatID int64, writer *SegmentWriter) {
	if err := writer.Replace(ctx, exhaustedNotice); err != nil {
		log.Warn("cannot post failure notice", "error", err)
	}
	s.settle(log, chatID, "")
}

func (s *Streamer) settle(log *slog.Logger, chatID int64, assistantText string) {
	if err := s.sessions.EndStream(chatID, assistantText); err != nil {
		// The dialog was closed while streaming; nothing to record.
		log.Debug("session already settled", "error", err)
	}
}
