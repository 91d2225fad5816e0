package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"chatrelay/internal/domain"
)

const (
	// placeholderText is the first thing the user sees once generation starts.
	placeholderText = "✍️"
	// progressMarker trails every intermediate edit to show more is coming.
	progressMarker = " ✍️"
)

// ProgressMarkerRunes is the headroom every open segment reserves for the
// trailing marker.
var ProgressMarkerRunes = utf8.RuneCountInString(progressMarker)

// segment is one bot message carrying a slice of the answer.
type segment struct {
	ref    domain.MessageRef
	text   string
	runes  int
	closed bool
}

// SegmentWriter maps the growing answer onto a chain of bot messages. The
// open segment (at most one) is repeatedly edited in place; once it is
// filled to capacity it is closed and a new placeholder message is opened
// below it. Closed segments are never touched again.
type SegmentWriter struct {
	messenger domain.Messenger
	chatID    int64
	logger    *slog.Logger
	segments  []segment
}

// NewSegmentWriter creates a writer for one chat. Call Open before Write.
func NewSegmentWriter(m domain.Messenger, chatID int64, logger *slog.Logger) *SegmentWriter {
	return &SegmentWriter{messenger: m, chatID: chatID, logger: logger}
}

// Open sends a placeholder message and starts a new empty segment.
func (w *SegmentWriter) Open(ctx context.Context) error {
	ref, err := w.messenger.SendMessage(ctx, w.chatID, placeholderText)
	if err != nil {
		return domain.WrapOp("open segment", err)
	}
	w.segments = append(w.segments, segment{ref: ref})
	return nil
}

// HasOpen reports whether there is an open segment to write into.
func (w *SegmentWriter) HasOpen() bool {
	n := len(w.segments)
	return n > 0 && !w.segments[n-1].closed
}

// Committed returns the rune count already committed to the open segment.
func (w *SegmentWriter) Committed() int {
	if !w.HasOpen() {
		return 0
	}
	return w.segments[len(w.segments)-1].runes
}

// Write edits the open segment to its committed text plus addition. A
// non-final write carries the progress marker; a final one does not. On
// success (or when the messenger reports the content unchanged) the
// addition is committed to the segment. Flood-control errors are returned
// untouched so the retry policy can honor the mandated wait; nothing is
// committed on failure, leaving the caller free to retry the same payload.
func (w *SegmentWriter) Write(ctx context.Context, addition string, final bool) error {
	if !w.HasOpen() {
		return domain.WrapOp("write segment", fmt.Errorf("no open segment"))
	}
	seg := &w.segments[len(w.segments)-1]

	display := seg.text + addition
	if !final {
		display += progressMarker
	}
	err := w.messenger.EditMessage(ctx, seg.ref, display)
	if err != nil && !errors.Is(err, domain.ErrNotModified) {
		return err
	}
	w.commit(seg, addition)
	return nil
}

// CommitUnsent records addition as part of the segment even though the edit
// carrying it failed. The conversation history stays complete at the cost
// of the display possibly missing the tail of one segment.
func (w *SegmentWriter) CommitUnsent(addition string) {
	if !w.HasOpen() || addition == "" {
		return
	}
	w.commit(&w.segments[len(w.segments)-1], addition)
}

// CloseSegment seals the open segment. Subsequent text goes to the next one.
func (w *SegmentWriter) CloseSegment() {
	if w.HasOpen() {
		w.segments[len(w.segments)-1].closed = true
	}
}

// Replace overwrites the open segment's display with text, discarding its
// committed content. Used for the stopped notice when nothing visible was
// delivered yet.
func (w *SegmentWriter) Replace(ctx context.Context, text string) error {
	if !w.HasOpen() {
		return domain.WrapOp("replace segment", fmt.Errorf("no open segment"))
	}
	seg := &w.segments[len(w.segments)-1]
	if err := w.messenger.EditMessage(ctx, seg.ref, text); err != nil && !errors.Is(err, domain.ErrNotModified) {
		return err
	}
	seg.text = ""
	seg.runes = 0
	seg.closed = true
	return nil
}

// Delivered returns the concatenation of all segment texts, which is the
// assistant turn recorded in history.
func (w *SegmentWriter) Delivered() string {
	var out string
	for _, s := range w.segments {
		out += s.text
	}
	return out
}

// SegmentCount returns how many messages the answer spans.
func (w *SegmentWriter) SegmentCount() int { return len(w.segments) }

func (w *SegmentWriter) commit(seg *segment, addition string) {
	seg.text += addition
	seg.runes += utf8.RuneCountInString(addition)
}
