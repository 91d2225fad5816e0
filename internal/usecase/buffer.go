package usecase

import (
	"strings"
	"time"
	"unicode/utf8"
)

// FlushPolicy holds the knobs that decide when buffered text is pushed to
// the messenger. MarkerRunes reserves room in every open segment for the
// progress marker appended to intermediate edits.
type FlushPolicy struct {
	EditInterval    time.Duration
	BufferWords     int
	SegmentCapacity int
	MarkerRunes     int
}

// ChunkBuffer accumulates producer deltas between edits. Sizes are counted
// in runes, matching how the messenger counts message length. The buffer is
// owned by a single delivery loop and is not safe for concurrent use.
type ChunkBuffer struct {
	policy    FlushPolicy
	buf       strings.Builder
	runes     int
	lastFlush time.Time
	now       func() time.Time // for testing
}

// NewChunkBuffer creates a buffer with the flush timer already running, so
// the first flush happens one EditInterval after the stream starts.
func NewChunkBuffer(policy FlushPolicy) *ChunkBuffer {
	b := &ChunkBuffer{policy: policy, now: time.Now}
	b.lastFlush = b.now()
	return b
}

// Append adds one delta. Deltas are concatenated verbatim; nothing is ever
// dropped or reordered between Append and a successful flush.
func (b *ChunkBuffer) Append(delta string) {
	b.buf.WriteString(delta)
	b.runes += utf8.RuneCountInString(delta)
}

// Len returns the buffered length in runes.
func (b *ChunkBuffer) Len() int { return b.runes }

// Empty reports whether the buffer holds no text.
func (b *ChunkBuffer) Empty() bool { return b.runes == 0 }

// String returns the buffered text without consuming it. The caller clears
// the buffer only after the write succeeds, so a failed edit keeps the text
// for the next flush.
func (b *ChunkBuffer) String() string { return b.buf.String() }

// Words returns the whitespace-separated word count of the buffered text.
func (b *ChunkBuffer) Words() int { return len(strings.Fields(b.buf.String())) }

// Overflow reports whether committed plus the buffer exceeds the segment
// capacity, and if so returns the prefix that fills the current segment to
// exactly SegmentCapacity runes. The prefix is not consumed; call Consume
// once the segment is closed.
func (b *ChunkBuffer) Overflow(committed int) (string, bool) {
	if committed+b.runes <= b.policy.SegmentCapacity {
		return "", false
	}
	room := b.policy.SegmentCapacity - committed
	if room <= 0 {
		return "", true
	}
	return string([]rune(b.buf.String())[:room]), true
}

// Consume drops the given prefix from the buffer once a write carrying it
// succeeded. The prefix must come from String or Overflow.
func (b *ChunkBuffer) Consume(prefix string) {
	rest := strings.TrimPrefix(b.buf.String(), prefix)
	b.buf.Reset()
	b.buf.WriteString(rest)
	b.runes = utf8.RuneCountInString(rest)
}

// ShouldFlush decides whether the buffer is due for an intermediate edit:
// the edit interval elapsed, the word threshold is reached, or the segment
// is close enough to capacity that the marker headroom is at risk.
func (b *ChunkBuffer) ShouldFlush(committed int) bool {
	if b.runes == 0 {
		return false
	}
	if b.now().Sub(b.lastFlush) >= b.policy.EditInterval {
		return true
	}
	if b.policy.BufferWords > 0 && b.Words() >= b.policy.BufferWords {
		return true
	}
	return committed+b.runes >= b.policy.SegmentCapacity-b.policy.MarkerRunes
}

// Clear discards the buffered text after a successful flush.
func (b *ChunkBuffer) Clear() {
	b.buf.Reset()
	b.runes = 0
}

// MarkFlushed restarts the edit-interval timer. Called after every flush
// attempt, successful or not, so a failing messenger is not hammered.
func (b *ChunkBuffer) MarkFlushed() {
	b.lastFlush = b.now()
}

// ForceNextFlush backdates the timer so the next delta triggers a flush
// immediately. Used right after an overflow opens a fresh segment, which
// should not sit empty for a full interval.
func (b *ChunkBuffer) ForceNextFlush() {
	b.lastFlush = b.now().Add(-b.policy.EditInterval)
}
