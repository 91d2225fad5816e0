package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

func TestSegmentWriterOpenSendsPlaceholder(t *testing.T) {
	m := newFakeMessenger()
	w := NewSegmentWriter(m, 7, discardLogger())

	if err := w.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := m.Sends(); len(got) != 1 || got[0] != placeholderText {
		t.Errorf("sends = %v, want single placeholder", got)
	}
	if !w.HasOpen() || w.Committed() != 0 {
		t.Errorf("fresh segment: HasOpen=%v Committed=%d", w.HasOpen(), w.Committed())
	}
}

func TestSegmentWriterIntermediateCarriesMarker(t *testing.T) {
	m := newFakeMessenger()
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(ctx, "Hello", false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	edit, _ := m.LastEdit()
	if edit.Text != "Hello"+progressMarker {
		t.Errorf("intermediate edit = %q, want marker appended", edit.Text)
	}

	if err := w.Write(ctx, ", world", true); err != nil {
		t.Fatalf("Write final: %v", err)
	}
	edit, _ = m.LastEdit()
	if edit.Text != "Hello, world" {
		t.Errorf("final edit = %q, want no marker", edit.Text)
	}
	if w.Committed() != 12 {
		t.Errorf("Committed = %d, want 12", w.Committed())
	}
}

func TestSegmentWriterNotModifiedIsBenign(t *testing.T) {
	m := newFakeMessenger()
	m.editErr = func(int) error { return domain.ErrNotModified }
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(ctx, "same", false); err != nil {
		t.Errorf("not-modified must not surface: %v", err)
	}
	if w.Committed() != 4 {
		t.Errorf("Committed = %d, text counts as delivered", w.Committed())
	}
}

func TestSegmentWriterFailedWriteCommitsNothing(t *testing.T) {
	m := newFakeMessenger()
	m.editErr = func(int) error { return fmt.Errorf("network down") }
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(ctx, "lost", false); err == nil {
		t.Fatal("expected edit error")
	}
	if w.Committed() != 0 {
		t.Errorf("Committed = %d, failed write must not commit", w.Committed())
	}
	if w.Delivered() != "" {
		t.Errorf("Delivered = %q, want empty", w.Delivered())
	}
}

func TestSegmentWriterFloodReturnedUntouched(t *testing.T) {
	m := newFakeMessenger()
	flood := &domain.FloodControlError{RetryAfter: 5 * time.Second}
	m.editErr = func(int) error { return flood }
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	err := w.Write(ctx, "x", false)
	var fc *domain.FloodControlError
	if !errors.As(err, &fc) || fc.RetryAfter != flood.RetryAfter {
		t.Errorf("err = %v, want the flood error passed through", err)
	}
}

func TestSegmentWriterChainAcrossSegments(t *testing.T) {
	m := newFakeMessenger()
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(ctx, "first", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.CloseSegment()
	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open second: %v", err)
	}
	if err := w.Write(ctx, "second", true); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	if w.SegmentCount() != 2 {
		t.Errorf("SegmentCount = %d, want 2", w.SegmentCount())
	}
	if w.Delivered() != "firstsecond" {
		t.Errorf("Delivered = %q, want segment texts concatenated", w.Delivered())
	}
	if w.Committed() != 6 {
		t.Errorf("Committed tracks open segment only, got %d", w.Committed())
	}

	edits := m.Edits()
	if edits[0].Ref.MessageID == edits[1].Ref.MessageID {
		t.Error("second segment must be a different message")
	}
}

func TestSegmentWriterReplaceDiscardsText(t *testing.T) {
	m := newFakeMessenger()
	w := NewSegmentWriter(m, 7, discardLogger())
	ctx := context.Background()

	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Replace(ctx, "Generation stopped."); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if w.Delivered() != "" {
		t.Errorf("Delivered = %q, notice must not count as answer text", w.Delivered())
	}
	if w.HasOpen() {
		t.Error("Replace must close the segment")
	}
}
