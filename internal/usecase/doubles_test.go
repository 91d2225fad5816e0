package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- shared test doubles ---

type editCall struct {
	Ref  domain.MessageRef
	Text string
}

// fakeMessenger records sends and edits and can be scripted to fail.
type fakeMessenger struct {
	mu     sync.Mutex
	nextID int64
	sends  []string
	edits  []editCall

	sendErr func(call int) error
	editErr func(call int) error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 100}
}

func (m *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) (domain.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		if err := m.sendErr(len(m.sends)); err != nil {
			return domain.MessageRef{}, err
		}
	}
	m.nextID++
	m.sends = append(m.sends, text)
	return domain.MessageRef{ChatID: chatID, MessageID: m.nextID}, nil
}

func (m *fakeMessenger) EditMessage(_ context.Context, ref domain.MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		if err := m.editErr(len(m.edits)); err != nil {
			return err
		}
	}
	m.edits = append(m.edits, editCall{Ref: ref, Text: text})
	return nil
}

func (m *fakeMessenger) Sends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sends...)
}

func (m *fakeMessenger) Edits() []editCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]editCall(nil), m.edits...)
}

func (m *fakeMessenger) LastEdit() (editCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return editCall{}, false
	}
	return m.edits[len(m.edits)-1], true
}

// scriptedGenerator replays a fixed delta sequence. gate, when set, is
// closed by the test to release the remaining deltas.
type scriptedGenerator struct {
	deltas []string
	err    error

	mu        sync.Mutex
	histories [][]domain.Message
	gateAfter int
	gate      chan struct{}
}

func (g *scriptedGenerator) Generate(ctx context.Context, history []domain.Message) (<-chan domain.StreamDelta, error) {
	g.mu.Lock()
	cp := make([]domain.Message, len(history))
	copy(cp, history)
	g.histories = append(g.histories, cp)
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}

	out := make(chan domain.StreamDelta)
	go func() {
		defer close(out)
		for i, d := range g.deltas {
			if g.gate != nil && i == g.gateAfter {
				select {
				case <-g.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- domain.StreamDelta{Content: d}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.StreamDelta{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (g *scriptedGenerator) Histories() [][]domain.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]domain.Message(nil), g.histories...)
}

// noRetry is a policy that never sleeps, for tests that do not exercise
// flood control.
func noRetry() *RetryPolicy {
	p := NewRetryPolicy(1, 0, discardLogger())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}
