package llm

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

// closeTrackingBody signals when the stream parser releases the response body.
type closeTrackingBody struct {
	io.Reader
	closed chan struct{}
}

func (b *closeTrackingBody) Close() error {
	close(b.closed)
	return nil
}

func TestSSEParserReleasesBodyWhenConsumerGone(t *testing.T) {
	// Exactly enough content lines to fill the channel buffer, then the
	// termination signal. Nothing ever drains the channel, mimicking a
	// consumer that walked away mid-stream.
	var sb strings.Builder
	for i := 0; i < 16; i++ {
		sb.WriteString("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")

	body := &closeTrackingBody{Reader: strings.NewReader(sb.String()), closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parseSSEStream(ctx, body, func([]byte) (*domain.StreamDelta, error) {
		return &domain.StreamDelta{Content: "x"}, nil
	})

	// Give the producer time to fill the buffer and reach the final send,
	// then cancel. The goroutine must exit and close the body.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-body.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream goroutine never released the response body after cancellation")
	}
}
