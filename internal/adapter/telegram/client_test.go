package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBotAPI is an httptest-backed Bot API that records calls and answers
// per-method scripts.
type fakeBotAPI struct {
	mu      sync.Mutex
	calls   []string
	bodies  map[string][]json.RawMessage
	answers map[string]string
	srv     *httptest.Server
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{
		bodies:  make(map[string][]json.RawMessage),
		answers: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.bodies[method] = append(f.bodies[method], body)
		answer, ok := f.answers[method]
		f.mu.Unlock()

		if !ok {
			answer = `{"ok":true,"result":{}}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, answer)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) answer(method, body string) {
	f.mu.Lock()
	f.answers[method] = body
	f.mu.Unlock()
}

func (f *fakeBotAPI) callsFor(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.bodies[method]...)
}

func newTestClient(api *fakeBotAPI) *Client {
	return New(config.TelegramConfig{
		Token:       "TEST:TOKEN",
		BaseURL:     api.srv.URL,
		PollTimeout: 1,
		RequestsPer: 1000,
		Burst:       100,
	}, testLogger())
}

func TestSendMessage(t *testing.T) {
	api := newFakeBotAPI(t)
	api.answer("sendMessage", `{"ok":true,"result":{"message_id":55,"chat":{"id":7}}}`)
	c := newTestClient(api)

	ref, err := c.SendMessage(context.Background(), 7, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if ref.ChatID != 7 || ref.MessageID != 55 {
		t.Errorf("ref = %+v, want chat 7 message 55", ref)
	}

	bodies := api.callsFor("sendMessage")
	if len(bodies) != 1 {
		t.Fatalf("sendMessage called %d times", len(bodies))
	}
	var req sendMessageRequest
	if err := json.Unmarshal(bodies[0], &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req.ChatID != 7 || req.Text != "hello" {
		t.Errorf("request = %+v", req)
	}
}

func TestEditMessage(t *testing.T) {
	api := newFakeBotAPI(t)
	c := newTestClient(api)

	err := c.EditMessage(context.Background(), domain.MessageRef{ChatID: 7, MessageID: 55}, "updated")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	var req editMessageRequest
	bodies := api.callsFor("editMessageText")
	if len(bodies) != 1 {
		t.Fatalf("editMessageText called %d times", len(bodies))
	}
	if err := json.Unmarshal(bodies[0], &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req.MessageID != 55 || req.Text != "updated" {
		t.Errorf("request = %+v", req)
	}
}

func TestEditMessageFloodControl(t *testing.T) {
	api := newFakeBotAPI(t)
	api.answer("editMessageText",
		`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 17","parameters":{"retry_after":17}}`)
	c := newTestClient(api)

	err := c.EditMessage(context.Background(), domain.MessageRef{ChatID: 7, MessageID: 55}, "x")
	var flood *domain.FloodControlError
	if !errors.As(err, &flood) {
		t.Fatalf("err = %v, want *FloodControlError", err)
	}
	if flood.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want mandated 17s", flood.RetryAfter)
	}
}

func TestEditMessageNotModified(t *testing.T) {
	api := newFakeBotAPI(t)
	api.answer("editMessageText",
		`{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`)
	c := newTestClient(api)

	err := c.EditMessage(context.Background(), domain.MessageRef{ChatID: 7, MessageID: 55}, "x")
	if !errors.Is(err, domain.ErrNotModified) {
		t.Errorf("err = %v, want ErrNotModified", err)
	}
}

func TestEditMessageOtherAPIError(t *testing.T) {
	api := newFakeBotAPI(t)
	api.answer("editMessageText",
		`{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`)
	c := newTestClient(api)

	err := c.EditMessage(context.Background(), domain.MessageRef{ChatID: 7, MessageID: 55}, "x")
	if err == nil || errors.Is(err, domain.ErrNotModified) {
		t.Errorf("err = %v, want a plain API error", err)
	}
	var flood *domain.FloodControlError
	if errors.As(err, &flood) {
		t.Error("a 400 must not look like flood control")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	api := newFakeBotAPI(t)
	c := newTestClient(api)

	// Shutdown paths can race: signal handling and deferred cleanup may
	// both call Stop. None of the calls may panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop after stop: %v", err)
	}
	select {
	case <-c.done:
	default:
		t.Error("done channel must be closed after Stop")
	}
}

func TestPollLoopDeliversInbound(t *testing.T) {
	api := newFakeBotAPI(t)
	api.answer("getUpdates", `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"chat":{"id":7},"text":"hello",
			"from":{"id":42,"first_name":"Ada","last_name":"L"}}},
		{"update_id":11,"message":{"message_id":2,"chat":{"id":7},"text":""}}
	]}`)
	c := newTestClient(api)

	var mu sync.Mutex
	var got []domain.InboundMessage
	handler := func(_ context.Context, msg domain.InboundMessage) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx, handler); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no inbound message delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	first := got[0]
	mu.Unlock()
	if first.ChatID != 7 || first.Content != "hello" || first.SenderID != 42 {
		t.Errorf("inbound = %+v", first)
	}
	if first.SenderName != "Ada L" {
		t.Errorf("SenderName = %q, want first and last name joined", first.SenderName)
	}

	// The empty-text update is skipped entirely.
	mu.Lock()
	for _, msg := range got {
		if msg.Content == "" {
			t.Errorf("empty-text update reached the handler: %+v", msg)
		}
	}
	mu.Unlock()
}
