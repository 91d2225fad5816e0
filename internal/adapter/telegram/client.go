// Package telegram implements the chat channel over the Telegram Bot API
// via long-polling, without an SDK dependency.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// Compile-time interface assertions.
var (
	_ domain.Messenger = (*Client)(nil)
	_ domain.Channel   = (*Client)(nil)
)

const (
	maxUpdatesBody  = 10 * 1024 * 1024
	maxResponseBody = 1 * 1024 * 1024
)

// Client talks to the Telegram Bot API. Outbound calls pass through a token
// bucket limiter so the bot stays under the global Bot API ceiling even
// before the server starts answering with flood control.
type Client struct {
	token       string
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	pollTimeout int

	handler  domain.UpdateHandler
	offset   int64
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Telegram client from config.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	rps := cfg.RequestsPer
	if rps <= 0 {
		rps = 25
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	return &Client{
		token:   cfg.Token,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: time.Duration(pollTimeout+30) * time.Second,
		},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		logger:      logger,
		pollTimeout: pollTimeout,
		done:        make(chan struct{}),
	}
}

// Start begins long-polling for updates. Non-blocking (starts in goroutine).
func (c *Client) Start(ctx context.Context, handler domain.UpdateHandler) error {
	c.handler = handler
	go c.pollLoop(ctx)
	c.logger.Info("telegram channel started")
	return nil
}

// Stop signals the polling loop to stop. Safe to call more than once,
// including concurrently.
func (c *Client) Stop(_ context.Context) error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

// Name implements domain.Channel.
func (c *Client) Name() string { return "telegram" }

func (c *Client) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
			updates, err := c.getUpdates(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("telegram getUpdates failed", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= c.offset {
					c.offset = u.UpdateID + 1
				}
				if u.Message == nil || u.Message.Text == "" {
					continue
				}

				msg := domain.InboundMessage{
					ChatID:    u.Message.Chat.ID,
					MessageID: u.Message.MessageID,
					Content:   u.Message.Text,
				}
				if u.Message.From != nil {
					msg.SenderID = u.Message.From.ID
					name := u.Message.From.FirstName
					if u.Message.From.LastName != "" {
						name += " " + u.Message.From.LastName
					}
					msg.SenderName = name
				}

				if err := c.handler(ctx, msg); err != nil {
					c.logger.Error("telegram handler error", "error", err, "chat_id", msg.ChatID)
				}
			}
		}
	}
}

// SendMessage implements domain.Messenger.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (domain.MessageRef, error) {
	var result tgMessage
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID: chatID,
		Text:   text,
	}, &result)
	if err != nil {
		return domain.MessageRef{}, domain.WrapOp("sendMessage", err)
	}
	return domain.MessageRef{ChatID: result.Chat.ID, MessageID: result.MessageID}, nil
}

// EditMessage implements domain.Messenger. "Message is not modified" maps to
// domain.ErrNotModified; a 429 maps to *domain.FloodControlError carrying
// the mandated wait.
func (c *Client) EditMessage(ctx context.Context, ref domain.MessageRef, text string) error {
	err := c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		Text:      text,
	}, nil)
	return domain.WrapOp("editMessage", err)
}

// call performs one Bot API method call, decoding the standard response
// envelope and mapping API-level failures to domain errors.
func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if !envelope.OK {
		return mapAPIError(&envelope)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// mapAPIError converts an ok=false Bot API envelope to a domain error.
func mapAPIError(envelope *apiResponse) error {
	if envelope.ErrorCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(envelope.Parameters.RetryAfter) * time.Second
		return &domain.FloodControlError{RetryAfter: retryAfter}
	}
	if strings.Contains(strings.ToLower(envelope.Description), "message is not modified") {
		return domain.ErrNotModified
	}
	return fmt.Errorf("telegram API error %d: %s", envelope.ErrorCode, envelope.Description)
}

func (c *Client) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d", c.baseURL, c.token, c.offset, c.pollTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpdatesBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API error %d: %s", resp.StatusCode, string(body))
	}

	var result updatesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}

	return result.Result, nil
}
