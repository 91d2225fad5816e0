package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// openrouterTransport is a custom http.RoundTripper that injects the
// OpenRouter attribution headers into every request. X-Title must stay
// strictly ASCII or the backend rejects the request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", "https://github.com/chatrelay/chatrelay")
	clone.Header.Set("X-Title", "chatrelay")
	return t.base.RoundTrip(clone)
}

// OpenRouterClient opens streaming chat completions against an
// OpenRouter-compatible API. One client serves every candidate model; the
// model identifier varies per call.
type OpenRouterClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenRouterClient creates a client with configured timeouts.
func NewOpenRouterClient(cfg config.ModelsConfig, logger *slog.Logger) *OpenRouterClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	client := NewHTTPClient(cfg)
	client.Transport = &openrouterTransport{base: client.Transport}

	return &OpenRouterClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// --- chat-completions wire types ---

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content string `json:"content"`
}

// Stream opens a streaming completion for model over the given history.
// The returned channel yields content deltas in arrival order and is closed
// when the backend finishes, fails, or ctx is cancelled. Transport and
// status errors are returned synchronously; rate limits map to
// domain.ErrRateLimit.
func (c *OpenRouterClient) Stream(ctx context.Context, model string, history []domain.Message) (<-chan domain.StreamDelta, error) {
	msgs := make([]wireMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	httpResp, err := doStreamRequest(ctx, c.client, c.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}

		delta := &domain.StreamDelta{}
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			delta.Content = choice.Delta.Content
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				delta.Done = true
			}
		}
		return delta, nil
	})

	return ch, nil
}
