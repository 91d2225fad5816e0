package domain

import (
	"context"
	"time"
)

// Role constants for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single turn in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StreamDelta is one incremental text fragment from a streaming completion.
// Done marks the end of the stream; a Done delta may carry no content.
type StreamDelta struct {
	Content string
	Done    bool
}

// ModelCandidate is one backend model in the router's ordered fallback list.
// Candidates are static configuration, read-only at run time.
type ModelCandidate struct {
	Model    string
	Priority int
}

// Generator produces a streaming completion for a conversation history.
// The returned channel yields deltas in order and is closed when the stream
// ends. The stream is finite and not restartable: once consumed, a new call
// is required for a new answer.
type Generator interface {
	Generate(ctx context.Context, history []Message) (<-chan StreamDelta, error)
}
