package domain

import "context"

// MessageRef identifies one physical message in a chat.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// InboundMessage is a message received from the chat channel (user input).
type InboundMessage struct {
	ChatID     int64
	MessageID  int64
	Content    string
	SenderID   int64
	SenderName string
}

// UpdateHandler is a callback the channel invokes for each inbound message.
type UpdateHandler func(ctx context.Context, msg InboundMessage) error

// Messenger is the outbound side of the chat channel: sending new messages
// and editing already-delivered ones.
//
// EditMessage failure modes the streaming engine distinguishes:
// ErrNotModified (benign no-op), *FloodControlError (mandated wait), and
// anything else (logged, non-fatal).
type Messenger interface {
	// SendMessage sends a new message and returns its reference.
	SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error)
	// EditMessage replaces the visible text of an existing message.
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

// Channel is the inbound side: a long-running update feed.
type Channel interface {
	Start(ctx context.Context, handler UpdateHandler) error
	Stop(ctx context.Context) error
	Name() string
}
