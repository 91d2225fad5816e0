package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const (
	cmdStart = "/start"
	cmdHelp  = "/help"
	cmdChat  = "/chat"
	cmdStop  = "/stop"

	helpText = "Send /chat to open a dialog, then just type your question. " +
		"Send /stop to end the dialog at any time, including mid-answer."
	chatOpenedText  = "Dialog opened. Ask me anything."
	chatClosedText  = "Dialog ended."
	notOpenText     = "No dialog is open. Send /chat to start one."
	busyText        = "Still answering your previous message. Send /stop to interrupt."
)

// DispatcherConfig carries the dialog-level knobs.
type DispatcherConfig struct {
	SystemPrompt  string
	StopPhrase    string
	CancelTimeout time.Duration
}

// Dispatcher routes inbound messages to the session machinery: commands
// open and close dialogs, plain text starts a stream, and anything while an
// answer is in flight is either a cancel or a polite refusal.
type Dispatcher struct {
	sessions *SessionStore
	registry *TaskRegistry
	streamer *Streamer
	sender   domain.Messenger
	cfg      DispatcherConfig
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher wires the inbound side.
func NewDispatcher(
	sessions *SessionStore,
	registry *TaskRegistry,
	streamer *Streamer,
	sender domain.Messenger,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	return &Dispatcher{
		sessions: sessions,
		registry: registry,
		streamer: streamer,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleUpdate is the channel's UpdateHandler.
func (d *Dispatcher) HandleUpdate(ctx context.Context, msg domain.InboundMessage) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	switch {
	case text == cmdStart || text == cmdHelp:
		return d.reply(ctx, msg.ChatID, helpText)
	case text == cmdChat:
		return d.openDialog(ctx, msg.ChatID)
	case text == cmdStop || d.isStopPhrase(text):
		return d.closeDialog(ctx, msg.ChatID)
	default:
		return d.handleText(ctx, msg, text)
	}
}

// Wait blocks until all in-flight streams finish. Called on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) openDialog(ctx context.Context, chatID int64) error {
	if d.sessions.State(chatID) == StateStreaming {
		d.registry.Cancel(ctx, chatID, d.cfg.CancelTimeout)
	}
	d.sessions.Open(chatID, d.cfg.SystemPrompt)
	d.logger.Info("dialog opened", "chat_id", chatID)
	return d.reply(ctx, chatID, chatOpenedText)
}

// closeDialog cancels any in-flight generation, then drops the session. The
// cancel must settle first so the partial turn is recorded before the
// history is thrown away with the session.
func (d *Dispatcher) closeDialog(ctx context.Context, chatID int64) error {
	if d.sessions.State(chatID) == StateIdle {
		return d.reply(ctx, chatID, notOpenText)
	}
	cancelled := d.registry.Cancel(ctx, chatID, d.cfg.CancelTimeout)
	d.sessions.Close(chatID)
	d.logger.Info("dialog closed", "chat_id", chatID, "cancelled_stream", cancelled)
	return d.reply(ctx, chatID, chatClosedText)
}

func (d *Dispatcher) handleText(ctx context.Context, msg domain.InboundMessage, text string) error {
	chatID := msg.ChatID
	switch d.sessions.State(chatID) {
	case StateIdle:
		return d.reply(ctx, chatID, notOpenText)
	case StateStreaming:
		return d.reply(ctx, chatID, busyText)
	}

	task, err := d.registry.Register(ctx, chatID)
	if err != nil {
		return d.reply(ctx, chatID, busyText)
	}
	history, err := d.sessions.BeginStream(chatID, text)
	if err != nil {
		d.registry.Finish(task)
		if err == domain.ErrStreamActive {
			return d.reply(ctx, chatID, busyText)
		}
		return d.reply(ctx, chatID, notOpenText)
	}

	d.logger.Info("stream starting",
		"chat_id", chatID, "task_id", task.ID, "sender", msg.SenderName)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.streamer.Run(ctx, task, history)
	}()
	return nil
}

func (d *Dispatcher) isStopPhrase(text string) bool {
	return d.cfg.StopPhrase != "" && strings.EqualFold(text, d.cfg.StopPhrase)
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) error {
	_, err := d.sender.SendMessage(ctx, chatID, text)
	if err != nil {
		d.logger.Warn("cannot send reply", "chat_id", chatID, "error", err)
	}
	return err
}
