package usecase

import (
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// ChatState is the per-chat dialog state.
type ChatState int

const (
	// StateIdle: the assistant dialog is not open for this chat.
	StateIdle ChatState = iota
	// StateActive: the dialog is open and ready for input.
	StateActive
	// StateStreaming: a response is being generated and delivered.
	StateStreaming
)

func (s ChatState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Session holds one chat's dialog state and conversation history.
// Access goes through SessionStore; the struct itself is not shared.
type Session struct {
	ChatID    int64
	State     ChatState
	History   []domain.Message
	UpdatedAt time.Time
}

// SessionStore is the single source of truth for per-chat state. Every
// transition is serialized behind one mutex, so the store alone decides
// whether a new stream may start. Two concurrent messages can never move
// the same chat into Streaming twice.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	now      func() time.Time // for testing
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

// State returns the chat's current state. Unknown chats are Idle.
func (s *SessionStore) State(chatID int64) ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatID]; ok {
		return sess.State
	}
	return StateIdle
}

// Open transitions the chat to Active and seeds the history with the system
// turn. Reopening an already-active dialog resets the history.
func (s *SessionStore) Open(chatID int64, systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sessions[chatID] = &Session{
		ChatID: chatID,
		State:  StateActive,
		History: []domain.Message{
			{Role: domain.RoleSystem, Content: systemPrompt, Timestamp: now},
		},
		UpdatedAt: now,
	}
}

// BeginStream transitions Active -> Streaming, appends the user turn, and
// returns a snapshot of the history for the producer. It refuses with
// ErrStreamActive while a stream is already running and with
// ErrSessionNotFound when the dialog is not open.
func (s *SessionStore) BeginStream(chatID int64, userText string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok || sess.State == StateIdle {
		return nil, domain.ErrSessionNotFound
	}
	if sess.State == StateStreaming {
		return nil, domain.ErrStreamActive
	}

	now := s.now()
	sess.History = append(sess.History, domain.Message{
		Role: domain.RoleUser, Content: userText, Timestamp: now,
	})
	sess.State = StateStreaming
	sess.UpdatedAt = now

	snapshot := make([]domain.Message, len(sess.History))
	copy(snapshot, sess.History)
	return snapshot, nil
}

// EndStream transitions Streaming -> Active. A non-blank assistantText is
// appended as the assistant turn: the full answer on success, the partial
// text on cancellation, nothing on failure. Calling it when the chat is not
// Streaming returns ErrSessionNotFound so that the completion and
// cancellation paths can never both record a transition.
func (s *SessionStore) EndStream(chatID int64, assistantText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok || sess.State != StateStreaming {
		return domain.ErrSessionNotFound
	}

	now := s.now()
	if trimmed := assistantText; len(trimmed) > 0 && hasVisibleText(trimmed) {
		sess.History = append(sess.History, domain.Message{
			Role: domain.RoleAssistant, Content: assistantText, Timestamp: now,
		})
	}
	sess.State = StateActive
	sess.UpdatedAt = now
	return nil
}

// Close ends the dialog: history cleared, session removed, state back to
// Idle. Any in-flight task must be cancelled by the caller first.
func (s *SessionStore) Close(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

// History returns a copy of the chat's conversation history.
func (s *SessionStore) History(chatID int64) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return nil
	}
	cp := make([]domain.Message, len(sess.History))
	copy(cp, sess.History)
	return cp
}

// Reap deletes sessions not touched within maxAge and returns the count.
// Streaming sessions are never reaped: the registry owns their teardown.
func (s *SessionStore) Reap(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	reaped := 0
	for id, sess := range s.sessions {
		if sess.State != StateStreaming && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			reaped++
		}
	}
	return reaped
}

// Len returns the number of live sessions. Intended for testing.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func hasVisibleText(text string) bool {
	for _, r := range text {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
