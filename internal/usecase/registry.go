package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
)

// StreamTask is one in-flight generation. Its context feeds the producer
// side (model request, SSE read) so cancellation tears the upstream down
// immediately, while the delivery loop polls Cancelled between deltas and
// runs its cleanup edits on a separate context.
type StreamTask struct {
	ID     string
	ChatID int64

	ctx       context.Context
	cancelFn  context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
}

// Context returns the producer context. It is cancelled when the task is.
func (t *StreamTask) Context() context.Context { return t.ctx }

// Cancelled reports whether a cancel was requested.
func (t *StreamTask) Cancelled() bool { return t.cancelled.Load() }

// TaskRegistry tracks at most one StreamTask per chat. Register refuses a
// second task for the same chat, which together with SessionStore keeps the
// one-stream-per-user invariant even if the two ever disagree.
type TaskRegistry struct {
	mu     sync.Mutex
	tasks  map[int64]*StreamTask
	logger *slog.Logger
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	return &TaskRegistry{
		tasks:  make(map[int64]*StreamTask),
		logger: logger,
	}
}

// Register creates and records a task for the chat. The task context is
// derived from parent. Returns ErrStreamActive if the chat already has one.
func (r *TaskRegistry) Register(parent context.Context, chatID int64) (*StreamTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[chatID]; ok {
		return nil, domain.ErrStreamActive
	}

	ctx, cancel := context.WithCancel(parent)
	task := &StreamTask{
		ID:       ulid.Make().String(),
		ChatID:   chatID,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
	r.tasks[chatID] = task
	return task, nil
}

// Finish marks the task complete and removes it from the registry. Safe to
// call exactly once per task; the delivery loop defers it.
func (r *TaskRegistry) Finish(task *StreamTask) {
	r.mu.Lock()
	if cur, ok := r.tasks[task.ChatID]; ok && cur == task {
		delete(r.tasks, task.ChatID)
	}
	r.mu.Unlock()

	task.cancelFn()
	close(task.done)
}

// Active reports whether the chat has an in-flight task.
func (r *TaskRegistry) Active(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[chatID]
	return ok
}

// Cancel requests cooperative cancellation of the chat's task and waits up
// to timeout for the delivery loop to confirm. On timeout the registry
// force-releases the slot so the user is never wedged; the loop still
// cleans up on its own when it eventually exits. Returns false when no task
// was running.
func (r *TaskRegistry) Cancel(ctx context.Context, chatID int64, timeout time.Duration) bool {
	r.mu.Lock()
	task, ok := r.tasks[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	task.cancelled.Store(true)
	task.cancelFn()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-task.done:
	case <-timer.C:
		r.logger.Warn("stream task did not confirm cancellation, releasing slot",
			"chat_id", chatID, "task_id", task.ID, "timeout", timeout)
		r.mu.Lock()
		if cur, ok := r.tasks[chatID]; ok && cur == task {
			delete(r.tasks, chatID)
		}
		r.mu.Unlock()
	case <-ctx.Done():
	}
	return true
}
