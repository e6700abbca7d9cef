package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// ErrAborted is recorded on tasks aborted from outside.
var ErrAborted = errors.New("task aborted")

// Handle is the in-process view of one task. Every write goes through the
// store first; the in-memory copy only advances when the store accepted it.
type Handle struct {
	store  Store
	mirror Mirror
	logger *zap.Logger

	mu        sync.Mutex
	task      schema.Task
	listeners []chan schema.Task
	done      chan struct{}
	closed    bool
	running   bool
}

func newHandle(task schema.Task, store Store, mirror Mirror, logger *zap.Logger) *Handle {
	h := &Handle{
		store:  store,
		mirror: mirror,
		logger: logger.With(zap.String("token", task.Token), zap.String("action", string(task.Action))),
		task:   task,
		done:   make(chan struct{}),
	}
	if task.Final() {
		h.finish()
	}
	return h
}

// Token returns the task's correlation token.
func (h *Handle) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Token
}

// Task returns a copy of the current state.
func (h *Handle) Task() schema.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// Final reports whether the task completed or failed.
func (h *Handle) Final() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Final()
}

// Done is closed once the task is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Updates returns a channel that receives the latest state after every
// accepted write, starting with the current one. Slow readers only see the
// most recent state. The channel is closed once the task is final.
func (h *Handle) Updates() <-chan schema.Task {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan schema.Task, 1)
	ch <- h.task
	if h.closed {
		close(ch)
		return ch
	}
	h.listeners = append(h.listeners, ch)
	return ch
}

// Wait blocks until the task is final or ctx ends.
func (h *Handle) Wait(ctx context.Context) (schema.Task, error) {
	select {
	case <-h.done:
		return h.Task(), nil
	case <-ctx.Done():
		return h.Task(), ctx.Err()
	}
}

// Progress records completion below 100 and an optional message. Progress
// never goes backwards, and 100 is only reachable through Complete.
func (h *Handle) Progress(ctx context.Context, completion int, message string) error {
	return h.update(ctx, func(t *schema.Task) error {
		if completion >= 100 {
			return syncerr.BadRequest("progress %d: use Complete to finish a task", completion)
		}
		if completion < t.Completion {
			return syncerr.BadRequest("progress %d is behind %d", completion, t.Completion)
		}
		t.Completion = completion
		if message != "" {
			t.Details.Message = message
		}
		return nil
	})
}

// Record stores a result without changing progress. Used to leave a trace
// of remote side effects before a step that may still fail.
func (h *Handle) Record(ctx context.Context, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	return h.update(ctx, func(t *schema.Task) error {
		t.Details.Result = data
		return nil
	})
}

// Complete finishes the task successfully. result, when non-nil, replaces
// the recorded result.
func (h *Handle) Complete(ctx context.Context, result any) error {
	var data json.RawMessage
	if result != nil {
		var err error
		if data, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
	}
	return h.update(ctx, func(t *schema.Task) error {
		t.Completion = 100
		if data != nil {
			t.Details.Result = data
		}
		return nil
	})
}

// Fail finishes the task with an error. Side effects already committed are
// left in place.
func (h *Handle) Fail(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return h.update(ctx, func(t *schema.Task) error {
		t.Failed = true
		t.Details.Error = cause.Error()
		t.Details.Kind = syncerr.Kind(cause)
		if errors.Is(cause, ErrAborted) {
			t.Details.Kind = "aborted"
		}
		return nil
	})
}

func (h *Handle) begin(ctx context.Context) error {
	return h.update(ctx, func(t *schema.Task) error {
		now := time.Now().UTC()
		t.ETime = &now
		return nil
	})
}

func (h *Handle) update(ctx context.Context, mutate func(*schema.Task) error) error {
	h.mu.Lock()

	if h.task.Final() {
		h.mu.Unlock()
		return fmt.Errorf("%w: task %s", syncerr.ErrTaskFinal, h.task.Token)
	}

	next := h.task
	if err := mutate(&next); err != nil {
		h.mu.Unlock()
		return err
	}

	if err := h.store.UpdateTask(ctx, &next); err != nil {
		if errors.Is(err, syncerr.ErrTaskFinal) {
			// finalized by another process, e.g. an abort
			if stored, gerr := h.store.GetTask(ctx, next.Token); gerr == nil {
				h.task = *stored
			} else {
				h.task.Failed = true
			}
			h.notify()
			h.finish()
		}
		h.mu.Unlock()
		return err
	}

	h.task = next
	h.notify()
	if h.task.Final() {
		h.finish()
	}
	snapshot := h.task
	h.mu.Unlock()

	h.publish(ctx, &snapshot)
	return nil
}

func (h *Handle) publish(ctx context.Context, t *schema.Task) {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.Publish(context.WithoutCancel(ctx), t); err != nil {
		h.logger.Warn("failed to mirror task state", zap.Error(err))
	}
}

// notify must be called with h.mu held.
func (h *Handle) notify() {
	for _, ch := range h.listeners {
		select {
		case ch <- h.task:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- h.task:
			default:
			}
		}
	}
}

// finish must be called with h.mu held, or before the handle is shared.
func (h *Handle) finish() {
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
	close(h.done)
}

func (h *Handle) claim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.task.Final() {
		return false
	}
	h.running = true
	return true
}

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
}
