// Package task runs asynchronous imports and exports and makes their
// progress observable.
//
// A task moves pending -> running (0-99) -> completed (100) | failed.
// Progress is monotonic and the final transition happens exactly once:
// both rules are checked in memory by the Handle and again by the store's
// UPDATE statement, so a task aborted by another process cannot be
// resurrected.
//
// Clients correlate with tasks by token. Starting a task with a token that
// already exists re-attaches to it instead of creating a second one, which
// is how redelivered webhooks are absorbed.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// Func performs the work of a task, reporting progress through h. A nil
// return completes the task unless fn already finished it.
type Func func(ctx context.Context, h *Handle) error

// Manager creates, runs and tracks tasks.
type Manager struct {
	store  Store
	mirror Mirror
	logger *zap.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	live map[string]*Handle
	wg   conc.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMirror shares task state through m.
func WithMirror(m Mirror) Option {
	return func(mgr *Manager) { mgr.mirror = m }
}

// NewManager returns a manager persisting to store.
func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		logger: logger.Named("task"),
		tracer: otel.Tracer("github.com/mschirtzinger/tracksync/internal/task"),
		live:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a task, or re-attaches to the task already holding token.
// An empty token gets a fresh UUID. created is false on re-attach.
func (m *Manager) Start(ctx context.Context, action schema.TaskAction, token string, options schema.TaskOptions, userID int64) (h *Handle, created bool, err error) {
	if token == "" {
		token = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.live[token]; ok {
		return h, false, nil
	}

	t := &schema.Task{
		Action:  action,
		Token:   token,
		Options: options,
		UserID:  userID,
	}
	created, err = m.store.CreateTask(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if !created && t.Action != action {
		return nil, false, syncerr.BadRequest("token %s belongs to a %s task", token, t.Action)
	}

	h = newHandle(*t, m.store, m.mirror, m.logger)
	if !h.Final() {
		m.live[token] = h
	}
	if created {
		h.publish(ctx, t)
	}
	return h, created, nil
}

// Run executes fn for h on its own goroutine and returns immediately. It
// returns false when the task is already final or running. fn's context
// is detached from ctx's cancellation: an abort marks the task failed but
// lets in-flight calls finish.
func (m *Manager) Run(ctx context.Context, h *Handle, fn Func) bool {
	if !h.claim() {
		return false
	}

	ctx = context.WithoutCancel(ctx)
	m.wg.Go(func() {
		defer m.forget(h)
		defer h.release()

		snapshot := h.Task()
		ctx, span := m.tracer.Start(ctx, "task."+string(snapshot.Action), trace.WithAttributes(
			attribute.String("token", snapshot.Token),
		))
		defer span.End()

		log := h.logger
		if err := h.begin(ctx); err != nil {
			log.Warn("task not started", zap.Error(err))
			return
		}
		log.Debug("task started")

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = fn(ctx, h) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
			log.Error("task panicked", zap.String("panic", r.String()))
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if ferr := h.Fail(ctx, err); ferr != nil && !errors.Is(ferr, syncerr.ErrTaskFinal) {
				log.Error("failed to record task failure", zap.Error(ferr))
			}
			log.Info("task failed", zap.Error(err), zap.String("kind", syncerr.Kind(err)))
			return
		}

		if !h.Final() {
			if cerr := h.Complete(ctx, nil); cerr != nil && !errors.Is(cerr, syncerr.ErrTaskFinal) {
				log.Error("failed to complete task", zap.Error(cerr))
			}
		}
		t := h.Task()
		log.Info("task finished", zap.String("status", string(t.Status())))
	})
	return true
}

// Go starts (or re-attaches to) a task and runs fn unless the task is
// final or already running.
func (m *Manager) Go(ctx context.Context, action schema.TaskAction, token string, options schema.TaskOptions, userID int64, fn Func) (*Handle, error) {
	h, _, err := m.Start(ctx, action, token, options, userID)
	if err != nil {
		return nil, err
	}
	m.Run(ctx, h, fn)
	return h, nil
}

// Poll returns the state of the task with token. Live tasks answer from
// memory, then the mirror is consulted, then the store.
func (m *Manager) Poll(ctx context.Context, token string) (*schema.Task, error) {
	if h := m.lookup(token); h != nil {
		t := h.Task()
		return &t, nil
	}
	if m.mirror != nil {
		t, ok, err := m.mirror.Get(ctx, token)
		if err != nil {
			m.logger.Warn("task mirror unavailable", zap.Error(err))
		} else if ok {
			return t, nil
		}
	}
	return m.store.GetTask(ctx, token)
}

// Abort marks the task failed. Work already running is not interrupted;
// its later writes are rejected.
func (m *Manager) Abort(ctx context.Context, token string) (*schema.Task, error) {
	h := m.lookup(token)
	if h == nil {
		stored, err := m.store.GetTask(ctx, token)
		if err != nil {
			return nil, err
		}
		h = newHandle(*stored, m.store, m.mirror, m.logger)
	}

	if err := h.Fail(ctx, ErrAborted); err != nil {
		return nil, fmt.Errorf("failed to abort task %s: %w", token, err)
	}
	m.forget(h)
	t := h.Task()
	return &t, nil
}

// Live returns the number of tasks held in memory.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown waits for running tasks until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(token string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[token]
}

func (m *Manager) forget(h *Handle) {
	if !h.Final() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[h.Token()] == h {
		delete(m.live, h.Token())
	}
}
