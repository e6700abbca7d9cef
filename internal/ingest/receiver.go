// Package ingest turns webhook deliveries into import tasks, whatever way
// they arrive: HTTP, the spool directory or the message queue.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/importer"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

// Delivery is one webhook as sent by the tracker.
type Delivery struct {
	// Server is the name of the sending server.
	Server string `json:"server"`
	// Event is the X-Gitlab-Event header, informational only.
	Event string `json:"event,omitempty"`
	// UUID is the X-Gitlab-Event-UUID header; redeliveries share it.
	UUID string `json:"uuid,omitempty"`
	// Token is the X-Gitlab-Token header.
	Token string `json:"token,omitempty"`
	// CommitID names the commit a note belongs to when known out of band.
	CommitID string          `json:"commit_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Received time.Time       `json:"received"`
}

// Receiver validates deliveries and starts their import tasks.
type Receiver struct {
	db       *db.DB
	tasks    *task.Manager
	importer *importer.Importer
	logger   *zap.Logger
}

// NewReceiver returns a receiver.
func NewReceiver(database *db.DB, tasks *task.Manager, im *importer.Importer, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{db: database, tasks: tasks, importer: im, logger: logger.Named("ingest")}
}

// MaxAttempts bounds how often one delivery is re-run after retryable
// failures.
const MaxAttempts = 5

// Receive checks d against its server and runs the import in the
// background. A delivery whose UUID was seen before re-attaches to the
// existing task; when that task is final nothing is run again, unless it
// failed with a retryable error, in which case the next attempt runs under
// the token "<uuid>.<n>".
func (r *Receiver) Receive(ctx context.Context, d Delivery) (*task.Handle, error) {
	if len(d.Payload) == 0 {
		return nil, syncerr.BadRequest("empty webhook payload")
	}
	server, err := r.db.GetServerByName(ctx, d.Server)
	if err != nil {
		return nil, err
	}
	if server.Disabled {
		return nil, syncerr.Forbidden("server %s is disabled", server.Name)
	}
	if want := server.Settings.WebhookToken; want != "" {
		if subtle.ConstantTimeCompare([]byte(want), []byte(d.Token)) != 1 {
			return nil, syncerr.Forbidden("webhook token mismatch for server %s", server.Name)
		}
	}

	kind := importer.EventKind(d.Payload)
	if kind == "" {
		return nil, syncerr.BadRequest("webhook payload has no object kind")
	}

	opts := schema.TaskOptions{
		ServerID: server.ID,
		Event:    kind,
		CommitID: d.CommitID,
		Payload:  d.Payload,
	}

	token := d.UUID
	var h *task.Handle
	var created bool
	for attempt := 1; ; attempt++ {
		h, created, err = r.tasks.Start(ctx, schema.ActionImportHook, token, opts, 0)
		if err != nil {
			return nil, err
		}
		if d.UUID == "" || attempt >= MaxAttempts || !h.Final() || !retryable(h.Task()) {
			break
		}
		token = fmt.Sprintf("%s.%d", d.UUID, attempt)
	}

	log := r.logger.With(
		zap.String("server", server.Name),
		zap.String("kind", kind),
		zap.String("token", h.Token()),
	)
	if h.Final() {
		log.Info("delivery already processed")
		return h, nil
	}
	if !created {
		log.Info("redelivery attached to pending task")
	}

	// the stored options win over a redelivered body
	stored := h.Task().Options
	if r.tasks.Run(ctx, h, r.importer.HookTask(stored)) {
		log.Debug("import started")
	}
	return h, nil
}

func retryable(t schema.Task) bool {
	return t.Failed && syncerr.IsRetryable(syncerr.FromKind(t.Details.Kind, t.Details.Error))
}

// Settle waits for h and returns the task's failure as an error of its
// original kind, or nil once it completed.
func Settle(ctx context.Context, h *task.Handle) error {
	t, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if !t.Failed {
		return nil
	}
	if err := syncerr.FromKind(t.Details.Kind, t.Details.Error); err != nil {
		return err
	}
	return fmt.Errorf("task %s failed", t.Token)
}
