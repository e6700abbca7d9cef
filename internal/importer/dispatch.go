package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

// Event kinds understood by Dispatch.
const (
	EventNote       = "note"
	EventIssue      = "issue"
	EventPush       = "push"
	EventUserCreate = "user_create"
	EventUserUpdate = "user_update"
)

// Result describes what a delivery changed.
type Result struct {
	Kind    string `json:"kind"`
	Table   string `json:"table,omitempty"`
	ID      int64  `json:"id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// EventKind returns the kind of a webhook body: object_kind for project
// hooks, event_name for system hooks.
func EventKind(payload []byte) string {
	res := gjson.GetManyBytes(payload, "object_kind", "event_name")
	if k := res[0].String(); k != "" {
		return k
	}
	return res[1].String()
}

// Dispatch routes a webhook body to the importer for its kind.
func (im *Importer) Dispatch(ctx context.Context, server *schema.Server, payload []byte, hook *HookEvent, progress ProgressFunc) (Result, error) {
	if !gjson.ValidBytes(payload) {
		return Result{}, syncerr.BadRequest("webhook body is not JSON")
	}
	kind := EventKind(payload)
	res := Result{Kind: kind}

	switch kind {
	case EventNote:
		var event NoteEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return res, syncerr.BadRequest("invalid note event: %v", err)
		}
		r, err := im.ImportNote(ctx, server, &event, hook)
		if err != nil {
			return res, err
		}
		return describe(res, "reactions", r), nil

	case EventIssue:
		var event IssueEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return res, syncerr.BadRequest("invalid issue event: %v", err)
		}
		s, err := im.ImportIssue(ctx, server, &event)
		if err != nil {
			return res, err
		}
		return describe(res, "stories", s), nil

	case EventPush:
		var event PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return res, syncerr.BadRequest("invalid push event: %v", err)
		}
		s, err := im.ImportPush(ctx, server, &event, progress)
		if err != nil {
			return res, err
		}
		return describe(res, "stories", s), nil

	case EventUserCreate, EventUserUpdate:
		var event SystemUserEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return res, syncerr.BadRequest("invalid user event: %v", err)
		}
		u, err := im.ImportUser(ctx, server, event.Profile())
		if err != nil {
			return res, err
		}
		return describe(res, "users", u), nil

	case "":
		return res, syncerr.BadRequest("webhook body has no object kind")
	default:
		im.logger.Debug("ignoring event", zap.String("kind", kind), zap.String("server", server.Name))
		res.Skipped = true
		return res, nil
	}
}

func describe[T schema.Recorder](res Result, table string, row T) Result {
	var zero T
	if any(row) == any(zero) {
		res.Skipped = true
		return res
	}
	res.Table = table
	res.ID = row.Base().ID
	return res
}

// HookTask returns the task body importing the webhook carried in opts.
func (im *Importer) HookTask(opts schema.TaskOptions) task.Func {
	return func(ctx context.Context, h *task.Handle) error {
		server, err := im.db.GetServer(ctx, opts.ServerID)
		if err != nil {
			return err
		}
		if server.Disabled {
			return syncerr.Forbidden("server %s is disabled", server.Name)
		}

		var hook *HookEvent
		if opts.CommitID != "" {
			hook = &HookEvent{CommitID: opts.CommitID}
		}
		progress := func(completion int, message string) {
			if err := h.Progress(ctx, completion, message); err != nil {
				im.logger.Debug("progress not recorded", zap.String("task", h.Token()), zap.Error(err))
			}
		}

		res, err := im.Dispatch(ctx, server, opts.Payload, hook, progress)
		if err != nil {
			return fmt.Errorf("%s event: %w", res.Kind, err)
		}
		return h.Complete(ctx, res)
	}
}
