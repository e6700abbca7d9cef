package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskAction names the kind of work a task performs.
type TaskAction string

const (
	ActionExportIssue TaskAction = "export-issue"
	ActionImportHook  TaskAction = "import-hook"
	ActionReplaySpool TaskAction = "replay-spool"
)

// TaskStatus is derived from completion and failure.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskOptions parameterize a task. Exports name a story and a target repo
// (zero for none); hook imports carry the raw event and, when known out of
// band, the commit a note belongs to.
type TaskOptions struct {
	StoryID  int64           `json:"story_id,omitempty"`
	RepoID   int64           `json:"repo_id,omitempty"`
	ServerID int64           `json:"server_id,omitempty"`
	Event    string          `json:"event,omitempty"`
	CommitID string          `json:"commit_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// TaskDetails carries the human readable state and result of a task.
type TaskDetails struct {
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Task is one unit of asynchronous work.
type Task struct {
	ID         int64       `json:"id"`
	Action     TaskAction  `json:"action"`
	Token      string      `json:"token"`
	Options    TaskOptions `json:"options"`
	Details    TaskDetails `json:"details"`
	Completion int         `json:"completion"`
	Failed     bool        `json:"failed"`
	UserID     int64       `json:"user_id,omitempty"`
	ETime      *time.Time  `json:"etime,omitempty"`
	Seen       bool        `json:"seen"`
	CTime      time.Time   `json:"ctime"`
	MTime      time.Time   `json:"mtime"`
}

// Validate checks if the Task has valid field values
func (t *Task) Validate() error {
	if t.Action == "" {
		return fmt.Errorf("action is required")
	}
	if t.Token == "" {
		return fmt.Errorf("token is required")
	}
	if t.Completion < 0 || t.Completion > 100 {
		return fmt.Errorf("completion must be between 0 and 100, got %d", t.Completion)
	}
	return nil
}

// Final reports whether the task has reached a terminal state.
func (t *Task) Final() bool {
	return t.Completion >= 100 || t.Failed
}

// Status returns the lifecycle state.
func (t *Task) Status() TaskStatus {
	switch {
	case t.Failed:
		return TaskFailed
	case t.Completion >= 100:
		return TaskCompleted
	case t.Completion > 0 || t.ETime != nil:
		return TaskRunning
	default:
		return TaskPending
	}
}
