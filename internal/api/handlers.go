package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// TaskView is the polling answer for one task.
type TaskView struct {
	Token      string             `json:"token"`
	Action     schema.TaskAction  `json:"action"`
	Status     schema.TaskStatus  `json:"status"`
	Completion int                `json:"completion"`
	Failed     bool               `json:"failed"`
	Details    schema.TaskDetails `json:"details"`
	Seen       bool               `json:"seen"`
	CTime      time.Time          `json:"ctime"`
	ETime      *time.Time         `json:"etime,omitempty"`
}

func viewOf(t *schema.Task) TaskView {
	return TaskView{
		Token:      t.Token,
		Action:     t.Action,
		Status:     t.Status(),
		Completion: t.Completion,
		Failed:     t.Failed,
		Details:    t.Details,
		Seen:       t.Seen,
		CTime:      t.CTime,
		ETime:      t.ETime,
	}
}

// handleHook accepts a webhook and answers with the task importing it.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, syncerr.BadRequest("failed to read body: %v", err))
		return
	}

	d := ingest.Delivery{
		Server:   r.PathValue("server"),
		Event:    r.Header.Get("X-Gitlab-Event"),
		UUID:     r.Header.Get("X-Gitlab-Event-UUID"),
		Token:    r.Header.Get("X-Gitlab-Token"),
		CommitID: r.URL.Query().Get("commit"),
		Payload:  body,
		Received: time.Now().UTC(),
	}
	h, err := s.receiver.Receive(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	t := h.Task()
	status := http.StatusAccepted
	if t.Final() {
		status = http.StatusOK
	}
	s.writeJSON(w, status, viewOf(&t))
}

// ExportRequest asks for a story to be exported to a repo. RepoID 0 takes
// the story off the tracker.
type ExportRequest struct {
	StoryID int64  `json:"story_id"`
	RepoID  int64  `json:"repo_id"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, r, syncerr.BadRequest("invalid export request: %v", err))
		return
	}
	if req.StoryID == 0 {
		s.writeError(w, r, syncerr.BadRequest("story_id is required"))
		return
	}

	opts := schema.TaskOptions{StoryID: req.StoryID, RepoID: req.RepoID}
	h, _, err := s.tasks.Start(r.Context(), schema.ActionExportIssue, req.Token, opts, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// a known token keeps the story and repo it was started with
	stored := h.Task()
	s.tasks.Run(r.Context(), h, s.exporter.Task(stored.Options, stored.UserID))
	s.logger.Info("export requested",
		zap.Int64("story", stored.Options.StoryID),
		zap.Int64("repo", stored.Options.RepoID),
		zap.String("token", h.Token()),
	)
	t := h.Task()
	s.writeJSON(w, http.StatusAccepted, viewOf(&t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Poll(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Abort(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	if err := s.db.MarkTaskSeen(r.Context(), r.PathValue("token"), true); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTasks lists tasks, newest first. Query: since (RFC 3339),
// user, action, unseen, limit.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.TaskFilter{
		Action: schema.TaskAction(q.Get("action")),
		Unseen: q.Get("unseen") == "true" || q.Get("unseen") == "1",
		Limit:  100,
	}

	var err error
	if v := q.Get("since"); v != "" {
		if filter.Since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, syncerr.BadRequest("invalid since %q", v))
			return
		}
	}
	if v := q.Get("user"); v != "" {
		if filter.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.writeError(w, r, syncerr.BadRequest("invalid user %q", v))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			s.writeError(w, r, syncerr.BadRequest("invalid limit %q", v))
			return
		}
	}

	tasks, err := s.db.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"live_tasks": s.tasks.Live(),
	})
}
