// Package exporter publishes stories as issues on an external tracker.
//
// Nothing about the remote side is stored besides the story's links: every
// run derives where the issue is now (the repo of the story's issue link)
// and where it should be (the repo named by the task), and picks one of
// the transitions of decide. Remote calls happen before the local write
// that records them, and every transition that opens an issue first looks
// for a link to one it already opened, so a failed run can be retried.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/richtext"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// Exporter runs issue exports.
type Exporter struct {
	db      *db.DB
	client  *transport.Client
	phrases *richtext.Phrasebook
	locale  string
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithPhrasebook sets the phrases and locale of generated text.
func WithPhrasebook(pb *richtext.Phrasebook, locale string) Option {
	return func(e *Exporter) {
		e.phrases = pb
		e.locale = locale
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// New returns an exporter over database and client.
func New(database *db.DB, client *transport.Client, opts ...Option) *Exporter {
	e := &Exporter{
		db:     database,
		client: client,
		locale: richtext.DefaultLocale,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/mschirtzinger/tracksync/internal/exporter"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("exporter")
	return e
}

// Outcome is the result recorded on an export task.
type Outcome struct {
	Transition string `json:"transition"`
	StoryID    int64  `json:"story_id"`
	ServerID   int64  `json:"server_id,omitempty"`
	ProjectID  int64  `json:"project_id,omitempty"`
	IssueID    int64  `json:"issue_id,omitempty"`
	IssueIID   int64  `json:"issue_iid,omitempty"`
	WebURL     string `json:"web_url,omitempty"`
	// Removed names the issue deleted by the run, if any.
	Removed *Outcome `json:"removed,omitempty"`
}

// Task returns the body of an export task: options name the story and the
// target repo (0 to take the story off the tracker); userID is the acting
// user.
func (e *Exporter) Task(opts schema.TaskOptions, userID int64) task.Func {
	return func(ctx context.Context, h *task.Handle) error {
		out, err := e.Export(ctx, h, opts.StoryID, opts.RepoID, userID)
		if err != nil {
			return err
		}
		return h.Complete(ctx, out)
	}
}

// run carries the state of one export.
type run struct {
	e       *Exporter
	h       *task.Handle
	story   *schema.Story
	authors []*schema.User
	actor   *schema.User
	before  *issueRef
	after   *target
}

// Export brings the remote issue of a story in line with repoID. h may be
// nil; when set, it receives progress and a record of remote side effects.
func (e *Exporter) Export(ctx context.Context, h *task.Handle, storyID, repoID, actorID int64) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "exporter.Export", trace.WithAttributes(
		attribute.Int64("story", storyID),
		attribute.Int64("repo", repoID),
	))
	defer span.End()

	r, err := e.prepare(ctx, h, storyID, repoID, actorID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	canMove := false
	if r.before != nil {
		canMove = e.client.Supports(r.before.server, transport.CapIssueMove)
	}
	tr, err := decide(r.before, r.after, canMove)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("transition", tr.String()))
	e.logger.Info("exporting story",
		zap.Int64("story", storyID),
		zap.Int64("repo", repoID),
		zap.Stringer("transition", tr),
	)
	r.progress(ctx, 10, tr.String())

	var out *Outcome
	switch tr {
	case Nothing:
		out = &Outcome{StoryID: storyID}
	case Create:
		out, err = r.create(ctx)
	case Update:
		out, err = r.update(ctx)
	case Move:
		out, err = r.move(ctx)
	case CreateThenRemove:
		out, err = r.createThenRemove(ctx)
	case Remove:
		out, err = r.remove(ctx)
	default:
		err = fmt.Errorf("unhandled transition %v", tr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Transition = tr.String()
	return out, nil
}

func (e *Exporter) prepare(ctx context.Context, h *task.Handle, storyID, repoID, actorID int64) (*run, error) {
	if storyID == 0 {
		return nil, syncerr.BadRequest("export needs a story")
	}
	story, err := e.db.Stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Deleted {
		return nil, syncerr.NotFound("story %d was deleted", storyID)
	}

	r := &run{e: e, h: h, story: story}

	if len(story.UserIDs) > 0 {
		if r.authors, err = e.db.Users.GetMany(ctx, story.UserIDs); err != nil {
			return nil, err
		}
	}
	if actorID != 0 {
		if r.actor, err = e.db.Users.Get(ctx, actorID); err != nil {
			return nil, err
		}
	}

	if r.before, err = e.currentIssue(ctx, story); err != nil {
		return nil, err
	}
	if repoID != 0 {
		if r.after, err = e.resolveTarget(ctx, repoID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// currentIssue resolves the story's issue link.
func (e *Exporter) currentIssue(ctx context.Context, story *schema.Story) (*issueRef, error) {
	link, ok := story.FindLinkWith(schema.ProviderGitLab, schema.KindIssue)
	if !ok {
		return nil, nil
	}
	server, err := e.db.GetServer(ctx, link.ServerID)
	if err != nil {
		return nil, fmt.Errorf("server of issue link: %w", err)
	}
	ref := &issueRef{link: link, server: server}
	ref.issue, _ = link.Key(schema.KindIssue)
	ref.project, _ = link.Key(schema.KindProject)

	if ref.project.ID != 0 {
		criteria := schema.ExtendLink(link.Type, link.ServerID, schema.ObjectKeys{schema.KindProject: {ID: ref.project.ID}})
		repos, err := e.db.Repos.FindByLink(ctx, criteria, schema.KindProject)
		if err != nil {
			return nil, err
		}
		if len(repos) > 0 {
			ref.repo = repos[0]
		}
	}
	return ref, nil
}

// resolveTarget resolves the repo an export is aimed at.
func (e *Exporter) resolveTarget(ctx context.Context, repoID int64) (*target, error) {
	repo, err := e.db.Repos.Get(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if repo.Deleted {
		return nil, syncerr.NotFound("repo %d was deleted", repoID)
	}
	t := &target{repo: repo}
	serverID, project, ok := repo.Project()
	if !ok {
		return t, nil
	}
	if t.server, err = e.db.GetServer(ctx, serverID); err != nil {
		return nil, fmt.Errorf("server of repo %d: %w", repoID, err)
	}
	t.project = project
	t.tracking = repo.HasTracker()
	return t, nil
}

func (r *run) renderer(server *schema.Server) *richtext.Renderer {
	return &richtext.Renderer{
		Media:   richtext.BaseURLResolver{Base: server.Settings.MediaBaseURL},
		Phrases: r.e.phrases,
		Locale:  r.e.locale,
	}
}

// actingAs returns the call options running requests as the actor's
// account on server. Exports without an actor run as the server's token.
func (r *run) actingAs(server *schema.Server) ([]transport.CallOption, error) {
	if r.actor == nil {
		return nil, nil
	}
	id, ok := r.actor.ExternalID(server.Type, server.ID)
	if !ok {
		return nil, syncerr.Forbidden("user %s has no account on %s", r.actor.Username, server.Name)
	}
	return []transport.CallOption{transport.ActingAs(id)}, nil
}

func (r *run) progress(ctx context.Context, completion int, message string) {
	if r.h == nil {
		return
	}
	if err := r.h.Progress(ctx, completion, message); err != nil {
		r.e.logger.Debug("progress not recorded", zap.Error(err))
	}
}

// remember leaves a trace of a remote side effect on the task before the
// local write that will record it.
func (r *run) remember(ctx context.Context, out *Outcome) {
	if r.h == nil {
		return
	}
	if err := r.h.Record(ctx, out); err != nil && !errors.Is(err, syncerr.ErrTaskFinal) {
		r.e.logger.Warn("cannot record export side effect", zap.Error(err))
	}
}

func issuePath(project schema.Key, issue schema.Key) string {
	return fmt.Sprintf("/projects/%d/issues/%d", project.ID, issue.Number)
}

func outcomeOf(server *schema.Server, story *schema.Story, project schema.Key, issue *remoteIssue) *Outcome {
	out := &Outcome{StoryID: story.ID, ServerID: server.ID, ProjectID: project.ID}
	if issue != nil {
		out.IssueID = issue.ID
		out.IssueIID = issue.IID
		out.WebURL = issue.WebURL
		if out.ProjectID == 0 {
			out.ProjectID = issue.ProjectID
		}
	}
	return out
}
