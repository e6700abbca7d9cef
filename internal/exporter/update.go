package exporter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// update pushes the fields that changed locally to the story's issue. An
// issue that vanished remotely is opened again.
func (r *run) update(ctx context.Context) (*Outcome, error) {
	before := r.before
	server := before.server

	var remote remoteIssue
	err := r.e.client.Fetch(ctx, server, issuePath(before.project, before.issue), &remote)
	if transport.IsNotFound(err) {
		r.e.logger.Warn("issue gone remotely, opening a new one",
			zap.Int64("story", r.story.ID),
			zap.Int64("issue", before.issue.ID),
		)
		return r.reopen(ctx)
	}
	if err != nil {
		return nil, err
	}
	r.progress(ctx, 40, "issue fetched")

	project := before.project
	if project.ID == 0 {
		project.ID = remote.ProjectID
	}
	if _, err := r.push(ctx, server, project, &remote); err != nil {
		return nil, err
	}
	return outcomeOf(server, r.story, project, &remote), nil
}

// reopen drops the dead issue link and runs a create against the same
// project.
func (r *run) reopen(ctx context.Context) (*Outcome, error) {
	server := r.before.server
	_, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
		return s.RemoveLink(server.Type, server.ID) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if r.story, err = r.e.db.Stories.Get(ctx, r.story.ID); err != nil {
		return nil, err
	}
	r.before = nil
	return r.create(ctx)
}

// push sends the local changes against remote and stores the exchanged
// values. It reports whether anything was sent.
func (r *run) push(ctx context.Context, server *schema.Server, project schema.Key, remote *remoteIssue) (bool, error) {
	c := render(r.renderer(server), r.story, r.authors, r.actor)
	link, ok := r.story.FindLink(server.Type, server.ID)
	if !ok {
		return false, fmt.Errorf("story %d lost its link to %s", r.story.ID, server.Name)
	}

	// dry run on a copy to learn what the remote needs
	original := *remote
	scratch := &schema.Story{Record: schema.Record{Exchange: r.story.Exchange.Clone()}, Details: r.story.Details}
	draft := draftOf(remote)
	c.apply(scratch, draft, link)

	sent := false
	if draft.Changed() {
		opts, err := r.actingAs(server)
		if err != nil {
			return false, err
		}
		key := schema.Key{ID: remote.ID, Number: remote.IID}
		if err := r.e.client.Put(ctx, server, issuePath(project, key), draft.body(false), remote, opts...); err != nil {
			return false, fmt.Errorf("failed to update issue %d: %w", remote.ID, err)
		}
		sent = true
		r.progress(ctx, 80, "issue updated")
	}

	story, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
		l, ok := s.FindLink(server.Type, server.ID)
		if !ok {
			l = link
		}
		c.apply(s, draftOf(&original), l)
		adoptState(s, l, remote.State)
		adoptTitle(s, l)
		s.MarkExported(r.e.now())
		return true, nil
	})
	if err != nil {
		return sent, err
	}
	r.story = story
	return sent, nil
}
