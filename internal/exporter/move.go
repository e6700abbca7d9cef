package exporter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// move asks the server to move the issue into the target project, then
// points the story and its issue reactions at the moved issue.
func (r *run) move(ctx context.Context) (*Outcome, error) {
	before, after := r.before, r.after
	server := before.server

	opts, err := r.actingAs(server)
	if err != nil {
		return nil, err
	}

	var moved remoteIssue
	path := issuePath(before.project, before.issue) + "/move"
	body := map[string]any{"to_project_id": after.project.ID}
	err = r.e.client.Post(ctx, server, path, body, &moved, opts...)
	if transport.IsNotFound(err) {
		r.e.logger.Warn("issue gone remotely, opening it in the target project",
			zap.Int64("story", r.story.ID), zap.Int64("issue", before.issue.ID))
		return r.reopen(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move issue %d: %w", before.issue.ID, err)
	}
	if moved.ProjectID == 0 {
		moved.ProjectID = after.project.ID
	}

	out := outcomeOf(server, r.story, after.project, &moved)
	r.remember(ctx, out)
	r.progress(ctx, 50, "issue moved")

	keys := moved.keys(after.project)
	story, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
		if !s.ReplaceKeys(server.Type, server.ID, keys) {
			s.InheritLink(server.Type, server.ID, keys)
		}
		s.RepoID = after.repo.ID
		s.MarkExported(r.e.now())
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue moved but story %d not relinked: %w", r.story.ID, err)
	}
	r.story = story

	if err := r.relinkReactions(ctx, before, keys); err != nil {
		return nil, err
	}
	r.progress(ctx, 70, "reactions relinked")

	if _, err := r.push(ctx, server, after.project, &moved); err != nil {
		return nil, err
	}
	return out, nil
}

// issueReactions returns the story's live tracking, note and assignment
// reactions linked to ref's issue.
func (r *run) issueReactions(ctx context.Context, ref *issueRef) ([]*schema.Reaction, error) {
	rows, err := r.e.db.FindReactions(ctx, db.ReactionFilter{
		StoryID: r.story.ID,
		Types:   []schema.ReactionType{schema.ReactionTracking, schema.ReactionNote, schema.ReactionAssignment},
	})
	if err != nil {
		return nil, err
	}

	key := ref.issue
	if key.ID != 0 {
		key = schema.Key{ID: key.ID}
	}
	criteria := schema.ExtendLink(ref.link.Type, ref.server.ID, schema.ObjectKeys{schema.KindIssue: key})

	var linked []*schema.Reaction
	for _, rx := range rows {
		if rx.HasLink(criteria, schema.KindIssue) {
			linked = append(linked, rx)
		}
	}
	return linked, nil
}

// relinkReactions points the issue reactions of ref at keys on the same
// server.
func (r *run) relinkReactions(ctx context.Context, ref *issueRef, keys schema.ObjectKeys) error {
	rows, err := r.issueReactions(ctx, ref)
	if err != nil {
		return err
	}
	server := ref.server
	for _, rx := range rows {
		_, err := r.e.db.Reactions.Modify(ctx, rx.ID, func(rx *schema.Reaction) (bool, error) {
			return rx.ReplaceKeys(server.Type, server.ID, keys), nil
		})
		if err != nil {
			return fmt.Errorf("failed to relink reaction %d: %w", rx.ID, err)
		}
	}
	return nil
}
