package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/merge"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// create opens an issue for a story that has none.
func (r *run) create(ctx context.Context) (*Outcome, error) {
	after := r.after
	issue, err := r.openIssue(ctx, after)
	if err != nil {
		return nil, err
	}
	out := outcomeOf(after.server, r.story, after.project, issue)
	r.remember(ctx, out)
	r.progress(ctx, 60, "issue opened")

	if err := r.linkIssue(ctx, after, issue, false); err != nil {
		return nil, err
	}
	if err := r.ensureTracking(ctx, after.server, issue.keys(after.project)); err != nil {
		return nil, err
	}
	return out, nil
}

// openIssue returns the issue the story already has in the target project,
// as left by an earlier attempt, or opens a new one.
func (r *run) openIssue(ctx context.Context, after *target) (*remoteIssue, error) {
	if link, ok := r.story.FindLink(after.server.Type, after.server.ID); ok {
		project, _ := link.Key(schema.KindProject)
		if key, ok := link.Key(schema.KindIssue); ok && project.ID == after.project.ID {
			var existing remoteIssue
			err := r.e.client.Fetch(ctx, after.server, issuePath(after.project, key), &existing)
			switch {
			case err == nil:
				r.e.logger.Info("reusing issue opened earlier",
					zap.Int64("story", r.story.ID), zap.Int64("issue", existing.ID))
				return &existing, nil
			case !transport.IsNotFound(err):
				return nil, err
			}
		}
	}

	opts, err := r.actingAs(after.server)
	if err != nil {
		return nil, err
	}

	c := render(r.renderer(after.server), r.story, r.authors, r.actor)
	draft := draftOf(nil)
	scratch := &schema.Story{Details: r.story.Details}
	c.apply(scratch, draft, schema.ExtendLink(after.server.Type, after.server.ID, nil))

	var created remoteIssue
	path := fmt.Sprintf("/projects/%d/issues", after.project.ID)
	if err := r.e.client.Post(ctx, after.server, path, draft.body(true), &created, opts...); err != nil {
		return nil, fmt.Errorf("failed to open issue in project %d: %w", after.project.ID, err)
	}
	if created.ProjectID == 0 {
		created.ProjectID = after.project.ID
	}
	return &created, nil
}

// linkIssue records issue on the story together with the exchanged field
// values. replace overwrites the keys of an existing link to the same
// server instead of merging into them.
func (r *run) linkIssue(ctx context.Context, after *target, issue *remoteIssue, replace bool) error {
	server := after.server
	c := render(r.renderer(server), r.story, r.authors, r.actor)
	keys := issue.keys(after.project)

	story, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
		if !replace || !s.ReplaceKeys(server.Type, server.ID, keys) {
			s.InheritLink(server.Type, server.ID, keys)
		}
		s.RemoveSnapshot(server.Type, server.ID)
		link, _ := s.FindLink(server.Type, server.ID)
		c.apply(s, draftOf(nil), link)
		adoptState(s, link, issue.State)
		adoptTitle(s, link)

		s.Type = schema.StoryIssue
		s.RepoID = after.repo.ID
		s.MarkExported(r.e.now())
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("issue %d opened but story %d not linked: %w", issue.ID, r.story.ID, err)
	}
	r.story = story
	return nil
}

// adoptState takes the remote state for a story that has none yet, so
// that importing the issue right back changes nothing.
func adoptState(s *schema.Story, link schema.ExternalLink, state string) {
	if s.Details.State == "" && state != "" {
		merge.Import(s, schema.StoryState, link, state, PolicyState)
	}
}

// adoptTitle stores the exchanged title on a story whose title was derived
// from its text, so that match-previous sees the story as unedited.
func adoptTitle(s *schema.Story, link schema.ExternalLink) {
	snap := s.Snapshot(link.Type, link.ServerID)
	if snap == nil {
		return
	}
	var title string
	if err := json.Unmarshal(snap.Fields[schema.StoryTitle.Path].Value, &title); err != nil || title == "" {
		return
	}
	if local := strings.TrimSpace(s.Details.Title); local == "" || local == title {
		schema.StoryTitle.Set(s, title)
	}
}

// trackerUser is who a tracking reaction is attributed to.
func (r *run) trackerUser() int64 {
	if r.actor != nil {
		return r.actor.ID
	}
	if len(r.story.UserIDs) > 0 {
		return r.story.UserIDs[0]
	}
	return 0
}

// ensureTracking links the story's tracking reaction to the issue,
// creating it when missing.
func (r *run) ensureTracking(ctx context.Context, server *schema.Server, keys schema.ObjectKeys) error {
	userID := r.trackerUser()
	rows, err := r.e.db.FindReactions(ctx, db.ReactionFilter{
		StoryID: r.story.ID,
		Types:   []schema.ReactionType{schema.ReactionTracking},
		UserID:  userID,
	})
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		reaction := &schema.Reaction{
			Type:      schema.ReactionTracking,
			StoryID:   r.story.ID,
			UserID:    userID,
			Published: true,
			Public:    r.story.Public,
		}
		reaction.InheritLink(server.Type, server.ID, keys)
		reaction.MarkExported(r.e.now())
		return r.e.db.Reactions.Insert(ctx, reaction)
	}

	_, err = r.e.db.Reactions.Modify(ctx, rows[0].ID, func(rx *schema.Reaction) (bool, error) {
		if !rx.ReplaceKeys(server.Type, server.ID, keys) {
			rx.InheritLink(server.Type, server.ID, keys)
		}
		rx.MarkExported(r.e.now())
		return true, nil
	})
	return err
}
