package exporter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

func removedOf(ref *issueRef) *Outcome {
	return &Outcome{
		ServerID:  ref.server.ID,
		ProjectID: ref.project.ID,
		IssueID:   ref.issue.ID,
		IssueIID:  ref.issue.Number,
	}
}

// deleteIssue removes ref's issue. An issue that is already gone counts as
// removed.
func (r *run) deleteIssue(ctx context.Context, ref *issueRef) error {
	opts, err := r.actingAs(ref.server)
	if err != nil {
		return err
	}
	err = r.e.client.Remove(ctx, ref.server, issuePath(ref.project, ref.issue), opts...)
	if transport.IsNotFound(err) {
		r.e.logger.Info("issue already gone", zap.Int64("issue", ref.issue.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete issue %d: %w", ref.issue.ID, err)
	}
	return nil
}

// remove deletes the story's issue, unlinks the story from the server,
// clears its issue fields and deletes its issue reactions.
func (r *run) remove(ctx context.Context) (*Outcome, error) {
	before := r.before
	if err := r.deleteIssue(ctx, before); err != nil {
		return nil, err
	}
	out := &Outcome{StoryID: r.story.ID, Removed: removedOf(before)}
	r.remember(ctx, out)
	r.progress(ctx, 50, "issue deleted")

	// reactions first: once the story is unlinked they can no longer be
	// told apart from reactions of other issues
	rows, err := r.issueReactions(ctx, before)
	if err != nil {
		return nil, err
	}
	for _, rx := range rows {
		_, err := r.e.db.Reactions.Modify(ctx, rx.ID, func(rx *schema.Reaction) (bool, error) {
			if rx.Deleted {
				return false, nil
			}
			rx.Deleted = true
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to delete reaction %d: %w", rx.ID, err)
		}
	}

	server := before.server
	story, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
		s.RemoveLink(before.link.Type, server.ID)
		s.ClearIssueFields()
		if r.after != nil {
			s.RepoID = r.after.repo.ID
		}
		s.MarkExported(r.e.now())
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue deleted but story %d not unlinked: %w", r.story.ID, err)
	}
	r.story = story
	return out, nil
}

// createThenRemove opens the issue in the target repo, then deletes the
// old one. Across servers the old link is kept until the deletion
// succeeded, so a retry finds both. On the same server the new issue
// replaces the old link at once; if the deletion then fails the old issue
// is only known from the task result.
func (r *run) createThenRemove(ctx context.Context) (*Outcome, error) {
	before, after := r.before, r.after
	sameServer := before.server.ID == after.server.ID

	issue, err := r.openIssue(ctx, after)
	if err != nil {
		return nil, err
	}
	out := outcomeOf(after.server, r.story, after.project, issue)
	out.Removed = removedOf(before)
	r.remember(ctx, out)
	r.progress(ctx, 40, "issue opened")

	oldReactions, err := r.issueReactions(ctx, before)
	if err != nil {
		return nil, err
	}

	if err := r.linkIssue(ctx, after, issue, sameServer); err != nil {
		return nil, err
	}
	keys := issue.keys(after.project)
	if err := r.ensureTracking(ctx, after.server, keys); err != nil {
		return nil, err
	}
	r.progress(ctx, 60, "story linked")

	if err := r.deleteIssue(ctx, before); err != nil {
		if sameServer {
			r.e.logger.Warn("old issue left behind",
				zap.Int64("story", r.story.ID),
				zap.Int64("issue", before.issue.ID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	r.progress(ctx, 80, "old issue deleted")

	// the tracking reaction follows the new issue; notes and assignments
	// of the old one stay as local reactions
	for _, rx := range oldReactions {
		tracking := rx.Type == schema.ReactionTracking
		_, err := r.e.db.Reactions.Modify(ctx, rx.ID, func(rx *schema.Reaction) (bool, error) {
			removed := rx.RemoveLink(before.link.Type, before.server.ID) > 0
			if tracking {
				rx.InheritLink(after.server.Type, after.server.ID, keys)
				return true, nil
			}
			return removed, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to unlink reaction %d: %w", rx.ID, err)
		}
	}

	if !sameServer {
		story, err := r.e.db.Stories.Modify(ctx, r.story.ID, func(s *schema.Story) (bool, error) {
			return s.RemoveLink(before.link.Type, before.server.ID) > 0, nil
		})
		if err != nil {
			return nil, err
		}
		r.story = story
	}
	return out, nil
}
