package importer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/merge"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// issueKeys identifies a remote issue within its project.
func issueKeys(project ProjectPayload, attrs IssueAttributes) schema.ObjectKeys {
	return schema.ObjectKeys{
		schema.KindProject: {ID: project.ID, Name: project.PathWithNamespace},
		schema.KindIssue:   {ID: attrs.ID, Number: attrs.IID},
	}
}

// ImportIssue finds or creates the story tracking a remote issue and
// merges the issue's fields into it. A story that was deleted locally is
// returned untouched.
func (im *Importer) ImportIssue(ctx context.Context, server *schema.Server, event *IssueEvent) (*schema.Story, error) {
	attrs := event.Attributes
	ctx, span := im.tracer.Start(ctx, "importer.ImportIssue", trace.WithAttributes(
		attribute.String("server", server.Name),
		attribute.Int64("issue", attrs.ID),
	))
	defer span.End()

	if attrs.ID == 0 {
		return nil, syncerr.BadRequest("issue event has no issue id")
	}

	repo, err := im.ensureRepo(ctx, server, event.Project)
	if err != nil {
		return nil, err
	}

	var author *schema.User
	if attrs.AuthorID != 0 && attrs.AuthorID != event.User.ID {
		author, err = im.userByExternalID(ctx, server, attrs.AuthorID)
	} else {
		author, err = im.resolveUser(ctx, server, event.User)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve issue author: %w", err)
	}

	criteria := serverLink(server, schema.ObjectKeys{schema.KindIssue: {ID: attrs.ID}})
	stories, err := im.db.Stories.FindByLink(ctx, criteria, schema.KindIssue)
	if err != nil {
		return nil, err
	}

	story := &schema.Story{Type: schema.StoryIssue, Published: true, Public: true}
	if len(stories) > 0 {
		story = stories[0]
		if story.Deleted {
			im.logger.Debug("issue belongs to a deleted story",
				zap.Int64("story", story.ID), zap.Int64("issue", attrs.ID))
			return story, nil
		}
	}

	keys := issueKeys(event.Project, attrs)
	labels := event.LabelTitles()
	story, err = save(ctx, im.db.Stories, story, func(s *schema.Story) (bool, error) {
		link, changed := linkTo(s, server, keys)
		if s.RepoID != repo.ID {
			s.RepoID = repo.ID
			changed = true
		}
		if s.AddAuthor(author.ID) {
			changed = true
		}
		if merge.Import(s, schema.StoryTitle, link, attrs.Title, PolicyIssueTitle) {
			changed = true
		}
		if merge.Import(s, schema.StoryText, link, attrs.Description, PolicyIssueText) {
			changed = true
		}
		if merge.Import(s, schema.StoryLabels, link, labels, PolicyIssueLabels) {
			changed = true
		}
		if merge.Import(s, schema.StoryState, link, attrs.State, PolicyIssueState) {
			changed = true
		}
		if changed {
			s.MarkImported(im.now())
		}
		return changed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save story for issue %d: %w", attrs.ID, err)
	}

	if err := im.syncAssignments(ctx, server, story, keys, event.Assignees); err != nil {
		return story, err
	}
	return story, nil
}

// syncAssignments makes the story's assignment reactions for this server
// match the issue's assignees.
func (im *Importer) syncAssignments(ctx context.Context, server *schema.Server, story *schema.Story, keys schema.ObjectKeys, assignees []UserPayload) error {
	wanted := make(map[int64]bool, len(assignees))
	for _, a := range assignees {
		user, err := im.resolveUser(ctx, server, a)
		if err != nil {
			if syncerr.IsTerminal(err) {
				im.logger.Warn("skipping assignee",
					zap.String("username", a.Username), zap.Error(err))
				continue
			}
			return err
		}
		wanted[user.ID] = true
		if _, err := im.ensureReaction(ctx, server, story.ID, schema.ReactionAssignment, user.ID, keys); err != nil {
			return err
		}
	}

	existing, err := im.db.FindReactions(ctx, db.ReactionFilter{
		StoryID: story.ID,
		Types:   []schema.ReactionType{schema.ReactionAssignment},
	})
	if err != nil {
		return err
	}
	for _, r := range existing {
		if wanted[r.UserID] {
			continue
		}
		if _, ok := r.FindLink(server.Type, server.ID); !ok {
			continue
		}
		if _, err := im.db.Reactions.Modify(ctx, r.ID, func(r *schema.Reaction) (bool, error) {
			if r.Deleted {
				return false, nil
			}
			r.Deleted = true
			return true, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ensureReaction returns the live reaction of a unique type for
// (story, user), creating it when missing, and links it to keys.
func (im *Importer) ensureReaction(ctx context.Context, server *schema.Server, storyID int64, typ schema.ReactionType, userID int64, keys schema.ObjectKeys) (*schema.Reaction, error) {
	existing, err := im.db.FindReactions(ctx, db.ReactionFilter{
		StoryID: storyID,
		Types:   []schema.ReactionType{typ},
		UserID:  userID,
	})
	if err != nil {
		return nil, err
	}

	reaction := &schema.Reaction{Type: typ, StoryID: storyID, UserID: userID, Published: true, Public: true}
	if len(existing) > 0 {
		reaction = existing[0]
	}
	return save(ctx, im.db.Reactions, reaction, func(r *schema.Reaction) (bool, error) {
		if _, changed := linkTo(r, server, keys); !changed {
			return false, nil
		}
		r.MarkImported(im.now())
		return true, nil
	})
}
