package importer

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// ProgressFunc receives progress of a long import in percent.
type ProgressFunc func(completion int, message string)

// ImportPush stores the commits of a push and the story announcing it. The
// story is linked to the pushed head, so a redelivered push finds it again.
// Branch deletions are skipped and yield a nil story.
func (im *Importer) ImportPush(ctx context.Context, server *schema.Server, event *PushEvent, progress ProgressFunc) (*schema.Story, error) {
	ctx, span := im.tracer.Start(ctx, "importer.ImportPush", trace.WithAttributes(
		attribute.String("server", server.Name),
		attribute.String("ref", event.Ref),
		attribute.Int("commits", len(event.Commits)),
	))
	defer span.End()

	if event.Deleted() {
		im.logger.Debug("skipping ref deletion", zap.String("ref", event.Ref))
		return nil, nil
	}
	if event.After == "" {
		return nil, syncerr.BadRequest("push event has no head commit")
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	repo, err := im.ensureRepo(ctx, server, event.Project)
	if err != nil {
		return nil, err
	}
	pusher, err := im.resolveUser(ctx, server, event.Pusher())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pusher: %w", err)
	}

	headKeys := schema.ObjectKeys{
		schema.KindProject: {ID: event.Project.ID, Name: event.Project.PathWithNamespace},
		schema.KindCommit:  {SHA: event.After},
	}
	criteria := serverLink(server, schema.ObjectKeys{schema.KindCommit: {SHA: event.After}})
	stories, err := im.db.Stories.FindByLink(ctx, criteria, schema.KindCommit)
	if err != nil {
		return nil, err
	}

	var story *schema.Story
	if len(stories) > 0 {
		story = stories[0]
	} else {
		story = &schema.Story{
			Type:      schema.StoryPush,
			RepoID:    repo.ID,
			Published: true,
			Public:    true,
			Details: schema.StoryDetails{
				Title: pushTitle(event),
				Text:  pushText(event),
			},
		}
		story.AddAuthor(pusher.ID)
		story.InheritLink(server.Type, server.ID, headKeys)
		story.MarkImported(im.now())
		if err := im.db.Stories.Insert(ctx, story); err != nil {
			return nil, fmt.Errorf("failed to save push story: %w", err)
		}
	}

	total := len(event.Commits)
	for i, c := range event.Commits {
		if err := im.importCommit(ctx, server, event.Project, repo.ID, story.ID, c); err != nil {
			return story, err
		}
		progress((i+1)*99/(total+1), fmt.Sprintf("imported commit %s", shortSHA(c.ID)))
	}
	return story, nil
}

// importCommit stores one pushed commit, or adds the repo and story to a
// commit already known from another push.
func (im *Importer) importCommit(ctx context.Context, server *schema.Server, project ProjectPayload, repoID, storyID int64, payload CommitPayload) error {
	if payload.ID == "" {
		return syncerr.BadRequest("pushed commit has no id")
	}
	commit, found, err := im.db.FindCommitByHash(ctx, payload.ID)
	if err != nil {
		return err
	}
	if !found {
		title := payload.Headline()
		commit = &schema.Commit{
			Hash: payload.ID,
			Details: schema.CommitDetails{
				Title:     title,
				Message:   payload.Message,
				TitleHash: schema.TitleHash(title),
				URL:       payload.URL,
			},
		}
	}

	keys := schema.ObjectKeys{
		schema.KindProject: {ID: project.ID, Name: project.PathWithNamespace},
		schema.KindCommit:  {SHA: payload.ID},
	}
	_, err = save(ctx, im.db.Commits, commit, func(c *schema.Commit) (bool, error) {
		_, changed := linkTo(c, server, keys)
		if ids, added := appendUnique(c.RepoIDs, repoID); added {
			c.RepoIDs = ids
			changed = true
		}
		if c.StoryID == 0 {
			c.StoryID = storyID
			changed = true
		}
		if changed {
			c.MarkImported(im.now())
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save commit %s: %w", shortSHA(payload.ID), err)
	}
	return nil
}

func pushTitle(event *PushEvent) string {
	n := event.TotalCommits
	if n == 0 {
		n = len(event.Commits)
	}
	noun := "commits"
	if n == 1 {
		noun = "commit"
	}
	return fmt.Sprintf("%d %s pushed to %s", n, noun, event.Branch())
}

func pushText(event *PushEvent) string {
	var b strings.Builder
	for _, c := range event.Commits {
		fmt.Fprintf(&b, "- %s %s\n", shortSHA(c.ID), c.Headline())
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
