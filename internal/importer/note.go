package importer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/merge"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// ImportNote stores a note event as a reaction to the story its target is
// linked to. Importing the same note again updates the existing reaction.
//
// hook may be nil. When it names the commit a note belongs to, the commit
// lookup by title is skipped.
//
// System notes and notes on unsupported targets are skipped and yield a
// nil reaction.
func (im *Importer) ImportNote(ctx context.Context, server *schema.Server, event *NoteEvent, hook *HookEvent) (*schema.Reaction, error) {
	attrs := event.Attributes
	ctx, span := im.tracer.Start(ctx, "importer.ImportNote", trace.WithAttributes(
		attribute.String("server", server.Name),
		attribute.Int64("note", attrs.ID),
		attribute.String("noteable", attrs.NoteableType),
	))
	defer span.End()

	if attrs.ID == 0 {
		return nil, syncerr.BadRequest("note event has no note id")
	}
	if attrs.System {
		im.logger.Debug("skipping system note", zap.Int64("note", attrs.ID))
		return nil, nil
	}

	user, err := im.resolveUser(ctx, server, event.User)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve note author: %w", err)
	}

	var (
		story *schema.Story
		keys  schema.ObjectKeys
	)
	switch attrs.NoteableType {
	case NoteableIssue:
		story, keys, err = im.noteTarget(ctx, server, event, schema.KindIssue, event.Issue)
	case NoteableMergeRequest:
		story, keys, err = im.noteTarget(ctx, server, event, schema.KindMergeRequest, event.MergeRequest)
	case NoteableCommit:
		story, keys, err = im.commitTarget(ctx, server, event, hook)
	default:
		im.logger.Debug("skipping note on unsupported target",
			zap.Int64("note", attrs.ID), zap.String("noteable", attrs.NoteableType))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys[schema.KindNote] = schema.Key{ID: attrs.ID}

	criteria := serverLink(server, schema.ObjectKeys{schema.KindNote: {ID: attrs.ID}})
	existing, err := im.db.Reactions.FindByLink(ctx, criteria, schema.KindNote)
	if err != nil {
		return nil, err
	}

	var reaction *schema.Reaction
	switch {
	case len(existing) > 0:
		reaction = existing[0]
		if reaction.Deleted {
			return reaction, nil
		}
	case isLike(attrs.Note):
		reaction, err = im.reusable(ctx, story.ID, schema.ReactionLike, user.ID)
		if err != nil {
			return nil, err
		}
	default:
		reaction = &schema.Reaction{Type: schema.ReactionNote, StoryID: story.ID, UserID: user.ID, Published: true, Public: true}
	}

	reaction, err = save(ctx, im.db.Reactions, reaction, func(r *schema.Reaction) (bool, error) {
		link, changed := linkTo(r, server, keys)
		if merge.Import(r, schema.ReactionText, link, attrs.Note, PolicyNoteText) {
			changed = true
		}
		if changed {
			r.MarkImported(im.now())
		}
		return changed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save reaction for note %d: %w", attrs.ID, err)
	}
	return reaction, nil
}

// reusable returns the live reaction of a unique type by user on story, or
// a new unsaved one.
func (im *Importer) reusable(ctx context.Context, storyID int64, typ schema.ReactionType, userID int64) (*schema.Reaction, error) {
	rows, err := im.db.FindReactions(ctx, db.ReactionFilter{
		StoryID: storyID,
		Types:   []schema.ReactionType{typ},
		UserID:  userID,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	return &schema.Reaction{Type: typ, StoryID: storyID, UserID: userID, Published: true, Public: true}, nil
}

// noteTarget resolves the story linked to an issue or merge request.
func (im *Importer) noteTarget(ctx context.Context, server *schema.Server, event *NoteEvent, kind schema.ObjectKind, target *TargetPayload) (*schema.Story, schema.ObjectKeys, error) {
	id := event.Attributes.NoteableID
	var number int64
	if target != nil {
		if target.ID != 0 {
			id = target.ID
		}
		number = target.IID
	}
	if id == 0 {
		return nil, nil, syncerr.BadRequest("note %d has no %s id", event.Attributes.ID, kind)
	}

	criteria := serverLink(server, schema.ObjectKeys{kind: {ID: id}})
	story, err := im.db.Stories.FindOneByLink(ctx, criteria, kind)
	if err != nil {
		return nil, nil, err
	}
	if story.Deleted {
		return nil, nil, syncerr.NotFound("story %d of %s %d was deleted", story.ID, kind, id)
	}

	keys := storyKeys(story, server)
	keys[schema.KindProject] = schema.Key{ID: event.Project.ID, Name: event.Project.PathWithNamespace}
	keys[kind] = schema.Key{ID: id, Number: number}
	return story, keys, nil
}

// commitTarget resolves the story of the commit a note was left on.
//
// The commit id comes from the hook event, or the payload when it has
// one. Otherwise stored commits whose title hashes the same are tried,
// and the one whose remote comments include this note's text by the same
// author is taken. That last step is a best-effort heuristic: two commits
// with the same title and the same comment cannot be told apart.
func (im *Importer) commitTarget(ctx context.Context, server *schema.Server, event *NoteEvent, hook *HookEvent) (*schema.Story, schema.ObjectKeys, error) {
	sha := ""
	switch {
	case hook != nil && hook.CommitID != "":
		sha = hook.CommitID
	case event.Attributes.CommitID != "":
		sha = event.Attributes.CommitID
	case event.Commit != nil && event.Commit.ID != "":
		sha = event.Commit.ID
	}

	var commit *schema.Commit
	if sha != "" {
		found, ok, err := im.db.FindCommitByHash(ctx, sha)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, syncerr.NotFound("commit %s", sha)
		}
		commit = found
	} else {
		found, err := im.matchCommit(ctx, server, event)
		if err != nil {
			return nil, nil, err
		}
		commit = found
	}

	if commit.StoryID == 0 {
		return nil, nil, syncerr.NotFound("commit %s has no story", commit.Hash)
	}
	story, err := im.db.Stories.Get(ctx, commit.StoryID)
	if err != nil {
		return nil, nil, err
	}
	if story.Deleted {
		return nil, nil, syncerr.NotFound("story %d of commit %s was deleted", story.ID, commit.Hash)
	}

	keys := storyKeys(story, server)
	keys[schema.KindProject] = schema.Key{ID: event.Project.ID, Name: event.Project.PathWithNamespace}
	keys[schema.KindCommit] = schema.Key{SHA: commit.Hash}
	return story, keys, nil
}

func (im *Importer) matchCommit(ctx context.Context, server *schema.Server, event *NoteEvent) (*schema.Commit, error) {
	if event.Commit == nil {
		return nil, syncerr.BadRequest("commit note %d carries no commit", event.Attributes.ID)
	}
	title := event.Commit.Headline()
	candidates, err := im.db.FindCommitsByTitleHash(ctx, schema.TitleHash(title))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, syncerr.NotFound("no commit titled %q", title)
	}

	text := strings.TrimSpace(event.Attributes.Note)
	var matches []*schema.Commit
	for _, c := range candidates {
		path := fmt.Sprintf("/projects/%d/repository/commits/%s/comments", event.Project.ID, url.PathEscape(c.Hash))
		var comments []CommitComment
		if err := im.client.FetchAll(ctx, server, path, &comments); err != nil {
			im.logger.Debug("cannot list commit comments",
				zap.String("commit", c.Hash), zap.Error(err))
			continue
		}
		for _, cm := range comments {
			if strings.TrimSpace(cm.Note) != text {
				continue
			}
			if cm.Author.ID != 0 && event.User.ID != 0 && cm.Author.ID != event.User.ID {
				continue
			}
			if cm.Author.Username != "" && event.User.Username != "" && cm.Author.Username != event.User.Username {
				continue
			}
			matches = append(matches, c)
			break
		}
	}

	if len(matches) == 0 {
		return nil, syncerr.NotFound("no commit titled %q has note %d", title, event.Attributes.ID)
	}
	if len(matches) > 1 {
		im.logger.Warn("commit note matches several commits, taking the first",
			zap.Int64("note", event.Attributes.ID),
			zap.Int("candidates", len(matches)),
		)
	}
	return matches[0], nil
}

// storyKeys copies the keys of the story's link to server.
func storyKeys(story *schema.Story, server *schema.Server) schema.ObjectKeys {
	keys := schema.ObjectKeys{}
	if link, ok := story.FindLink(server.Type, server.ID); ok {
		for kind, key := range link.Keys {
			keys[kind] = key
		}
	}
	return keys
}
