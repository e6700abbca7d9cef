package importer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/db/dbtest"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

var (
	alice   = UserPayload{ID: 9, Name: "Alice", Username: "alice", Email: "alice@example.com"}
	bob     = UserPayload{ID: 10, Name: "Bob", Username: "bob", Email: "bob@example.com"}
	project = ProjectPayload{ID: 5, Name: "web", PathWithNamespace: "acme/web", WebURL: "https://gitlab.example.com/acme/web"}
)

// setupImporter returns an importer over a fresh store and a registered
// server. handler, when non-nil, plays the tracker API.
func setupImporter(t *testing.T, handler http.Handler) (*Importer, *schema.Server) {
	t.Helper()

	database := dbtest.Open(t)
	url := "https://gitlab.example.com"
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		url = srv.URL
	}

	server := &schema.Server{
		Type:        schema.ProviderGitLab,
		Name:        "gitlab-a",
		URL:         url,
		Settings:    schema.ServerSettings{AcceptNewUsers: true},
		Credentials: schema.ServerCredentials{Token: "secret"},
	}
	require.NoError(t, database.UpsertServer(context.Background(), server))

	client := transport.New(transport.DefaultRegistry())
	im := New(database, client, WithLogger(zaptest.NewLogger(t)), WithProfileImages(nil))
	return im, server
}

func issueEvent(title, description string, labels ...string) *IssueEvent {
	e := &IssueEvent{
		ObjectKind: EventIssue,
		User:       alice,
		Project:    project,
		Attributes: IssueAttributes{
			ID:          300,
			IID:         12,
			ProjectID:   project.ID,
			Title:       title,
			Description: description,
			State:       "opened",
			AuthorID:    alice.ID,
		},
	}
	for _, l := range labels {
		e.Labels = append(e.Labels, LabelPayload{Title: l})
	}
	return e
}

func issueNote(id int64, user UserPayload, text string) *NoteEvent {
	return &NoteEvent{
		ObjectKind: EventNote,
		User:       user,
		Project:    project,
		Attributes: NoteAttributes{
			ID:           id,
			Note:         text,
			NoteableType: NoteableIssue,
			NoteableID:   300,
		},
		Issue: &TargetPayload{ID: 300, IID: 12, Title: "Crash"},
	}
}

// TestImportIssueCreatesLinkedStory tests importing a new issue
func TestImportIssueCreatesLinkedStory(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	story, err := im.ImportIssue(ctx, server, issueEvent("Crash", "It crashes", "bug"))
	require.NoError(t, err)

	assert.Equal(t, schema.StoryIssue, story.Type)
	assert.Equal(t, "Crash", story.Details.Title)
	assert.Equal(t, "It crashes", story.Details.Text)
	assert.Equal(t, []string{"bug"}, story.Details.Labels)
	assert.Equal(t, "opened", story.Details.State)
	require.Len(t, story.UserIDs, 1)

	link, ok := story.FindLink(schema.ProviderGitLab, server.ID)
	require.True(t, ok)
	assert.Equal(t, schema.Key{ID: 300, Number: 12}, link.Keys[schema.KindIssue])
	assert.Equal(t, int64(5), link.Keys[schema.KindProject].ID)

	repo, err := im.db.Repos.Get(ctx, story.RepoID)
	require.NoError(t, err)
	assert.Equal(t, "acme/web", repo.Name)
	assert.True(t, repo.HasTracker())
}

// TestReimportIssueIsNoop tests importing the same issue twice
func TestReimportIssueIsNoop(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	first, err := im.ImportIssue(ctx, server, issueEvent("Crash", "It crashes", "bug"))
	require.NoError(t, err)
	second, err := im.ImportIssue(ctx, server, issueEvent("Crash", "It crashes", "bug"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.GN, second.GN, "unchanged issue must not rewrite the story")
}

// TestLocalTitleEditSurvivesImport tests that a local title edit survives a description change
func TestLocalTitleEditSurvivesImport(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	story, err := im.ImportIssue(ctx, server, issueEvent("Crash", "It crashes"))
	require.NoError(t, err)

	_, err = im.db.Stories.Modify(ctx, story.ID, func(s *schema.Story) (bool, error) {
		s.Details.Title = "Crash on login"
		return true, nil
	})
	require.NoError(t, err)

	story, err = im.ImportIssue(ctx, server, issueEvent("Crash!", "It crashes on Mondays"))
	require.NoError(t, err)

	assert.Equal(t, "Crash on login", story.Details.Title)
	assert.Equal(t, "It crashes on Mondays", story.Details.Text)
}

// TestImportIssueAssignments tests assignment reactions from issue assignees
func TestImportIssueAssignments(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	event := issueEvent("Crash", "")
	event.Assignees = []UserPayload{bob}
	story, err := im.ImportIssue(ctx, server, event)
	require.NoError(t, err)

	assigned, err := im.db.FindReactions(ctx, db.ReactionFilter{StoryID: story.ID, Types: []schema.ReactionType{schema.ReactionAssignment}})
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	event.Assignees = nil
	_, err = im.ImportIssue(ctx, server, event)
	require.NoError(t, err)

	assigned, err = im.db.FindReactions(ctx, db.ReactionFilter{StoryID: story.ID, Types: []schema.ReactionType{schema.ReactionAssignment}})
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

// TestImportNoteTwiceCreatesOneReaction tests note import idempotency
func TestImportNoteTwiceCreatesOneReaction(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	story, err := im.ImportIssue(ctx, server, issueEvent("Crash", ""))
	require.NoError(t, err)

	first, err := im.ImportNote(ctx, server, issueNote(700, bob, "Seen it too"), nil)
	require.NoError(t, err)
	second, err := im.ImportNote(ctx, server, issueNote(700, bob, "Seen it too"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	notes, err := im.db.FindReactions(ctx, db.ReactionFilter{StoryID: story.ID, Types: []schema.ReactionType{schema.ReactionNote}})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Seen it too", notes[0].Details.Text)

	link, ok := notes[0].FindLink(schema.ProviderGitLab, server.ID)
	require.True(t, ok)
	assert.Equal(t, int64(700), link.Keys[schema.KindNote].ID)
	assert.Equal(t, int64(300), link.Keys[schema.KindIssue].ID)

	edited, err := im.ImportNote(ctx, server, issueNote(700, bob, "Seen it twice"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, edited.ID)
	assert.Equal(t, "Seen it twice", edited.Details.Text)
}

// TestLikeNotesReuseReaction tests that like notes reuse one reaction per user
func TestLikeNotesReuseReaction(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	story, err := im.ImportIssue(ctx, server, issueEvent("Crash", ""))
	require.NoError(t, err)

	first, err := im.ImportNote(ctx, server, issueNote(701, bob, "+1"), nil)
	require.NoError(t, err)
	second, err := im.ImportNote(ctx, server, issueNote(702, bob, ":thumbsup:"), nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ReactionLike, first.Type)
	assert.Equal(t, first.ID, second.ID)

	likes, err := im.db.FindReactions(ctx, db.ReactionFilter{StoryID: story.ID, Types: []schema.ReactionType{schema.ReactionLike}})
	require.NoError(t, err)
	assert.Len(t, likes, 1)
}

// TestNoteOnUnknownIssue tests notes on issues with no story
func TestNoteOnUnknownIssue(t *testing.T) {
	im, server := setupImporter(t, nil)

	_, err := im.ImportNote(context.Background(), server, issueNote(703, bob, "hello"), nil)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

// TestSystemNoteSkipped tests that system notes are ignored
func TestSystemNoteSkipped(t *testing.T) {
	im, server := setupImporter(t, nil)

	event := issueNote(704, bob, "changed the description")
	event.Attributes.System = true
	r, err := im.ImportNote(context.Background(), server, event, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

// TestDeletedNoteReactionNotResurrected tests that deleted reactions stay deleted
func TestDeletedNoteReactionNotResurrected(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	_, err := im.ImportIssue(ctx, server, issueEvent("Crash", ""))
	require.NoError(t, err)
	r, err := im.ImportNote(ctx, server, issueNote(705, bob, "note"), nil)
	require.NoError(t, err)

	_, err = im.db.Reactions.Modify(ctx, r.ID, func(r *schema.Reaction) (bool, error) {
		r.Deleted = true
		return true, nil
	})
	require.NoError(t, err)

	again, err := im.ImportNote(ctx, server, issueNote(705, bob, "note edited"), nil)
	require.NoError(t, err)
	assert.True(t, again.Deleted)
	assert.Equal(t, "note", again.Details.Text)
}

const headSHA = "2b7e1c9d4f6a8b0c1d2e3f405162738495a6b7c8"

func pushEvent() *PushEvent {
	return &PushEvent{
		ObjectKind:   EventPush,
		Before:       "0000000000000000000000000000000000000000",
		After:        headSHA,
		Ref:          "refs/heads/main",
		UserID:       alice.ID,
		UserName:     alice.Name,
		UserUsername: alice.Username,
		UserEmail:    alice.Email,
		Project:      project,
		Commits: []CommitPayload{
			{ID: headSHA, Message: "Fix login\n\nThe form lost its token.", URL: "https://gitlab.example.com/acme/web/-/commit/" + headSHA},
		},
		TotalCommits: 1,
	}
}

func commitNote(id int64, text string) *NoteEvent {
	return &NoteEvent{
		ObjectKind: EventNote,
		User:       bob,
		Project:    project,
		Attributes: NoteAttributes{ID: id, Note: text, NoteableType: NoteableCommit},
		Commit:     &CommitPayload{Message: "Fix login\n\nThe form lost its token."},
	}
}

// TestImportPushIsIdempotent tests importing the same push twice
func TestImportPushIsIdempotent(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	var reported []int
	first, err := im.ImportPush(ctx, server, pushEvent(), func(c int, _ string) { reported = append(reported, c) })
	require.NoError(t, err)
	second, err := im.ImportPush(ctx, server, pushEvent(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, schema.StoryPush, first.Type)
	assert.Equal(t, "1 commit pushed to main", first.Details.Title)
	require.Len(t, reported, 1)
	assert.Less(t, reported[0], 100)

	commit, ok, err := im.db.FindCommitByHash(ctx, headSHA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Fix login", commit.Details.Title)
	assert.Equal(t, schema.TitleHash("Fix login"), commit.Details.TitleHash)
	assert.Equal(t, first.ID, commit.StoryID)
	assert.Len(t, commit.RepoIDs, 1)
}

// TestBranchDeletionSkipped tests that branch deletions import nothing
func TestBranchDeletionSkipped(t *testing.T) {
	im, server := setupImporter(t, nil)

	event := pushEvent()
	event.After = "0000000000000000000000000000000000000000"
	story, err := im.ImportPush(context.Background(), server, event, nil)
	require.NoError(t, err)
	assert.Nil(t, story)
}

// TestCommitNoteMatchedByTitleAndComments tests commit note resolution by title hash and comments
func TestCommitNoteMatchedByTitleAndComments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/5/repository/commits/"+headSHA+"/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]CommitComment{
			{Note: "unrelated", Author: alice},
			{Note: "Nice fix", Author: bob},
		})
	})
	im, server := setupImporter(t, mux)
	ctx := context.Background()

	push, err := im.ImportPush(ctx, server, pushEvent(), nil)
	require.NoError(t, err)

	r, err := im.ImportNote(ctx, server, commitNote(800, "Nice fix"), nil)
	require.NoError(t, err)
	assert.Equal(t, push.ID, r.StoryID)
	assert.Equal(t, schema.ReactionNote, r.Type)

	link, ok := r.FindLink(schema.ProviderGitLab, server.ID)
	require.True(t, ok)
	assert.Equal(t, headSHA, link.Keys[schema.KindCommit].SHA)
}

// TestCommitNoteWithoutMatchingComment tests commit notes that cannot be confirmed
func TestCommitNoteWithoutMatchingComment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/5/repository/commits/"+headSHA+"/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]CommitComment{{Note: "something else", Author: bob}})
	})
	im, server := setupImporter(t, mux)
	ctx := context.Background()

	_, err := im.ImportPush(ctx, server, pushEvent(), nil)
	require.NoError(t, err)

	_, err = im.ImportNote(ctx, server, commitNote(801, "Nice fix"), nil)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

// TestCommitNoteHookShortcut tests commit notes with a known commit id
func TestCommitNoteHookShortcut(t *testing.T) {
	im, server := setupImporter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call to %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx := context.Background()

	push, err := im.ImportPush(ctx, server, pushEvent(), nil)
	require.NoError(t, err)

	r, err := im.ImportNote(ctx, server, commitNote(802, "Nice fix"), &HookEvent{CommitID: headSHA})
	require.NoError(t, err)
	assert.Equal(t, push.ID, r.StoryID)
}

// TestImportUserMatchesByEmail tests matching an unlinked user by email
func TestImportUserMatchesByEmail(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()
	server.Settings.AcceptNewUsers = false

	local := &schema.User{Username: "ali", Type: schema.UserRegular, Details: schema.UserDetails{Email: "Alice@Example.com"}}
	require.NoError(t, im.db.Users.Insert(ctx, local))

	user, err := im.ImportUser(ctx, server, alice)
	require.NoError(t, err)
	assert.Equal(t, local.ID, user.ID)
	assert.Equal(t, "ali", user.Username)
	assert.Equal(t, "Alice", user.Details.Name)

	id, ok := user.ExternalID(schema.ProviderGitLab, server.ID)
	require.True(t, ok)
	assert.Equal(t, alice.ID, id)

	_, err = im.ImportUser(ctx, server, bob)
	assert.ErrorIs(t, err, syncerr.ErrForbidden)
}

// TestImportUserElevatesOnlyUpward tests role changes from the admin flag
func TestImportUserElevatesOnlyUpward(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	admin := alice
	admin.IsAdmin = true
	user, err := im.ImportUser(ctx, server, admin)
	require.NoError(t, err)
	assert.Equal(t, schema.UserAdministrator, user.Type)

	user, err = im.ImportUser(ctx, server, alice)
	require.NoError(t, err)
	assert.Equal(t, schema.UserAdministrator, user.Type, "a missing admin flag never demotes")
}

// TestImportUserKeepsLocalNameEdit tests that a local name edit survives import
func TestImportUserKeepsLocalNameEdit(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	user, err := im.ImportUser(ctx, server, alice)
	require.NoError(t, err)
	_, err = im.db.Users.Modify(ctx, user.ID, func(u *schema.User) (bool, error) {
		u.Details.Name = "Alice L."
		return true, nil
	})
	require.NoError(t, err)

	renamed := alice
	renamed.Name = "Alice Liddell"
	user, err = im.ImportUser(ctx, server, renamed)
	require.NoError(t, err)
	assert.Equal(t, "Alice L.", user.Details.Name)
}

type failingImages struct{}

func (failingImages) Retrieve(context.Context, *schema.Server, string) (string, error) {
	return "", errors.New("avatar host down")
}

type fixedImages struct{ url string }

func (f fixedImages) Retrieve(context.Context, *schema.Server, string) (string, error) {
	return f.url, nil
}

// TestProfileImageFailureDegrades tests that a failed avatar fetch does not fail the import
func TestProfileImageFailureDegrades(t *testing.T) {
	im, server := setupImporter(t, nil)
	ctx := context.Background()

	im.images = fixedImages{url: "https://cdn.example.com/alice.png"}
	profile := alice
	profile.AvatarURL = "/uploads/alice.png"
	user, err := im.ImportUser(ctx, server, profile)
	require.NoError(t, err)
	require.NotNil(t, user.Details.ProfileImage)

	im.images = failingImages{}
	user, err = im.ImportUser(ctx, server, profile)
	require.NoError(t, err)
	require.NotNil(t, user.Details.ProfileImage, "a failed retrieval keeps the previous image")
	assert.Equal(t, "https://cdn.example.com/alice.png", user.Details.ProfileImage.URL)
}

// TestAvatarChecker tests the default profile image retriever
func TestAvatarChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if r.URL.Path != "/uploads/alice.png" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	server := &schema.Server{Name: "gitlab-a", URL: srv.URL}
	got, err := AvatarChecker{}.Retrieve(context.Background(), server, "/uploads/alice.png")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/uploads/alice.png", got)

	_, err = AvatarChecker{}.Retrieve(context.Background(), server, "/uploads/missing.png")
	assert.ErrorIs(t, err, syncerr.ErrUpstream)
}
