package exporter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/db/dbtest"
	"github.com/mschirtzinger/tracksync/internal/importer"
	"github.com/mschirtzinger/tracksync/internal/richtext"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

const deletePattern = "DELETE /api/v4/projects/{pid}/issues/{iid}"

type fixture struct {
	e      *Exporter
	db     *db.DB
	client *transport.Client

	gitlab *fakeGitLab // server A: projects 5 and 6
	other  *fakeGitLab // server B: project 7

	serverA, serverB *schema.Server
	web, api, mirror *schema.Repo
	local            *schema.Repo
	alice, bob       *schema.User
	story            *schema.Story
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		db:     dbtest.Open(t),
		client: transport.New(transport.DefaultRegistry()),
		gitlab: newFakeGitLab(t),
		other:  newFakeGitLab(t),
	}

	f.serverA = &schema.Server{Type: schema.ProviderGitLab, Name: "gitlab-a", URL: f.gitlab.URL(),
		Settings: schema.ServerSettings{AcceptNewUsers: true}}
	f.serverB = &schema.Server{Type: schema.ProviderGitLab, Name: "gitlab-b", URL: f.other.URL()}
	require.NoError(t, f.db.UpsertServer(ctx, f.serverA))
	require.NoError(t, f.db.UpsertServer(ctx, f.serverB))

	f.web = f.repo(t, "acme/web", f.serverA, 5)
	f.api = f.repo(t, "acme/api", f.serverA, 6)
	f.mirror = f.repo(t, "mirror/web", f.serverB, 7)
	f.local = &schema.Repo{Name: "scratch", Details: schema.RepoDetails{IssuesEnabled: true}}
	require.NoError(t, f.db.Repos.Insert(ctx, f.local))

	f.alice = &schema.User{Username: "alice", Type: schema.UserRegular,
		Details: schema.UserDetails{Name: "Alice", Email: "alice@example.com"}}
	f.alice.InheritLink(schema.ProviderGitLab, f.serverA.ID, schema.ObjectKeys{schema.KindUser: {ID: 9, Name: "alice"}})
	f.alice.InheritLink(schema.ProviderGitLab, f.serverB.ID, schema.ObjectKeys{schema.KindUser: {ID: 19, Name: "alice"}})
	require.NoError(t, f.db.Users.Insert(ctx, f.alice))

	f.bob = &schema.User{Username: "bob", Type: schema.UserRegular, Details: schema.UserDetails{Name: "Bob"}}
	require.NoError(t, f.db.Users.Insert(ctx, f.bob))

	f.story = &schema.Story{
		Type:      schema.StoryPost,
		UserIDs:   []int64{f.alice.ID},
		Published: true,
		Public:    true,
		Details: schema.StoryDetails{
			Title: "Crash on login",
			Text:  "The login form crashes ![image]",
			Resources: []schema.Resource{
				{Type: schema.ResourceImage, URL: "https://cdn.example.com/crash.png"},
			},
		},
	}
	require.NoError(t, f.db.Stories.Insert(ctx, f.story))

	pb, err := richtext.LoadPhrasebook("")
	require.NoError(t, err)
	f.e = New(f.db, f.client, WithLogger(zaptest.NewLogger(t)), WithPhrasebook(pb, richtext.DefaultLocale))
	return f
}

func (f *fixture) repo(t *testing.T, name string, server *schema.Server, project int64) *schema.Repo {
	t.Helper()
	repo := &schema.Repo{Name: name, Type: schema.ProviderGitLab, Details: schema.RepoDetails{IssuesEnabled: true}}
	repo.InheritLink(server.Type, server.ID, schema.ObjectKeys{schema.KindProject: {ID: project, Name: name}})
	require.NoError(t, f.db.Repos.Insert(context.Background(), repo))
	return repo
}

func (f *fixture) export(t *testing.T, repoID int64) *Outcome {
	t.Helper()
	out, err := f.e.Export(context.Background(), nil, f.story.ID, repoID, f.alice.ID)
	require.NoError(t, err)
	return out
}

func (f *fixture) reload(t *testing.T) *schema.Story {
	t.Helper()
	s, err := f.db.Stories.Get(context.Background(), f.story.ID)
	require.NoError(t, err)
	return s
}

func (f *fixture) edit(t *testing.T, fn func(*schema.Story)) {
	t.Helper()
	_, err := f.db.Stories.Modify(context.Background(), f.story.ID, func(s *schema.Story) (bool, error) {
		fn(s)
		return true, nil
	})
	require.NoError(t, err)
}

func (f *fixture) reactions(t *testing.T, types ...schema.ReactionType) []*schema.Reaction {
	t.Helper()
	rows, err := f.db.FindReactions(context.Background(), db.ReactionFilter{StoryID: f.story.ID, Types: types})
	require.NoError(t, err)
	return rows
}

func issueKey(t *testing.T, rec *schema.Record, server *schema.Server) schema.Key {
	t.Helper()
	link, ok := rec.FindLink(schema.ProviderGitLab, server.ID)
	require.True(t, ok, "no link to %s", server.Name)
	key, ok := link.Key(schema.KindIssue)
	require.True(t, ok, "link to %s has no issue", server.Name)
	return key
}

// TestExportCreatesIssue tests the create transition
func TestExportCreatesIssue(t *testing.T) {
	f := setup(t)

	out := f.export(t, f.web.ID)
	assert.Equal(t, "create", out.Transition)

	remote := f.gitlab.only(t, 5)
	assert.Equal(t, "Crash on login", remote.Title)
	assert.Equal(t, "The login form crashes [image #1][1]\n\n[1]: https://cdn.example.com/crash.png", remote.Description)
	assert.Equal(t, []string{"9"}, f.gitlab.sudo)

	story := f.reload(t)
	assert.Equal(t, schema.StoryIssue, story.Type)
	assert.Equal(t, f.web.ID, story.RepoID)
	assert.Equal(t, "opened", story.Details.State)
	assert.NotNil(t, story.ExportTime)

	link, ok := story.FindLink(schema.ProviderGitLab, f.serverA.ID)
	require.True(t, ok)
	assert.Equal(t, schema.Key{ID: remote.ID, Number: remote.IID}, link.Keys[schema.KindIssue])
	assert.Equal(t, schema.Key{ID: 5, Name: "acme/web"}, link.Keys[schema.KindProject])

	assert.Equal(t, out.IssueID, remote.ID)
	assert.Equal(t, remote.WebURL, out.WebURL)

	tracking := f.reactions(t, schema.ReactionTracking)
	require.Len(t, tracking, 1)
	assert.Equal(t, f.alice.ID, tracking[0].UserID)
	assert.Equal(t, remote.ID, issueKey(t, &tracking[0].Record, f.serverA).ID)
}

// TestReexportWithoutChangesSendsNothing tests that an unchanged story is not pushed
func TestReexportWithoutChangesSendsNothing(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	out := f.export(t, f.web.ID)

	assert.Equal(t, "update", out.Transition)
	assert.Equal(t, 1, f.gitlab.creates)
	assert.Empty(t, f.gitlab.puts)
	assert.Len(t, f.reactions(t, schema.ReactionTracking), 1)
}

// TestImportAfterExportIsNoop tests that importing an exported issue changes nothing
func TestImportAfterExportIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.export(t, f.web.ID)
	exported := f.reload(t)
	remote := f.gitlab.only(t, 5)

	im := importer.New(f.db, f.client, importer.WithLogger(zaptest.NewLogger(t)), importer.WithProfileImages(nil))
	event := &importer.IssueEvent{
		ObjectKind: importer.EventIssue,
		User:       importer.UserPayload{ID: 9, Name: "Alice", Username: "alice", Email: "alice@example.com"},
		Project:    importer.ProjectPayload{ID: 5, Name: "web", PathWithNamespace: "acme/web"},
		Attributes: importer.IssueAttributes{
			ID:          remote.ID,
			IID:         remote.IID,
			ProjectID:   5,
			Title:       remote.Title,
			Description: remote.Description,
			State:       remote.State,
			AuthorID:    9,
		},
	}

	imported, err := im.ImportIssue(ctx, f.serverA, event)
	require.NoError(t, err)
	assert.Equal(t, exported.ID, imported.ID)
	assert.Equal(t, exported.GN, imported.GN, "importing what was just exported must not rewrite the story")
	assert.Equal(t, exported.Details, imported.Details)
}

// TestRemoteRenameSurvivesExport tests that a remote title edit is not overwritten
func TestRemoteRenameSurvivesExport(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	f.gitlab.only(t, 5)
	f.gitlab.mu.Lock()
	f.gitlab.issues[5][1].Title = "Crash on login (triaged)"
	f.gitlab.mu.Unlock()

	f.edit(t, func(s *schema.Story) { s.Details.Text = "The login form crashes on submit" })
	f.export(t, f.web.ID)

	require.Len(t, f.gitlab.puts, 1)
	assert.NotContains(t, f.gitlab.puts[0], "title")
	assert.Equal(t, "The login form crashes on submit\n\n[image #1][1]\n\n[1]: https://cdn.example.com/crash.png", f.gitlab.puts[0]["description"])
	assert.Equal(t, "Crash on login (triaged)", f.gitlab.only(t, 5).Title)
}

// TestUntitledStoryFollowsRemoteRename exports a story whose title comes
// from its text, renames the issue remotely and imports it back.
func TestUntitledStoryFollowsRemoteRename(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.edit(t, func(s *schema.Story) { s.Details.Title = "" })
	f.export(t, f.web.ID)
	remote := f.gitlab.only(t, 5)
	require.Equal(t, "The login form crashes", remote.Title)
	assert.Equal(t, "The login form crashes", f.reload(t).Details.Title)

	im := importer.New(f.db, f.client, importer.WithLogger(zaptest.NewLogger(t)), importer.WithProfileImages(nil))
	imported, err := im.ImportIssue(ctx, f.serverA, &importer.IssueEvent{
		ObjectKind: importer.EventIssue,
		User:       importer.UserPayload{ID: 9, Name: "Alice", Username: "alice", Email: "alice@example.com"},
		Project:    importer.ProjectPayload{ID: 5, Name: "web", PathWithNamespace: "acme/web"},
		Attributes: importer.IssueAttributes{
			ID:          remote.ID,
			IID:         remote.IID,
			ProjectID:   5,
			Title:       "Renamed remotely",
			Description: remote.Description,
			State:       remote.State,
			AuthorID:    9,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, f.story.ID, imported.ID)
	assert.Equal(t, "Renamed remotely", imported.Details.Title)
}

// TestUpdatePushesOnlyChangedFields tests that updates carry only changed fields
func TestUpdatePushesOnlyChangedFields(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	f.edit(t, func(s *schema.Story) {
		s.Details.Labels = []string{"bug", "login"}
		s.Details.Title = "Login crash"
	})
	f.export(t, f.web.ID)

	require.Len(t, f.gitlab.puts, 1)
	assert.Equal(t, map[string]any{"title": "Login crash", "labels": "bug,login"}, f.gitlab.puts[0])

	remote := f.gitlab.only(t, 5)
	assert.Equal(t, "Login crash", remote.Title)
	assert.Equal(t, []string{"bug", "login"}, remote.Labels)
}

// TestCloseIssue tests closing and reopening through state
func TestCloseIssue(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	f.edit(t, func(s *schema.Story) { s.Details.State = "closed" })
	f.export(t, f.web.ID)

	require.Len(t, f.gitlab.puts, 1)
	assert.Equal(t, "close", f.gitlab.puts[0]["state_event"])
	assert.Equal(t, "closed", f.gitlab.only(t, 5).State)
}

func seedNote(t *testing.T, f *fixture) *schema.Reaction {
	t.Helper()
	story := f.reload(t)
	link, ok := story.FindLink(schema.ProviderGitLab, f.serverA.ID)
	require.True(t, ok)

	keys := link.Keys.Clone()
	keys[schema.KindNote] = schema.Key{ID: 700}
	note := &schema.Reaction{Type: schema.ReactionNote, StoryID: f.story.ID, UserID: f.bob.ID,
		Published: true, Details: schema.ReactionDetails{Text: "Seen it too"}}
	note.InheritLink(schema.ProviderGitLab, f.serverA.ID, keys)
	require.NoError(t, f.db.Reactions.Insert(context.Background(), note))
	return note
}

// TestMoveRelinksReactions tests that a move relinks every issue reaction
func TestMoveRelinksReactions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.export(t, f.web.ID)
	note := seedNote(t, f)

	out := f.export(t, f.api.ID)
	assert.Equal(t, "move", out.Transition)
	assert.Zero(t, f.gitlab.count(5))
	moved := f.gitlab.only(t, 6)
	assert.Equal(t, 1, f.gitlab.creates, "a move opens no issue through the create endpoint")

	story := f.reload(t)
	assert.Equal(t, f.api.ID, story.RepoID)
	assert.Equal(t, moved.ID, issueKey(t, &story.Record, f.serverA).ID)
	link, _ := story.FindLink(schema.ProviderGitLab, f.serverA.ID)
	assert.Equal(t, int64(6), link.Keys[schema.KindProject].ID)

	note, err := f.db.Reactions.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, moved.ID, issueKey(t, &note.Record, f.serverA).ID)
	noteLink, _ := note.FindLink(schema.ProviderGitLab, f.serverA.ID)
	assert.Equal(t, int64(700), noteLink.Keys[schema.KindNote].ID)

	tracking := f.reactions(t, schema.ReactionTracking)
	require.Len(t, tracking, 1)
	assert.Equal(t, moved.ID, issueKey(t, &tracking[0].Record, f.serverA).ID)
}

// TestOldServerFallsBackToCreateThenRemove tests moving on a server too old for the move API
func TestOldServerFallsBackToCreateThenRemove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.export(t, f.web.ID)
	note := seedNote(t, f)

	f.serverA.Version = "8.17.0"
	require.NoError(t, f.db.UpsertServer(ctx, f.serverA))

	out := f.export(t, f.api.ID)
	assert.Equal(t, "create-then-remove", out.Transition)
	require.NotNil(t, out.Removed)
	assert.Equal(t, int64(5), out.Removed.ProjectID)

	assert.Zero(t, f.gitlab.count(5))
	created := f.gitlab.only(t, 6)
	assert.Equal(t, 2, f.gitlab.creates)

	story := f.reload(t)
	assert.Equal(t, created.ID, issueKey(t, &story.Record, f.serverA).ID)
	assert.Len(t, story.Links, 1)

	note, err := f.db.Reactions.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.False(t, note.Deleted)
	assert.Empty(t, note.Links, "notes of the deleted issue become local")

	tracking := f.reactions(t, schema.ReactionTracking)
	require.Len(t, tracking, 1)
	assert.Equal(t, created.ID, issueKey(t, &tracking[0].Record, f.serverA).ID)
}

// TestExportToRepoWithoutTrackerRemovesIssue tests removal when the target has no tracker
func TestExportToRepoWithoutTrackerRemovesIssue(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	seedNote(t, f)

	out := f.export(t, f.local.ID)
	assert.Equal(t, "remove", out.Transition)
	assert.Zero(t, f.gitlab.count(5))

	story := f.reload(t)
	_, linked := story.FindLink(schema.ProviderGitLab, f.serverA.ID)
	assert.False(t, linked)
	assert.Nil(t, story.Snapshot(schema.ProviderGitLab, f.serverA.ID))
	assert.Equal(t, schema.StoryPost, story.Type)
	assert.Empty(t, story.Details.Title)
	assert.Empty(t, story.Details.State)
	assert.Equal(t, f.local.ID, story.RepoID)
	assert.Equal(t, "The login form crashes ![image]", story.Details.Text, "the story body is kept")

	assert.Empty(t, f.reactions(t, schema.ReactionTracking, schema.ReactionNote))
}

// TestExportWithoutRepoRemovesIssue tests the remove transition
func TestExportWithoutRepoRemovesIssue(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	out := f.export(t, 0)
	assert.Equal(t, "remove", out.Transition)
	assert.Zero(t, f.gitlab.count(5))

	again := f.export(t, 0)
	assert.Equal(t, "nothing", again.Transition)
}

// TestCrossServerCreateThenRemove tests moving an issue between servers
func TestCrossServerCreateThenRemove(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	out := f.export(t, f.mirror.ID)
	assert.Equal(t, "create-then-remove", out.Transition)

	assert.Zero(t, f.gitlab.count(5))
	created := f.other.only(t, 7)
	assert.Equal(t, []string{"19"}, f.other.sudo)

	story := f.reload(t)
	_, onA := story.FindLink(schema.ProviderGitLab, f.serverA.ID)
	assert.False(t, onA)
	assert.Equal(t, created.ID, issueKey(t, &story.Record, f.serverB).ID)
	assert.Equal(t, f.mirror.ID, story.RepoID)

	tracking := f.reactions(t, schema.ReactionTracking)
	require.Len(t, tracking, 1)
	assert.Equal(t, created.ID, issueKey(t, &tracking[0].Record, f.serverB).ID)
	_, trackedOnA := tracking[0].FindLink(schema.ProviderGitLab, f.serverA.ID)
	assert.False(t, trackedOnA)
}

// TestRetryAfterFailedDeleteReusesIssue tests that a retry after a failed delete creates no duplicate
func TestRetryAfterFailedDeleteReusesIssue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.export(t, f.web.ID)
	f.gitlab.mu.Lock()
	f.gitlab.failNext[deletePattern] = 1
	f.gitlab.mu.Unlock()

	_, err := f.e.Export(ctx, nil, f.story.ID, f.mirror.ID, f.alice.ID)
	require.Error(t, err)
	f.gitlab.mu.Lock()
	assert.Zero(t, f.gitlab.failNext[deletePattern], "delete failure was injected")
	f.gitlab.mu.Unlock()
	assert.Equal(t, 1, f.gitlab.count(5), "old issue survives the failed delete")
	assert.Equal(t, 1, f.other.count(7))

	story := f.reload(t)
	issueKey(t, &story.Record, f.serverA)
	issueKey(t, &story.Record, f.serverB)

	out := f.export(t, f.mirror.ID)
	assert.Equal(t, "create-then-remove", out.Transition)
	assert.Equal(t, 1, f.other.creates, "retry reuses the issue opened by the failed run")
	assert.Zero(t, f.gitlab.count(5))
	assert.Equal(t, 1, f.other.count(7))
}

// TestVanishedIssueIsRecreated tests recreating an issue deleted remotely
func TestVanishedIssueIsRecreated(t *testing.T) {
	f := setup(t)

	f.export(t, f.web.ID)
	gone := f.gitlab.only(t, 5)
	f.gitlab.mu.Lock()
	delete(f.gitlab.issues[5], gone.IID)
	f.gitlab.mu.Unlock()

	out := f.export(t, f.web.ID)
	assert.Equal(t, "update", out.Transition)
	assert.Equal(t, 2, f.gitlab.creates)

	fresh := f.gitlab.only(t, 5)
	assert.NotEqual(t, gone.ID, fresh.ID)
	assert.Equal(t, fresh.ID, issueKey(t, &f.reload(t).Record, f.serverA).ID)
	assert.Equal(t, "Crash on login", fresh.Title)
}

// TestCreateNeedsTracker tests that create needs a repo with a tracker
func TestCreateNeedsTracker(t *testing.T) {
	f := setup(t)

	_, err := f.e.Export(context.Background(), nil, f.story.ID, f.local.ID, f.alice.ID)
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)
	assert.Zero(t, f.gitlab.creates)
}

// TestActorWithoutAccountIsForbidden tests acting users without a tracker account
func TestActorWithoutAccountIsForbidden(t *testing.T) {
	f := setup(t)

	_, err := f.e.Export(context.Background(), nil, f.story.ID, f.web.ID, f.bob.ID)
	assert.ErrorIs(t, err, syncerr.ErrForbidden)
	assert.Zero(t, f.gitlab.creates)
}

// TestExportWithoutActorUsesServerToken tests exports without Sudo
func TestExportWithoutActorUsesServerToken(t *testing.T) {
	f := setup(t)

	out, err := f.e.Export(context.Background(), nil, f.story.ID, f.web.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "create", out.Transition)
	assert.Equal(t, []string{""}, f.gitlab.sudo)

	tracking := f.reactions(t, schema.ReactionTracking)
	require.Len(t, tracking, 1)
	assert.Equal(t, f.alice.ID, tracking[0].UserID, "tracking falls back to the first author")
}

// TestExportDeletedStory tests that deleted stories are not exported
func TestExportDeletedStory(t *testing.T) {
	f := setup(t)
	f.edit(t, func(s *schema.Story) { s.Deleted = true })

	_, err := f.e.Export(context.Background(), nil, f.story.ID, f.web.ID, f.alice.ID)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

// TestExportTask tests running an export as a task
func TestExportTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m := task.NewManager(f.db, zaptest.NewLogger(t))
	opts := schema.TaskOptions{StoryID: f.story.ID, RepoID: f.web.ID}
	h, err := m.Go(ctx, schema.ActionExportIssue, "", opts, f.alice.ID, f.e.Task(opts, f.alice.ID))
	require.NoError(t, err)

	done, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskCompleted, done.Status())

	var out Outcome
	require.NoError(t, json.Unmarshal(done.Details.Result, &out))
	assert.Equal(t, "create", out.Transition)
	assert.Equal(t, f.gitlab.only(t, 5).ID, out.IssueID)
	require.NoError(t, m.Shutdown(ctx))
}

// TestDecide tests the transition table
func TestDecide(t *testing.T) {
	serverA := &schema.Server{ID: 1}
	serverB := &schema.Server{ID: 2}
	web := &schema.Repo{Record: schema.Record{ID: 10}}
	api := &schema.Repo{Record: schema.Record{ID: 11}}
	local := &schema.Repo{Record: schema.Record{ID: 12}}

	onWeb := &issueRef{server: serverA, repo: web, project: schema.Key{ID: 5}}
	unknownRepo := &issueRef{server: serverA, project: schema.Key{ID: 5}}
	toWeb := &target{repo: web, server: serverA, project: schema.Key{ID: 5}, tracking: true}
	toAPI := &target{repo: api, server: serverA, project: schema.Key{ID: 6}, tracking: true}
	toMirror := &target{repo: api, server: serverB, project: schema.Key{ID: 7}, tracking: true}
	toLocal := &target{repo: local}

	tests := []struct {
		name    string
		before  *issueRef
		after   *target
		canMove bool
		want    Transition
		wantErr error
	}{
		{name: "nothing", want: Nothing},
		{name: "create", after: toWeb, want: Create},
		{name: "create without tracker", after: toLocal, wantErr: syncerr.ErrBadRequest},
		{name: "remove", before: onWeb, want: Remove},
		{name: "remove to local repo", before: onWeb, after: toLocal, want: Remove},
		{name: "update", before: onWeb, after: toWeb, want: Update},
		{name: "update by project", before: unknownRepo, after: toWeb, want: Update},
		{name: "move", before: onWeb, after: toAPI, canMove: true, want: Move},
		{name: "move unsupported", before: onWeb, after: toAPI, want: CreateThenRemove},
		{name: "other server", before: onWeb, after: toMirror, canMove: true, want: CreateThenRemove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decide(tt.before, tt.after, tt.canMove)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
