package ingest

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
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

const userCreate = `{"event_name":"user_create","user_id":41,"name":"Carol","username":"carol","email":"carol@example.com"}`

func setupReceiver(t *testing.T) (*Receiver, *db.DB, *task.Manager) {
	t.Helper()
	database := dbtest.Open(t)
	server := &schema.Server{
		Type:     schema.ProviderGitLab,
		Name:     "gitlab-a",
		URL:      "https://gitlab.example.com",
		Settings: schema.ServerSettings{AcceptNewUsers: true, WebhookToken: "s3cret"},
	}
	require.NoError(t, database.UpsertServer(context.Background(), server))

	logger := zaptest.NewLogger(t)
	tasks := task.NewManager(database, logger)
	im := importer.New(database, transport.New(transport.DefaultRegistry()), importer.WithLogger(logger), importer.WithProfileImages(nil))
	t.Cleanup(func() { _ = tasks.Shutdown(context.Background()) })
	return NewReceiver(database, tasks, im, logger), database, tasks
}

func delivery(uuid string) Delivery {
	return Delivery{
		Server:  "gitlab-a",
		Event:   "System Hook",
		UUID:    uuid,
		Token:   "s3cret",
		Payload: json.RawMessage(userCreate),
	}
}

// TestReceiveRunsImport tests that a delivery runs its import as a task
func TestReceiveRunsImport(t *testing.T) {
	r, database, _ := setupReceiver(t)
	ctx := context.Background()

	h, err := r.Receive(ctx, delivery("d-1"))
	require.NoError(t, err)
	assert.Equal(t, "d-1", h.Token())

	done, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.TaskCompleted, done.Status(), done.Details.Error)
	assert.Equal(t, importer.EventUserCreate, done.Options.Event)

	var res importer.Result
	require.NoError(t, json.Unmarshal(done.Details.Result, &res))
	assert.Equal(t, "users", res.Table)

	user, err := database.Users.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", user.Username)
}

// TestRedeliveryIsAbsorbed tests that the same delivery re-attaches to its task
func TestRedeliveryIsAbsorbed(t *testing.T) {
	r, database, _ := setupReceiver(t)
	ctx := context.Background()

	first, err := r.Receive(ctx, delivery("d-2"))
	require.NoError(t, err)
	_, err = first.Wait(ctx)
	require.NoError(t, err)

	again, err := r.Receive(ctx, delivery("d-2"))
	require.NoError(t, err)
	assert.True(t, again.Final())
	assert.Equal(t, first.Task().ID, again.Task().ID)

	tasks, err := database.ListTasks(ctx, db.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

// TestReceiveRejects tests delivery validation
func TestReceiveRejects(t *testing.T) {
	r, database, _ := setupReceiver(t)
	ctx := context.Background()

	bad := delivery("")
	bad.Token = "guess"
	_, err := r.Receive(ctx, bad)
	assert.ErrorIs(t, err, syncerr.ErrForbidden)

	unknown := delivery("")
	unknown.Server = "gitlab-z"
	_, err = r.Receive(ctx, unknown)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	kindless := delivery("")
	kindless.Payload = json.RawMessage(`{"user_id":1}`)
	_, err = r.Receive(ctx, kindless)
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	empty := delivery("")
	empty.Payload = nil
	_, err = r.Receive(ctx, empty)
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	server, err := database.GetServerByName(ctx, "gitlab-a")
	require.NoError(t, err)
	server.Disabled = true
	require.NoError(t, database.UpsertServer(ctx, server))
	_, err = r.Receive(ctx, delivery(""))
	assert.ErrorIs(t, err, syncerr.ErrForbidden)
}

// TestRetryableFailureGetsNextAttempt tests rerunning a delivery after an upstream failure
func TestRetryableFailureGetsNextAttempt(t *testing.T) {
	r, _, tasks := setupReceiver(t)
	ctx := context.Background()

	failed, err := tasks.Go(ctx, schema.ActionImportHook, "d-9", schema.TaskOptions{Event: importer.EventUserCreate}, 0,
		func(context.Context, *task.Handle) error { return syncerr.Upstream("status 503") })
	require.NoError(t, err)
	assert.ErrorIs(t, Settle(ctx, failed), syncerr.ErrUpstream)

	h, err := r.Receive(ctx, delivery("d-9"))
	require.NoError(t, err)
	assert.Equal(t, "d-9.1", h.Token())
	assert.NoError(t, Settle(ctx, h))

	again, err := r.Receive(ctx, delivery("d-9"))
	require.NoError(t, err)
	assert.Equal(t, "d-9.1", again.Token(), "a completed attempt ends the chain")
	assert.True(t, again.Final())
}

// TestTerminalFailureIsNotRetried tests that terminal failures stay failed
func TestTerminalFailureIsNotRetried(t *testing.T) {
	r, _, tasks := setupReceiver(t)
	ctx := context.Background()

	failed, err := tasks.Go(ctx, schema.ActionImportHook, "d-10", schema.TaskOptions{Event: importer.EventUserCreate}, 0,
		func(context.Context, *task.Handle) error { return syncerr.Forbidden("server disabled") })
	require.NoError(t, err)
	assert.ErrorIs(t, Settle(ctx, failed), syncerr.ErrForbidden)

	h, err := r.Receive(ctx, delivery("d-10"))
	require.NoError(t, err)
	assert.Equal(t, "d-10", h.Token())
	assert.ErrorIs(t, Settle(ctx, h), syncerr.ErrForbidden)
}
