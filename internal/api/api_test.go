package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/tracksync/internal/db/dbtest"
	"github.com/mschirtzinger/tracksync/internal/exporter"
	"github.com/mschirtzinger/tracksync/internal/importer"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

const userHook = `{"event_name":"user_create","user_id":41,"name":"Carol","username":"carol","email":"carol@example.com"}`

func setupAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv, _ := setupAPIWithTasks(t)
	return srv
}

func setupAPIWithTasks(t *testing.T) (*httptest.Server, *task.Manager) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	database := dbtest.Open(t)
	require.NoError(t, database.UpsertServer(ctx, &schema.Server{
		Type:     schema.ProviderGitLab,
		Name:     "gitlab-a",
		URL:      "https://gitlab.example.com",
		Settings: schema.ServerSettings{AcceptNewUsers: true, WebhookToken: "s3cret"},
	}))

	client := transport.New(transport.DefaultRegistry())
	tasks := task.NewManager(database, logger)
	t.Cleanup(func() { _ = tasks.Shutdown(ctx) })
	im := importer.New(database, client, importer.WithLogger(logger), importer.WithProfileImages(nil))

	s := New(Config{}, Deps{
		DB:       database,
		Tasks:    tasks,
		Receiver: ingest.NewReceiver(database, tasks, im, logger),
		Exporter: exporter.New(database, client, exporter.WithLogger(logger)),
	}, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, tasks
}

func postHook(t *testing.T, srv *httptest.Server, token, uuid string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/hooks/gitlab-a", bytes.NewBufferString(userHook))
	require.NoError(t, err)
	req.Header.Set("X-Gitlab-Event", "System Hook")
	req.Header.Set("X-Gitlab-Token", token)
	req.Header.Set("X-Gitlab-Event-UUID", uuid)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func poll(t *testing.T, srv *httptest.Server, token string) TaskView {
	t.Helper()
	var view TaskView
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/tasks/" + token)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return view.Completion == 100 || view.Failed
	}, 5*time.Second, 20*time.Millisecond)
	return view
}

// TestHookStartsImportTask tests webhook intake and redelivery over HTTP
func TestHookStartsImportTask(t *testing.T) {
	srv := setupAPI(t)

	resp := postHook(t, srv, "s3cret", "delivery-1")
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, resp.StatusCode)
	view := decode[TaskView](t, resp)
	assert.Equal(t, "delivery-1", view.Token)
	assert.Equal(t, schema.ActionImportHook, view.Action)

	done := poll(t, srv, "delivery-1")
	assert.Equal(t, schema.TaskCompleted, done.Status, done.Details.Error)

	again := postHook(t, srv, "s3cret", "delivery-1")
	assert.Equal(t, http.StatusOK, again.StatusCode, "a redelivery of a finished import is answered from the task")
}

// TestHookWithWrongTokenIsForbidden tests webhook token verification
func TestHookWithWrongTokenIsForbidden(t *testing.T) {
	srv := setupAPI(t)

	resp := postHook(t, srv, "nope", "delivery-2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "forbidden", body.Kind)
}

// TestExportOfMissingStoryFails tests that exporting an unknown story fails the task
func TestExportOfMissingStoryFails(t *testing.T) {
	srv := setupAPI(t)

	body, _ := json.Marshal(ExportRequest{StoryID: 404, RepoID: 1, Token: "export-1"})
	resp, err := http.Post(srv.URL+"/exports", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	done := poll(t, srv, "export-1")
	assert.True(t, done.Failed)
	assert.Equal(t, "not-found", done.Details.Kind)
}

// TestExportReattachKeepsStoredOptions tests that a request reusing a
// pending token runs the export the token was started with
func TestExportReattachKeepsStoredOptions(t *testing.T) {
	srv, tasks := setupAPIWithTasks(t)

	_, created, err := tasks.Start(context.Background(), schema.ActionExportIssue, "export-2",
		schema.TaskOptions{StoryID: 404, RepoID: 1}, 0)
	require.NoError(t, err)
	require.True(t, created)

	body, _ := json.Marshal(ExportRequest{StoryID: 405, RepoID: 2, Token: "export-2"})
	resp, err := http.Post(srv.URL+"/exports", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	done := poll(t, srv, "export-2")
	assert.True(t, done.Failed)
	assert.Equal(t, "not-found", done.Details.Kind)
	assert.Contains(t, done.Details.Error, "404")
	assert.NotContains(t, done.Details.Error, "405")
}

// TestExportNeedsStory tests export request validation
func TestExportNeedsStory(t *testing.T) {
	srv := setupAPI(t)

	resp, err := http.Post(srv.URL+"/exports", "application/json", bytes.NewBufferString(`{"repo_id":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestTaskEndpoints tests task lookup, abort, listing and acknowledgement
func TestTaskEndpoints(t *testing.T) {
	srv := setupAPI(t)

	resp, err := http.Get(srv.URL + "/tasks/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	postHook(t, srv, "s3cret", "delivery-3")
	poll(t, srv, "delivery-3")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/delivery-3", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a finished task cannot be aborted")

	resp, err = http.Get(srv.URL + "/tasks?unseen=1")
	require.NoError(t, err)
	views := decode[[]TaskView](t, resp)
	resp.Body.Close()
	require.Len(t, views, 1)
	assert.Equal(t, "delivery-3", views[0].Token)

	resp, err = http.Post(srv.URL+"/tasks/delivery-3/seen", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks?unseen=1")
	require.NoError(t, err)
	views = decode[[]TaskView](t, resp)
	resp.Body.Close()
	assert.Empty(t, views)

	resp, err = http.Get(srv.URL + "/tasks?since=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
