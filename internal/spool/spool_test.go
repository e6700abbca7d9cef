package spool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/tracksync/internal/db/dbtest"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

// scripted runs every delivery as a task failing with the error scripted
// for its UUID.
type scripted struct {
	tasks *task.Manager

	mu     sync.Mutex
	errs   map[string]error
	reject map[string]error
	seen   []string
}

func (s *scripted) Receive(ctx context.Context, d ingest.Delivery) (*task.Handle, error) {
	s.mu.Lock()
	s.seen = append(s.seen, d.UUID)
	fail, rejected := s.errs[d.UUID], s.reject[d.UUID]
	s.mu.Unlock()

	if rejected != nil {
		return nil, rejected
	}
	return s.tasks.Go(ctx, schema.ActionImportHook, "", schema.TaskOptions{}, 0,
		func(context.Context, *task.Handle) error { return fail })
}

func (s *scripted) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func setup(t *testing.T) (*Spool, *scripted) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tasks := task.NewManager(dbtest.Open(t), logger)
	t.Cleanup(func() { _ = tasks.Shutdown(context.Background()) })

	r := &scripted{tasks: tasks, errs: map[string]error{}, reject: map[string]error{}}
	s, err := New(filepath.Join(t.TempDir(), "spool"), r, logger)
	require.NoError(t, err)
	return s, r
}

func drop(t *testing.T, dir, name, uuid string) string {
	t.Helper()
	data, err := json.Marshal(ingest.Delivery{Server: "gitlab-a", UUID: uuid, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	tmp := filepath.Join(dir, "."+name+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	path := filepath.Join(dir, name)
	require.NoError(t, os.Rename(tmp, path))
	return path
}

// TestReplay tests replaying a spool directory
func TestReplay(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	done := drop(t, s.Dir(), "001.json", "ok")
	retry := drop(t, s.Dir(), "002.json", "flaky")
	bad := drop(t, s.Dir(), "003.json", "bad")
	rejected := drop(t, s.Dir(), "004.json", "rejected")
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "005.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0o644))

	r.errs["flaky"] = syncerr.Upstream("status 502")
	r.errs["bad"] = syncerr.NotFound("project 7")
	r.reject["rejected"] = syncerr.Forbidden("token mismatch")

	outcomes, err := s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{
		"001.json": Done,
		"002.json": Kept,
		"003.json": Failed,
		"004.json": Failed,
		"005.json": Failed,
	}, outcomes)
	assert.Equal(t, []string{"ok", "flaky", "bad", "rejected"}, r.received())

	assert.NoFileExists(t, done)
	assert.FileExists(t, retry)
	assert.NoFileExists(t, bad)
	assert.NoFileExists(t, rejected)
	assert.FileExists(t, filepath.Join(s.Dir(), FailedDir, "003.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), FailedDir, "004.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), FailedDir, "005.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "notes.txt"))

	delete(r.errs, "flaky")
	outcomes, err = s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"002.json": Done}, outcomes)
	assert.NoFileExists(t, retry)
}

// TestWatchPicksUpNewFiles tests importing files written after start
func TestWatchPicksUpNewFiles(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	early := drop(t, s.Dir(), "early.json", "early")
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop() })
	assert.Error(t, s.Start(ctx), "second start")

	late := drop(t, s.Dir(), "late.json", "late")

	require.Eventually(t, func() bool {
		_, errEarly := os.Stat(early)
		_, errLate := os.Stat(late)
		return os.IsNotExist(errEarly) && os.IsNotExist(errLate)
	}, 5*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []string{"early", "late"}, r.received())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

// TestOutcomeString tests outcome names
func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "kept", Kept.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
