// Package dbtest opens throwaway stores for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/tracksync/internal/db"
)

// Open creates a database under t.TempDir() that is closed with the test.
func Open(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}
