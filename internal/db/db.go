// Package db is the canonical store: stories, reactions, repos, users,
// commits, servers and tasks in an embedded SQLite database.
//
// The database runs in WAL mode so webhook imports, exports and task
// polling can read concurrently while a single writer commits.
//
// Concurrency model:
//   - Every row carries a generation number (gn)
//   - Updates are UPDATE ... WHERE id = ? AND gn = ?
//   - Zero affected rows is syncerr.ErrConflict; callers re-read and retry
//     through Retry or Table.Modify
//
// External links are stored as a JSON array in the external column and
// looked up with json_each, so a row can be found by the identity of the
// remote object it mirrors.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// DB wraps the SQLite connection and exposes one Table per record type.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger

	Stories   *Table[*schema.Story]
	Reactions *Table[*schema.Reaction]
	Repos     *Table[*schema.Repo]
	Users     *Table[*schema.User]
	Commits   *Table[*schema.Commit]

	mu        sync.RWMutex
	listeners []func(Change)
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it will be created along with the schema.
// The caller MUST call Close() when done.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN for the pool
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		logger: logger.Named("db"),
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.Stories = newStoryTable(db)
	db.Reactions = newReactionTable(db)
	db.Repos = newRepoTable(db)
	db.Users = newUserTable(db)
	db.Commits = newCommitTable(db)

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const recordColumnsSQL = `
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gn INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		external TEXT,  -- JSON array of links
		exchange TEXT,  -- JSON array of import snapshots
		itime TEXT,
		etime TEXT,
		ctime TEXT NOT NULL,
		mtime TEXT NOT NULL,`

var schemaSQL = `
	CREATE TABLE IF NOT EXISTS servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		version TEXT,
		disabled INTEGER NOT NULL DEFAULT 0,
		settings TEXT,
		credentials TEXT,
		ctime TEXT NOT NULL,
		mtime TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repos (` + recordColumnsSQL + `
		name TEXT NOT NULL,
		type TEXT,
		user_ids TEXT,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS users (` + recordColumnsSQL + `
		username TEXT NOT NULL,
		type TEXT NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS stories (` + recordColumnsSQL + `
		type TEXT NOT NULL,
		repo_id INTEGER,
		user_ids TEXT,
		published INTEGER NOT NULL DEFAULT 0,
		public INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS reactions (` + recordColumnsSQL + `
		type TEXT NOT NULL,
		story_id INTEGER NOT NULL,
		user_id INTEGER,
		published INTEGER NOT NULL DEFAULT 0,
		public INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS commits (` + recordColumnsSQL + `
		hash TEXT NOT NULL,
		story_id INTEGER,
		repo_ids TEXT,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		options TEXT,
		details TEXT,
		completion INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER,
		etime TEXT,
		seen INTEGER NOT NULL DEFAULT 0,
		ctime TEXT NOT NULL,
		mtime TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE INDEX IF NOT EXISTS idx_stories_repo ON stories(repo_id);
	CREATE INDEX IF NOT EXISTS idx_reactions_story ON reactions(story_id, type, user_id);
	CREATE INDEX IF NOT EXISTS idx_commits_hash ON commits(hash);
	CREATE INDEX IF NOT EXISTS idx_commits_title_hash
	    ON commits(json_extract(details, '$.title_hash'));
	CREATE INDEX IF NOT EXISTS idx_tasks_ctime ON tasks(ctime);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
	`

// Retry runs op until it succeeds, fails with anything other than a
// conflict, or the retry budget runs out. op must re-read whatever it
// writes.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, syncerr.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 8), ctx))
}
