package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

const serverColumns = `id, type, name, url, version, disabled, settings, credentials, ctime, mtime`

// UpsertServer inserts or updates a server keyed by name and sets its ID.
func (db *DB) UpsertServer(ctx context.Context, s *schema.Server) error {
	if err := s.Validate(); err != nil {
		return syncerr.BadRequest("invalid server: %v", err)
	}

	now := time.Now().UTC()
	if s.CTime.IsZero() {
		s.CTime = now
	}
	s.MTime = now

	query := `
	INSERT INTO servers (type, name, url, version, disabled, settings, credentials, ctime, mtime)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		type = excluded.type,
		url = excluded.url,
		version = excluded.version,
		disabled = excluded.disabled,
		settings = excluded.settings,
		credentials = excluded.credentials,
		mtime = excluded.mtime
	RETURNING id
	`

	err := db.conn.QueryRowContext(ctx, query,
		string(s.Type),
		s.Name,
		s.URL,
		s.Version,
		s.Disabled,
		jsonColumn(s.Settings),
		jsonColumn(s.Credentials),
		timeColumn(&s.CTime),
		timeColumn(&s.MTime),
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert server %s: %w", s.Name, err)
	}

	db.publish(Change{Table: "servers", ID: s.ID, Op: OpUpdate})
	return nil
}

// GetServer retrieves a server by ID.
func (db *DB) GetServer(ctx context.Context, id int64) (*schema.Server, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("server %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server %d: %w", id, err)
	}
	return s, nil
}

// GetServerByName retrieves a server by its unique name.
func (db *DB) GetServerByName(ctx context.Context, name string) (*schema.Server, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("server %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server %q: %w", name, err)
	}
	return s, nil
}

// ListServers returns every server ordered by ID.
func (db *DB) ListServers(ctx context.Context) ([]*schema.Server, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*schema.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}
	return servers, nil
}

func scanServer(s scanner) (*schema.Server, error) {
	var srv schema.Server
	var version sql.NullString
	err := s.Scan(
		&srv.ID,
		&srv.Type,
		&srv.Name,
		&srv.URL,
		&version,
		&srv.Disabled,
		jsonColumn(&srv.Settings),
		jsonColumn(&srv.Credentials),
		timeColumn(&srv.CTime),
		timeColumn(&srv.MTime),
	)
	if err != nil {
		return nil, err
	}
	srv.Version = version.String
	return &srv, nil
}
