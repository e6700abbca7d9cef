package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

var recordColumns = []string{"id", "gn", "deleted", "external", "exchange", "itime", "etime", "ctime", "mtime"}

// Table stores one record type. The record columns are shared; each table
// adds its own.
type Table[T schema.Recorder] struct {
	db       *DB
	name     string
	columns  []string
	alloc    func() T
	fields   func(T) []any
	validate func(T) error
	change   func(T) Change
}

// Name returns the SQL table name.
func (t *Table[T]) Name() string {
	return t.name
}

func (t *Table[T]) selectList() string {
	cols := make([]string, 0, len(recordColumns)+len(t.columns))
	for _, c := range recordColumns {
		cols = append(cols, "t."+c)
	}
	for _, c := range t.columns {
		cols = append(cols, "t."+c)
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *Table[T]) scan(s scanner) (T, error) {
	row := t.alloc()
	b := row.Base()
	dest := []any{
		&b.ID,
		&b.GN,
		&b.Deleted,
		jsonColumn(&b.Links),
		jsonColumn(&b.Exchange),
		nullTimeColumn(&b.ImportTime),
		nullTimeColumn(&b.ExportTime),
		timeColumn(&b.CTime),
		timeColumn(&b.MTime),
	}
	dest = append(dest, t.fields(row)...)
	if err := s.Scan(dest...); err != nil {
		var zero T
		return zero, err
	}
	return row, nil
}

// Get retrieves a single row by ID, deleted or not.
func (t *Table[T]) Get(ctx context.Context, id int64) (T, error) {
	query := `SELECT ` + t.selectList() + ` FROM ` + t.name + ` t WHERE t.id = ?`
	row, err := t.scan(t.db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, syncerr.NotFound("%s %d", t.name, id)
	}
	if err != nil {
		return row, fmt.Errorf("failed to get %s %d: %w", t.name, id, err)
	}
	return row, nil
}

// GetMany retrieves the rows with the given IDs, skipping missing ones.
func (t *Table[T]) GetMany(ctx context.Context, ids []int64) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return t.query(ctx, "t.id IN ("+placeholders+")", args...)
}

// query selects rows matching a WHERE clause over alias t, ordered by ID.
func (t *Table[T]) query(ctx context.Context, where string, args ...any) ([]T, error) {
	query := `SELECT ` + t.selectList() + ` FROM ` + t.name + ` t`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY t.id ASC`
	return t.collect(ctx, query, args...)
}

func (t *Table[T]) collect(ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := t.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		row, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.name, err)
	}
	return out, nil
}

// FindByLink returns the rows, deleted ones included, holding a link that
// points at the same remote object of kind as criteria. Every identifier
// set in the criteria key must match.
func (t *Table[T]) FindByLink(ctx context.Context, criteria schema.ExternalLink, kind schema.ObjectKind) ([]T, error) {
	if !kind.Valid() {
		return nil, syncerr.BadRequest("unknown object kind %q", kind)
	}
	key, ok := criteria.Key(kind)
	if !ok {
		return nil, syncerr.BadRequest("link criteria has no %s key", kind)
	}

	conds := []string{
		"json_extract(l.value, '$.type') = ?",
		"json_extract(l.value, '$.server_id') = ?",
	}
	args := []any{string(criteria.Type), criteria.ServerID}

	path := "$.keys." + string(kind)
	if key.ID != 0 {
		conds = append(conds, "json_extract(l.value, ?) = ?")
		args = append(args, path+".id", key.ID)
	}
	if key.Number != 0 {
		conds = append(conds, "json_extract(l.value, ?) = ?")
		args = append(args, path+".number", key.Number)
	}
	if key.Name != "" {
		conds = append(conds, "json_extract(l.value, ?) = ?")
		args = append(args, path+".name", key.Name)
	}
	if key.SHA != "" {
		conds = append(conds, "json_extract(l.value, ?) = ?")
		args = append(args, path+".sha", key.SHA)
	}

	query := `SELECT DISTINCT ` + t.selectList() + `
	FROM ` + t.name + ` t, json_each(t.external) l
	WHERE ` + strings.Join(conds, " AND ") + `
	ORDER BY t.id ASC`

	return t.collect(ctx, query, args...)
}

// FindOneByLink is FindByLink returning the oldest match, or NotFound.
func (t *Table[T]) FindOneByLink(ctx context.Context, criteria schema.ExternalLink, kind schema.ObjectKind) (T, error) {
	rows, err := t.FindByLink(ctx, criteria, kind)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(rows) == 0 {
		var zero T
		return zero, syncerr.NotFound("%s linked to %s %s on server %d", t.name, criteria.Type, kind, criteria.ServerID)
	}
	return rows[0], nil
}

// Insert stores a new row and assigns its ID.
func (t *Table[T]) Insert(ctx context.Context, row T) error {
	if err := t.validate(row); err != nil {
		return syncerr.BadRequest("invalid %s: %v", t.name, err)
	}

	b := row.Base()
	now := time.Now().UTC()
	b.GN = 1
	b.CTime = now
	b.MTime = now

	cols := append(append([]string{}, recordColumns[1:]...), t.columns...)
	args := []any{
		b.GN,
		b.Deleted,
		jsonColumn(b.Links),
		jsonColumn(b.Exchange),
		nullTimeColumn(&b.ImportTime),
		nullTimeColumn(&b.ExportTime),
		timeColumn(&b.CTime),
		timeColumn(&b.MTime),
	}
	args = append(args, t.fields(row)...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := `INSERT INTO ` + t.name + ` (` + strings.Join(cols, ", ") + `) VALUES (` + placeholders + `)`

	res, err := t.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", t.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read %s id: %w", t.name, err)
	}
	b.ID = id

	t.db.publish(t.changeFor(row, OpInsert))
	return nil
}

// Update writes row if its generation is still current. On success the
// in-memory generation is advanced; a stale generation is ErrConflict.
func (t *Table[T]) Update(ctx context.Context, row T) error {
	if err := t.validate(row); err != nil {
		return syncerr.BadRequest("invalid %s: %v", t.name, err)
	}

	b := row.Base()
	if b.ID == 0 {
		return syncerr.BadRequest("cannot update unsaved %s", t.name)
	}
	mtime := time.Now().UTC()

	sets := []string{"gn = gn + 1", "deleted = ?", "external = ?", "exchange = ?", "itime = ?", "etime = ?", "mtime = ?"}
	args := []any{
		b.Deleted,
		jsonColumn(b.Links),
		jsonColumn(b.Exchange),
		nullTimeColumn(&b.ImportTime),
		nullTimeColumn(&b.ExportTime),
		timeColumn(&mtime),
	}
	for _, c := range t.columns {
		sets = append(sets, c+" = ?")
	}
	args = append(args, t.fields(row)...)
	args = append(args, b.ID, b.GN)

	query := `UPDATE ` + t.name + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND gn = ?`
	res, err := t.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", t.name, b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", t.name, b.ID, err)
	}
	if n == 0 {
		var exists int
		err := t.db.conn.QueryRowContext(ctx, `SELECT 1 FROM `+t.name+` WHERE id = ?`, b.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return syncerr.NotFound("%s %d", t.name, b.ID)
		}
		return fmt.Errorf("%w: %s %d generation %d is stale", syncerr.ErrConflict, t.name, b.ID, b.GN)
	}

	b.GN++
	b.MTime = mtime
	op := OpUpdate
	if b.Deleted {
		op = OpDelete
	}
	t.db.publish(t.changeFor(row, op))
	return nil
}

// Save inserts rows without an ID and updates the rest.
func (t *Table[T]) Save(ctx context.Context, row T) error {
	if row.Base().ID == 0 {
		return t.Insert(ctx, row)
	}
	return t.Update(ctx, row)
}

// Modify re-reads the row, applies fn and writes it back, retrying on
// conflict. fn reports whether it changed anything; unchanged rows are not
// written. fn may run several times and must not have side effects outside
// the row.
func (t *Table[T]) Modify(ctx context.Context, id int64, fn func(T) (bool, error)) (T, error) {
	var result T
	err := Retry(ctx, func() error {
		row, err := t.Get(ctx, id)
		if err != nil {
			return err
		}
		changed, err := fn(row)
		if err != nil {
			return err
		}
		result = row
		if !changed {
			return nil
		}
		return t.Update(ctx, row)
	})
	return result, err
}

func (t *Table[T]) changeFor(row T, op Op) Change {
	c := Change{Table: t.name, ID: row.Base().ID, Op: op, Deleted: row.Base().Deleted}
	if t.change != nil {
		c = t.change(row).merge(c)
	}
	return c
}
