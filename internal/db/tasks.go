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

const taskColumns = `id, action, token, options, details, completion, failed, user_id, etime, seen, ctime, mtime`

// CreateTask inserts a task unless one with the same token exists. When it
// does, task is overwritten with the stored row and created is false.
func (db *DB) CreateTask(ctx context.Context, task *schema.Task) (created bool, err error) {
	if err := task.Validate(); err != nil {
		return false, syncerr.BadRequest("invalid task: %v", err)
	}

	now := time.Now().UTC()
	task.CTime = now
	task.MTime = now

	query := `
	INSERT INTO tasks (action, token, options, details, completion, failed, user_id, etime, seen, ctime, mtime)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(token) DO NOTHING
	`
	res, err := db.conn.ExecContext(ctx, query,
		string(task.Action),
		task.Token,
		jsonColumn(task.Options),
		jsonColumn(task.Details),
		task.Completion,
		task.Failed,
		task.UserID,
		nullTimeColumn(&task.ETime),
		task.Seen,
		timeColumn(&task.CTime),
		timeColumn(&task.MTime),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create task %s: %w", task.Token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create task %s: %w", task.Token, err)
	}

	if n == 0 {
		existing, err := db.GetTask(ctx, task.Token)
		if err != nil {
			return false, err
		}
		*task = *existing
		return false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read task id: %w", err)
	}
	task.ID = id
	db.publish(taskChange(task, OpInsert))
	return true, nil
}

// UpdateTask writes progress, outcome and details. The statement only
// matches tasks that are still open, so a finished task cannot be
// rewritten even by another process; that case is ErrTaskFinal.
func (db *DB) UpdateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return syncerr.BadRequest("invalid task: %v", err)
	}
	task.MTime = time.Now().UTC()

	query := `
	UPDATE tasks SET
		completion = ?,
		failed = ?,
		details = ?,
		etime = ?,
		mtime = ?
	WHERE token = ? AND completion < 100 AND failed = 0 AND completion <= ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		task.Completion,
		task.Failed,
		jsonColumn(task.Details),
		nullTimeColumn(&task.ETime),
		timeColumn(&task.MTime),
		task.Token,
		task.Completion,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.Token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.Token, err)
	}
	if n == 0 {
		stored, err := db.GetTask(ctx, task.Token)
		if err != nil {
			return err
		}
		if stored.Final() {
			return fmt.Errorf("%w: task %s", syncerr.ErrTaskFinal, task.Token)
		}
		return syncerr.BadRequest("task %s progress %d is behind stored %d", task.Token, task.Completion, stored.Completion)
	}

	db.publish(taskChange(task, OpUpdate))
	return nil
}

// MarkTaskSeen sets the seen flag, which remains writable after the task
// is finished.
func (db *DB) MarkTaskSeen(ctx context.Context, token string, seen bool) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE tasks SET seen = ? WHERE token = ?`, seen, token)
	if err != nil {
		return fmt.Errorf("failed to mark task %s seen: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark task %s seen: %w", token, err)
	}
	if n == 0 {
		return syncerr.NotFound("task %s", token)
	}
	return nil
}

// GetTask retrieves a task by token.
func (db *DB) GetTask(ctx context.Context, token string) (*schema.Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE token = ?`, token)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("task %s", token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", token, err)
	}
	return task, nil
}

// TaskFilter configures ListTasks.
type TaskFilter struct {
	// UserID filters by owner (0 = all)
	UserID int64
	// Action filters by action (empty = all)
	Action schema.TaskAction
	// Since only returns tasks created at or after this time (zero = all)
	Since time.Time
	// Unseen only returns tasks not yet acknowledged
	Unseen bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListTasks returns tasks matching the filter, newest first.
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if filter.UserID != 0 {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "ctime >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Unseen {
		conditions = append(conditions, "seen = 0")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ctime DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(s scanner) (*schema.Task, error) {
	var task schema.Task
	var userID sql.NullInt64
	err := s.Scan(
		&task.ID,
		&task.Action,
		&task.Token,
		jsonColumn(&task.Options),
		jsonColumn(&task.Details),
		&task.Completion,
		&task.Failed,
		&userID,
		nullTimeColumn(&task.ETime),
		&task.Seen,
		timeColumn(&task.CTime),
		timeColumn(&task.MTime),
	)
	if err != nil {
		return nil, err
	}
	task.UserID = userID.Int64
	return &task, nil
}

func taskChange(task *schema.Task, op Op) Change {
	c := Change{Table: "tasks", ID: task.ID, Op: op}
	if task.UserID != 0 {
		c.UserIDs = []int64{task.UserID}
	}
	return c
}
