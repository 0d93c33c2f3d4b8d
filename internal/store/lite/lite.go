// Package lite implements the task store and credit ledger on SQLite for
// single-node deployments.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	type             TEXT     NOT NULL,
	state            TEXT     NOT NULL,
	status           TEXT     NOT NULL,
	retry_count      INTEGER  NOT NULL DEFAULT 0,
	retry_after      DATETIME,
	params           TEXT     NOT NULL DEFAULT '{}',
	result           TEXT,
	error            TEXT,
	last_error       TEXT,
	prompt           TEXT     NOT NULL DEFAULT '',
	credits_consumed INTEGER  NOT NULL DEFAULT 0,
	owner_id         TEXT     NOT NULL,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_state_status_created ON tasks (state, status, created_at, retry_count);
CREATE TABLE IF NOT EXISTS credit_balances (
	owner_id   TEXT PRIMARY KEY,
	balance    INTEGER  NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_ledger (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id   TEXT     NOT NULL,
	amount     INTEGER  NOT NULL,
	kind       TEXT     NOT NULL,
	reason     TEXT     NOT NULL DEFAULT '',
	task_id    TEXT,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_credit_ledger_refund_task ON credit_ledger (task_id) WHERE kind = 'refund';
`

const taskColumns = `id, type, state, status, retry_count, retry_after, params, result, error, last_error,
	prompt, credits_consumed, owner_id, created_at, updated_at, completed_at`

// Store is a SQLite-backed TaskStore and CreditLedger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
// ":memory:" is accepted; the pool is pinned to one connection so every
// caller sees the same in-memory database.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN cannot be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) InsertTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	params := string(task.Params)
	if params == "" {
		params = "{}"
	}
	var result sql.NullString
	if task.Result != nil {
		result = sql.NullString{String: string(task.Result), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), string(task.Type), string(task.State), string(task.Status), task.RetryCount,
		utcPtr(task.RetryAfter), params, result, task.Error, task.LastError, task.Prompt,
		task.CreditsConsumed, task.OwnerID, task.CreatedAt.UTC(), task.UpdatedAt.UTC(), utcPtr(task.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("task %s already exists: %w", task.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *Store) FindTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	if filter.UpdatedBefore != nil {
		t := filter.UpdatedBefore.UTC()
		filter.UpdatedBefore = &t
	}
	if filter.EligibleBy != nil {
		t := filter.EligibleBy.UTC()
		filter.EligibleBy = &t
	}
	query, args := filter.BuildFindSQL(taskColumns, store.QuestionPlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return tasks, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, update store.TaskUpdate) (bool, error) {
	if update.RetryAfter != nil {
		t := update.RetryAfter.UTC()
		update.RetryAfter = &t
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		update.CompletedAt = &t
	}
	query, args := update.BuildUpdateSQL(id, time.Now().UTC(), store.QuestionPlaceholder)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check task %s: %w", id, err)
	}
	if exists == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountTasks(ctx context.Context) (models.Stats, error) {
	stats := models.NewStats()
	rows, err := s.db.QueryContext(ctx, `SELECT state, status, COUNT(*) FROM tasks GROUP BY state, status`)
	if err != nil {
		return stats, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state, status string
		var n int
		if err := rows.Scan(&state, &status, &n); err != nil {
			return stats, fmt.Errorf("scan task count: %w", err)
		}
		stats.Total += n
		stats.ByState[models.TaskState(state)] += n
		stats.ByStatus[models.TaskStatus(status)] += n
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t                    models.Task
		id, typ, st, status  string
		retryAfter, complete sql.NullTime
		params               string
		result, errMsg, last sql.NullString
	)
	err := row.Scan(&id, &typ, &st, &status, &t.RetryCount, &retryAfter, &params, &result, &errMsg, &last,
		&t.Prompt, &t.CreditsConsumed, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt, &complete)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", id, err)
	}
	t.ID = parsed
	t.Type = models.JobType(typ)
	t.State = models.TaskState(st)
	t.Status = models.TaskStatus(status)
	t.Params = []byte(params)
	if retryAfter.Valid {
		v := retryAfter.Time
		t.RetryAfter = &v
	}
	if complete.Valid {
		v := complete.Time
		t.CompletedAt = &v
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		t.Error = &v
	}
	if last.Valid {
		v := last.String
		t.LastError = &v
	}
	return &t, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var _ store.TaskStore = (*Store)(nil)
