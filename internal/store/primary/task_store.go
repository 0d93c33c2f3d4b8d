package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// --- Task Store Implementation ---

// InsertTask inserts a new task row.
func (s *StoreImpl) InsertTask(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (id, type, state, status, retry_count, retry_after, params, result, error, last_error,
		                   prompt, credits_consumed, owner_id, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	params := string(task.Params)
	if params == "" {
		params = "{}" // Default to empty JSON object if params are nil
	}
	var result *string
	if task.Result != nil {
		r := string(task.Result)
		result = &r
	}

	_, err := s.db.Exec(ctx, query,
		task.ID, string(task.Type), string(task.State), string(task.Status), task.RetryCount, task.RetryAfter,
		params, result, task.Error, task.LastError, task.Prompt, task.CreditsConsumed, task.OwnerID,
		task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("task %s already exists: %w", task.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *StoreImpl) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// FindTasks lists tasks matching the filter.
func (s *StoreImpl) FindTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	query, args := filter.BuildFindSQL(taskColumns, store.DollarPlaceholder)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return tasks, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return tasks, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies a conditional single-row update. A zero row count means
// either the task does not exist or the guard rejected the write; the two are
// told apart with a follow-up existence check.
func (s *StoreImpl) UpdateTask(ctx context.Context, id uuid.UUID, update store.TaskUpdate) (bool, error) {
	query, args := update.BuildUpdateSQL(id, time.Now().UTC(), store.DollarPlaceholder)
	cmdTag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if cmdTag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	log.Debugf("Update of task %s skipped by state guard", id)
	return false, nil
}

// DeleteTask removes a task row.
func (s *StoreImpl) DeleteTask(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountTasks groups tasks by state and status.
func (s *StoreImpl) CountTasks(ctx context.Context) (models.Stats, error) {
	stats := models.NewStats()
	rows, err := s.db.Query(ctx, `SELECT state, status, COUNT(*) FROM tasks GROUP BY state, status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state, status string
		var n int
		if err := rows.Scan(&state, &status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan task count: %w", err)
		}
		stats.Total += n
		stats.ByState[models.TaskState(state)] += n
		stats.ByStatus[models.TaskStatus(status)] += n
	}
	return stats, rows.Err()
}

// Ensure StoreImpl satisfies the TaskStore interface
var _ store.TaskStore = (*StoreImpl)(nil)
