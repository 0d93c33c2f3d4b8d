package primary

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"photoflow/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// StoreImpl implements store.TaskStore and store.CreditLedger using PostgreSQL.
type StoreImpl struct {
	db *pgxpool.Pool
}

// NewPrimaryStore creates a new PostgreSQL primary store implementation.
func NewPrimaryStore(ctx context.Context, dsn string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{db: dbpool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() {
	s.db.Close()
}

// --- Helper Functions ---

const taskColumns = `id, type, state, status, retry_count, retry_after, params, result, error, last_error,
	prompt, credits_consumed, owner_id, created_at, updated_at, completed_at`

// scanTask scans a single row into a models.Task.
// It expects the columns in the order of taskColumns.
func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var typ, state, status string
	err := row.Scan(
		&t.ID,
		&typ,
		&state,
		&status,
		&t.RetryCount,
		&t.RetryAfter,
		&t.Params,
		&t.Result,
		&t.Error,
		&t.LastError,
		&t.Prompt,
		&t.CreditsConsumed,
		&t.OwnerID,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.JobType(typ)
	t.State = models.TaskState(state)
	t.Status = models.TaskStatus(status)
	return &t, nil
}
