package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5" // Import pgx
	"photoflow/internal/models"
)

// Debit subtracts amount from the owner's balance and records a ledger row.
// Returns false without writing anything when the balance is short.
func (s *StoreImpl) Debit(ctx context.Context, ownerID string, amount int, reason string, taskID *uuid.UUID) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin debit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	cmdTag, err := tx.Exec(ctx,
		`UPDATE credit_balances SET balance = balance - $2, updated_at = $3 WHERE owner_id = $1 AND balance >= $2`,
		ownerID, amount, now)
	if err != nil {
		return false, fmt.Errorf("failed to debit owner %s: %w", ownerID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEntry(ctx, tx, ownerID, -amount, models.CreditKindDebit, reason, taskID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit debit: %w", err)
	}
	return true, nil
}

// Refund credits the owner once per task. The partial unique index on
// credit_ledger(task_id) WHERE kind='refund' is the idempotency gate.
func (s *StoreImpl) Refund(ctx context.Context, ownerID string, amount int, reason string, taskID uuid.UUID) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin refund transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var entryID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (owner_id, amount, kind, reason, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) WHERE kind = 'refund' DO NOTHING
		RETURNING id`,
		ownerID, amount, models.CreditKindRefund, reason, taskID, now,
	).Scan(&entryID)
	if err != nil {
		// ON CONFLICT DO NOTHING returns no row when the refund already exists.
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record refund for task %s: %w", taskID, err)
	}
	if err := addBalance(ctx, tx, ownerID, amount, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit refund: %w", err)
	}
	return true, nil
}

// Grant adds credits to an owner outside any task.
func (s *StoreImpl) Grant(ctx context.Context, ownerID string, amount int, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin grant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if err := addBalance(ctx, tx, ownerID, amount, now); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, ownerID, amount, models.CreditKindGrant, reason, nil, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HasRefund reports whether a refund row exists for the task.
func (s *StoreImpl) HasRefund(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE task_id = $1 AND kind = 'refund')`, taskID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check refund for task %s: %w", taskID, err)
	}
	return exists, nil
}

// Balance returns the owner's current balance; unknown owners have zero.
func (s *StoreImpl) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := s.db.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE owner_id = $1`, ownerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance for %s: %w", ownerID, err)
	}
	return balance, nil
}

// ListEntries returns ledger rows for an owner, newest first.
func (s *StoreImpl) ListEntries(ctx context.Context, ownerID string, limit, offset int) ([]*models.CreditEntry, error) {
	query := `
		SELECT id, owner_id, amount, kind, reason, task_id, created_at
		FROM credit_ledger
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit_ledger: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows[*models.CreditEntry](rows, func(row pgx.CollectableRow) (*models.CreditEntry, error) {
		var e models.CreditEntry
		if err := row.Scan(&e.ID, &e.OwnerID, &e.Amount, &e.Kind, &e.Reason, &e.TaskID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit entry: %w", err)
		}
		return &e, nil
	})
	return entries, err
}

func addBalance(ctx context.Context, tx pgx.Tx, ownerID string, amount int, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_balances (owner_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		ownerID, amount, now)
	if err != nil {
		return fmt.Errorf("failed to credit owner %s: %w", ownerID, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, ownerID string, amount int, kind, reason string, taskID *uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (owner_id, amount, kind, reason, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ownerID, amount, kind, reason, taskID, now)
	if err != nil {
		return fmt.Errorf("failed to insert credit_ledger entry: %w", err)
	}
	return nil
}
