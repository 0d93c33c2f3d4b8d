package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
)

func (s *Store) Debit(ctx context.Context, ownerID string, amount int, reason string, taskID *uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = balance - ?, updated_at = ? WHERE owner_id = ? AND balance >= ?`,
		amount, now, ownerID, amount)
	if err != nil {
		return false, fmt.Errorf("debit owner %s: %w", ownerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := insertEntry(ctx, tx, ownerID, -amount, models.CreditKindDebit, reason, taskID, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) Refund(ctx context.Context, ownerID string, amount int, reason string, taskID uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (owner_id, amount, kind, reason, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) WHERE kind = 'refund' DO NOTHING`,
		ownerID, amount, models.CreditKindRefund, reason, taskID.String(), now)
	if err != nil {
		return false, fmt.Errorf("record refund for task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := addBalance(ctx, tx, ownerID, amount, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) Grant(ctx context.Context, ownerID string, amount int, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := addBalance(ctx, tx, ownerID, amount, now); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, ownerID, amount, models.CreditKindGrant, reason, nil, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) HasRefund(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credit_ledger WHERE task_id = ? AND kind = 'refund'`, taskID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check refund for task %s: %w", taskID, err)
	}
	return n > 0, nil
}

func (s *Store) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE owner_id = ?`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for %s: %w", ownerID, err)
	}
	return balance, nil
}

func (s *Store) ListEntries(ctx context.Context, ownerID string, limit, offset int) ([]*models.CreditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, amount, kind, reason, task_id, created_at
		FROM credit_ledger WHERE owner_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query credit_ledger: %w", err)
	}
	defer rows.Close()

	var entries []*models.CreditEntry
	for rows.Next() {
		var e models.CreditEntry
		var taskID sql.NullString
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Amount, &e.Kind, &e.Reason, &taskID, &e.CreatedAt); err != nil {
			return entries, fmt.Errorf("scan credit entry: %w", err)
		}
		if taskID.Valid {
			id, err := uuid.Parse(taskID.String)
			if err != nil {
				return entries, fmt.Errorf("parse ledger task id %q: %w", taskID.String, err)
			}
			e.TaskID = &id
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func addBalance(ctx context.Context, tx *sql.Tx, ownerID string, amount int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (owner_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		ownerID, amount, now)
	if err != nil {
		return fmt.Errorf("credit owner %s: %w", ownerID, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, ownerID string, amount int, kind, reason string, taskID *uuid.UUID, now time.Time) error {
	var tid sql.NullString
	if taskID != nil {
		tid = sql.NullString{String: taskID.String(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (owner_id, amount, kind, reason, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, ownerID, amount, kind, reason, tid, now)
	if err != nil {
		return fmt.Errorf("insert credit_ledger entry: %w", err)
	}
	return nil
}

var _ store.CreditLedger = (*Store)(nil)
