// Package memory provides an in-process TaskStore and CreditLedger for
// single-node development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
)

// Store keeps tasks and the credit ledger in maps guarded by one mutex, so
// every UpdateTask is an atomic compare-and-set.
type Store struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.Task
	balances map[string]int
	entries  []*models.CreditEntry
	refunds  map[uuid.UUID]bool
	nextID   int64
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*models.Task),
		balances: make(map[string]int),
		refunds:  make(map[uuid.UUID]bool),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) InsertTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrDuplicate)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) FindTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	s.mu.Lock()
	var out []*models.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()

	store.SortTasks(out, filter.Order)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, update store.TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !update.Applicable(t) {
		return false, nil
	}
	update.ApplyTo(t, s.now())
	return true, nil
}

func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) CountTasks(ctx context.Context) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.NewStats()
	for _, t := range s.tasks {
		stats.Total++
		stats.ByState[t.State]++
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

// --- Credit Ledger ---

func (s *Store) Debit(ctx context.Context, ownerID string, amount int, reason string, taskID *uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[ownerID] < amount {
		return false, nil
	}
	s.balances[ownerID] -= amount
	s.appendEntry(ownerID, -amount, models.CreditKindDebit, reason, taskID)
	return true, nil
}

func (s *Store) Refund(ctx context.Context, ownerID string, amount int, reason string, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refunds[taskID] {
		return false, nil
	}
	s.refunds[taskID] = true
	s.balances[ownerID] += amount
	id := taskID
	s.appendEntry(ownerID, amount, models.CreditKindRefund, reason, &id)
	return true, nil
}

func (s *Store) Grant(ctx context.Context, ownerID string, amount int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[ownerID] += amount
	s.appendEntry(ownerID, amount, models.CreditKindGrant, reason, nil)
	return nil
}

func (s *Store) HasRefund(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[taskID], nil
}

func (s *Store) Balance(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[ownerID], nil
}

// ListEntries returns the owner's ledger newest first.
func (s *Store) ListEntries(ctx context.Context, ownerID string, limit, offset int) ([]*models.CreditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if ownerID != "" && e.OwnerID != ownerID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) appendEntry(ownerID string, amount int, kind, reason string, taskID *uuid.UUID) {
	s.nextID++
	s.entries = append(s.entries, &models.CreditEntry{
		ID:        s.nextID,
		OwnerID:   ownerID,
		Amount:    amount,
		Kind:      kind,
		Reason:    reason,
		TaskID:    taskID,
		CreatedAt: s.now(),
	})
}

var (
	_ store.TaskStore    = (*Store)(nil)
	_ store.CreditLedger = (*Store)(nil)
)
