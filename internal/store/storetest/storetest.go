// Package storetest holds behaviour tests shared by every TaskStore and
// CreditLedger implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is the combined interface under test.
type Store interface {
	store.TaskStore
	store.CreditLedger
}

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) Store

func newTask(owner string, created time.Time) *models.Task {
	return &models.Task{
		ID:              uuid.New(),
		Type:            models.JobTypePhotography,
		State:           models.StatePending,
		Status:          models.StatusPending,
		Params:          json.RawMessage(`{"style":"studio"}`),
		CreditsConsumed: 5,
		OwnerID:         owner,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// Run executes the whole suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("InsertGetDelete", func(t *testing.T) { testInsertGetDelete(t, factory(t)) })
	t.Run("UpdateCAS", func(t *testing.T) { testUpdateCAS(t, factory(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, factory(t)) })
	t.Run("FindTasks", func(t *testing.T) { testFindTasks(t, factory(t)) })
	t.Run("CountTasks", func(t *testing.T) { testCountTasks(t, factory(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, factory(t)) })
}

func testInsertGetDelete(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("o", time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, s.InsertTask(ctx, task))
	assert.ErrorIs(t, s.InsertTask(ctx, task), store.ErrDuplicate)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.JSONEq(t, `{"style":"studio"}`, string(got.Params))
	assert.Equal(t, 5, got.CreditsConsumed)
	assert.Nil(t, got.RetryAfter)

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.ErrorIs(t, s.DeleteTask(ctx, task.ID), store.ErrNotFound)
}

func testUpdateCAS(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("o", time.Now().UTC())
	require.NoError(t, s.InsertTask(ctx, task))

	retry := 1
	after := time.Now().UTC().Add(10 * time.Second).Truncate(time.Millisecond)
	msg := "boom"
	applied, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &retry, RetryAfter: &after, LastError: &msg}.Expect(models.StatePending))
	require.NoError(t, err)
	assert.True(t, applied)

	got, _ := s.GetTask(ctx, task.ID)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAfter)
	assert.WithinDuration(t, after, *got.RetryAfter, time.Millisecond)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	// Stale expectation.
	applied, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{}.Transition(models.StateDownloaded).Expect(models.StateDownloading))
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{ClearRetry: true}.Transition(models.StateDownloading))
	require.NoError(t, err)
	assert.True(t, applied)
	got, _ = s.GetTask(ctx, task.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Nil(t, got.RetryAfter)

	result := json.RawMessage(`{"images":[]}`)
	now := time.Now().UTC()
	applied, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{Result: result, CompletedAt: &now}.Transition(models.StateCompleted))
	require.NoError(t, err)
	assert.True(t, applied)

	// Terminal tasks never change again.
	applied, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{}.Transition(models.StateFailed))
	require.NoError(t, err)
	assert.False(t, applied)
	got, _ = s.GetTask(ctx, task.ID)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.UpdateTask(ctx, uuid.New(), store.TaskUpdate{}.Transition(models.StateFailed))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentCAS(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("o", time.Now().UTC())
	require.NoError(t, s.InsertTask(ctx, task))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{}.Transition(models.StateDownloading).Expect(models.StatePending))
			if err == nil && applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testFindTasks(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		task := newTask("a", base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			task.OwnerID = "b"
		}
		require.NoError(t, s.InsertTask(ctx, task))
		ids = append(ids, task.ID)
	}
	future := time.Now().UTC().Add(time.Hour)
	applied, err := s.UpdateTask(ctx, ids[0], store.TaskUpdate{RetryAfter: &future})
	require.NoError(t, err)
	require.True(t, applied)

	all, err := s.FindTasks(ctx, store.TaskFilter{States: []models.TaskState{models.StatePending}})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[0], all[0].ID, "oldest first by default")

	now := time.Now().UTC()
	eligible, err := s.FindTasks(ctx, store.TaskFilter{States: []models.TaskState{models.StatePending}, EligibleBy: &now, Limit: 2})
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, ids[1], eligible[0].ID)

	owned, err := s.FindTasks(ctx, store.TaskFilter{OwnerID: "a", Order: store.OrderNewestFirst})
	require.NoError(t, err)
	require.Len(t, owned, 3)
	assert.Equal(t, ids[2], owned[0].ID)

	page, err := s.FindTasks(ctx, store.TaskFilter{Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	none, err := s.FindTasks(ctx, store.TaskFilter{Statuses: models.TerminalStatuses})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCountTasks(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertTask(ctx, newTask("o", time.Now().UTC())))
	}
	stats, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByState[models.StatePending])
	assert.Equal(t, 0, stats.ByStatus[models.StatusCompleted])
}

func testLedger(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Grant(ctx, "o", 10, "welcome"))

	taskID := uuid.New()
	ok, err := s.Debit(ctx, "o", 8, "photography", &taskID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Debit(ctx, "o", 8, "photography", nil)
	require.NoError(t, err)
	assert.False(t, ok, "debit beyond balance")

	ok, err = s.Refund(ctx, "o", 8, models.RefundReasonMaxRetries, taskID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Refund(ctx, "o", 8, models.RefundReasonMaxRetries, taskID)
	require.NoError(t, err)
	assert.False(t, ok, "refund is idempotent per task")

	refunded, err := s.HasRefund(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, refunded)

	balance, err := s.Balance(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	entries, err := s.ListEntries(ctx, "o", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.CreditKindRefund, entries[0].Kind)
	assert.Equal(t, -8, entries[1].Amount)
	require.NotNil(t, entries[0].TaskID)
	assert.Equal(t, taskID, *entries[0].TaskID)

	balance, err = s.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}
