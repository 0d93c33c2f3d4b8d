package engine

import (
	"context"
	"fmt"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// Backoff returns the delay before retry number retryCount (1-based):
// base·2^(retryCount-1).
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 30 {
		retryCount = 30
	}
	return base * time.Duration(1<<uint(retryCount-1))
}

// Backoff returns the engine's delay before retry number retryCount.
func (e *Engine) Backoff(retryCount int) time.Duration {
	return Backoff(e.opts.BaseDelay, retryCount)
}

// HandleFailure records a handler failure. Below the retry limit the task is
// reset to pending with a backoff gate; at the limit, or for a TerminalError,
// it is marked failed and its credits refunded. The update is conditional on
// the task still being in the state it failed from, so a failure never
// overwrites a concurrent transition.
func (e *Engine) HandleFailure(ctx context.Context, task *models.Task, cause error) error {
	msg := cause.Error()
	now := e.now()
	next := task.RetryCount + 1
	terminal := models.IsTerminalError(cause)
	logger := log.WithFields(log.Fields{
		"task_id": task.ID,
		"state":   task.State,
		"retry":   next,
	})

	if terminal || next >= e.opts.MaxRetries {
		retries := next
		reason := models.RefundReasonMaxRetries
		if terminal {
			retries = task.RetryCount
			reason = models.RefundReasonTerminalError
		}
		upd := store.TaskUpdate{
			RetryCount:  &retries,
			Error:       &msg,
			LastError:   &msg,
			CompletedAt: &now,
			ClearRetry:  true,
		}.Transition(models.StateFailed).Expect(task.State)
		applied, err := e.tasks.UpdateTask(ctx, task.ID, upd)
		if err != nil {
			return fmt.Errorf("mark task %s failed: %w", task.ID, err)
		}
		if !applied {
			logger.Debug("Task moved before failure could be recorded, leaving it alone")
			return nil
		}
		logger.Warnf("Task failed (%s): %s", reason, msg)
		e.RefundIfNeeded(ctx, task, reason)
		return nil
	}

	retryAt := now.Add(e.Backoff(next))
	upd := store.TaskUpdate{
		RetryCount: &next,
		RetryAfter: &retryAt,
		LastError:  &msg,
	}.Transition(models.StatePending).Expect(task.State)
	applied, err := e.tasks.UpdateTask(ctx, task.ID, upd)
	if err != nil {
		return fmt.Errorf("schedule retry for task %s: %w", task.ID, err)
	}
	if !applied {
		logger.Debug("Task moved before retry could be scheduled, leaving it alone")
		return nil
	}
	logger.Infof("Task will retry after %s: %s", retryAt.Format(time.RFC3339), msg)
	return nil
}

// RefundIfNeeded returns the task's consumed credits to its owner unless a
// refund was already recorded. Errors are logged and swallowed so a failed
// compensation never masks the failure that triggered it.
func (e *Engine) RefundIfNeeded(ctx context.Context, task *models.Task, reason string) bool {
	if task.CreditsConsumed <= 0 || task.OwnerID == "" {
		return false
	}
	logger := log.WithFields(log.Fields{"task_id": task.ID, "owner_id": task.OwnerID})
	has, err := e.ledger.HasRefund(ctx, task.ID)
	if err != nil {
		logger.Errorf("Failed to check refund state: %v", err)
		return false
	}
	if has {
		return false
	}
	ok, err := e.ledger.Refund(ctx, task.OwnerID, task.CreditsConsumed, reason, task.ID)
	if err != nil {
		logger.Errorf("Failed to refund %d credits: %v", task.CreditsConsumed, err)
		return false
	}
	if ok {
		logger.Infof("Refunded %d credits (%s)", task.CreditsConsumed, reason)
	}
	return ok
}
