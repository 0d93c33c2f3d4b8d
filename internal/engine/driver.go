package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CycleResult is the outcome of one handler invocation.
type CycleResult struct {
	TaskID  uuid.UUID        `json:"task_id"`
	State   models.TaskState `json:"state"`
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
}

// CycleSummary reports what a poll cycle did.
type CycleSummary struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Results   []CycleResult `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// Failed counts unsuccessful results.
func (s CycleSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// RunCycle performs one poll: for each processing state in pipeline order it
// loads up to BatchSize tasks, oldest first, and runs the state's handler on
// each. A task is advanced at most one step per cycle. Handler errors are
// routed through HandleFailure and never abort the cycle.
func (e *Engine) RunCycle(ctx context.Context) CycleSummary {
	start := time.Now()
	summary := CycleSummary{Results: []CycleResult{}}
	seen := make(map[uuid.UUID]struct{})

	for _, state := range models.ProcessingStates {
		if ctx.Err() != nil {
			break
		}
		filter := store.TaskFilter{
			States: []models.TaskState{state},
			Statuses: []models.TaskStatus{
				models.StatusPending,
				models.StatusProcessing,
			},
			Limit: e.opts.BatchSize,
			Order: store.OrderOldestFirst,
		}
		if state == models.StatePending {
			now := e.now()
			filter.EligibleBy = &now
		}
		batch, err := e.tasks.FindTasks(ctx, filter)
		if err != nil {
			log.Errorf("Failed to load %s tasks: %v", state, err)
			summary.Results = append(summary.Results, CycleResult{State: state, Error: err.Error()})
			continue
		}
		for _, task := range batch {
			if _, done := seen[task.ID]; done {
				continue
			}
			seen[task.ID] = struct{}{}
			res, skipped := e.runHandler(ctx, state, task)
			if skipped {
				summary.Skipped++
				continue
			}
			summary.Processed++
			summary.Results = append(summary.Results, res)
		}
	}

	summary.Duration = time.Since(start)
	if summary.Processed > 0 {
		log.Infof("Cycle processed %d tasks (%d failed, %d skipped) in %s",
			summary.Processed, summary.Failed(), summary.Skipped, summary.Duration)
	}
	return summary
}

func (e *Engine) runHandler(ctx context.Context, state models.TaskState, task *models.Task) (res CycleResult, skipped bool) {
	res = CycleResult{TaskID: task.ID, State: state}
	h, ok := e.handlerFor(state)
	if !ok {
		res.Error = fmt.Sprintf("no handler for state %s", state)
		return res, false
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &models.TransientError{TaskID: task.ID, State: state, Op: "handler", Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		return h.Handle(ctx, task)
	}()

	if errors.Is(err, ErrNotEligible) {
		return res, true
	}
	if err != nil {
		res.Error = err.Error()
		if ferr := e.HandleFailure(ctx, task, err); ferr != nil {
			log.WithField("task_id", task.ID).Errorf("Failed to record handler failure: %v", ferr)
		}
		return res, false
	}
	res.Success = true
	return res, false
}

// GetStats counts tasks by state and by status.
func (e *Engine) GetStats(ctx context.Context) (models.Stats, error) {
	return e.tasks.CountTasks(ctx)
}

// Cancel moves a non-terminal task to cancelled and refunds it. It reports
// false when the task was already terminal.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		return false, err
	}
	if task.IsTerminal() {
		return false, nil
	}
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	now := e.now()
	upd := store.TaskUpdate{Error: &msg, CompletedAt: &now, ClearRetry: true}.Transition(models.StateCancelled)
	applied, err := e.tasks.UpdateTask(ctx, id, upd)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if !applied {
		return false, nil
	}
	e.abortDispatch(id)
	log.WithField("task_id", id).Infof("Task cancelled in state %s", task.State)
	e.RefundIfNeeded(ctx, task, models.RefundReasonCancelled)
	return true, nil
}

// Cleanup deletes terminal tasks last updated before the retention window.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := e.now().Add(-retention)
	deleted := 0
	for {
		batch, err := e.tasks.FindTasks(ctx, store.TaskFilter{
			Statuses:      models.TerminalStatuses,
			UpdatedBefore: &cutoff,
			Limit:         500,
			Order:         store.OrderOldestFirst,
		})
		if err != nil {
			return deleted, fmt.Errorf("find expired tasks: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, t := range batch {
			if err := e.tasks.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return deleted, fmt.Errorf("delete task %s: %w", t.ID, err)
			}
			deleted++
		}
		if len(batch) < 500 {
			break
		}
	}
	if deleted > 0 {
		log.Infof("Cleanup removed %d terminal tasks older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
