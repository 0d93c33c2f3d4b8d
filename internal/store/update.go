package store

import (
	"sort"
	"time"

	"photoflow/internal/models"
)

// Applicable reports whether u may be applied to t under the
// compare-and-set rules shared by every TaskStore implementation.
func (u TaskUpdate) Applicable(t *models.Task) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if len(u.ExpectStates) == 0 {
		return true
	}
	for _, s := range u.ExpectStates {
		if t.State == s {
			return true
		}
	}
	return false
}

// ApplyTo writes the non-nil fields of u onto t and bumps UpdatedAt.
func (u TaskUpdate) ApplyTo(t *models.Task, now time.Time) {
	if u.State != nil {
		t.State = *u.State
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.RetryCount != nil {
		t.RetryCount = *u.RetryCount
	}
	if u.ClearRetry {
		t.RetryAfter = nil
	}
	if u.RetryAfter != nil {
		v := *u.RetryAfter
		t.RetryAfter = &v
	}
	if u.Result != nil {
		t.Result = append([]byte(nil), u.Result...)
	}
	if u.Error != nil {
		v := *u.Error
		t.Error = &v
	}
	if u.LastError != nil {
		v := *u.LastError
		t.LastError = &v
	}
	if u.Prompt != nil {
		t.Prompt = *u.Prompt
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		t.CompletedAt = &v
	}
	t.UpdatedAt = now
}

// Matches reports whether t passes the filter, ignoring limit and offset.
func (f TaskFilter) Matches(t *models.Task) bool {
	if len(f.States) > 0 && !containsState(f.States, t.State) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.EligibleBy != nil && t.RetryAfter != nil && t.RetryAfter.After(*f.EligibleBy) {
		return false
	}
	return true
}

// SortTasks orders tasks in place according to order.
func SortTasks(tasks []*models.Task, order TaskOrder) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if order == OrderNewestFirst {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RetryCount < b.RetryCount
	})
}

func containsState(states []models.TaskState, s models.TaskState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.TaskStatus, s models.TaskStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
