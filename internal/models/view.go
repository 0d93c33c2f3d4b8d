package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskView is the public JSON shape of a task. Retry bookkeeping and the
// internal pipeline state are not exposed.
type TaskView struct {
	ID              uuid.UUID       `json:"id"`
	Type            JobType         `json:"type"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreditsConsumed int             `json:"credits_consumed"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// View returns the public view of t.
func (t *Task) View() TaskView {
	v := TaskView{
		ID:              t.ID,
		Type:            t.Type,
		Status:          t.Status,
		Result:          t.Result,
		CreditsConsumed: t.CreditsConsumed,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		CompletedAt:     t.CompletedAt,
	}
	if t.Error != nil {
		v.Error = *t.Error
	}
	return v
}
