package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is one user-submitted generation job tracked through the state machine.
type Task struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Type            JobType         `db:"type" json:"type"`
	State           TaskState       `db:"state" json:"state"`
	Status          TaskStatus      `db:"status" json:"status"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	RetryAfter      *time.Time      `db:"retry_after" json:"retry_after,omitempty"`
	Params          json.RawMessage `db:"params" json:"params"`
	Result          json.RawMessage `db:"result" json:"result,omitempty"`
	Error           *string         `db:"error" json:"error,omitempty"`
	LastError       *string         `db:"last_error" json:"last_error,omitempty"`
	Prompt          string          `db:"prompt" json:"prompt,omitempty"`
	CreditsConsumed int             `db:"credits_consumed" json:"credits_consumed"`
	OwnerID         string          `db:"owner_id" json:"owner_id"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Params = cloneRaw(t.Params)
	c.Result = cloneRaw(t.Result)
	if t.RetryAfter != nil {
		v := *t.RetryAfter
		c.RetryAfter = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Error != nil {
		v := *t.Error
		c.Error = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// TaskParams is the job input payload. Fields are used per job type:
// photography reads Style/Description/ImageURLs, fitting reads
// GarmentURL/PersonURL, avatar reads ImageURLs/Style.
type TaskParams struct {
	Style       string   `json:"style,omitempty"`
	Description string   `json:"description,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	GarmentURL  string   `json:"garment_url,omitempty"`
	PersonURL   string   `json:"person_url,omitempty"`
	Size        string   `json:"size,omitempty"`
}

// InputURLs returns every source image URL the job needs downloaded.
func (p TaskParams) InputURLs() []string {
	var urls []string
	if p.PersonURL != "" {
		urls = append(urls, p.PersonURL)
	}
	if p.GarmentURL != "" {
		urls = append(urls, p.GarmentURL)
	}
	return append(urls, p.ImageURLs...)
}

// ParseParams decodes the task's params payload.
func (t *Task) ParseParams() (TaskParams, error) {
	var p TaskParams
	if len(t.Params) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Params, &p)
	return p, err
}

// Artifact describes one persisted image.
type Artifact struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// InferenceImage is one image returned by an inference provider, inline or by URL.
type InferenceImage struct {
	Data        []byte `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// InferenceOutcome is the result (or error) of one inference call.
// Pending is set by providers that accepted the job and will call back later.
type InferenceOutcome struct {
	Success   bool             `json:"success"`
	Pending   bool             `json:"pending,omitempty"`
	Images    []InferenceImage `json:"images,omitempty"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timeout   bool             `json:"timeout,omitempty"`
}

// CreditEntry mirrors the credit_ledger table schema.
type CreditEntry struct {
	ID        int64      `db:"id" json:"id"`
	OwnerID   string     `db:"owner_id" json:"owner_id"`
	Amount    int        `db:"amount" json:"amount"`
	Kind      string     `db:"kind" json:"kind"`
	Reason    string     `db:"reason" json:"reason"`
	TaskID    *uuid.UUID `db:"task_id" json:"task_id,omitempty"` // nullable UUID
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Stats counts tasks grouped by state and by status.
type Stats struct {
	Total    int                `json:"total"`
	ByState  map[TaskState]int  `json:"by_state"`
	ByStatus map[TaskStatus]int `json:"by_status"`
}

// NewStats returns Stats with every known state and status zeroed.
func NewStats() Stats {
	s := Stats{ByState: make(map[TaskState]int), ByStatus: make(map[TaskStatus]int)}
	for _, st := range AllStates {
		s.ByState[st] = 0
	}
	for _, st := range AllStatuses {
		s.ByStatus[st] = 0
	}
	return s
}
