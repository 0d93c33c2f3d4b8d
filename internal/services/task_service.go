package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskCanceller cancels a running task and refunds it.
type TaskCanceller interface {
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

// TaskCache holds snapshots of terminal tasks.
type TaskCache interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Task, bool)
	Put(ctx context.Context, task *models.Task)
}

// SubmitParams is a new generation request.
type SubmitParams struct {
	Type    models.JobType    `json:"type"`
	OwnerID string            `json:"owner_id"`
	Params  models.TaskParams `json:"params"`
}

// ListParams narrows List.
type ListParams struct {
	OwnerID string
	Status  models.TaskStatus
	Limit   int
	Offset  int
}

// TaskService handles task submission and lookup.
type TaskService struct {
	tasks    store.TaskStore
	credits  *CreditService
	canceler TaskCanceller
	cache    TaskCache
}

// NewTaskService creates a TaskService. cache may be nil.
func NewTaskService(tasks store.TaskStore, credits *CreditService, canceler TaskCanceller, cache TaskCache) *TaskService {
	return &TaskService{tasks: tasks, credits: credits, canceler: canceler, cache: cache}
}

// ValidateParams checks the fields each job type requires.
func ValidateParams(jobType models.JobType, p models.TaskParams) error {
	if !jobType.Valid() {
		return fmt.Errorf("unknown job type %q: %w", jobType, models.ErrValidation)
	}
	switch jobType {
	case models.JobTypePhotography:
		if strings.TrimSpace(p.Style) == "" {
			return fmt.Errorf("photography requires style: %w", models.ErrValidation)
		}
	case models.JobTypeFitting:
		if p.GarmentURL == "" || p.PersonURL == "" {
			return fmt.Errorf("fitting requires garment_url and person_url: %w", models.ErrValidation)
		}
	case models.JobTypeAvatar:
		if len(p.ImageURLs) == 0 {
			return fmt.Errorf("avatar requires at least one image_url: %w", models.ErrValidation)
		}
	}
	for _, u := range p.InputURLs() {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid image url %q: %w", u, models.ErrValidation)
		}
	}
	return nil
}

// Submit validates the request, debits the job's price and stores a pending
// task. If the insert fails after the debit, the debit is refunded.
func (s *TaskService) Submit(ctx context.Context, p SubmitParams) (*models.Task, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, fmt.Errorf("owner_id is required: %w", models.ErrValidation)
	}
	if err := ValidateParams(p.Type, p.Params); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	task := &models.Task{
		ID:              uuid.New(),
		Type:            p.Type,
		State:           models.StatePending,
		Status:          models.StatusPending,
		Params:          raw,
		CreditsConsumed: s.credits.Price(p.Type),
		OwnerID:         p.OwnerID,
	}
	if err := s.credits.Debit(ctx, task.OwnerID, task.CreditsConsumed, task.ID); err != nil {
		return nil, err
	}
	if err := s.tasks.InsertTask(ctx, task); err != nil {
		if task.CreditsConsumed > 0 {
			if rerr := s.credits.Refund(ctx, task.OwnerID, task.CreditsConsumed, models.RefundReasonSubmitFailed, task.ID); rerr != nil {
				log.Errorf("Failed to refund task %s after insert error: %v", task.ID, rerr)
			}
		}
		return nil, fmt.Errorf("failed to store task: %w", err)
	}
	log.WithFields(log.Fields{"task_id": task.ID, "type": task.Type, "owner_id": task.OwnerID}).Info("Task submitted")
	return task, nil
}

// Get returns a task, serving terminal tasks from the cache when present.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	if s.cache != nil {
		if t, ok := s.cache.Get(ctx, id); ok {
			return t, nil
		}
	}
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	if s.cache != nil && t.IsTerminal() {
		s.cache.Put(ctx, t)
	}
	return t, nil
}

// List returns tasks newest first.
func (s *TaskService) List(ctx context.Context, p ListParams) ([]*models.Task, error) {
	filter := store.TaskFilter{
		OwnerID: p.OwnerID,
		Limit:   p.Limit,
		Offset:  p.Offset,
		Order:   store.OrderNewestFirst,
	}
	if p.Status != "" {
		filter.Statuses = []models.TaskStatus{p.Status}
	}
	tasks, err := s.tasks.FindTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Cancel cancels a task. Cancelling a terminal task reports models.ErrTerminal.
func (s *TaskService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Task, error) {
	ok, err := s.canceler.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrTerminal)
	}
	return s.Get(ctx, id)
}
