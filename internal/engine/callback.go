package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// OnInferenceResult is the callback receiver. It is idempotent: results for
// unknown or terminal tasks, or for tasks no longer waiting on inference,
// are discarded. A failed outcome goes through HandleFailure; a successful
// one persists the images and completes the task (or parks it at
// inference-completed when the driver finishes it).
func (e *Engine) OnInferenceResult(ctx context.Context, id uuid.UUID, jobType models.JobType, outcome models.InferenceOutcome, prompt string) error {
	logger := log.WithField("task_id", id)
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("Discarding inference result for unknown task")
			return nil
		}
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if task.IsTerminal() {
		logger.Debugf("Discarding inference result for %s task", task.Status)
		return nil
	}
	if task.State != models.StateInferenceCalling && task.State != models.StateInferenceProcessing {
		logger.Infof("Discarding stale inference result, task is in state %s", task.State)
		return nil
	}
	if jobType != "" && jobType != task.Type {
		logger.Warnf("Discarding inference result for job type %s, task is %s", jobType, task.Type)
		return nil
	}

	if !outcome.Success {
		var cause error
		if outcome.Timeout {
			cause = &models.TimeoutError{TaskID: id, Op: "inference", After: e.opts.InferenceTimeout}
		} else {
			msg := outcome.Error
			if msg == "" {
				msg = "inference failed"
			}
			cause = &models.TransientError{TaskID: id, State: task.State, Op: "inference", Err: errors.New(msg)}
		}
		return e.HandleFailure(ctx, task, cause)
	}

	artifacts, err := e.persistOutcome(ctx, task, outcome)
	if err != nil {
		return e.HandleFailure(ctx, task, &models.TransientError{TaskID: id, State: task.State, Op: "persist artifacts", Err: err})
	}
	result, err := json.Marshal(artifacts)
	if err != nil {
		return e.HandleFailure(ctx, task, &models.TerminalError{TaskID: id, State: task.State, Op: "encode result", Err: err})
	}

	upd := store.TaskUpdate{Result: result, ClearRetry: true}
	if task.Prompt == "" && prompt != "" {
		upd.Prompt = &prompt
	}
	next := models.StateInferenceCompleted
	if e.opts.CompleteOnCallback {
		next = models.StateCompleted
		now := e.now()
		upd.CompletedAt = &now
	}
	upd = upd.Transition(next).Expect(models.StateInferenceCalling, models.StateInferenceProcessing)
	applied, err := e.tasks.UpdateTask(ctx, id, upd)
	if err != nil {
		return fmt.Errorf("record inference result for task %s: %w", id, err)
	}
	if !applied {
		logger.Info("Task moved while the inference result was processed, result discarded")
		return nil
	}
	logger.Infof("Inference result recorded (%d artifacts), task is %s", len(artifacts), next)
	return nil
}

// persistOutcome saves inline or remote images and returns their
// descriptors. Artifacts already persisted by the provider are kept as-is.
// When the receiver completes the task, artifacts are published here.
func (e *Engine) persistOutcome(ctx context.Context, task *models.Task, outcome models.InferenceOutcome) ([]models.Artifact, error) {
	artifacts := append([]models.Artifact(nil), outcome.Artifacts...)
	for i, img := range outcome.Images {
		data, contentType := img.Data, img.ContentType
		if len(data) == 0 {
			if img.URL == "" {
				return nil, fmt.Errorf("image %d has neither data nor url", i)
			}
			fetched, ct, err := e.fetcher.Fetch(ctx, img.URL)
			if err != nil {
				return nil, fmt.Errorf("fetch image %d: %w", i, err)
			}
			data = fetched
			if contentType == "" {
				contentType = ct
			}
		}
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		a, err := e.artifacts.Save(ctx, ResultKey(task.ID, i, contentType), data, contentType)
		if err != nil {
			return nil, fmt.Errorf("save image %d: %w", i, err)
		}
		artifacts = append(artifacts, a)
	}
	if len(artifacts) == 0 {
		return nil, errors.New("inference returned no images")
	}
	if e.opts.CompleteOnCallback {
		for i := range artifacts {
			if artifacts[i].URL != "" {
				continue
			}
			url, err := e.artifacts.Publish(ctx, artifacts[i].Key)
			if err != nil {
				return nil, fmt.Errorf("publish %s: %w", artifacts[i].Key, err)
			}
			artifacts[i].URL = url
		}
	}
	return artifacts, nil
}
