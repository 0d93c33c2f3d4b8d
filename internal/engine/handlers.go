package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"photoflow/internal/models"
	"photoflow/internal/storage"
	"photoflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func (e *Engine) defaultHandlers() map[models.TaskState]Handler {
	return map[models.TaskState]Handler{
		models.StatePending:             HandlerFunc(e.handlePending),
		models.StateDownloading:         HandlerFunc(e.handleDownloading),
		models.StateDownloaded:          HandlerFunc(e.handleDownloaded),
		models.StateInferenceCalling:    HandlerFunc(e.handleAwaitingCallback),
		models.StateInferenceProcessing: HandlerFunc(e.handleAwaitingCallback),
		models.StateInferenceCompleted:  HandlerFunc(e.handleInferenceCompleted),
		models.StatePostProcessing:      HandlerFunc(e.handlePostProcessing),
		models.StateUploading:           HandlerFunc(e.handleUploading),
	}
}

// InputKey is the artifact key of the i-th downloaded source image.
func InputKey(id uuid.UUID, i int) string {
	return path.Join("inputs", id.String(), fmt.Sprintf("%d", i))
}

// ResultKey is the artifact key of the i-th generated image.
func ResultKey(id uuid.UUID, i int, contentType string) string {
	return path.Join("results", id.String(), fmt.Sprintf("%d%s", i, storage.ExtensionFor(contentType)))
}

// advance moves task from its current state to `to`, applying extra fields.
// A lost compare-and-set is reported as ErrNotEligible.
func (e *Engine) advance(ctx context.Context, task *models.Task, to models.TaskState, extra store.TaskUpdate) error {
	upd := extra.Transition(to).Expect(task.State)
	applied, err := e.tasks.UpdateTask(ctx, task.ID, upd)
	if err != nil {
		return &models.TransientError{TaskID: task.ID, State: task.State, Op: "advance to " + string(to), Err: err}
	}
	if !applied {
		return ErrNotEligible
	}
	log.WithFields(log.Fields{"task_id": task.ID, "from": task.State, "to": to}).Debug("Task advanced")
	return nil
}

func (e *Engine) handlePending(ctx context.Context, task *models.Task) error {
	if task.RetryAfter != nil && e.now().Before(*task.RetryAfter) {
		return ErrNotEligible
	}
	return e.advance(ctx, task, models.StateDownloading, store.TaskUpdate{ClearRetry: true})
}

func (e *Engine) handleDownloading(ctx context.Context, task *models.Task) error {
	params, err := task.ParseParams()
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "parse params", Err: err}
	}
	for i, u := range params.InputURLs() {
		key := InputKey(task.ID, i)
		if ok, err := e.artifacts.Exists(ctx, key); err == nil && ok {
			continue
		}
		data, contentType, err := e.fetcher.Fetch(ctx, u)
		if err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "download input " + u, Err: err}
		}
		if _, err := e.artifacts.Save(ctx, key, data, contentType); err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "store input", Err: err}
		}
	}
	return e.advance(ctx, task, models.StateDownloaded, store.TaskUpdate{})
}

func (e *Engine) handleDownloaded(ctx context.Context, task *models.Task) error {
	params, err := task.ParseParams()
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "parse params", Err: err}
	}
	prompt, err := e.prompts.Build(task)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "build prompt", Err: err}
	}
	req := store.InferenceRequest{
		TaskID:  task.ID,
		JobType: task.Type,
		Prompt:  prompt,
		Size:    params.Size,
	}
	for i := range params.InputURLs() {
		data, err := e.artifacts.Get(ctx, InputKey(task.ID, i))
		if err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "load input", Err: err}
		}
		req.Images = append(req.Images, data)
	}
	if err := e.advance(ctx, task, models.StateInferenceCalling, store.TaskUpdate{Prompt: &prompt}); err != nil {
		return err
	}
	snapshot := task.Clone()
	snapshot.State = models.StateInferenceCalling
	snapshot.Status = models.StatusForState(models.StateInferenceCalling)
	snapshot.Prompt = prompt
	e.dispatch(snapshot, req)
	return nil
}

// handleAwaitingCallback watches tasks whose outcome has not arrived. A task
// with no local dispatch that has waited past the inference timeout is fed a
// synthetic timeout through the receiver.
func (e *Engine) handleAwaitingCallback(ctx context.Context, task *models.Task) error {
	if e.isInFlight(task.ID) {
		return ErrNotEligible
	}
	if e.now().Sub(task.UpdatedAt) < e.opts.InferenceTimeout+e.opts.StaleGrace {
		return ErrNotEligible
	}
	log.WithField("task_id", task.ID).Warnf("No inference outcome after %s in state %s", e.opts.InferenceTimeout, task.State)
	outcome := models.InferenceOutcome{
		Timeout: true,
		Error:   (&models.TimeoutError{TaskID: task.ID, Op: "inference", After: e.opts.InferenceTimeout}).Error(),
	}
	return e.OnInferenceResult(ctx, task.ID, task.Type, outcome, task.Prompt)
}

func (e *Engine) handleInferenceCompleted(ctx context.Context, task *models.Task) error {
	artifacts, err := resultArtifacts(task)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "decode result", Err: err}
	}
	for _, a := range artifacts {
		ok, err := e.artifacts.Exists(ctx, a.Key)
		if err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "check artifact", Err: err}
		}
		if !ok {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "check artifact", Err: fmt.Errorf("%s: %w", a.Key, store.ErrNotFound)}
		}
	}
	return e.advance(ctx, task, models.StatePostProcessing, store.TaskUpdate{})
}

func (e *Engine) handlePostProcessing(ctx context.Context, task *models.Task) error {
	artifacts, err := resultArtifacts(task)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "decode result", Err: err}
	}
	for i, a := range artifacts {
		data, err := e.artifacts.Get(ctx, a.Key)
		if err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "read artifact", Err: err}
		}
		described := storage.Describe(a.Key, data, a.ContentType)
		described.URL = a.URL
		artifacts[i] = described
	}
	result, err := json.Marshal(artifacts)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "encode result", Err: err}
	}
	return e.advance(ctx, task, models.StateUploading, store.TaskUpdate{Result: result})
}

func (e *Engine) handleUploading(ctx context.Context, task *models.Task) error {
	artifacts, err := resultArtifacts(task)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "decode result", Err: err}
	}
	for i, a := range artifacts {
		url, err := e.artifacts.Publish(ctx, a.Key)
		if err != nil {
			return &models.TransientError{TaskID: task.ID, State: task.State, Op: "publish artifact", Err: err}
		}
		artifacts[i].URL = url
	}
	result, err := json.Marshal(artifacts)
	if err != nil {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "encode result", Err: err}
	}
	now := e.now()
	return e.advance(ctx, task, models.StateCompleted, store.TaskUpdate{Result: result, CompletedAt: &now, ClearRetry: true})
}

func resultArtifacts(task *models.Task) ([]models.Artifact, error) {
	if len(task.Result) == 0 {
		return nil, errors.New("task has no result artifacts")
	}
	var artifacts []models.Artifact
	if err := json.Unmarshal(task.Result, &artifacts); err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.New("task has no result artifacts")
	}
	return artifacts, nil
}
