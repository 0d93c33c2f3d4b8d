package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/prompt"
	"photoflow/internal/storage"
	"photoflow/internal/store"
	"photoflow/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks and fakes ---

type mockInference struct {
	mock.Mock
}

func (m *mockInference) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.InferenceOutcome), args.Error(1)
}

func (m *mockInference) Name() string                { return "mock" }
func (m *mockInference) Status() store.ProviderStatus { return store.ProviderStatusActive }

type stubFetcher struct {
	data []byte
	err  error
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, "image/png", nil
}

type recordingQueue struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (q *recordingQueue) EnqueueInferenceResult(ctx context.Context, taskID uuid.UUID, attempt int, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, payload)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// --- Harness ---

const (
	owner        = "owner-1"
	startBalance = 100
	taskCost     = 5
)

type harness struct {
	t       *testing.T
	engine  *Engine
	store   *memory.Store
	arts    *storage.MemStore
	inf     *mockInference
	clock   *fakeClock
	fetcher *stubFetcher
}

func newHarness(t *testing.T, opts Options, results store.ResultQueue) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	st.SetClock(clock.Now)
	h := &harness{
		t:       t,
		store:   st,
		arts:    storage.NewMemStore(""),
		inf:     &mockInference{},
		clock:   clock,
		fetcher: &stubFetcher{data: pngBytes(t)},
	}
	e, err := New(Deps{
		Tasks:     st,
		Ledger:    st,
		Artifacts: h.arts,
		Fetcher:   h.fetcher,
		Inference: h.inf,
		Results:   results,
		Prompts:   prompt.NewBuilder(nil, 0),
		Clock:     clock.Now,
	}, opts)
	require.NoError(t, err)
	h.engine = e
	require.NoError(t, st.Grant(context.Background(), owner, startBalance, "test"))
	return h
}

func (h *harness) seed(mutate func(*models.Task)) *models.Task {
	h.t.Helper()
	ctx := context.Background()
	task := &models.Task{
		ID:              uuid.New(),
		Type:            models.JobTypePhotography,
		State:           models.StatePending,
		Status:          models.StatusPending,
		Params:          json.RawMessage(`{"style":"studio","description":"A red mug."}`),
		CreditsConsumed: taskCost,
		OwnerID:         owner,
	}
	if mutate != nil {
		mutate(task)
	}
	ok, err := h.store.Debit(ctx, owner, task.CreditsConsumed, "task", &task.ID)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	require.NoError(h.t, h.store.InsertTask(ctx, task))
	return task
}

func (h *harness) get(id uuid.UUID) *models.Task {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) cycle() CycleSummary {
	return h.engine.RunCycle(context.Background())
}

// attempt runs the three cycles that take a pending task to dispatch and
// waits for the outcome to be reconciled.
func (h *harness) attempt() {
	for i := 0; i < 3; i++ {
		h.cycle()
	}
	h.engine.Wait()
}

func (h *harness) balance() int {
	h.t.Helper()
	b, err := h.store.Balance(context.Background(), owner)
	require.NoError(h.t, err)
	return b
}

func (h *harness) refunds(taskID uuid.UUID) []*models.CreditEntry {
	h.t.Helper()
	entries, err := h.store.ListEntries(context.Background(), owner, 100, 0)
	require.NoError(h.t, err)
	var out []*models.CreditEntry
	for _, e := range entries {
		if e.Kind == models.CreditKindRefund && e.TaskID != nil && *e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) success() models.InferenceOutcome {
	return models.InferenceOutcome{
		Success: true,
		Images:  []models.InferenceImage{{Data: pngBytes(h.t), ContentType: "image/png"}},
	}
}

// --- Tests ---

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, Backoff(base, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, 2))
	assert.Equal(t, 20*time.Second, Backoff(base, 3))
	assert.Equal(t, 5*time.Second, Backoff(base, 0))

	h := newHarness(t, DefaultOptions(), nil)
	assert.Equal(t, 10*time.Second, h.engine.Backoff(2))
	assert.Equal(t, 20*time.Second, h.engine.Backoff(3))
}

// Scenario: cancelling a completed task changes nothing.
func TestCancelAfterCompletionIsNoop(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(h.success(), nil).Once()
	task := h.seed(nil)
	h.attempt()
	before := h.get(task.ID)
	require.Equal(t, models.StateCompleted, before.State)

	ok, err := h.engine.Cancel(context.Background(), task.ID, "too late")
	require.NoError(t, err)
	assert.False(t, ok)

	after := h.get(task.ID)
	assert.Equal(t, before, after)
	assert.Empty(t, h.refunds(task.ID))
	assert.Equal(t, startBalance-taskCost, h.balance())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	assert.Error(t, err)
}

func TestRegisterRejectsTerminalState(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	err := h.engine.Register(models.StateCompleted, HandlerFunc(func(context.Context, *models.Task) error { return nil }))
	assert.Error(t, err)
	assert.NoError(t, h.engine.Register(models.StateDownloading, HandlerFunc(func(context.Context, *models.Task) error { return nil })))
}

func TestEveryProcessingStateHasHandler(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	for _, s := range models.ProcessingStates {
		_, ok := h.engine.handlerFor(s)
		assert.True(t, ok, "state %s", s)
	}
}

func TestRunCycleAdvancesOneStep(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	task := h.seed(nil)

	summary := h.cycle()
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, models.StateDownloading, h.get(task.ID).State)

	h.cycle()
	got := h.get(task.ID)
	assert.Equal(t, models.StateDownloaded, got.State)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestPendingRespectsRetryAfter(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	later := h.clock.Now().Add(time.Minute)
	task := h.seed(func(t *models.Task) { t.RetryAfter = &later; t.RetryCount = 1 })

	h.cycle()
	assert.Equal(t, models.StatePending, h.get(task.ID).State)

	err := h.engine.handlePending(context.Background(), h.get(task.ID))
	assert.ErrorIs(t, err, ErrNotEligible)

	h.clock.Advance(time.Minute)
	h.cycle()
	got := h.get(task.ID)
	assert.Equal(t, models.StateDownloading, got.State)
	assert.Nil(t, got.RetryAfter)
}

func TestDownloadingStoresInputs(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	task := h.seed(func(t *models.Task) {
		t.Type = models.JobTypeFitting
		t.Params = json.RawMessage(`{"garment_url":"http://x/g.png","person_url":"http://x/p.png"}`)
	})
	h.cycle()
	h.cycle()
	assert.Equal(t, models.StateDownloaded, h.get(task.ID).State)
	assert.Equal(t, 2, h.arts.Len())

	ok, err := h.arts.Exists(context.Background(), InputKey(task.ID, 0))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDownloadFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.fetcher.err = errors.New("connection refused")
	task := h.seed(func(t *models.Task) { t.Params = json.RawMessage(`{"style":"s","image_urls":["http://x/a.png"]}`) })

	h.cycle()
	summary := h.cycle()
	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Success)

	got := h.get(task.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAfter)
	assert.Equal(t, 5*time.Second, got.RetryAfter.Sub(h.clock.Now()))
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "connection refused")
	assert.Nil(t, got.Error)
}

// Scenario: two transient inference failures, success on the third attempt.
func TestTransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("upstream 503")).Twice()
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(h.success(), nil).Once()
	task := h.seed(nil)

	h.attempt()
	got := h.get(task.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 5*time.Second, got.RetryAfter.Sub(h.clock.Now()))

	h.clock.Advance(5 * time.Second)
	h.attempt()
	got = h.get(task.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 10*time.Second, got.RetryAfter.Sub(h.clock.Now()))

	h.clock.Advance(10 * time.Second)
	h.attempt()
	got = h.get(task.ID)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	var artifacts []models.Artifact
	require.NoError(t, json.Unmarshal(got.Result, &artifacts))
	require.Len(t, artifacts, 1)
	assert.NotEmpty(t, artifacts[0].URL)
	assert.Equal(t, "image/png", artifacts[0].ContentType)

	assert.Equal(t, startBalance-taskCost, h.balance())
	assert.Empty(t, h.refunds(task.ID))
	h.inf.AssertNumberOfCalls(t, "Generate", 3)
}

// Scenario: every attempt fails, the task fails with a single refund.
func TestRetriesExhaustedRefundsOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("upstream 500"))
	task := h.seed(nil)

	h.attempt()
	h.clock.Advance(5 * time.Second)
	h.attempt()
	h.clock.Advance(10 * time.Second)
	h.attempt()

	got := h.get(task.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "upstream 500")
	assert.Nil(t, got.Result)

	refunds := h.refunds(task.ID)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundReasonMaxRetries, refunds[0].Reason)
	assert.Equal(t, startBalance, h.balance())

	assert.False(t, h.engine.RefundIfNeeded(context.Background(), got, models.RefundReasonMaxRetries))
	h.clock.Advance(time.Hour)
	h.cycle()
	assert.Equal(t, models.StateFailed, h.get(task.ID).State)
	assert.Equal(t, startBalance, h.balance())
}

// Scenario: cancellation during inference, then a late success callback.
func TestCancelDuringInference(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	started := make(chan struct{})
	h.inf.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(models.InferenceOutcome{}, context.Canceled).Once()
	task := h.seed(nil)

	for i := 0; i < 3; i++ {
		h.cycle()
	}
	<-started
	assert.Equal(t, models.StateInferenceCalling, h.get(task.ID).State)

	ok, err := h.engine.Cancel(context.Background(), task.ID, "user request")
	require.NoError(t, err)
	assert.True(t, ok)
	h.engine.Wait()

	got := h.get(task.ID)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.Len(t, h.refunds(task.ID), 1)
	assert.Equal(t, startBalance, h.balance())

	require.NoError(t, h.engine.OnInferenceResult(context.Background(), task.ID, task.Type, h.success(), ""))
	got = h.get(task.ID)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Nil(t, got.Result)
	assert.Equal(t, 0, h.arts.Len())

	ok, err = h.engine.Cancel(context.Background(), task.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, h.refunds(task.ID), 1)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	_, err := h.engine.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInferenceTimeoutCountsAsFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.InferenceTimeout = 50 * time.Millisecond
	h := newHarness(t, opts, nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(models.InferenceOutcome{}, context.DeadlineExceeded)
	task := h.seed(func(t *models.Task) { t.RetryCount = 2 })

	h.attempt()

	got := h.get(task.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "timeout after 50ms")
	assert.Len(t, h.refunds(task.ID), 1)
	assert.Equal(t, 0, h.engine.InFlight())
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	require.NoError(t, h.engine.Register(models.StateDownloading, HandlerFunc(func(ctx context.Context, task *models.Task) error {
		return &models.TerminalError{TaskID: task.ID, State: task.State, Op: "validate", Err: errors.New("unsupported garment")}
	})))
	task := h.seed(nil)

	h.cycle()
	h.cycle()

	got := h.get(task.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, 0, got.RetryCount)
	refunds := h.refunds(task.ID)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundReasonTerminalError, refunds[0].Reason)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	require.NoError(t, h.engine.Register(models.StateDownloading, HandlerFunc(func(context.Context, *models.Task) error {
		panic("boom")
	})))
	task := h.seed(nil)

	h.cycle()
	summary := h.cycle()
	require.Len(t, summary.Results, 1)
	assert.Contains(t, summary.Results[0].Error, "panic: boom")

	got := h.get(task.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestHandleFailureIgnoresStaleSnapshot(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	task := h.seed(nil)
	stale := h.get(task.ID)
	h.cycle()

	require.NoError(t, h.engine.HandleFailure(context.Background(), stale, errors.New("late failure")))
	got := h.get(task.ID)
	assert.Equal(t, models.StateDownloading, got.State)
	assert.Equal(t, 0, got.RetryCount)
}

func TestStateNeverRegressesExceptOnRetry(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("flaky")).Once()
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(h.success(), nil).Once()
	task := h.seed(nil)

	prev := h.get(task.ID)
	for i := 0; i < 12; i++ {
		h.cycle()
		h.engine.Wait()
		h.clock.Advance(5 * time.Second)
		cur := h.get(task.ID)
		if cur.State.Rank() < prev.State.Rank() {
			assert.Equal(t, models.StatePending, cur.State)
			assert.Greater(t, cur.RetryCount, prev.RetryCount)
		}
		prev = cur
	}
	assert.Equal(t, models.StateCompleted, prev.State)
}

func TestPendingOutcomeParksTask(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{Pending: true}, nil).Once()
	task := h.seed(nil)

	h.attempt()
	assert.Equal(t, models.StateInferenceProcessing, h.get(task.ID).State)

	h.cycle()
	assert.Equal(t, models.StateInferenceProcessing, h.get(task.ID).State)

	require.NoError(t, h.engine.OnInferenceResult(context.Background(), task.ID, task.Type, h.success(), ""))
	assert.Equal(t, models.StateCompleted, h.get(task.ID).State)
}

func TestLostCallbackTimesOut(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	task := h.seed(func(t *models.Task) {
		t.State = models.StateInferenceProcessing
		t.Status = models.StatusProcessing
	})

	h.clock.Advance(DefaultInferenceTimeout)
	h.cycle()
	assert.Equal(t, models.StateInferenceProcessing, h.get(task.ID).State)

	h.clock.Advance(DefaultStaleGrace + time.Second)
	h.cycle()
	got := h.get(task.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, *got.LastError, "timeout")
}

func TestDriverFinishesWhenCallbackDoesNotComplete(t *testing.T) {
	opts := DefaultOptions()
	opts.CompleteOnCallback = false
	h := newHarness(t, opts, nil)
	h.inf.On("Generate", mock.Anything, mock.Anything).Return(h.success(), nil).Once()
	task := h.seed(nil)

	h.attempt()
	got := h.get(task.ID)
	assert.Equal(t, models.StateInferenceCompleted, got.State)
	assert.Nil(t, got.CompletedAt)

	h.cycle()
	assert.Equal(t, models.StatePostProcessing, h.get(task.ID).State)
	h.cycle()
	assert.Equal(t, models.StateUploading, h.get(task.ID).State)
	h.cycle()

	got = h.get(task.ID)
	assert.Equal(t, models.StateCompleted, got.State)
	var artifacts []models.Artifact
	require.NoError(t, json.Unmarshal(got.Result, &artifacts))
	require.Len(t, artifacts, 1)
	assert.Equal(t, 2, artifacts[0].Width)
	assert.Equal(t, 2, artifacts[0].Height)
	assert.Contains(t, artifacts[0].URL, "mem://artifacts/results/")
}

func TestGetStats(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.seed(nil)
	h.seed(nil)
	h.cycle()
	h.seed(nil)

	stats, err := h.engine.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByState[models.StatePending])
	assert.Equal(t, 2, stats.ByState[models.StateDownloading])
	assert.Equal(t, 2, stats.ByStatus[models.StatusProcessing])
	assert.Equal(t, 0, stats.ByStatus[models.StatusCompleted])
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	old := h.seed(nil)
	active := h.seed(nil)
	_, err := h.engine.Cancel(context.Background(), old.ID, "")
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	recent := h.seed(nil)
	_, err = h.engine.Cancel(context.Background(), recent.ID, "")
	require.NoError(t, err)

	n, err := h.engine.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.GetTask(context.Background(), old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, models.StatePending, h.get(active.ID).State)
	assert.Equal(t, models.StateCancelled, h.get(recent.ID).State)
}
