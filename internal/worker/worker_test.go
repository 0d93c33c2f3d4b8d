package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"photoflow/internal/engine"
	"photoflow/internal/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOrchestrator struct {
	mock.Mock
	cycles atomic.Int32
}

func (m *mockOrchestrator) RunCycle(ctx context.Context) engine.CycleSummary {
	m.cycles.Add(1)
	return engine.CycleSummary{}
}

func (m *mockOrchestrator) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	args := m.Called(ctx, retention)
	return args.Int(0), args.Error(1)
}

func (m *mockOrchestrator) ReconcileQueued(ctx context.Context, p tasks.InferenceResultPayload) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func TestWorkerRegistration(t *testing.T) {
	mux := asynq.NewServeMux()
	RegisterHandlers(mux, Deps{Engine: &mockOrchestrator{}})

	for _, typ := range []string{tasks.TypeInferenceResult, tasks.TypeRunCycle, tasks.TypeCleanup} {
		_, pattern := mux.Handler(asynq.NewTask(typ, nil))
		assert.Equal(t, typ, pattern, "expected handler for task type %q", typ)
	}
}

func TestHandleInferenceResult(t *testing.T) {
	orch := &mockOrchestrator{}
	p := tasks.InferenceResultPayload{TaskID: uuid.New(), JobType: "avatar"}
	orch.On("ReconcileQueued", mock.Anything, p).Return(nil).Once()
	body, err := p.Encode()
	require.NoError(t, err)

	h := HandleInferenceResult(Deps{Engine: orch})
	require.NoError(t, h(context.Background(), asynq.NewTask(tasks.TypeInferenceResult, body)))
	orch.AssertExpectations(t)
}

func TestHandleInferenceResultSkipsMalformedPayload(t *testing.T) {
	orch := &mockOrchestrator{}
	h := HandleInferenceResult(Deps{Engine: orch})
	err := h(context.Background(), asynq.NewTask(tasks.TypeInferenceResult, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	orch.AssertNotCalled(t, "ReconcileQueued", mock.Anything, mock.Anything)
}

func TestHandleCleanup(t *testing.T) {
	orch := &mockOrchestrator{}
	orch.On("Cleanup", mock.Anything, 2*time.Hour).Return(3, nil).Once()
	orch.On("Cleanup", mock.Anything, 2*time.Hour).Return(0, errors.New("db gone")).Once()
	h := HandleCleanup(Deps{Engine: orch, Retention: 2 * time.Hour})

	require.NoError(t, h(context.Background(), nil))
	assert.ErrorContains(t, h(context.Background(), nil), "db gone")
}

type fakeRegistrar struct {
	specs []string
	types []string
}

func (f *fakeRegistrar) Register(spec string, task *asynq.Task, opts ...asynq.Option) (string, error) {
	f.specs = append(f.specs, spec)
	f.types = append(f.types, task.Type())
	return uuid.NewString(), nil
}

func TestRegisterSchedule(t *testing.T) {
	r := &fakeRegistrar{}
	require.NoError(t, RegisterSchedule(r, 10*time.Second))
	assert.Equal(t, []string{"@every 10s", CleanupSpec}, r.specs)
	assert.Equal(t, []string{tasks.TypeRunCycle, tasks.TypeCleanup}, r.types)

	assert.Error(t, RegisterSchedule(&fakeRegistrar{}, 0))
}

func TestRunLocalCyclesUntilCancelled(t *testing.T) {
	orch := &mockOrchestrator{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunLocal(ctx, Deps{Engine: orch}, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool { return orch.cycles.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunLocal did not stop after cancel")
	}
}
