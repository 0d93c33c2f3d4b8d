package services_test

import (
	"context"
	"errors"
	"testing"

	"photoflow/internal/models"
	"photoflow/internal/services"
	"photoflow/internal/store"
	"photoflow/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
	name   string
	status store.ProviderStatus
}

func (m *mockProvider) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.InferenceOutcome), args.Error(1)
}

func (m *mockProvider) Name() string                 { return m.name }
func (m *mockProvider) ModelName() string            { return m.name + "-model" }
func (m *mockProvider) Status() store.ProviderStatus { return m.status }

func newProvider(name string) *mockProvider {
	return &mockProvider{name: name, status: store.ProviderStatusActive}
}

var okOutcome = models.InferenceOutcome{Success: true, Images: []models.InferenceImage{{URL: "https://cdn/x.png"}}}

func TestSimpleRetryStrategy(t *testing.T) {
	s := &services.SimpleRetryStrategy{MaxAttempts: 3, BaseDelayMs: 100}
	assert.Equal(t, int64(100), s.NextBackoff(0))
	assert.Equal(t, int64(200), s.NextBackoff(1))
	assert.Equal(t, int64(400), s.NextBackoff(2))
	assert.Equal(t, int64(-1), s.NextBackoff(3))

	capped := &services.SimpleRetryStrategy{MaxAttempts: 10, BaseDelayMs: 10000}
	assert.Equal(t, int64(30000), capped.NextBackoff(4))

	none := &services.SimpleRetryStrategy{}
	assert.Equal(t, int64(-1), none.NextBackoff(0))
}

func TestFallbackRetriesThenSwitches(t *testing.T) {
	primary := newProvider("primary")
	secondary := newProvider("secondary")
	primary.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("503"))
	secondary.On("Generate", mock.Anything, mock.Anything).Return(okOutcome, nil).Once()

	svc, err := services.NewFallbackInferenceService(
		[]services.InferenceProvider{primary, secondary},
		&services.SimpleRetryStrategy{MaxAttempts: 1, BaseDelayMs: 1},
	)
	require.NoError(t, err)

	out, err := svc.Generate(context.Background(), store.InferenceRequest{TaskID: uuid.New(), Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	primary.AssertNumberOfCalls(t, "Generate", 2)
	assert.Equal(t, "secondary", svc.Name())
	assert.Equal(t, "secondary-model", svc.ModelName())
}

func TestFallbackSkipsUnsupportedAndDisabled(t *testing.T) {
	disabled := newProvider("disabled")
	disabled.status = store.ProviderStatusDisabled
	textOnly := newProvider("text-only")
	textOnly.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, services.ErrUnsupportedInput).Once()
	multimodal := newProvider("multimodal")
	multimodal.On("Generate", mock.Anything, mock.Anything).Return(okOutcome, nil).Once()

	svc, err := services.NewFallbackInferenceService(
		[]services.InferenceProvider{disabled, textOnly, multimodal},
		&services.SimpleRetryStrategy{MaxAttempts: 3, BaseDelayMs: 1},
	)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), store.InferenceRequest{Images: [][]byte{{1}}})
	require.NoError(t, err)
	disabled.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	textOnly.AssertNumberOfCalls(t, "Generate", 1)
}

func TestFallbackAllFail(t *testing.T) {
	a := newProvider("a")
	b := newProvider("b")
	a.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("a down"))
	b.On("Generate", mock.Anything, mock.Anything).Return(models.InferenceOutcome{}, errors.New("b down"))

	svc, err := services.NewFallbackInferenceService([]services.InferenceProvider{a, b}, &services.SimpleRetryStrategy{})
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), store.InferenceRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
}

func TestNewFallbackRequiresProviders(t *testing.T) {
	_, err := services.NewFallbackInferenceService(nil, nil)
	assert.Error(t, err)
}

func TestNoopInferenceReturnsImage(t *testing.T) {
	out, err := services.NewNoopInferenceService().Generate(context.Background(), store.InferenceRequest{})
	require.NoError(t, err)
	require.Len(t, out.Images, 1)
	assert.Equal(t, "image/png", out.Images[0].ContentType)
	assert.NotEmpty(t, out.Images[0].Data)
}

func TestCreditServiceDebitAndRefund(t *testing.T) {
	ctx := context.Background()
	ledger := memory.New()
	credits := services.NewCreditService(ledger, map[models.JobType]int{models.JobTypeAvatar: 3})
	assert.Equal(t, 3, credits.Price(models.JobTypeAvatar))
	assert.Equal(t, services.DefaultPrices[models.JobTypeFitting], credits.Price(models.JobTypeFitting))

	require.NoError(t, credits.Grant(ctx, "u", 5, ""))
	id := uuid.New()
	require.NoError(t, credits.Debit(ctx, "u", 4, id))
	err := credits.Debit(ctx, "u", 4, uuid.New())
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)

	require.NoError(t, credits.Refund(ctx, "u", 4, models.RefundReasonCancelled, id))
	assert.ErrorIs(t, credits.Refund(ctx, "u", 4, models.RefundReasonCancelled, id), models.ErrAlreadyRefunded)

	balance, err := credits.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	entries, err := credits.ListEntries(ctx, "u", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.CreditKindRefund, entries[0].Kind)

	assert.ErrorIs(t, credits.Grant(ctx, "u", 0, ""), models.ErrValidation)
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		jobType models.JobType
		params  models.TaskParams
		wantErr bool
	}{
		{"photography ok", models.JobTypePhotography, models.TaskParams{Style: "studio"}, false},
		{"photography missing style", models.JobTypePhotography, models.TaskParams{}, true},
		{"fitting ok", models.JobTypeFitting, models.TaskParams{GarmentURL: "https://x/g.png", PersonURL: "https://x/p.png"}, false},
		{"fitting missing person", models.JobTypeFitting, models.TaskParams{GarmentURL: "https://x/g.png"}, true},
		{"avatar ok", models.JobTypeAvatar, models.TaskParams{ImageURLs: []string{"https://x/a.png"}}, false},
		{"avatar no images", models.JobTypeAvatar, models.TaskParams{}, true},
		{"bad url scheme", models.JobTypeAvatar, models.TaskParams{ImageURLs: []string{"ftp://x/a.png"}}, true},
		{"unknown type", models.JobType("sketch"), models.TaskParams{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := services.ValidateParams(tt.jobType, tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type stubCanceller struct {
	ok  bool
	err error
}

func (c *stubCanceller) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return c.ok, c.err
}

type failingInsertStore struct {
	*memory.Store
}

func (s failingInsertStore) InsertTask(ctx context.Context, task *models.Task) error {
	return errors.New("disk full")
}

func TestSubmitDebitsAndStores(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	credits := services.NewCreditService(st, nil)
	require.NoError(t, credits.Grant(ctx, "u", 20, "welcome"))
	svc := services.NewTaskService(st, credits, &stubCanceller{}, nil)

	task, err := svc.Submit(ctx, services.SubmitParams{
		Type:    models.JobTypePhotography,
		OwnerID: "u",
		Params:  models.TaskParams{Style: "studio", Description: "A mug"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, task.State)
	assert.Equal(t, 5, task.CreditsConsumed)

	stored, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)

	balance, _ := credits.Balance(ctx, "u")
	assert.Equal(t, 15, balance)

	list, err := svc.List(ctx, services.ListParams{OwnerID: "u", Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmitRejectsShortBalance(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := services.NewTaskService(st, services.NewCreditService(st, nil), &stubCanceller{}, nil)

	_, err := svc.Submit(ctx, services.SubmitParams{Type: models.JobTypePhotography, OwnerID: "u", Params: models.TaskParams{Style: "s"}})
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)

	stats, _ := st.CountTasks(ctx)
	assert.Equal(t, 0, stats.Total)
}

func TestSubmitRefundsWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	credits := services.NewCreditService(st, nil)
	require.NoError(t, credits.Grant(ctx, "u", 20, ""))
	svc := services.NewTaskService(failingInsertStore{st}, credits, &stubCanceller{}, nil)

	_, err := svc.Submit(ctx, services.SubmitParams{Type: models.JobTypePhotography, OwnerID: "u", Params: models.TaskParams{Style: "s"}})
	require.Error(t, err)

	balance, _ := credits.Balance(ctx, "u")
	assert.Equal(t, 20, balance)
	entries, _ := credits.ListEntries(ctx, "u", 10, 0)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.RefundReasonSubmitFailed, entries[0].Reason)
}

func TestGetUnknownTask(t *testing.T) {
	st := memory.New()
	svc := services.NewTaskService(st, services.NewCreditService(st, nil), &stubCanceller{}, nil)
	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelTerminalTask(t *testing.T) {
	st := memory.New()
	svc := services.NewTaskService(st, services.NewCreditService(st, nil), &stubCanceller{ok: false}, nil)
	_, err := svc.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, models.ErrTerminal)
}
