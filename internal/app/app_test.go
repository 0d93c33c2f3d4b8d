package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"photoflow/internal/config"
	"photoflow/internal/models"
	"photoflow/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestAppRunsTaskEndToEnd(t *testing.T) {
	drivers := map[string]string{
		"memory": "database:\n  driver: memory\nstorage:\n  backend: memory\n",
		"sqlite": "database:\n  driver: sqlite\n  dsn: " + filepath.Join(t.TempDir(), "pf.db") + "\nstorage:\n  root: " + t.TempDir() + "\n",
	}
	for name, body := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := NewApp(loadTestConfig(t, body))
			require.NoError(t, err)
			defer a.Close()

			assert.Nil(t, a.JobClient)
			assert.Equal(t, "ok", a.Health(ctx)["database"])
			require.NoError(t, a.Migrate(ctx))

			require.NoError(t, a.CreditService.Grant(ctx, "owner-1", 10, "welcome"))
			task, err := a.TaskService.Submit(ctx, services.SubmitParams{
				Type:    models.JobTypePhotography,
				OwnerID: "owner-1",
				Params:  models.TaskParams{Style: "studio", Description: "A ceramic mug."},
			})
			require.NoError(t, err)

			for i := 0; i < 6; i++ {
				a.Engine.RunCycle(ctx)
				a.Engine.Wait()
			}

			got, err := a.TaskService.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, got.Status)
			assert.NotEmpty(t, got.Result)
			assert.Contains(t, got.Prompt, "studio")

			balance, err := a.CreditService.Balance(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, 5, balance)
		})
	}
}

func TestNewAppRejectsUnknownDriver(t *testing.T) {
	cfg := loadTestConfig(t, "database:\n  driver: memory\n")
	cfg.Database.Driver = "oracle"
	_, err := NewApp(cfg)
	assert.Error(t, err)
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := loadTestConfig(t, "database:\n  driver: memory\nengine:\n  max_retries: 2\n  complete_on_callback: false\n")
	opts := EngineOptions(cfg)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.False(t, opts.CompleteOnCallback)
	assert.Equal(t, cfg.Engine.InferenceTimeout, opts.InferenceTimeout)
}
