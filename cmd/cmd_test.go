package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"photoflow/internal/engine"
	"photoflow/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "database:\n  driver: memory\nstorage:\n  backend: memory\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--config", memoryConfig(t)}, args...))
	return rootCmd.Execute()
}

func TestCommandsRunAgainstMemoryStore(t *testing.T) {
	require.NoError(t, run(t, "stats"))
	require.NoError(t, run(t, "cycle"))
	require.NoError(t, run(t, "credits", "grant", "owner-1", "10"))
	require.NoError(t, run(t, "task", "list", "--status", "pending"))
	require.NoError(t, run(t, "cleanup", "--retention", "1h"))
	require.NoError(t, run(t, "migrate"))
}

func TestCommandArgumentErrors(t *testing.T) {
	assert.Error(t, run(t, "task", "show", "not-a-uuid"))
	assert.Error(t, run(t, "task", "show", uuid.NewString()))
	assert.Error(t, run(t, "task", "cancel", uuid.NewString()))
	assert.Error(t, run(t, "credits", "grant", "owner-1", "ten"))
	assert.Error(t, run(t, "task", "list", "--status", "stuck"))
}

func TestQueueFlagsNeedRedis(t *testing.T) {
	t.Cleanup(func() {
		cycleQueue = false
		cleanupQueue = false
		cleanupRetention = 0
	})
	assert.ErrorIs(t, run(t, "cycle", "--queue"), errNoQueue)
	assert.ErrorIs(t, run(t, "cleanup", "--queue", "--retention", "0s"), errNoQueue)
	assert.Error(t, run(t, "cleanup", "--queue", "--retention", "1h"))
}

func TestRenderTasks(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	renderTasks(&buf, []*models.Task{{
		ID:              id,
		Type:            models.JobTypeAvatar,
		OwnerID:         "owner-1",
		State:           models.StateInferenceCalling,
		Status:          models.StatusProcessing,
		RetryCount:      2,
		CreditsConsumed: 10,
		CreatedAt:       time.Now(),
	}})
	out := buf.String()
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "inference-calling")
	assert.Contains(t, out, "processing")
}

func TestRenderCycle(t *testing.T) {
	var buf bytes.Buffer
	renderCycle(&buf, engine.CycleSummary{
		Processed: 2,
		Results: []engine.CycleResult{
			{TaskID: uuid.New(), State: models.StatePending, Success: true},
			{State: models.StateDownloading, Error: "find tasks: db down"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "db down")
	assert.Contains(t, out, "processed 2")
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	stats := models.NewStats()
	stats.Total = 3
	stats.ByState[models.StateUploading] = 3
	stats.ByStatus[models.StatusProcessing] = 3
	renderStats(&buf, stats)
	assert.Contains(t, buf.String(), "uploading")
	assert.Contains(t, buf.String(), "3")
}
