package tasks

import (
	"testing"

	"photoflow/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferenceResultPayload(t *testing.T) {
	p := InferenceResultPayload{
		TaskID:  uuid.New(),
		JobType: models.JobTypeAvatar,
		Outcome: models.InferenceOutcome{Success: true},
		Prompt:  "portrait",
	}
	body, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeInferenceResult(body)
	require.NoError(t, err)
	assert.Equal(t, p.TaskID, got.TaskID)
	assert.Equal(t, "portrait", got.Prompt)
}

func TestDecodeInferenceResultErrors(t *testing.T) {
	_, err := DecodeInferenceResult([]byte(`{"job_type":"avatar"}`))
	assert.ErrorContains(t, err, "missing task_id")

	_, err = DecodeInferenceResult([]byte(`not json`))
	assert.Error(t, err)
}
