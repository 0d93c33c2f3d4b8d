package tasks

import (
	"encoding/json"
	"fmt"

	"photoflow/internal/models"

	"github.com/google/uuid"
)

// Defines constants for task types used in Asynq.

const (
	// TypeInferenceResult delivers an inference outcome to the callback receiver.
	TypeInferenceResult = "inference:result"
	// TypeRunCycle triggers one driver poll cycle.
	TypeRunCycle = "orchestrator:run_cycle"
	// TypeCleanup triggers the terminal-task retention sweep.
	TypeCleanup = "tasks:cleanup"
)

// Queue names.
const (
	QueueCallbacks = "callbacks"
	QueueScheduler = "scheduler"
)

// InferenceResultPayload is the body of a TypeInferenceResult task and of the
// inference callback HTTP endpoint.
type InferenceResultPayload struct {
	TaskID  uuid.UUID               `json:"task_id"`
	JobType models.JobType          `json:"job_type"`
	Outcome models.InferenceOutcome `json:"outcome"`
	Prompt  string                  `json:"prompt"`
}

// Encode serializes p.
func (p InferenceResultPayload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode inference result for task %s: %w", p.TaskID, err)
	}
	return b, nil
}

// DecodeInferenceResult parses a TypeInferenceResult payload.
func DecodeInferenceResult(b []byte) (InferenceResultPayload, error) {
	var p InferenceResultPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode inference result: %w", err)
	}
	if p.TaskID == uuid.Nil {
		return p, fmt.Errorf("decode inference result: missing task_id")
	}
	return p, nil
}
