package models

/*
Task state/status/type constants for use throughout the codebase.
Centralizing these avoids magic strings; the state list doubles as the
pipeline order used by the driver.
*/

// TaskState is a task's position in the processing pipeline.
type TaskState string

const (
	StatePending             TaskState = "pending"
	StateDownloading         TaskState = "downloading"
	StateDownloaded          TaskState = "downloaded"
	StateInferenceCalling    TaskState = "inference-calling"
	StateInferenceProcessing TaskState = "inference-processing"
	StateInferenceCompleted  TaskState = "inference-completed"
	StatePostProcessing      TaskState = "post-processing"
	StateUploading           TaskState = "uploading"
	StateCompleted           TaskState = "completed"
	StateFailed              TaskState = "failed"
	StateCancelled           TaskState = "cancelled"
)

// ProcessingStates lists the non-terminal states in pipeline order.
var ProcessingStates = []TaskState{
	StatePending,
	StateDownloading,
	StateDownloaded,
	StateInferenceCalling,
	StateInferenceProcessing,
	StateInferenceCompleted,
	StatePostProcessing,
	StateUploading,
}

// AllStates lists every state, terminal ones last.
var AllStates = append(append([]TaskState{}, ProcessingStates...), StateCompleted, StateFailed, StateCancelled)

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Rank returns the pipeline position of s, or -1 for unknown states.
// Terminal states share the highest rank.
func (s TaskState) Rank() int {
	for i, known := range ProcessingStates {
		if s == known {
			return i
		}
	}
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return len(ProcessingStates)
	}
	return -1
}

// TaskStatus is the coarse lifecycle flag exposed to external consumers.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// AllStatuses lists every status.
var AllStatuses = []TaskStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// TerminalStatuses are the statuses after which a task is never mutated again.
var TerminalStatuses = []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further mutation is permitted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StatusForState derives the external status from an internal state.
func StatusForState(s TaskState) TaskStatus {
	switch s {
	case StatePending:
		return StatusPending
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusProcessing
	}
}

// JobType is the enumerated kind of generation job.
type JobType string

const (
	JobTypePhotography JobType = "photography"
	JobTypeFitting     JobType = "fitting"
	JobTypeAvatar      JobType = "avatar"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{JobTypePhotography, JobTypeFitting, JobTypeAvatar}

// Valid reports whether t is a supported job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypePhotography, JobTypeFitting, JobTypeAvatar:
		return true
	}
	return false
}

// Credit ledger entry kinds.
const (
	CreditKindDebit  = "debit"
	CreditKindRefund = "refund"
	CreditKindGrant  = "grant"
)

// Refund reasons recorded on the ledger.
const (
	RefundReasonMaxRetries     = "max_retries"
	RefundReasonTerminalError  = "terminal_error"
	RefundReasonCancelled      = "cancelled"
	RefundReasonCallbackFailed = "callback_failed"
	RefundReasonSubmitFailed   = "submit_failed"
)
