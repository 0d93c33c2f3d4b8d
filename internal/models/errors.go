package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")

	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyRefunded     = errors.New("credits already refunded")
	ErrTerminal            = errors.New("task already terminal")
)

// TransientError is a recoverable handler failure; the retry policy decides
// whether the task runs again.
type TransientError struct {
	TaskID uuid.UUID
	State  TaskState
	Op     string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError fails the task immediately regardless of retries left.
type TerminalError struct {
	TaskID uuid.UUID
	State  TaskState
	Op     string
	Err    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// TimeoutError reports an external call that exceeded its deadline.
type TimeoutError struct {
	TaskID uuid.UUID
	Op     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout after %s", e.Op, e.After)
}

// IsTerminalError reports whether err must fail the task without retry.
func IsTerminalError(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
