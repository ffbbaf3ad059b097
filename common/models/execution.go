package models

import "time"

// ExecutionStatus represents the status of a workflow execution
type ExecutionStatus string

const (
	StatusStarted       ExecutionStatus = "STARTED"
	StatusRunning       ExecutionStatus = "RUNNING"
	StatusPausedForHITP ExecutionStatus = "PAUSED_FOR_HITP"
	StatusWaiting       ExecutionStatus = "WAITING_FOR_CALLBACK"
	StatusSucceeded     ExecutionStatus = "SUCCEEDED"
	StatusCompleted     ExecutionStatus = "COMPLETED" // partial-success aggregate
	StatusFailed        ExecutionStatus = "FAILED"
	StatusTimedOut      ExecutionStatus = "TIMED_OUT"
	StatusAborted       ExecutionStatus = "ABORTED"
)

// IsTerminal reports whether the status is a terminal state
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusCompleted, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

// Execution is one run of a workflow.
// Maps to: execution table (partition owner_id, sort execution_arn,
// GSI OwnerIdStartDateIndex)
type Execution struct {
	ExecutionARN      string          `db:"execution_arn" json:"execution_arn"`
	OwnerID           string          `db:"owner_id" json:"owner_id"`
	WorkflowID        string          `db:"workflow_id" json:"workflow_id"`
	Status            ExecutionStatus `db:"status" json:"status"`
	StartDate         time.Time       `db:"start_date" json:"startDate"`
	StopDate          *time.Time      `db:"stop_date" json:"stopDate,omitempty"`
	Input             []byte          `db:"input" json:"input,omitempty"`
	Output            []byte          `db:"output" json:"output,omitempty"`
	ErrorCode         string          `db:"error_code" json:"error,omitempty"`
	ErrorMessage      string          `db:"error_message" json:"message,omitempty"`
	CurrentManifestID string          `db:"current_manifest_id" json:"current_manifest_id,omitempty"`
	HealingCount      int             `db:"healing_count" json:"healing_count"`
	IdempotencyKey    string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ExpirationTS      *time.Time      `db:"expiration_ts" json:"expiration_ts,omitempty"`

	// Bounded history of driver steps, oldest first
	StateHistory []ExecutionStep `db:"state_history" json:"step_function_state,omitempty"`
}

// ExecutionStep is one bounded history entry on the execution record
type ExecutionStep struct {
	SegmentID  int       `json:"segment_id"`
	Transition string    `json:"transition"`
	Timestamp  time.Time `json:"timestamp"`
}
