package models

import "time"

// TaskToken suspends an execution at a human-in-the-loop gate.
// Created on HITP enter, deleted on resume or timeout.
// Maps to: task_token table (primary conversation_id)
type TaskToken struct {
	ConversationID    string    `db:"conversation_id" json:"conversation_id"`
	TaskToken         string    `db:"task_token" json:"task_token"`
	OwnerID           string    `db:"owner_id" json:"owner_id"`
	ExecutionARN      string    `db:"execution_arn" json:"execution_arn"`
	ParentExecutionID string    `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	ChunkID           string    `db:"chunk_id" json:"chunk_id,omitempty"`
	WorkflowID        string    `db:"workflow_id" json:"workflow_config_ref"`
	PausedSegmentID   int       `db:"paused_segment_id" json:"paused_segment_id"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}
