package models

import "time"

// IdempotencyRecord guarantees at-most-once submit semantics.
// Maps to: idempotency table (primary idempotency_key, TTL enabled)
type IdempotencyRecord struct {
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         ExecutionStatus `db:"status" json:"status"`
	ExecutionARN   string          `db:"execution_arn" json:"execution_arn"`
	Output         []byte          `db:"output" json:"output,omitempty"`
	StopDate       *time.Time      `db:"stop_date" json:"stopDate,omitempty"`
	TTL            time.Time       `db:"ttl" json:"ttl"`
}
