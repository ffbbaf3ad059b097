package models

import "time"

// GovernanceMode selects how strictly agent output is policed
type GovernanceMode string

const (
	ModeStrict     GovernanceMode = "STRICT"
	ModeOptimistic GovernanceMode = "OPTIMISTIC"
)

// TrustState is the per-agent reputation record.
// Maps to: trust_score table (primary agent_id)
type TrustState struct {
	AgentID        string       `db:"agent_id" json:"agent_id"`
	CurrentScore   float64      `db:"current_score" json:"current_score"` // in [0,1]
	History        []TrustEntry `db:"history" json:"history"`
	SuccessCount   int          `db:"success_count" json:"success_count"`
	ViolationCount int          `db:"violation_count" json:"violation_count"`
	LastUpdated    time.Time    `db:"last_updated" json:"last_updated"`
}

// TrustEntry is one scored decision in the agent's history
type TrustEntry struct {
	ManifestID string    `json:"manifest_id"`
	Score      float64   `json:"score"`
	Accepted   bool      `json:"accepted"`
	Timestamp  time.Time `json:"timestamp"`
}

// Mode returns STRICT below 0.4, OPTIMISTIC otherwise
func (t *TrustState) Mode() GovernanceMode {
	if t.CurrentScore < 0.4 {
		return ModeStrict
	}
	return ModeOptimistic
}
