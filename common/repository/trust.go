package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/stateflow/common/db"
	"github.com/lyzr/stateflow/common/models"
)

// Trust scores start neutral; a fresh agent is optimistic but close to
// the strict threshold.
const initialTrustScore = 0.5

// TrustRepository handles per-agent reputation records
type TrustRepository struct {
	db *db.DB
}

// NewTrustRepository creates a new trust repository
func NewTrustRepository(database *db.DB) *TrustRepository {
	return &TrustRepository{db: database}
}

// Get retrieves the trust state for an agent, creating a neutral record
// on first sight
func (r *TrustRepository) Get(ctx context.Context, agentID string) (*models.TrustState, error) {
	query := `
		SELECT agent_id, current_score, history, success_count, violation_count, last_updated
		FROM trust_score
		WHERE agent_id = $1
	`

	state := &models.TrustState{}
	var history []byte
	err := r.db.QueryRow(ctx, query, agentID).Scan(
		&state.AgentID,
		&state.CurrentScore,
		&history,
		&state.SuccessCount,
		&state.ViolationCount,
		&state.LastUpdated,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.TrustState{AgentID: agentID, CurrentScore: initialTrustScore}, nil
		}
		return nil, fmt.Errorf("failed to get trust state: %w", err)
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &state.History); err != nil {
			return nil, fmt.Errorf("failed to decode trust history: %w", err)
		}
	}

	return state, nil
}

// Save upserts the trust state after a governance decision
func (r *TrustRepository) Save(ctx context.Context, state *models.TrustState) error {
	history, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("failed to marshal trust history: %w", err)
	}

	query := `
		INSERT INTO trust_score (agent_id, current_score, history, success_count, violation_count, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE
		SET current_score = EXCLUDED.current_score,
			history = EXCLUDED.history,
			success_count = EXCLUDED.success_count,
			violation_count = EXCLUDED.violation_count,
			last_updated = EXCLUDED.last_updated
	`

	_, err = r.db.Exec(ctx, query,
		state.AgentID,
		state.CurrentScore,
		history,
		state.SuccessCount,
		state.ViolationCount,
		state.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to save trust state: %w", err)
	}

	return nil
}
