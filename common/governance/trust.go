package governance

import (
	"time"

	"github.com/lyzr/stateflow/common/models"
)

// Trust update tuning. The EMA is
//
//	T_new = clip01(T_old + dS - alpha*A)
//	dS    = dSBase * (1 + beta*streakRatio)
//
// where A is the anomaly score of this decision and streakRatio is the
// share of same-outcome decisions among the last streakWindow.
const (
	trustAlpha     = 0.5
	trustBeta      = 2.0
	streakWindow   = 10
	acceptBaseGain = 0.02
	rejectBaseLoss = -0.05
)

// UpdateTrust applies one governance decision to an agent's trust state
// and appends it to the bounded history
func UpdateTrust(state *models.TrustState, manifestID string, accepted bool, anomaly float64) {
	base := acceptBaseGain
	if !accepted {
		base = rejectBaseLoss
	}

	delta := base * (1 + trustBeta*streakRatio(state.History, accepted))
	score := state.CurrentScore + delta - trustAlpha*anomaly
	state.CurrentScore = clip01(score)

	if accepted {
		state.SuccessCount++
	} else {
		state.ViolationCount++
	}

	state.History = append(state.History, models.TrustEntry{
		ManifestID: manifestID,
		Score:      state.CurrentScore,
		Accepted:   accepted,
		Timestamp:  time.Now().UTC(),
	})
	if len(state.History) > streakWindow {
		state.History = state.History[len(state.History)-streakWindow:]
	}
	state.LastUpdated = time.Now().UTC()
}

// streakRatio is the share of recent decisions with the same outcome;
// a long run amplifies the update in that direction
func streakRatio(history []models.TrustEntry, outcome bool) float64 {
	if len(history) == 0 {
		return 0
	}
	window := history
	if len(window) > streakWindow {
		window = window[len(window)-streakWindow:]
	}
	same := 0
	for _, entry := range window {
		if entry.Accepted == outcome {
			same++
		}
	}
	return float64(same) / float64(len(window))
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
