package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lyzr/stateflow/common/models"
)

func wf(agentCount, otherCount int) *models.Workflow {
	w := &models.Workflow{}
	for i := 0; i < agentCount; i++ {
		w.Nodes = append(w.Nodes, models.Node{ID: "a", Type: models.NodeTypeAgent})
	}
	for i := 0; i < otherCount; i++ {
		w.Nodes = append(w.Nodes, models.Node{ID: "o", Type: models.NodeTypeOperator})
	}
	return w
}

func TestInspectWorkflowTiers(t *testing.T) {
	assert.Equal(t, TierSimple, InspectWorkflow(wf(0, 5)).Tier)
	assert.Equal(t, TierStandard, InspectWorkflow(wf(1, 3)).Tier)
	assert.Equal(t, TierStandard, InspectWorkflow(wf(2, 0)).Tier)
	assert.Equal(t, TierHeavy, InspectWorkflow(wf(3, 10)).Tier)
}

func TestInspectWorkflowCountsNodes(t *testing.T) {
	profile := InspectWorkflow(wf(2, 3))
	assert.Equal(t, 2, profile.AgentCount)
	assert.Equal(t, 5, profile.TotalNodes)
}

func TestInspectNilWorkflow(t *testing.T) {
	assert.Equal(t, TierSimple, InspectWorkflow(nil).Tier)
}

func TestUnknownTierFallsBackToHeavy(t *testing.T) {
	assert.Equal(t, DefaultTierConfigs[TierHeavy].Limit, GetLimitForTier(WorkflowTier("bogus")))
	assert.Equal(t, DefaultTierConfigs[TierHeavy].WindowSeconds, GetWindowForTier(WorkflowTier("bogus")))
}
