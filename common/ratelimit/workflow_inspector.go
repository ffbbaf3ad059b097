package ratelimit

import "github.com/lyzr/stateflow/common/models"

// WorkflowTier represents the submit-limit tier derived from workflow
// complexity. Agent nodes dominate cost, so they drive the tier.
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No agent nodes
	TierStandard WorkflowTier = "standard" // 1-2 agent nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ agent nodes
)

// WorkflowProfile contains the complexity analysis of a workflow
type WorkflowProfile struct {
	Tier       WorkflowTier
	AgentCount int
	TotalNodes int
}

// InspectWorkflow determines the complexity tier of a definition
func InspectWorkflow(workflow *models.Workflow) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple}
	if workflow == nil {
		return profile
	}

	profile.TotalNodes = len(workflow.Nodes)
	for _, node := range workflow.Nodes {
		if node.Type == models.NodeTypeAgent {
			profile.AgentCount++
		}
	}

	profile.Tier = determineTier(profile.AgentCount)
	return profile
}

func determineTier(agentCount int) WorkflowTier {
	switch {
	case agentCount == 0:
		return TierSimple
	case agentCount <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}
