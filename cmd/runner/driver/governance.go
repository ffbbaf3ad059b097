package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/stateflow/cmd/runner/segment"
	"github.com/lyzr/stateflow/common/governance"
	"github.com/lyzr/stateflow/common/heal"
	"github.com/lyzr/stateflow/common/models"
)

// agentOutput builds the governance view of a segment result, or nil
// when no agent ran
func (d *Driver) agentOutput(r *run, res *segment.Result) *governance.AgentOutput {
	if res.Output == nil || res.Output.AgentID == "" {
		return nil
	}
	nodeID := ""
	if res.BoundaryNode != nil {
		nodeID = res.BoundaryNode.ID
	}
	return &governance.AgentOutput{
		AgentID:        res.Output.AgentID,
		NodeID:         nodeID,
		Delta:          res.Delta,
		Text:           res.Output.Text,
		AccruedCostUSD: r.accruedCost,
	}
}

// strictPrePass checks a low-trust agent's output before its delta
// commits. A rejection costs nothing to roll back; the feedback commits
// as heal advice and the segment retries.
func (d *Driver) strictPrePass(ctx context.Context, r *run, res *segment.Result) (bool, error) {
	out := d.agentOutput(r, res)
	if out == nil || d.ring == nil {
		return false, nil
	}

	mode, err := d.ring.Mode(ctx, out.AgentID)
	if err != nil {
		return false, err
	}
	if mode != models.ModeStrict {
		return false, nil
	}

	decision, err := d.ring.PostPass(ctx, d.policyFor(res.BoundaryNode), out, r.exec.ExecutionARN, "")
	if err != nil {
		return false, err
	}
	if decision.Accepted {
		return false, nil
	}

	return true, d.governanceRetry(ctx, r, decision)
}

// optimisticPostPass checks a trusted agent's output after its delta
// already committed. A rejection rolls the state back to the previous
// manifest before the retry.
func (d *Driver) optimisticPostPass(ctx context.Context, r *run, res *segment.Result) (bool, error) {
	out := d.agentOutput(r, res)
	if out == nil || d.ring == nil {
		return false, nil
	}

	mode, err := d.ring.Mode(ctx, out.AgentID)
	if err != nil {
		return false, err
	}
	if mode == models.ModeStrict {
		// Already decided by the pre-pass
		return false, nil
	}

	decision, err := d.ring.PostPass(ctx, d.policyFor(res.BoundaryNode), out, r.exec.ExecutionARN, r.manifestID)
	if err != nil {
		return false, err
	}
	if decision.Accepted {
		return false, nil
	}

	if decision.RestoredManifest != nil {
		restored, err := d.kernel.Hydrate(ctx, r.exec.ExecutionARN, decision.RestoredManifest.ManifestID)
		if err != nil {
			return false, fmt.Errorf("rollback hydration: %w", err)
		}
		r.bag = restored
		r.manifestID = decision.RestoredManifest.ManifestID
	}

	return true, d.governanceRetry(ctx, r, decision)
}

// governanceRetry commits the rejection feedback as heal advice so the
// agent's next attempt sees it. The heal breaker bounds these retries.
func (d *Driver) governanceRetry(ctx context.Context, r *run, decision *governance.Decision) error {
	if r.exec.HealingCount >= heal.MaxHealAttempts {
		return fmt.Errorf("agent output rejected %d times: %s",
			r.exec.HealingCount, firstViolation(decision))
	}

	if err := d.commitAdvice(ctx, r, r.bag.SegmentToRun(), "guardrail violation", decision.Feedback); err != nil {
		return err
	}

	d.logger.Info("governance retry",
		"execution_arn", r.exec.ExecutionARN,
		"violations", len(decision.Violations),
		"healing_count", r.exec.HealingCount)
	return nil
}

// policyFor derives the guardrail policy from the agent node's config,
// falling back to platform defaults
func (d *Driver) policyFor(node *models.Node) governance.Policy {
	policy := governance.DefaultPolicy()
	if node == nil || node.Config == nil {
		return policy
	}

	if v, ok := node.Config["cost_cap_usd"].(float64); ok && v > 0 {
		policy.CostCapUSD = v
	}
	if v, ok := node.Config["max_output_bytes"].(float64); ok && v > 0 {
		policy.MaxOutputBytes = int(v)
	}

	if raw, ok := node.Config["articles"]; ok {
		data, err := json.Marshal(raw)
		if err == nil {
			var articles []governance.Article
			if err := json.Unmarshal(data, &articles); err == nil {
				policy.Articles = articles
			}
		}
	}
	return policy
}

func firstViolation(decision *governance.Decision) string {
	for _, v := range decision.Violations {
		return v.Error()
	}
	return "no violation detail"
}
