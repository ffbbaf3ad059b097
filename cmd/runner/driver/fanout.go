package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lyzr/stateflow/cmd/runner/segment"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
)

// branchResult is one branch outcome, indexed for ordered aggregation
type branchResult struct {
	index int
	delta state.Bag
	err   error
}

// fanOut runs one branch per dynamic edge of the fan-out node, bounded
// by the concurrency limit, then aggregates the deltas through the
// kernel. Execution continues at the aggregator node.
func (d *Driver) fanOut(ctx context.Context, r *run, seg *models.Segment, res *segment.Result) error {
	if res.BoundaryNode == nil {
		return fmt.Errorf("fan-out boundary without a fan-out node: %w", errs.ErrValidation)
	}
	targets := dynamicTargets(r.wf, res.BoundaryNode.ID)
	if len(targets) < 2 {
		return fmt.Errorf("fan-out node %s has %d dynamic edges, need at least 2: %w",
			res.BoundaryNode.ID, len(targets), errs.ErrValidation)
	}

	branchIdx := seg.SegmentID + 1
	if branchIdx >= len(r.pm.Segments) {
		return fmt.Errorf("fan-out at the last segment: %w", errs.ErrValidation)
	}
	branchSeg := &r.pm.Segments[branchIdx]

	aggNode := aggregatorOf(branchSeg)
	if aggNode == nil {
		return errs.NewValidation("fan-out has no aggregator to merge at", res.BoundaryNode.ID)
	}
	aggCfg := parseAggregatorConfig(aggNode)

	deltas := make([]state.Bag, len(targets))
	var branchErrors []state.BranchError

	// Chunking bounds peak goroutine count on large estimates; within a
	// chunk, the semaphore bounds concurrent branch runs
	chunkSize := len(targets)
	if r.pm.EstimatedExecutions > d.cfg.ChunkThreshold && d.cfg.ChunkSize > 0 {
		chunkSize = d.cfg.ChunkSize
	}

	for start := 0; start < len(targets); start += chunkSize {
		end := start + chunkSize
		if end > len(targets) {
			end = len(targets)
		}
		for _, br := range d.runChunk(ctx, r, branchSeg, targets[start:end], start) {
			if br.err != nil {
				branchErrors = append(branchErrors, state.BranchError{
					BranchIndex: br.index,
					NodeID:      targets[br.index],
					Message:     br.err.Error(),
				})
				continue
			}
			deltas[br.index] = br.delta
		}
	}

	if len(branchErrors) > 0 && !aggCfg.AllowFailure {
		return fmt.Errorf("branch %d failed: %s", branchErrors[0].BranchIndex, branchErrors[0].Message)
	}

	// Failed branches leave nil deltas; compact so aggregation sees only
	// completed branches, still in branch order
	compacted := make([]state.Bag, 0, len(deltas))
	for _, delta := range deltas {
		if delta != nil {
			compacted = append(compacted, delta)
		}
	}

	report := state.NewBag()
	report.Set(reportKey(aggCfg), aggregationReport(len(targets), branchErrors))

	out, err := d.kernel.Sync(ctx, &state.Request{
		Base:         r.bag,
		Delta:        report,
		Action:       state.ActionAggregate,
		BranchDeltas: compacted,
		BranchErrors: branchErrors,
		Reducers:     aggCfg.Reducers,
		Context:      d.syncContextWithPrev(r, branchSeg.SegmentID, r.manifestID),
	})
	if err != nil {
		return err
	}

	r.bag = out.State
	r.manifestID = out.Manifest.ManifestID
	r.entryOverride = aggNode.ID

	d.logger.Info("branches aggregated",
		"execution_arn", r.exec.ExecutionARN,
		"branches", len(targets),
		"failed", len(branchErrors))
	return nil
}

// runChunk executes one chunk of branches under the concurrency limit
func (d *Driver) runChunk(ctx context.Context, r *run, branchSeg *models.Segment, targets []string, offset int) []branchResult {
	concurrency := d.concurrencyFor(r.bag)
	sem := make(chan struct{}, concurrency)
	results := make([]branchResult, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			index := offset + i
			seg := *branchSeg
			seg.EntryNode = target

			bag := r.bag.Clone()
			bag.Set("branch_index", index)
			bag.Set(state.KeyDistributedMode, true)

			runCtx, cancel := context.WithTimeout(ctx, d.cfg.SegmentTimeout)
			defer cancel()

			res, err := d.runner.Run(runCtx, &seg, bag)
			if err != nil {
				results[i] = branchResult{index: index, err: err}
				return
			}
			results[i] = branchResult{index: index, delta: res.Delta}
		}(i, target)
	}
	wg.Wait()

	return results
}

// concurrencyFor applies the per-execution max_concurrency override,
// never exceeding the platform limit
func (d *Driver) concurrencyFor(bag state.Bag) int {
	limit := d.cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	if v, ok := bag.GetDefault(state.KeyMaxConcurrency, nil).(float64); ok {
		if n := int(v); n >= 1 && n < limit {
			limit = n
		}
	}
	return limit
}

// dynamicTargets returns the fan-out targets in definition order
func dynamicTargets(wf *models.Workflow, nodeID string) []string {
	var targets []string
	for _, e := range wf.Edges {
		if e.Source == nodeID && e.Type == models.EdgeTypeDynamic {
			targets = append(targets, e.Target)
		}
	}
	return targets
}

// aggregatorOf finds the merge node of a branch segment
func aggregatorOf(seg *models.Segment) *models.Node {
	for i := range seg.Nodes {
		if seg.Nodes[i].Type == models.NodeTypeAggregator {
			return &seg.Nodes[i]
		}
	}
	return nil
}

// defaultReportKey is where the aggregation report lands when the
// aggregator config names no output key
const defaultReportKey = "aggregation_report"

func reportKey(cfg models.AggregatorConfig) string {
	if cfg.OutputKey != "" {
		return cfg.OutputKey
	}
	return defaultReportKey
}

// aggregationReport summarizes a fan-out for the aggregated state:
// COMPLETED when every branch landed, PARTIAL when allow_failure
// tolerated losses
func aggregationReport(total int, branchErrors []state.BranchError) map[string]interface{} {
	status := "COMPLETED"
	reasons := []interface{}{}
	for _, be := range branchErrors {
		reasons = append(reasons, be.Message)
	}
	if len(branchErrors) > 0 {
		status = "PARTIAL"
	}
	return map[string]interface{}{
		"status":            status,
		"total_chunks":      total,
		"successful_chunks": total - len(branchErrors),
		"failed_chunks":     len(branchErrors),
		"failed_reasons":    reasons,
	}
}

// parseAggregatorConfig decodes reducer overrides and the failure policy
func parseAggregatorConfig(node *models.Node) models.AggregatorConfig {
	var cfg models.AggregatorConfig
	if node.Config == nil {
		return cfg
	}
	data, err := json.Marshal(node.Config)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(data, &cfg)
	return cfg
}
