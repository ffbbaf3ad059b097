package segment

import (
	"context"
	"fmt"

	"github.com/lyzr/stateflow/cmd/runner/executor"
	"github.com/lyzr/stateflow/common/condition"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/routing"
	"github.com/lyzr/stateflow/common/state"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Transition says what the driver must do after a segment run
type Transition string

const (
	// TransitionComplete continues to Result.NextSegment, or finalizes
	// when NextSegment is -1
	TransitionComplete Transition = "COMPLETE"

	// TransitionPausedForHITP suspends until a human decision arrives
	TransitionPausedForHITP Transition = "PAUSED_FOR_HITP"

	// TransitionBranchFanout spawns one child run per dynamic edge of
	// Result.BoundaryNode
	TransitionBranchFanout Transition = "BRANCH_FANOUT"

	// TransitionLoopContinue re-runs the same segment with an
	// incremented loop counter
	TransitionLoopContinue Transition = "LOOP_CONTINUE"

	// TransitionAsyncChildStarted suspends until the async callback for
	// Result.BoundaryNode fires
	TransitionAsyncChildStarted Transition = "ASYNC_CHILD_STARTED"
)

// Result is the outcome of running one segment to its boundary
type Result struct {
	Transition Transition

	// Delta accumulates every key the segment's nodes wrote
	Delta state.Bag

	// Output is the last model-producing node's output, kept for the
	// governance post-pass
	Output *executor.Output

	// NextSegment is the segment to run on COMPLETE, or -1 on terminal
	NextSegment int

	// BoundaryNode is the node that closed the segment: the hitp gate,
	// the fan-out node, or the async caller
	BoundaryNode *models.Node

	// LoopExited is set when a loop segment's exit condition held
	LoopExited bool
}

// Runner executes the nodes of one segment in routed order until the
// segment's exit boundary. Boundaries themselves are never executed
// here; the driver owns suspension, fan-out and loop bookkeeping.
type Runner struct {
	registry  *executor.Registry
	evaluator *condition.Evaluator
	logger    Logger
}

// NewRunner creates a segment runner
func NewRunner(registry *executor.Registry, evaluator *condition.Evaluator, logger Logger) *Runner {
	return &Runner{registry: registry, evaluator: evaluator, logger: logger}
}

// Run walks the segment from its entry node. The bag is not mutated;
// all writes land in Result.Delta.
func (r *Runner) Run(ctx context.Context, seg *models.Segment, bag state.Bag) (*Result, error) {
	resolver := routing.NewResolver(seg)
	work := bag.Clone()
	res := &Result{Delta: state.NewBag(), NextSegment: seg.SegmentID + 1}

	current := seg.EntryNode
	steps := 0
	maxSteps := len(seg.Nodes) + 1

	for current != routing.END {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if steps++; steps > maxSteps {
			return nil, fmt.Errorf("segment %d revisited nodes without a loop header: %w",
				seg.SegmentID, errs.ErrRoutingAmbiguity)
		}

		node := seg.NodeByID(current)
		if node == nil {
			return nil, fmt.Errorf("segment %d references unknown node %s: %w",
				seg.SegmentID, current, errs.ErrInvalidTarget)
		}

		stop, err := r.runNode(ctx, seg, node, work, res)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}

		next, err := resolver.Resolve(current, work, node.EffectiveRing())
		if err != nil {
			return nil, err
		}

		// A loop body's back edge re-enters the header; one pass through
		// the body is one iteration
		if seg.Type == models.SegmentLoop && next == seg.EntryNode {
			break
		}
		current = next
	}

	return res, r.finishBoundary(seg, work, res)
}

// runNode executes one node, or records it as the boundary. It returns
// stop=true when the walk must end at this node.
func (r *Runner) runNode(ctx context.Context, seg *models.Segment, node *models.Node, work state.Bag, res *Result) (bool, error) {
	switch node.Type {
	case models.NodeTypeRouteCondition:
		return false, r.routeCondition(node, work)

	case models.NodeTypeHITP, models.NodeTypeBranch:
		// Control markers: the human decision and the fan-out happen in
		// the driver around this run
		return false, nil

	case models.NodeTypeAggregator:
		// A branch walk ends at the merge point. After the driver
		// aggregates, it re-enters the segment AT the aggregator, which
		// then passes through.
		if node.ID != seg.EntryNode {
			res.BoundaryNode = node
			return true, nil
		}
		return false, nil

	case models.NodeTypeLoop:
		// The header only anchors the loop segment
		return false, nil

	case models.NodeTypeSubgraph:
		res.BoundaryNode = node
		return true, nil

	case models.NodeTypeLLM:
		if async, _ := node.Config["async_callback"].(bool); async {
			res.BoundaryNode = node
			return true, nil
		}
	}

	exec, err := r.registry.For(node.Type)
	if err != nil {
		return false, err
	}

	out, err := exec.Execute(ctx, node, work)
	if err != nil {
		return false, fmt.Errorf("segment %d node %s: %w", seg.SegmentID, node.ID, err)
	}

	for k, v := range out.Delta {
		work.Set(k, v)
		res.Delta.Set(k, v)
	}
	if out.Text != "" || out.AgentID != "" {
		res.Output = out
	}

	res.BoundaryNode = node
	return false, nil
}

// routeCondition evaluates the node's routes in order and emits the
// first match as a __next_node signal. No match falls through to the
// default target, then to plain edge resolution.
func (r *Runner) routeCondition(node *models.Node, work state.Bag) error {
	routes, _ := node.Config["routes"].([]interface{})
	for i, raw := range routes {
		route, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("route_condition %s: route %d must be a mapping", node.ID, i)
		}
		when, _ := route["when"].(string)
		target, _ := route["target"].(string)
		if when == "" || target == "" {
			return fmt.Errorf("route_condition %s: route %d needs when and target", node.ID, i)
		}

		matched, err := r.evaluator.Evaluate(when, work)
		if err != nil {
			return fmt.Errorf("route_condition %s: %w", node.ID, err)
		}
		if matched {
			work.Set(state.KeyNextNode, target)
			return nil
		}
	}

	if target, ok := node.Config["default_target"].(string); ok && target != "" {
		work.Set(state.KeyNextNode, target)
	}
	return nil
}

// finishBoundary maps the segment's exit boundary onto a transition
func (r *Runner) finishBoundary(seg *models.Segment, work state.Bag, res *Result) error {
	switch seg.ExitBoundary {
	case models.BoundaryTerminal:
		res.Transition = TransitionComplete
		res.NextSegment = -1

	case "":
		res.Transition = TransitionComplete

	case models.BoundaryHITP:
		res.Transition = TransitionPausedForHITP

	case models.BoundaryFanout:
		res.Transition = TransitionBranchFanout

	case models.BoundaryAsync:
		res.Transition = TransitionAsyncChildStarted

	case models.BoundaryLoopBack:
		exited, err := r.loopExited(seg, work)
		if err != nil {
			return err
		}
		res.LoopExited = exited
		if exited {
			res.Transition = TransitionComplete
		} else {
			res.Transition = TransitionLoopContinue
			res.NextSegment = seg.SegmentID
		}

	default:
		return fmt.Errorf("segment %d has unknown exit boundary %q", seg.SegmentID, seg.ExitBoundary)
	}
	return nil
}

// loopExited evaluates the loop's exit condition against the post-run
// state. A loop without an exit condition never exits here; the driver
// fails the execution when the iteration cap is hit without one.
func (r *Runner) loopExited(seg *models.Segment, work state.Bag) (bool, error) {
	if seg.Loop == nil || seg.Loop.ExitCondition == "" {
		return false, nil
	}
	ok, err := r.evaluator.Evaluate(seg.Loop.ExitCondition, work)
	if err != nil {
		return false, fmt.Errorf("segment %d loop exit condition: %w", seg.SegmentID, err)
	}
	return ok, nil
}
