package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/stateflow/common/condition"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
)

// GovernorExecutor runs governor nodes: inline assertion checkpoints
// whose CEL expressions must all hold over the current state. A failed
// assertion fails the node; its error message names the expression so
// the heal classifier can act on it.
type GovernorExecutor struct {
	evaluator *condition.Evaluator
	logger    Logger
}

// NewGovernorExecutor creates a governor executor
func NewGovernorExecutor(evaluator *condition.Evaluator, logger Logger) *GovernorExecutor {
	return &GovernorExecutor{evaluator: evaluator, logger: logger}
}

// Execute evaluates every assertion in the node config against state
func (e *GovernorExecutor) Execute(ctx context.Context, node *models.Node, bag state.Bag) (*Output, error) {
	assertions, err := parseAssertions(node)
	if err != nil {
		return nil, err
	}

	for _, expr := range assertions {
		ok, err := e.evaluator.Evaluate(expr, bag)
		if err != nil {
			return nil, fmt.Errorf("governor %s: assertion %q: %w", node.ID, expr, err)
		}
		if !ok {
			return nil, fmt.Errorf("governor %s: assertion failed: %s", node.ID, expr)
		}
	}

	e.logger.Debug("governor passed", "node_id", node.ID, "assertions", len(assertions))
	return &Output{Delta: state.NewBag()}, nil
}

func parseAssertions(node *models.Node) ([]string, error) {
	raw, ok := node.Config["assertions"]
	if !ok {
		return nil, fmt.Errorf("governor %s: assertions are required", node.ID)
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("governor %s: assertions must be a list", node.ID)
	}

	exprs := make([]string, 0, len(list))
	for i, item := range list {
		expr, ok := item.(string)
		if !ok || expr == "" {
			return nil, fmt.Errorf("governor %s: assertion %d must be a non-empty string", node.ID, i)
		}
		exprs = append(exprs, expr)
	}
	return exprs, nil
}
