package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
	"github.com/lyzr/stateflow/common/template"
)

// OperatorExecutor runs operator nodes: the rendered "output" mapping
// of the node config becomes the node's state delta.
type OperatorExecutor struct {
	renderer *template.Renderer
	logger   Logger
}

// NewOperatorExecutor creates an operator executor
func NewOperatorExecutor(renderer *template.Renderer, logger Logger) *OperatorExecutor {
	return &OperatorExecutor{renderer: renderer, logger: logger}
}

// Execute renders the node's output mapping against the current state
func (e *OperatorExecutor) Execute(ctx context.Context, node *models.Node, bag state.Bag) (*Output, error) {
	raw, ok := node.Config["output"]
	if !ok {
		return &Output{Delta: state.NewBag()}, nil
	}

	mapping, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("operator %s: output config must be a mapping", node.ID)
	}

	rendered, err := e.renderer.RenderConfig(mapping, bag)
	if err != nil {
		return nil, fmt.Errorf("operator %s: %w", node.ID, err)
	}

	delta := state.NewBag()
	for k, v := range rendered {
		delta.Set(k, v)
	}

	e.logger.Debug("operator executed", "node_id", node.ID, "keys", len(delta))
	return &Output{Delta: delta}, nil
}
