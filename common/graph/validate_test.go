package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

func op(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeOperator}
}

func edge(source, target string) models.Edge {
	return models.Edge{Type: models.EdgeTypeNormal, Source: source, Target: target}
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("b"), op("c")},
		Edges:      []models.Edge{edge("a", "b"), edge("b", "c")},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	assert.NoError(t, err)
}

func TestValidateDanglingEdge(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a")},
		Edges:      []models.Edge{edge("a", "ghost")},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrValidation))

	var verr *errs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Nodes, "ghost")
}

func TestValidateDuplicateNodeID(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("a")},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateUnroutableFanOut(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("b"), op("c")},
		Edges:      []models.Edge{edge("a", "b"), edge("a", "c")},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot route")

	// The same shape under a route_condition node is fine
	wf.Nodes[0].Type = models.NodeTypeRouteCondition
	assert.NoError(t, NewValidator(nil).Validate(context.Background(), wf))
}

func TestValidateDynamicFanOutAllowed(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			{ID: "fan", Type: models.NodeTypeBranch},
			op("b1"), op("b2"),
		},
		Edges: []models.Edge{
			{Type: models.EdgeTypeDynamic, Source: "fan", Target: "b1"},
			{Type: models.EdgeTypeDynamic, Source: "fan", Target: "b2"},
		},
	}

	assert.NoError(t, NewValidator(nil).Validate(context.Background(), wf))
}

func TestValidateCycleWithoutLoopNode(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("b")},
		Edges:      []models.Edge{edge("a", "b"), edge("b", "a")},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no loop node")
}

func TestValidateLoopCycleAllowed(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			{ID: "header", Type: models.NodeTypeLoop, Config: map[string]interface{}{
				"max_iterations": float64(5),
				"body_entry":     "body",
			}},
			op("body"),
		},
		Edges: []models.Edge{edge("header", "body"), edge("body", "header")},
	}

	assert.NoError(t, NewValidator(nil).Validate(context.Background(), wf))
}

func TestValidateLoopWithoutBound(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			{ID: "header", Type: models.NodeTypeLoop},
		},
	}

	err := NewValidator(nil).Validate(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither max_iterations nor exit_condition")
}

func TestValidateSubgraphReferences(t *testing.T) {
	defs := map[string]*models.Workflow{
		"child": {
			WorkflowID: "child",
			Nodes:      []models.Node{op("c1")},
		},
		"self-ref": {
			WorkflowID: "self-ref",
			Nodes: []models.Node{
				{ID: "s", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "parent"}},
			},
		},
	}
	lookup := func(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
		wf, ok := defs[workflowID]
		if !ok {
			return nil, fmt.Errorf("not found")
		}
		return wf, nil
	}

	parent := &models.Workflow{
		WorkflowID: "parent",
		Nodes: []models.Node{
			{ID: "sub", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "child"}},
		},
	}
	assert.NoError(t, NewValidator(lookup).Validate(context.Background(), parent))

	parent.Nodes[0].Config["workflow_id"] = "missing"
	err := NewValidator(lookup).Validate(context.Background(), parent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow")

	// parent -> self-ref -> parent is a circular reference
	parent.Nodes[0].Config["workflow_id"] = "self-ref"
	err = NewValidator(lookup).Validate(context.Background(), parent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular reference")
}

func TestTopoOrderDeterministic(t *testing.T) {
	wf := &models.Workflow{
		Nodes: []models.Node{op("z"), op("a"), op("m"), op("k")},
		Edges: []models.Edge{edge("a", "m")},
	}

	order, err := New(wf).TopoOrder()
	require.NoError(t, err)
	// Disconnected components resolve by id
	assert.Equal(t, []string{"a", "k", "m", "z"}, order)
}
