package partition

import (
	"context"
	"errors"
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

func segmentNodeIDs(seg models.Segment) []string {
	ids := make([]string, 0, len(seg.Nodes))
	for _, n := range seg.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestPartitionLinearWorkflowSingleSegment(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("b"), op("c")},
		Edges:      []models.Edge{edge("a", "b"), edge("b", "c")},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 1)
	seg := pm.Segments[0]
	assert.Equal(t, 0, seg.SegmentID)
	assert.Equal(t, models.SegmentNormal, seg.Type)
	assert.Equal(t, "a", seg.EntryNode)
	assert.Equal(t, []string{"a", "b", "c"}, segmentNodeIDs(seg))
	assert.Equal(t, models.BoundaryTerminal, seg.ExitBoundary)
	assert.Equal(t, 1, pm.EstimatedExecutions)
}

func TestPartitionHITPBoundary(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), {ID: "gate", Type: models.NodeTypeHITP}, op("b")},
		Edges: []models.Edge{
			{Type: models.EdgeTypeHITP, Source: "a", Target: "gate"},
			edge("gate", "b"),
		},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 2)
	assert.Equal(t, models.BoundaryHITP, pm.Segments[0].ExitBoundary)
	assert.Equal(t, []string{"a"}, segmentNodeIDs(pm.Segments[0]))
	assert.Equal(t, models.SegmentHITP, pm.Segments[1].Type)
	assert.Equal(t, []string{"gate", "b"}, segmentNodeIDs(pm.Segments[1]))
	assert.Equal(t, models.BoundaryTerminal, pm.Segments[1].ExitBoundary)
}

func TestPartitionBranchFanOutBoundary(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			op("a"),
			{ID: "fan", Type: models.NodeTypeBranch},
			op("b1"), op("b2"),
		},
		Edges: []models.Edge{
			edge("a", "fan"),
			{Type: models.EdgeTypeDynamic, Source: "fan", Target: "b1"},
			{Type: models.EdgeTypeDynamic, Source: "fan", Target: "b2"},
		},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 2)
	assert.Equal(t, models.BoundaryFanout, pm.Segments[0].ExitBoundary)
	assert.Equal(t, []string{"a", "fan"}, segmentNodeIDs(pm.Segments[0]))
	assert.Equal(t, models.SegmentBranch, pm.Segments[1].Type)
}

func TestPartitionAsyncCallbackBoundary(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			{ID: "llm", Type: models.NodeTypeLLM, Config: map[string]interface{}{"async_callback": true}},
			op("after"),
		},
		Edges: []models.Edge{edge("llm", "after")},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 2)
	assert.Equal(t, models.BoundaryAsync, pm.Segments[0].ExitBoundary)
	assert.Equal(t, []string{"after"}, segmentNodeIDs(pm.Segments[1]))
}

func TestPartitionSubgraphBoundary(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			op("a"),
			{ID: "sub", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "child"}},
			op("after"),
		},
		Edges: []models.Edge{edge("a", "sub"), edge("sub", "after")},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 2)
	assert.Equal(t, models.BoundaryAsync, pm.Segments[0].ExitBoundary)
	assert.Equal(t, []string{"a", "sub"}, segmentNodeIDs(pm.Segments[0]))
	assert.Equal(t, []string{"after"}, segmentNodeIDs(pm.Segments[1]))
}

func TestPartitionTrailingLoopKeepsLoopBoundary(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			op("s"),
			{ID: "header", Type: models.NodeTypeLoop, Config: map[string]interface{}{"max_iterations": float64(3)}},
			op("body"),
		},
		Edges: []models.Edge{
			edge("s", "header"),
			edge("header", "body"),
			edge("body", "header"),
		},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 2)
	assert.Equal(t, models.BoundaryLoopBack, pm.Segments[1].ExitBoundary)
}

func TestPartitionLoopWeighting(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			op("pre"),
			{ID: "header", Type: models.NodeTypeLoop, Config: map[string]interface{}{
				"max_iterations": float64(5),
				"body_entry":     "body",
			}},
			op("body"),
			op("post"),
		},
		Edges: []models.Edge{
			edge("pre", "header"),
			edge("header", "body"),
			edge("body", "header"),
			edge("header", "post"),
		},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 3)
	loop := pm.Segments[1]
	assert.Equal(t, models.SegmentLoop, loop.Type)
	assert.Equal(t, "header", loop.EntryNode)
	assert.ElementsMatch(t, []string{"header", "body"}, segmentNodeIDs(loop))
	assert.Equal(t, models.BoundaryLoopBack, loop.ExitBoundary)

	// pre(1) + loop(5) + post(1)
	assert.Equal(t, 7, pm.EstimatedExecutions)
	require.Len(t, pm.LoopAnalysis, 1)
	assert.Equal(t, 5, pm.LoopAnalysis[0].MaxIterations)
	assert.Equal(t, 5, pm.LoopAnalysis[0].Weight)
}

func TestPartitionLoopWeightCapped(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			{ID: "header", Type: models.NodeTypeLoop, Config: map[string]interface{}{
				"max_iterations": float64(5000),
			}},
			op("body"),
		},
		Edges: []models.Edge{edge("header", "body"), edge("body", "header")},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, 100, pm.EstimatedExecutions)
}

func TestPartitionSegmentIDsDense(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes: []models.Node{
			op("a"),
			{ID: "gate", Type: models.NodeTypeHITP},
			{ID: "llm", Type: models.NodeTypeLLM, Config: map[string]interface{}{"async_callback": true}},
			op("z"),
		},
		Edges: []models.Edge{
			{Type: models.EdgeTypeHITP, Source: "a", Target: "gate"},
			edge("gate", "llm"),
			edge("llm", "z"),
		},
	}

	pm, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.NoError(t, err)

	require.Len(t, pm.Segments, 3)
	for i, seg := range pm.Segments {
		assert.Equal(t, i, seg.SegmentID)
	}
}

func TestPartitionSubgraphEstimate(t *testing.T) {
	child := &models.Workflow{
		WorkflowID: "child",
		Nodes: []models.Node{
			{ID: "header", Type: models.NodeTypeLoop, Config: map[string]interface{}{"max_iterations": float64(3)}},
			op("body"),
		},
		Edges: []models.Edge{edge("header", "body"), edge("body", "header")},
	}
	lookup := func(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
		if workflowID == "child" {
			return child, nil
		}
		return nil, errors.New("not found")
	}

	wf := &models.Workflow{
		WorkflowID: "parent",
		Nodes: []models.Node{
			{ID: "sub", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "child"}},
		},
	}

	pm, err := NewPartitioner(100, lookup).Partition(context.Background(), wf)
	require.NoError(t, err)
	// parent segment (1) + child loop estimate (3)
	assert.Equal(t, 4, pm.EstimatedExecutions)
}

func TestPartitionSubgraphCycleRejected(t *testing.T) {
	var defs map[string]*models.Workflow
	lookup := func(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
		return defs[workflowID], nil
	}
	defs = map[string]*models.Workflow{
		"a": {
			WorkflowID: "a",
			Nodes: []models.Node{
				{ID: "to-b", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "b"}},
			},
		},
		"b": {
			WorkflowID: "b",
			Nodes: []models.Node{
				{ID: "to-a", Type: models.NodeTypeSubgraph, Config: map[string]interface{}{"workflow_id": "a"}},
			},
		},
	}

	_, err := NewPartitioner(100, lookup).Partition(context.Background(), defs["a"])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRecursionLimit))
}

func TestPartitionCycleWithoutLoopNode(t *testing.T) {
	wf := &models.Workflow{
		WorkflowID: "wf-1",
		Nodes:      []models.Node{op("a"), op("b")},
		Edges:      []models.Edge{edge("a", "b"), edge("b", "a")},
	}

	_, err := NewPartitioner(100, nil).Partition(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}
