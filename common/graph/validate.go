package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

// WorkflowLookup resolves a workflow definition referenced by a
// subgraph node
type WorkflowLookup func(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error)

// Validator checks workflow definitions at save time. Rejecting a bad
// definition here is cheap; the same defect at runtime strands an
// execution mid-flight.
type Validator struct {
	lookup WorkflowLookup
}

// NewValidator creates a workflow validator. lookup may be nil when
// subgraph references cannot be resolved (offline validation).
func NewValidator(lookup WorkflowLookup) *Validator {
	return &Validator{lookup: lookup}
}

var nodeTypes = map[string]bool{
	models.NodeTypeOperator:       true,
	models.NodeTypeLLM:            true,
	models.NodeTypeSubgraph:       true,
	models.NodeTypeRouteCondition: true,
	models.NodeTypeHITP:           true,
	models.NodeTypeBranch:         true,
	models.NodeTypeLoop:           true,
	models.NodeTypeAggregator:     true,
	models.NodeTypeGovernor:       true,
	models.NodeTypeAgent:          true,
}

var edgeTypes = map[string]bool{
	models.EdgeTypeNormal:  true,
	models.EdgeTypeHITP:    true,
	models.EdgeTypeDynamic: true,
}

// Validate checks a workflow definition and returns a ValidationError
// naming every offending node
func (v *Validator) Validate(ctx context.Context, wf *models.Workflow) error {
	var problems []string
	var badNodes []string

	flag := func(nodeID, format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
		if nodeID != "" {
			badNodes = append(badNodes, nodeID)
		}
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			flag("", "node with empty id")
			continue
		}
		if seen[n.ID] {
			flag(n.ID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		if !nodeTypes[n.Type] {
			flag(n.ID, "node %q has unknown type %q", n.ID, n.Type)
		}
	}

	g := New(wf)

	for _, e := range wf.Edges {
		if !edgeTypes[e.Type] {
			flag("", "edge %s->%s has unknown type %q", e.Source, e.Target, e.Type)
		}
		if !seen[e.Source] {
			flag(e.Source, "edge references unknown source node %q", e.Source)
		}
		if !seen[e.Target] {
			flag(e.Target, "edge references unknown target node %q", e.Target)
		}
	}

	// A plain node with several static out-edges has no way to pick one
	// at runtime; only routing-capable node types may fan out.
	for _, n := range wf.Nodes {
		normalOut := 0
		for _, e := range g.OutEdges(n.ID) {
			if e.Type != models.EdgeTypeDynamic {
				normalOut++
			}
		}
		if normalOut <= 1 {
			continue
		}
		switch n.Type {
		case models.NodeTypeRouteCondition, models.NodeTypeBranch, models.NodeTypeLoop:
		default:
			flag(n.ID, "node %q has %d outgoing edges but type %q cannot route", n.ID, normalOut, n.Type)
		}
	}

	for _, n := range wf.Nodes {
		if n.Type != models.NodeTypeLoop {
			continue
		}
		cfg := parseLoopConfig(n.Config)
		if cfg.MaxIterations <= 0 && cfg.ExitCondition == "" {
			flag(n.ID, "loop node %q has neither max_iterations nor exit_condition", n.ID)
		}
		if cfg.BodyEntry != "" && !seen[cfg.BodyEntry] {
			flag(n.ID, "loop node %q body entry %q does not exist", n.ID, cfg.BodyEntry)
		}
	}

	// Cycles are legal only when owned by a loop node; anything else
	// would spin the driver forever.
	for _, comp := range g.SCCs() {
		if !g.IsCyclic(comp) {
			continue
		}
		hasLoop := false
		for _, id := range comp {
			if n, ok := g.Node(id); ok && n.Type == models.NodeTypeLoop {
				hasLoop = true
				break
			}
		}
		if !hasLoop {
			flag(comp[0], "cycle through %s has no loop node", strings.Join(comp, ", "))
		}
	}

	if err := v.checkSubgraphs(ctx, wf, map[string]bool{wf.WorkflowID: true}, flag); err != nil {
		return err
	}

	if len(problems) > 0 {
		return &errs.ValidationError{
			Msg:   strings.Join(problems, "; "),
			Nodes: badNodes,
		}
	}
	return nil
}

// checkSubgraphs resolves subgraph references recursively and flags
// unknown targets and reference cycles
func (v *Validator) checkSubgraphs(ctx context.Context, wf *models.Workflow, visiting map[string]bool, flag func(string, string, ...interface{})) error {
	for _, n := range wf.Nodes {
		if n.Type != models.NodeTypeSubgraph {
			continue
		}
		ref, _ := n.Config["workflow_id"].(string)
		if ref == "" {
			flag(n.ID, "subgraph node %q has no workflow_id", n.ID)
			continue
		}
		if visiting[ref] {
			flag(n.ID, "subgraph node %q creates a circular reference to %q", n.ID, ref)
			continue
		}
		if v.lookup == nil {
			continue
		}

		child, err := v.lookup(ctx, wf.OwnerID, ref)
		if err != nil {
			flag(n.ID, "subgraph node %q references unknown workflow %q", n.ID, ref)
			continue
		}

		visiting[ref] = true
		if err := v.checkSubgraphs(ctx, child, visiting, flag); err != nil {
			return err
		}
		delete(visiting, ref)
	}
	return nil
}

func parseLoopConfig(config map[string]interface{}) models.LoopConfig {
	var cfg models.LoopConfig
	if config == nil {
		return cfg
	}
	switch n := config["max_iterations"].(type) {
	case float64:
		cfg.MaxIterations = int(n)
	case int:
		cfg.MaxIterations = n
	}
	cfg.ExitCondition, _ = config["exit_condition"].(string)
	cfg.BodyEntry, _ = config["body_entry"].(string)
	return cfg
}
