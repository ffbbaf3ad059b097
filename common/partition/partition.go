package partition

import (
	"context"
	"fmt"
	"sort"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/graph"
	"github.com/lyzr/stateflow/common/models"
)

// Partitioner splits a validated workflow DAG into ordered segments at
// suspension boundaries and estimates execution volume for quota/ETA
type Partitioner struct {
	globalLoopCap int
	lookup        graph.WorkflowLookup
	maxDepth      int
}

// NewPartitioner creates a partitioner. lookup resolves subgraph
// references for estimation; nil skips subgraph recursion.
func NewPartitioner(globalLoopCap int, lookup graph.WorkflowLookup) *Partitioner {
	return &Partitioner{
		globalLoopCap: globalLoopCap,
		lookup:        lookup,
		maxDepth:      10,
	}
}

// Partition produces the ordered segment list for a workflow
func (p *Partitioner) Partition(ctx context.Context, wf *models.Workflow) (*models.PartitionMap, error) {
	return p.partition(ctx, wf, map[string]bool{wf.WorkflowID: true}, 0)
}

func (p *Partitioner) partition(ctx context.Context, wf *models.Workflow, visiting map[string]bool, depth int) (*models.PartitionMap, error) {
	if depth > p.maxDepth {
		return nil, fmt.Errorf("subgraph nesting exceeds %d levels: %w", p.maxDepth, errs.ErrRecursionLimit)
	}

	g := graph.New(wf)

	loops, err := p.findLoops(g)
	if err != nil {
		return nil, err
	}

	order, err := p.acyclicOrder(g, loops)
	if err != nil {
		return nil, err
	}

	segments := p.cutSegments(g, order, loops)

	pm := &models.PartitionMap{Segments: segments}
	for i := range pm.Segments {
		seg := &pm.Segments[i]
		weight := 1
		if seg.Type == models.SegmentLoop && seg.Loop != nil {
			iters := seg.Loop.MaxIterations
			if iters <= 0 || iters > p.globalLoopCap {
				iters = p.globalLoopCap
			}
			weight = iters
			pm.LoopAnalysis = append(pm.LoopAnalysis, models.LoopAnalysis{
				HeaderNode:    seg.EntryNode,
				BodySegments:  1,
				MaxIterations: iters,
				Weight:        weight,
			})
		}
		pm.EstimatedExecutions += weight
	}

	// Subgraph nodes contribute their child estimate; references are
	// cycle-guarded so a definition cannot inflate itself recursively.
	for _, n := range wf.Nodes {
		if n.Type != models.NodeTypeSubgraph || p.lookup == nil {
			continue
		}
		ref, _ := n.Config["workflow_id"].(string)
		if ref == "" {
			continue
		}
		if visiting[ref] {
			return nil, fmt.Errorf("subgraph node %s cycles back to workflow %s: %w", n.ID, ref, errs.ErrRecursionLimit)
		}
		child, err := p.lookup(ctx, wf.OwnerID, ref)
		if err != nil {
			return nil, fmt.Errorf("subgraph node %s: failed to resolve workflow %s: %w", n.ID, ref, err)
		}
		visiting[ref] = true
		childMap, err := p.partition(ctx, child, visiting, depth+1)
		if err != nil {
			return nil, err
		}
		delete(visiting, ref)
		pm.EstimatedExecutions += childMap.EstimatedExecutions
	}

	return pm, nil
}

// loopInfo describes one cyclic component owned by a loop node
type loopInfo struct {
	header  string
	members map[string]bool
	config  models.LoopConfig
}

// findLoops maps every node of a cyclic component to its loop
func (p *Partitioner) findLoops(g *graph.Graph) (map[string]*loopInfo, error) {
	byNode := make(map[string]*loopInfo)
	for _, comp := range g.SCCs() {
		if !g.IsCyclic(comp) {
			continue
		}
		var header *models.Node
		for _, id := range comp {
			if n, ok := g.Node(id); ok && n.Type == models.NodeTypeLoop {
				header = n
				break
			}
		}
		if header == nil {
			return nil, errs.NewValidation("cycle has no loop node", comp...)
		}
		info := &loopInfo{
			header:  header.ID,
			members: make(map[string]bool, len(comp)),
			config:  parseLoopConfig(header.Config),
		}
		for _, id := range comp {
			info.members[id] = true
			byNode[id] = info
		}
	}
	return byNode, nil
}

// acyclicOrder is the deterministic topological order with loop
// back-edges (edges re-entering a loop header from inside its own
// component) removed
func (p *Partitioner) acyclicOrder(g *graph.Graph, loops map[string]*loopInfo) ([]string, error) {
	reduced := &models.Workflow{Nodes: g.Workflow.Nodes}
	for _, e := range g.Workflow.Edges {
		if info, ok := loops[e.Target]; ok && info.header == e.Target && info.members[e.Source] {
			continue
		}
		reduced.Edges = append(reduced.Edges, e)
	}

	order, err := graph.New(reduced).TopoOrder()
	if err != nil {
		return nil, errs.NewValidation("workflow graph is not orderable")
	}
	return order, nil
}

// cutSegments walks the order and closes a segment at every suspension
// boundary. Boundaries fall strictly between segments.
func (p *Partitioner) cutSegments(g *graph.Graph, order []string, loops map[string]*loopInfo) []models.Segment {
	var segments []models.Segment

	var current *models.Segment
	open := func(t models.SegmentType, entry string) {
		segments = append(segments, models.Segment{
			SegmentID: len(segments),
			Type:      t,
			EntryNode: entry,
		})
		current = &segments[len(segments)-1]
	}
	closeSeg := func(boundary models.BoundaryKind, nextType models.SegmentType) models.SegmentType {
		if current != nil {
			current.ExitBoundary = boundary
			current = nil
		}
		return nextType
	}

	nextType := models.SegmentNormal
	for i, id := range order {
		node, _ := g.Node(id)

		// A loop header opens its own segment
		if info, ok := loops[id]; ok && info.header == id {
			// The boundary falls before the header; the preceding segment
			// ends as plain sequential flow
			nextType = closeSeg("", models.SegmentNormal)
			open(models.SegmentLoop, id)
			cfg := info.config
			current.Loop = &cfg

			// Pull every member of the loop body into this segment, in
			// order, and skip them in the outer walk
			current.Nodes = append(current.Nodes, *node)
			for _, rest := range order[i+1:] {
				if info.members[rest] {
					if m, ok := g.Node(rest); ok {
						current.Nodes = append(current.Nodes, *m)
					}
				}
			}
			p.captureEdges(g, current)
			nextType = closeSeg(models.BoundaryLoopBack, models.SegmentNormal)
			continue
		}
		if info, ok := loops[id]; ok && info.header != id {
			// Body member, already captured by its header's segment
			continue
		}

		if current == nil {
			open(nextType, id)
			nextType = models.SegmentNormal
		}
		current.Nodes = append(current.Nodes, *node)

		switch {
		case hasEdgeOfType(g.OutEdges(id), models.EdgeTypeHITP):
			p.captureEdges(g, current)
			nextType = closeSeg(models.BoundaryHITP, models.SegmentHITP)
		case countEdgesOfType(g.OutEdges(id), models.EdgeTypeDynamic) >= 2:
			p.captureEdges(g, current)
			nextType = closeSeg(models.BoundaryFanout, models.SegmentBranch)
		case isAsyncCallback(node) || node.Type == models.NodeTypeSubgraph:
			p.captureEdges(g, current)
			nextType = closeSeg(models.BoundaryAsync, models.SegmentNormal)
		}
	}

	if current != nil {
		p.captureEdges(g, current)
		closeSeg(models.BoundaryTerminal, models.SegmentNormal)
	} else if len(segments) > 0 && segments[len(segments)-1].ExitBoundary == "" {
		segments[len(segments)-1].ExitBoundary = models.BoundaryTerminal
	}

	return segments
}

// captureEdges copies the edges internal to the segment's node set
func (p *Partitioner) captureEdges(g *graph.Graph, seg *models.Segment) {
	inSeg := make(map[string]bool, len(seg.Nodes))
	for _, n := range seg.Nodes {
		inSeg[n.ID] = true
	}
	for _, n := range seg.Nodes {
		for _, e := range g.OutEdges(n.ID) {
			if inSeg[e.Target] {
				seg.Edges = append(seg.Edges, e)
			}
		}
	}
	sort.Slice(seg.Edges, func(i, j int) bool {
		if seg.Edges[i].Source != seg.Edges[j].Source {
			return seg.Edges[i].Source < seg.Edges[j].Source
		}
		return seg.Edges[i].Target < seg.Edges[j].Target
	})
}

func hasEdgeOfType(edges []models.Edge, t string) bool {
	for _, e := range edges {
		if e.Type == t {
			return true
		}
	}
	return false
}

func countEdgesOfType(edges []models.Edge, t string) int {
	n := 0
	for _, e := range edges {
		if e.Type == t {
			n++
		}
	}
	return n
}

func isAsyncCallback(n *models.Node) bool {
	if n.Type != models.NodeTypeLLM || n.Config == nil {
		return false
	}
	async, _ := n.Config["async_callback"].(bool)
	return async
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
