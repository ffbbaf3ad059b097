package routing

import (
	"fmt"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
)

// END is the terminal routing target
const END = "END"

// Resolver decides the next node after one finishes. Targets are
// checked against the segment's node set and the caller's ring level.
type Resolver struct {
	validTargets map[string]*models.Node
	outEdges     map[string][]models.Edge
}

// NewResolver indexes a segment for O(1) target lookups
func NewResolver(seg *models.Segment) *Resolver {
	r := &Resolver{
		validTargets: make(map[string]*models.Node, len(seg.Nodes)),
		outEdges:     make(map[string][]models.Edge),
	}
	for i := range seg.Nodes {
		n := &seg.Nodes[i]
		r.validTargets[n.ID] = n
	}
	for _, e := range seg.Edges {
		r.outEdges[e.Source] = append(r.outEdges[e.Source], e)
	}
	return r
}

// Resolve returns the next node id, or END when the segment's flow
// finishes. callerRing is the ring level of the node that just ran.
//
// Priority: an explicit __next_node control signal wins, then a single
// normal out-edge, then END on no edges. Several out-edges without a
// signal is an authoring error.
func (r *Resolver) Resolve(currentNode string, bag state.Bag, callerRing models.Ring) (string, error) {
	if target, ok := bag.PopNextNode(); ok {
		if err := r.checkTarget(target, callerRing); err != nil {
			return "", err
		}
		return target, nil
	}

	var normal []models.Edge
	for _, e := range r.outEdges[currentNode] {
		if e.Type == models.EdgeTypeNormal {
			normal = append(normal, e)
		}
	}

	switch len(normal) {
	case 0:
		return END, nil
	case 1:
		if err := r.checkTarget(normal[0].Target, callerRing); err != nil {
			return "", err
		}
		return normal[0].Target, nil
	default:
		return "", fmt.Errorf("node %s has %d outgoing edges and no __next_node: %w",
			currentNode, len(normal), errs.ErrRoutingAmbiguity)
	}
}

// checkTarget validates existence and ring policy
func (r *Resolver) checkTarget(target string, callerRing models.Ring) error {
	node, ok := r.validTargets[target]
	if !ok {
		return fmt.Errorf("target %s is not in the current segment: %w", target, errs.ErrInvalidTarget)
	}

	// Ring 3 agents may not steer into kernel or governor nodes; ring 2
	// may not steer into kernel nodes. Rings 0 and 1 are unrestricted.
	targetRing := node.EffectiveRing()
	switch {
	case callerRing >= models.RingAgent && targetRing <= models.RingGovernor:
		return fmt.Errorf("ring %d caller may not target ring %d node %s: %w",
			callerRing, targetRing, target, errs.ErrUnauthorizedRouting)
	case callerRing == models.RingTrusted && targetRing == models.RingKernel:
		return fmt.Errorf("ring %d caller may not target ring %d node %s: %w",
			callerRing, targetRing, target, errs.ErrUnauthorizedRouting)
	}
	return nil
}
