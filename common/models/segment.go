package models

// SegmentType classifies a segment by the boundary that opened it
type SegmentType string

const (
	SegmentNormal SegmentType = "normal"
	SegmentHITP   SegmentType = "hitp"
	SegmentBranch SegmentType = "branch"
	SegmentLoop   SegmentType = "loop"
)

// BoundaryKind describes why a segment ended
type BoundaryKind string

const (
	BoundaryHITP     BoundaryKind = "hitp"
	BoundaryFanout   BoundaryKind = "branch_fanout"
	BoundaryLoopBack BoundaryKind = "loop_back"
	BoundaryAsync    BoundaryKind = "async_callback"
	BoundaryTerminal BoundaryKind = "terminal"
)

// Segment is an immutable slice of the DAG produced by the partitioner.
// Boundaries fall strictly between segments; no node executes across two.
type Segment struct {
	SegmentID    int          `json:"segment_id"` // dense, 0-based
	Type         SegmentType  `json:"type"`
	Nodes        []Node       `json:"nodes"`
	Edges        []Edge       `json:"edges"` // internal subset only
	EntryNode    string       `json:"entry_node"`
	ExitBoundary BoundaryKind `json:"exit_boundary,omitempty"`

	// Loop segments carry the loop header's parsed config
	Loop *LoopConfig `json:"loop,omitempty"`
}

// NodeByID returns the node with the given id, or nil
func (s *Segment) NodeByID(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// PartitionMap is the ordered segment list plus the loop-weighted
// execution estimate used for quota and ETA.
type PartitionMap struct {
	Segments            []Segment      `json:"segments"`
	EstimatedExecutions int            `json:"estimated_executions"`
	LoopAnalysis        []LoopAnalysis `json:"loop_analysis,omitempty"`
}

// LoopAnalysis records one detected loop and its weight contribution
type LoopAnalysis struct {
	HeaderNode    string `json:"header_node"`
	BodySegments  int    `json:"body_segments"`
	MaxIterations int    `json:"max_iterations"` // after global cap
	Weight        int    `json:"weight"`
}
