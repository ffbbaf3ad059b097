package models

import "time"

// Node type constants
const (
	NodeTypeOperator       = "operator"
	NodeTypeLLM            = "llm"
	NodeTypeSubgraph       = "subgraph"
	NodeTypeRouteCondition = "route_condition"
	NodeTypeHITP           = "hitp"
	NodeTypeBranch         = "branch"
	NodeTypeLoop           = "loop"
	NodeTypeAggregator     = "aggregator"
	NodeTypeGovernor       = "governor"
	NodeTypeAgent          = "agent"
)

// Edge type constants
const (
	EdgeTypeNormal  = "normal"
	EdgeTypeHITP    = "hitp"
	EdgeTypeDynamic = "dynamic"
)

// Ring levels gate routing policy decisions.
// Ring 0 is kernel code, ring 3 is autonomous agents.
type Ring int

const (
	RingKernel   Ring = 0
	RingGovernor Ring = 1
	RingTrusted  Ring = 2
	RingAgent    Ring = 3
)

// Workflow is a declarative DAG definition submitted by a user.
// Maps to: workflow table (partition owner_id, sort workflow_id)
type Workflow struct {
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	Name       string    `db:"name" json:"name"`
	Nodes      []Node    `db:"nodes" json:"nodes"`
	Edges      []Edge    `db:"edges" json:"edges"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Node is a single step of a workflow definition
type Node struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Ring   Ring                   `json:"ring,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// EffectiveRing returns the node's ring level. Unset rings derive from
// the node type: governor nodes police (ring 1), agents are autonomous
// (ring 3), everything else runs as trusted workflow code (ring 2).
// Ring 0 cannot be assigned through a definition; only runtime-injected
// kernel nodes carry it.
func (n *Node) EffectiveRing() Ring {
	if n.Ring != 0 {
		return n.Ring
	}
	switch n.Type {
	case NodeTypeGovernor:
		return RingGovernor
	case NodeTypeAgent:
		return RingAgent
	}
	return RingTrusted
}

// Edge connects two nodes. Type selects data flow (normal), a
// human-in-the-loop gate (hitp) or distributed-map fan-out (dynamic).
type Edge struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// LLMConfig is the parsed config of an llm-typed node
type LLMConfig struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	Prompt        string `json:"prompt"`
	AsyncCallback bool   `json:"async_callback,omitempty"`
}

// LoopConfig is the parsed config of a loop-typed node
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations"`
	ExitCondition string `json:"exit_condition,omitempty"` // CEL expression
	BodyEntry     string `json:"body_entry,omitempty"`
}

// AggregatorConfig is the parsed config of an aggregator node.
// Reducers maps a state key to a named reducer overriding the defaults.
type AggregatorConfig struct {
	Reducers     map[string]string `json:"reducers,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`

	// OutputKey names the state key the aggregation report is written
	// under; defaults to "aggregation_report"
	OutputKey string `json:"output_key,omitempty"`
}
