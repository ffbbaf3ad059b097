package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Output is the result of executing one node
type Output struct {
	// Delta holds the keys the node writes into state
	Delta state.Bag

	// Raw model text and cost, set by llm and agent nodes for the
	// governance post-pass
	Text    string
	CostUSD float64

	// Agent identity for trust accounting
	AgentID string
}

// Executor runs one node type
type Executor interface {
	Execute(ctx context.Context, node *models.Node, bag state.Bag) (*Output, error)
}

// Registry maps node types to executors
type Registry struct {
	byType map[string]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Executor)}
}

// Register binds a node type to an executor
func (r *Registry) Register(nodeType string, exec Executor) {
	r.byType[nodeType] = exec
}

// For returns the executor for a node type
func (r *Registry) For(nodeType string) (Executor, error) {
	exec, ok := r.byType[nodeType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for node type %q", nodeType)
	}
	return exec, nil
}
