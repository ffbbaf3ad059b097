package executor

import (
	"context"
	"fmt"

	"github.com/lyzr/stateflow/common/heal"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
	"github.com/lyzr/stateflow/common/template"
)

// AgentExecutor runs agent nodes. Agents are ring-3 autonomous callers;
// their output carries cost and identity so the governance ring can
// post-check the committed delta.
type AgentExecutor struct {
	client   ModelClient
	renderer *template.Renderer
	logger   Logger
}

// NewAgentExecutor creates an agent executor
func NewAgentExecutor(client ModelClient, renderer *template.Renderer, logger Logger) *AgentExecutor {
	return &AgentExecutor{client: client, renderer: renderer, logger: logger}
}

// Execute calls the model on behalf of an autonomous agent
func (e *AgentExecutor) Execute(ctx context.Context, node *models.Node, bag state.Bag) (*Output, error) {
	cfg, err := parseLLMConfig(node)
	if err != nil {
		return nil, err
	}

	agentID, _ := node.Config["agent_id"].(string)
	if agentID == "" {
		agentID = node.ID
	}

	rendered, err := e.renderer.RenderString(cfg.Prompt, bag)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", node.ID, err)
	}
	prompt := fmt.Sprintf("%v", rendered)

	if advice, ok := heal.SuggestedFix(bag); ok {
		prompt = heal.InjectAdvice(prompt, advice)
	}

	resp, err := e.client.Complete(ctx, &ModelRequest{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Prompt:   prompt,
		AgentID:  agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", node.ID, err)
	}

	delta, err := decodeModelText(node, resp.Text)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("agent executed",
		"node_id", node.ID,
		"agent_id", agentID,
		"cost_usd", resp.CostUSD)

	return &Output{
		Delta:   delta,
		Text:    resp.Text,
		CostUSD: resp.CostUSD,
		AgentID: agentID,
	}, nil
}
