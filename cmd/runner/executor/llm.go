package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/stateflow/common/heal"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/state"
	"github.com/lyzr/stateflow/common/template"
)

// LLMExecutor runs llm nodes: render the prompt against state, inject
// pending self-heal advice, call the model, decode the answer into a
// state delta.
type LLMExecutor struct {
	client   ModelClient
	renderer *template.Renderer
	logger   Logger
}

// NewLLMExecutor creates an llm executor
func NewLLMExecutor(client ModelClient, renderer *template.Renderer, logger Logger) *LLMExecutor {
	return &LLMExecutor{client: client, renderer: renderer, logger: logger}
}

// Execute calls the model for one llm node
func (e *LLMExecutor) Execute(ctx context.Context, node *models.Node, bag state.Bag) (*Output, error) {
	cfg, err := parseLLMConfig(node)
	if err != nil {
		return nil, err
	}

	rendered, err := e.renderer.RenderString(cfg.Prompt, bag)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", node.ID, err)
	}
	prompt := fmt.Sprintf("%v", rendered)

	// A pending suggested fix from a heal cycle rides along in the
	// prompt; injection is idempotent so retries never stack blocks
	if advice, ok := heal.SuggestedFix(bag); ok {
		prompt = heal.InjectAdvice(prompt, advice)
	}

	resp, err := e.client.Complete(ctx, &ModelRequest{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Prompt:   prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", node.ID, err)
	}

	delta, err := decodeModelText(node, resp.Text)
	if err != nil {
		return nil, err
	}

	return &Output{Delta: delta, Text: resp.Text, CostUSD: resp.CostUSD}, nil
}

// StartAsync renders the prompt and hands it to the provider for
// asynchronous completion; the answer arrives through the callback
// endpoint carrying the conversation id and token
func (e *LLMExecutor) StartAsync(ctx context.Context, node *models.Node, bag state.Bag, conversationID, taskToken string) error {
	async, ok := e.client.(AsyncModelClient)
	if !ok {
		return fmt.Errorf("llm %s: model client does not support async callbacks", node.ID)
	}

	cfg, err := parseLLMConfig(node)
	if err != nil {
		return err
	}

	rendered, err := e.renderer.RenderString(cfg.Prompt, bag)
	if err != nil {
		return fmt.Errorf("llm %s: %w", node.ID, err)
	}
	prompt := fmt.Sprintf("%v", rendered)
	if advice, ok := heal.SuggestedFix(bag); ok {
		prompt = heal.InjectAdvice(prompt, advice)
	}

	return async.StartAsync(ctx, &ModelRequest{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Prompt:   prompt,
	}, conversationID, taskToken)
}

// parseLLMConfig decodes the node config into the typed llm config
func parseLLMConfig(node *models.Node) (*models.LLMConfig, error) {
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return nil, fmt.Errorf("llm %s: invalid config: %w", node.ID, err)
	}
	var cfg models.LLMConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("llm %s: invalid config: %w", node.ID, err)
	}
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("llm %s: prompt is required", node.ID)
	}
	return &cfg, nil
}

// decodeModelText turns raw model text into a state delta. With an
// output_key configured the text lands under that key verbatim;
// otherwise the text must be a JSON object.
func decodeModelText(node *models.Node, text string) (state.Bag, error) {
	if key, ok := node.Config["output_key"].(string); ok && key != "" {
		delta := state.NewBag()
		delta.Set(key, text)
		return delta, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("llm %s: JSON decode failed for model output: %w", node.ID, err)
	}

	delta := state.NewBag()
	for k, v := range parsed {
		delta.Set(k, v)
	}
	return delta, nil
}
