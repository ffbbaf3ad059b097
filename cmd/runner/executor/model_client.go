package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ModelRequest is one completion call to a model provider
type ModelRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
	AgentID  string `json:"agent_id,omitempty"`
}

// ModelResponse is the provider's answer
type ModelResponse struct {
	Text    string  `json:"text"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// ModelClient invokes an LLM provider
type ModelClient interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// AsyncModelClient starts a long-running completion whose result comes
// back through the callback endpoint instead of the response body
type AsyncModelClient interface {
	StartAsync(ctx context.Context, req *ModelRequest, conversationID, taskToken string) error
}

// HTTPModelClient calls the model gateway over HTTP
type HTTPModelClient struct {
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

// NewHTTPModelClient creates an HTTP model client
func NewHTTPModelClient(baseURL string, logger Logger) *HTTPModelClient {
	return &HTTPModelClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// Complete posts the prompt and decodes the completion
func (c *HTTPModelClient) Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read model response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model call returned %d: %s", resp.StatusCode, string(payload))
	}

	var out ModelResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	return &out, nil
}

// asyncRequest adds the callback capability to a completion request
type asyncRequest struct {
	ModelRequest
	ConversationID string `json:"conversation_id"`
	TaskToken      string `json:"task_token"`
}

// StartAsync submits the prompt for asynchronous completion. The
// provider delivers the result to the callback endpoint with the
// conversation id and token.
func (c *HTTPModelClient) StartAsync(ctx context.Context, req *ModelRequest, conversationID, taskToken string) error {
	body, err := json.Marshal(asyncRequest{
		ModelRequest:   *req,
		ConversationID: conversationID,
		TaskToken:      taskToken,
	})
	if err != nil {
		return fmt.Errorf("failed to encode async model request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete/async", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build async model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("async model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("async model call returned %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}
