package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinemde/engineer/unifiedllm"
)

// ModelResponse is the parsed next action of the model.
type ModelResponse struct {
	Text      string            `json:"text"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

// ModelClient sends the conversation to an LLM backend. Errors wrap
// ErrBackendUnavailable or ErrMalformedResponse.
type ModelClient interface {
	Send(ctx context.Context, turns []Turn, specs []ToolSpec) (ModelResponse, error)
}

// ModelClientFunc adapts a function to ModelClient.
type ModelClientFunc func(ctx context.Context, turns []Turn, specs []ToolSpec) (ModelResponse, error)

func (f ModelClientFunc) Send(ctx context.Context, turns []Turn, specs []ToolSpec) (ModelResponse, error) {
	return f(ctx, turns, specs)
}

// ValidateResponse checks the structural rules of a response: every call has
// a name, an id unique within the response, and arguments that form a JSON
// object.
func ValidateResponse(resp ModelResponse) error {
	ids := make(map[string]struct{}, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		if call.Name == "" {
			return fmt.Errorf("%w: tool call %d has no name", ErrMalformedResponse, i)
		}
		if call.ID == "" {
			return fmt.Errorf("%w: tool call %q has no id", ErrMalformedResponse, call.Name)
		}
		if _, dup := ids[call.ID]; dup {
			return fmt.Errorf("%w: duplicate tool call id %q", ErrMalformedResponse, call.ID)
		}
		ids[call.ID] = struct{}{}
		if !isJSONObject(call.Arguments) {
			return fmt.Errorf("%w: arguments of %q are not a JSON object", ErrMalformedResponse, call.Name)
		}
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(trimmed, &obj) == nil
}

// LLMClientOptions configures NewLLMModelClient.
type LLMClientOptions struct {
	Model        string
	Provider     string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
}

// LLMModelClient adapts a unifiedllm.Client to ModelClient.
type LLMModelClient struct {
	client *unifiedllm.Client
	opts   LLMClientOptions
	usage  unifiedllm.Usage
}

// NewLLMModelClient creates a ModelClient backed by client.
func NewLLMModelClient(client *unifiedllm.Client, opts LLMClientOptions) *LLMModelClient {
	return &LLMModelClient{client: client, opts: opts}
}

// Usage returns the cumulative token usage of all successful requests.
func (c *LLMModelClient) Usage() unifiedllm.Usage { return c.usage }

// Send converts the history to messages, calls the backend once and parses
// the response.
func (c *LLMModelClient) Send(ctx context.Context, turns []Turn, specs []ToolSpec) (ModelResponse, error) {
	messages := ConvertHistoryToMessages(turns)
	if c.opts.SystemPrompt != "" {
		messages = append([]unifiedllm.Message{unifiedllm.SystemMessage(c.opts.SystemPrompt)}, messages...)
	}

	req := unifiedllm.Request{
		Model:       c.opts.Model,
		Provider:    c.opts.Provider,
		Messages:    messages,
		Tools:       Definitions(specs),
		Temperature: c.opts.Temperature,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	if c.opts.MaxTokens > 0 {
		maxTokens := c.opts.MaxTokens
		req.MaxTokens = &maxTokens
	}

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		if unifiedllm.IsMalformedResponse(err) {
			return ModelResponse{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return ModelResponse{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	c.usage = c.usage.Add(resp.Usage)

	out := ModelResponse{Text: resp.Text()}
	for _, tc := range resp.ToolCalls() {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, NewToolCallRequest(id, tc.Name, tc.Arguments))
	}
	if err := ValidateResponse(out); err != nil {
		return ModelResponse{}, err
	}
	return out, nil
}
