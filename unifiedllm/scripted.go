package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ScriptStep is one canned reply. Exactly one of Text/ToolCalls or Error is
// normally set; Text and ToolCalls may be combined.
type ScriptStep struct {
	Text      string           `yaml:"text" json:"text,omitempty"`
	ToolCalls []ScriptToolCall `yaml:"tool_calls" json:"tool_calls,omitempty"`
	// Error is one of "unavailable", "rate_limit", "auth" or "malformed".
	Error string `yaml:"error" json:"error,omitempty"`
}

// ScriptToolCall is a tool call inside a ScriptStep.
type ScriptToolCall struct {
	ID        string                 `yaml:"id" json:"id,omitempty"`
	Name      string                 `yaml:"name" json:"name"`
	Arguments map[string]interface{} `yaml:"arguments" json:"arguments,omitempty"`
}

// ScriptedAdapter replays a fixed sequence of replies. It records every
// request it receives so tests can inspect what the loop sent.
type ScriptedAdapter struct {
	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	requests []Request
}

// NewScriptedAdapter returns an adapter that replays steps in order.
func NewScriptedAdapter(steps ...ScriptStep) *ScriptedAdapter {
	return &ScriptedAdapter{steps: steps}
}

// LoadScript reads a YAML list of ScriptStep from path.
func LoadScript(path string) (*ScriptedAdapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var steps []ScriptStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return NewScriptedAdapter(steps...), nil
}

// Name returns the provider identifier.
func (s *ScriptedAdapter) Name() string { return "scripted" }

// Requests returns a copy of every request received so far.
func (s *ScriptedAdapter) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining reports how many steps have not been replayed.
func (s *ScriptedAdapter) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.next
}

// Complete returns the next scripted reply.
func (s *ScriptedAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransportError(s.Name(), err)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.steps) {
		s.mu.Unlock()
		return nil, &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "script exhausted"},
			Provider: s.Name(),
		}}
	}
	step := s.steps[s.next]
	n := s.next
	s.next++
	s.mu.Unlock()

	switch step.Error {
	case "":
	case "unavailable":
		return nil, ErrorFromStatusCode(503, "scripted outage", s.Name(), "", nil, nil)
	case "rate_limit":
		return nil, ErrorFromStatusCode(429, "scripted rate limit", s.Name(), "", nil, nil)
	case "auth":
		return nil, ErrorFromStatusCode(401, "scripted auth failure", s.Name(), "", nil, nil)
	case "malformed":
		return nil, &MalformedResponseError{
			SDKError: SDKError{Message: "scripted malformed reply"},
			Provider: s.Name(),
		}
	default:
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("unknown scripted error %q", step.Error)}}
	}

	msg := AssistantMessage(step.Text)
	for i, call := range step.ToolCalls {
		args := json.RawMessage(`{}`)
		if call.Arguments != nil {
			encoded, err := json.Marshal(call.Arguments)
			if err != nil {
				return nil, &MalformedResponseError{
					SDKError: SDKError{Message: "scripted arguments not encodable", Cause: err},
					Provider: s.Name(),
				}
			}
			args = encoded
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", n+1, i+1)
		}
		msg.Content = append(msg.Content, ToolCallPart(id, call.Name, args))
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(step.ToolCalls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}
	return &Response{
		ID:           fmt.Sprintf("scripted_%d", n+1),
		Model:        req.Model,
		Provider:     s.Name(),
		Message:      msg,
		FinishReason: finish,
	}, nil
}
