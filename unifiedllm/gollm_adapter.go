package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm returns plain text, so tool calls are recovered from a JSON block in
// the reply ({"tool_calls": [...]} or a bare [{"name": ...}] array).
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given gollm provider
// (e.g. "ollama", "groq", "mistral"). If apiKey is empty, gollm reads it from
// the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured for gollm provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retries happen in RetryMiddleware.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return "gollm:" + a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, ClassifyTransportError(a.Name(), err)
	}

	return a.buildResponse(req, text)
}

// translateRequest flattens the unified conversation into a gollm Prompt.
// gollm has no multi-turn message API, so earlier turns are rendered as
// labelled transcript lines ahead of the latest input.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var lines []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			lines = append(lines, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				lines = append(lines, prefix+": "+part.ToolResult.Content)
			}
		}
	}

	promptText := strings.Join(lines, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if system := req.SystemPrompt(); system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, remaining, err := parseEmbeddedToolCalls(text)
	if err != nil {
		return nil, &MalformedResponseError{
			SDKError: SDKError{Message: "could not decode tool calls in reply", Cause: err},
			Provider: a.Name(),
			Raw:      text,
		}
	}

	msg := AssistantMessage(remaining)
	for _, tc := range calls {
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inputTokens := estimateTokens(req)
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.Name(),
		Message:      msg,
		FinishReason: finishReason,
		Usage: Usage{
			// gollm doesn't expose usage; estimate from text length.
			InputTokens:  inputTokens,
			OutputTokens: len(text) / 4,
			TotalTokens:  inputTokens + len(text)/4,
		},
	}, nil
}

// embeddedCall is the JSON shape gollm providers emit for function calls.
type embeddedCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function,omitempty"`
}

// parseEmbeddedToolCalls finds a tool-call JSON block in text. It returns the
// calls, the text with the block removed, and an error when a block was
// found but could not be decoded.
func parseEmbeddedToolCalls(text string) ([]ToolCallData, string, error) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, text, nil
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw []embeddedCall
	if wrapped {
		var envelope struct {
			ToolCalls []embeddedCall `json:"tool_calls"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, "", err
		}
		raw = envelope.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil, "", err
	}
	end := start + int(dec.InputOffset())

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		name, args := rc.Name, rc.Arguments
		if rc.Function != nil {
			name, args = rc.Function.Name, rc.Function.Arguments
		}
		args, err := normalizeArguments(args)
		if err != nil {
			return nil, "", fmt.Errorf("tool call %q: %w", name, err)
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCallData{ID: id, Name: name, Arguments: args})
	}

	remaining := strings.TrimSpace(text[:start] + text[end:])
	return calls, remaining, nil
}

// normalizeArguments accepts arguments either as a JSON object or as a JSON
// string containing an object (the OpenAI wire convention).
func normalizeArguments(args json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`), nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(args, &inner); err != nil {
			return nil, err
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" {
			return json.RawMessage(`{}`), nil
		}
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("arguments are not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
