package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicAdapter talks to the Anthropic Messages API through the official SDK.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAdapter creates an adapter. An empty apiKey lets the SDK read
// ANTHROPIC_API_KEY from the environment. Extra request options (base URL,
// HTTP client) are passed through to the SDK.
func NewAnthropicAdapter(apiKey, model string, opts ...option.RequestOption) *AnthropicAdapter {
	// Retries happen in RetryMiddleware so attempts are counted in one place.
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	clientOpts = append(clientOpts, opts...)

	if model == "" {
		model = DefaultModel("anthropic")
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: 8192,
	}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends one Messages request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	out := AssistantMessage("")
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				out.Content = append(out.Content, TextPart(text))
			}
		case "tool_use":
			use := block.AsToolUse()
			args, err := json.Marshal(use.Input)
			if err != nil {
				return nil, &MalformedResponseError{
					SDKError: SDKError{Message: "tool_use input is not valid JSON", Cause: err},
					Provider: a.Name(),
					Raw:      string(use.Input),
				}
			}
			if use.ID == "" || use.Name == "" {
				return nil, &MalformedResponseError{
					SDKError: SDKError{Message: "tool_use block without id or name"},
					Provider: a.Name(),
					Raw:      string(use.Input),
				}
			}
			out.Content = append(out.Content, ToolCallPart(use.ID, use.Name, args))
		}
	}

	finish := FinishReason{Reason: "stop", Raw: string(msg.StopReason)}
	switch msg.StopReason {
	case "tool_use":
		finish.Reason = "tool_calls"
	case "max_tokens":
		finish.Reason = "length"
	}

	input := int(msg.Usage.InputTokens)
	output := int(msg.Usage.OutputTokens)
	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      out,
		FinishReason: finish,
		Usage:        Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output},
	}, nil
}

func (a *AnthropicAdapter) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ResolveModelID(model)),
		Messages:  buildAnthropicMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	return params, nil
}

// buildAnthropicMessages maps unified messages to Anthropic turns. Tool
// results travel in user messages, and adjacent messages with the same role
// are merged because the API expects alternating turns.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var (
		out      []anthropic.MessageParam
		lastRole Role
	)
	push := func(role Role, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if len(out) > 0 && lastRole == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			return
		}
		if role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		lastRole = role
	}

	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case ContentToolCall:
				var input interface{}
				if err := json.Unmarshal(part.ToolCall.Arguments, &input); err != nil || input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
			case ContentToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(
					part.ToolResult.ToolCallID, part.ToolResult.Content, part.ToolResult.IsError))
			}
		}

		switch msg.Role {
		case RoleSystem:
			// Sent through params.System.
		case RoleAssistant:
			push(RoleAssistant, blocks)
		default:
			push(RoleUser, blocks)
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch required := def.Parameters["required"].(type) {
		case []string:
			schema.Required = required
		case []interface{}:
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tool := anthropic.ToolParam{Name: def.Name, InputSchema: schema}
		if strings.TrimSpace(def.Description) != "" {
			tool.Description = anthropic.String(def.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// translateError maps SDK errors onto the unified hierarchy.
func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var retryAfter *float64
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), "", retryAfter, err)
	}
	return ClassifyTransportError(a.Name(), err)
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) *float64 {
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return nil
	}
	return &secs
}
