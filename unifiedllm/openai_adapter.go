package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter talks to the Chat Completions API through the official SDK.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAIAdapter creates an adapter. An empty apiKey lets the SDK read
// OPENAI_API_KEY from the environment.
func NewOpenAIAdapter(apiKey, model string, opts ...option.RequestOption) *OpenAIAdapter {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	clientOpts = append(clientOpts, opts...)

	if model == "" {
		model = DefaultModel("openai")
	}
	return &OpenAIAdapter{
		client: openai.NewClient(clientOpts...),
		model:  model,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Complete sends one chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &MalformedResponseError{
			SDKError: SDKError{Message: "completion returned no choices"},
			Provider: a.Name(),
		}
	}

	choice := resp.Choices[0]
	out := AssistantMessage(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		args, err := normalizeArguments(json.RawMessage(tc.Function.Arguments))
		if err != nil || tc.ID == "" || tc.Function.Name == "" {
			if err == nil {
				err = errors.New("tool call without id or name")
			}
			return nil, &MalformedResponseError{
				SDKError: SDKError{Message: "could not decode tool call", Cause: err},
				Provider: a.Name(),
				Raw:      tc.Function.Arguments,
			}
		}
		out.Content = append(out.Content, ToolCallPart(tc.ID, tc.Function.Name, args))
	}

	finish := FinishReason{Reason: choice.FinishReason, Raw: choice.FinishReason}
	if finish.Reason == "" {
		finish.Reason = "stop"
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.Name(),
		Message:      out,
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    ResolveModelID(model),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  def.Parameters,
				},
			})
		}
		params.Tools = tools
	}
	return params
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		text := msg.TextContent()
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case RoleUser:
			out = append(out, openai.UserMessage(text))
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, call := range calls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				content := part.ToolResult.Content
				if part.ToolResult.IsError && !strings.HasPrefix(content, "Error") {
					content = "Error: " + content
				}
				out = append(out, openai.ToolMessage(content, part.ToolResult.ToolCallID))
			}
		}
	}
	return out
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter *float64
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), apiErr.Code, retryAfter, err)
	}
	return ClassifyTransportError(a.Name(), err)
}
