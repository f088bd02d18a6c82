package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiAdapter talks to the Gemini API through google.golang.org/genai.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter creates an adapter. An empty apiKey lets the SDK read
// GEMINI_API_KEY or GOOGLE_API_KEY from the environment.
func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "failed to create genai client", Cause: err}}
	}
	if model == "" {
		model = DefaultModel("gemini")
	}
	return &GeminiAdapter{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

// Complete sends one GenerateContent request.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	model = ResolveModelID(model)

	contents, err := buildGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, buildGeminiConfig(req))
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &MalformedResponseError{
			SDKError: SDKError{Message: "response has no candidates"},
			Provider: a.Name(),
		}
	}

	candidate := resp.Candidates[0]
	out := AssistantMessage("")
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			out.Content = append(out.Content, TextPart(part.Text))
		}
		if fc := part.FunctionCall; fc != nil {
			if fc.Name == "" {
				return nil, &MalformedResponseError{
					SDKError: SDKError{Message: "function call without name"},
					Provider: a.Name(),
				}
			}
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, &MalformedResponseError{
					SDKError: SDKError{Message: "function call args are not encodable", Cause: err},
					Provider: a.Name(),
				}
			}
			if fc.Args == nil {
				args = json.RawMessage(`{}`)
			}
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.New().String()[:8]
			}
			out.Content = append(out.Content, ToolCallPart(id, fc.Name, args))
		}
	}

	finish := FinishReason{Reason: "stop", Raw: string(candidate.FinishReason)}
	if len(out.ToolCalls()) > 0 {
		finish.Reason = "tool_calls"
	} else if candidate.FinishReason == genai.FinishReasonMaxTokens {
		finish.Reason = "length"
	}

	var usage Usage
	if um := resp.UsageMetadata; um != nil {
		usage = Usage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
			TotalTokens:  int(um.TotalTokenCount),
		}
	}

	return &Response{
		ID:           resp.ResponseID,
		Model:        model,
		Provider:     a.Name(),
		Message:      out,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func buildGeminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system := req.SystemPrompt(); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: def.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// buildGeminiContents maps unified messages to Gemini contents. Function
// responses must carry the function name, which is recovered from the
// preceding calls by id.
func buildGeminiContents(messages []Message) ([]*genai.Content, error) {
	names := make(map[string]string)
	var out []*genai.Content
	push := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}
		var parts []*genai.Part
		for _, p := range msg.Content {
			switch p.Kind {
			case ContentText:
				if p.Text != "" {
					parts = append(parts, &genai.Part{Text: p.Text})
				}
			case ContentToolCall:
				var args map[string]any
				if len(p.ToolCall.Arguments) > 0 {
					if err := json.Unmarshal(p.ToolCall.Arguments, &args); err != nil {
						return nil, &InvalidRequestError{ProviderError: ProviderError{
							SDKError: SDKError{Message: fmt.Sprintf("tool call %s has non-object arguments", p.ToolCall.ID), Cause: err},
							Provider: "gemini",
						}}
					}
				}
				names[p.ToolCall.ID] = p.ToolCall.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID: p.ToolCall.ID, Name: p.ToolCall.Name, Args: args,
				}})
			case ContentToolResult:
				key := "output"
				if p.ToolResult.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       p.ToolResult.ToolCallID,
					Name:     names[p.ToolResult.ToolCallID],
					Response: map[string]any{key: p.ToolResult.Content},
				}})
			}
		}
		if msg.Role == RoleAssistant {
			push("model", parts)
		} else {
			push("user", parts)
		}
	}
	return out, nil
}

func (a *GeminiAdapter) translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.Code, apiErr.Message, a.Name(), apiErr.Status, nil, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return ErrorFromStatusCode(apiErrPtr.Code, apiErrPtr.Message, a.Name(), apiErrPtr.Status, nil, err)
	}
	return ClassifyTransportError(a.Name(), err)
}
