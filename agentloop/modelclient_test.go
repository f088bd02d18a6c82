package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/martinemde/engineer/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptedModel(steps ...unifiedllm.ScriptStep) (*LLMModelClient, *unifiedllm.ScriptedAdapter) {
	adapter := unifiedllm.NewScriptedAdapter(steps...)
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", adapter))
	return NewLLMModelClient(client, LLMClientOptions{
		Model:        "scripted-model",
		SystemPrompt: "You are a test agent.",
		MaxTokens:    1024,
	}), adapter
}

func TestLLMModelClientSendsHistoryAndTools(t *testing.T) {
	model, adapter := newScriptedModel(unifiedllm.ScriptStep{
		Text: "reading",
		ToolCalls: []unifiedllm.ScriptToolCall{
			{ID: "t1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
			{Name: "echo"},
		},
	})
	turns := []Turn{NewUserTurn("say hi")}

	resp, err := model.Send(context.Background(), turns, []ToolSpec{echoTool().Spec})
	require.NoError(t, err)

	assert.Equal(t, "reading", resp.Text)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "t1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.ToolCalls[0].Arguments))
	assert.NotEmpty(t, resp.ToolCalls[1].ID)

	reqs := adapter.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "scripted-model", req.Model)
	assert.Equal(t, "You are a test agent.", req.SystemPrompt())
	require.Len(t, req.Messages, 2)
	assert.Equal(t, unifiedllm.RoleUser, req.Messages[1].Role)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, "auto", req.ToolChoice.Mode)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 1024, *req.MaxTokens)
}

func TestLLMModelClientNoToolsOmitsToolChoice(t *testing.T) {
	model, adapter := newScriptedModel(unifiedllm.ScriptStep{Text: "AUTOMODE_COMPLETE"})

	resp, err := model.Send(context.Background(), []Turn{NewUserTurn("x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "AUTOMODE_COMPLETE", resp.Text)
	assert.Nil(t, adapter.Requests()[0].ToolChoice)
}

func TestLLMModelClientClassifiesErrors(t *testing.T) {
	model, _ := newScriptedModel(
		unifiedllm.ScriptStep{Error: "malformed"},
		unifiedllm.ScriptStep{Error: "unavailable"},
	)
	turns := []Turn{NewUserTurn("x")}

	_, err := model.Send(context.Background(), turns, nil)
	assert.True(t, errors.Is(err, ErrMalformedResponse))

	_, err = model.Send(context.Background(), turns, nil)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.True(t, unifiedllm.IsRetryable(err), "server errors stay retryable through the wrap")
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name  string
		calls []ToolCallRequest
		want  string
	}{
		{name: "no calls"},
		{name: "empty arguments", calls: []ToolCallRequest{call("a", "echo", ``)}},
		{name: "missing name", calls: []ToolCallRequest{call("a", "", `{}`)}, want: "no name"},
		{name: "missing id", calls: []ToolCallRequest{call("", "echo", `{}`)}, want: "no id"},
		{name: "duplicate id", calls: []ToolCallRequest{call("a", "echo", `{}`), call("a", "echo", `{}`)}, want: "duplicate"},
		{name: "array arguments", calls: []ToolCallRequest{call("a", "echo", `[1]`)}, want: "not a JSON object"},
		{name: "broken arguments", calls: []ToolCallRequest{call("a", "echo", `{"x":`)}, want: "not a JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResponse(ModelResponse{ToolCalls: tt.calls})
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse))
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestModelClientFunc(t *testing.T) {
	var got int
	fn := ModelClientFunc(func(ctx context.Context, turns []Turn, specs []ToolSpec) (ModelResponse, error) {
		got = len(turns)
		return ModelResponse{Text: "ok"}, nil
	})
	resp, err := fn.Send(context.Background(), []Turn{NewUserTurn("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, got)
}

func TestLoopWithScriptedBackend(t *testing.T) {
	model, adapter := newScriptedModel(
		unifiedllm.ScriptStep{ToolCalls: []unifiedllm.ScriptToolCall{
			{Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
		}},
		unifiedllm.ScriptStep{Text: "Done. AUTOMODE_COMPLETE"},
	)
	loop := NewLoop("say hi", model, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Zero(t, adapter.Remaining())

	second := adapter.Requests()[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, unifiedllm.RoleTool, last.Role)
	assert.Equal(t, "call_1_1", last.ToolCallID)
}
