package unifiedllm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	adapter := &GollmAdapter{provider: "ollama"}
	if adapter.Name() != "gollm:ollama" {
		t.Errorf("expected name %q, got %q", "gollm:ollama", adapter.Name())
	}
}

func TestGollmAdapterRequiresModel(t *testing.T) {
	_, err := NewGollmAdapter("ollama", "")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError without a model, got %T: %v", err, err)
	}
}

func TestGollmErrorClassification(t *testing.T) {
	tests := []struct {
		errMsg string
		check  func(error) bool
	}{
		{"401 Unauthorized", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"invalid api key", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"403 Forbidden", func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{"404 not found", func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{"429 rate limit exceeded", func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"context length exceeded", func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{"500 internal server error", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"timeout waiting for response", func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{"content filter triggered", func(err error) bool { var e *ContentFilterError; return errors.As(err, &e) }},
		{"something unknown", func(err error) bool { _, ok := err.(*ProviderError); return ok }},
	}

	for _, tt := range tests {
		err := ClassifyTransportError("gollm:openai", errors.New(tt.errMsg))
		if err == nil {
			t.Errorf("expected non-nil error for %q", tt.errMsg)
			continue
		}
		if !tt.check(err) {
			t.Errorf("for %q: unexpected classification %T", tt.errMsg, err)
		}
	}
}

func TestParseEmbeddedToolCallsWrapped(t *testing.T) {
	text := `Let me look. {"tool_calls":[{"id":"c1","name":"read_file","arguments":{"path":"a.go"}}]} done`
	calls, remaining, err := parseEmbeddedToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "c1" || calls[0].Name != "read_file" {
		t.Errorf("unexpected call %+v", calls[0])
	}
	if string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if remaining != "Let me look.  done" {
		t.Errorf("unexpected remaining text %q", remaining)
	}
}

func TestParseEmbeddedToolCallsBareArray(t *testing.T) {
	text := `[{"name":"list_files","arguments":"{\"path\":\".\"}"},{"function":{"name":"glob","arguments":{"pattern":"*.go"}}}]`
	calls, remaining, err := parseEmbeddedToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "list_files" || string(calls[0].Arguments) != `{"path":"."}` {
		t.Errorf("string-encoded arguments not unwrapped: %+v", calls[0])
	}
	if calls[1].Name != "glob" {
		t.Errorf("expected nested function name, got %q", calls[1].Name)
	}
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Errorf("expected distinct generated ids, got %q and %q", calls[0].ID, calls[1].ID)
	}
	if remaining != "" {
		t.Errorf("expected no remaining text, got %q", remaining)
	}
}

func TestParseEmbeddedToolCallsNone(t *testing.T) {
	calls, remaining, err := parseEmbeddedToolCalls("All done. AUTOMODE_COMPLETE")
	if err != nil || calls != nil {
		t.Fatalf("expected no calls and no error, got %v, %v", calls, err)
	}
	if remaining != "All done. AUTOMODE_COMPLETE" {
		t.Errorf("text should pass through, got %q", remaining)
	}
}

func TestParseEmbeddedToolCallsTruncated(t *testing.T) {
	_, _, err := parseEmbeddedToolCalls(`{"tool_calls":[{"name":"read_file","arguments":{"path":`)
	if err == nil {
		t.Fatal("expected decode error for truncated JSON")
	}
}

func TestGollmBuildResponseMalformed(t *testing.T) {
	adapter := &GollmAdapter{provider: "ollama", model: "llama3"}
	_, err := adapter.buildResponse(Request{}, `{"tool_calls":[{"name":"x","arguments":"{not json"}]}`)
	if !IsMalformedResponse(err) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
	if IsRetryable(err) {
		t.Error("malformed responses must not be retried")
	}
}

func TestGollmBuildResponseToolCalls(t *testing.T) {
	adapter := &GollmAdapter{provider: "ollama", model: "llama3"}
	resp, err := adapter.buildResponse(Request{}, `{"tool_calls":[{"id":"a","name":"shell","arguments":{"command":"ls"}}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", resp.FinishReason.Reason)
	}
	if resp.Model != "llama3" {
		t.Errorf("expected default model, got %q", resp.Model)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["command"] != "ls" {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if resp.Text() != "" {
		t.Errorf("expected no text, got %q", resp.Text())
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
		},
	}
	tokens := estimateTokens(req)
	if tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	req := Request{Messages: []Message{}}
	tokens := estimateTokens(req)
	if tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
