package unifiedllm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestScriptedAdapterReplaysInOrder(t *testing.T) {
	adapter := NewScriptedAdapter(
		ScriptStep{ToolCalls: []ScriptToolCall{{Name: "read_file", Arguments: map[string]interface{}{"path": "a"}}}},
		ScriptStep{Text: "done AUTOMODE_COMPLETE"},
	)

	first, err := adapter.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := first.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "call_1_1" || string(calls[0].Arguments) != `{"path":"a"}` {
		t.Fatalf("unexpected first reply %+v", calls)
	}

	second, err := adapter.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Text() != "done AUTOMODE_COMPLETE" {
		t.Errorf("unexpected text %q", second.Text())
	}
	if adapter.Remaining() != 0 {
		t.Errorf("expected script fully consumed, %d left", adapter.Remaining())
	}
	if len(adapter.Requests()) != 2 {
		t.Errorf("expected 2 recorded requests, got %d", len(adapter.Requests()))
	}

	_, err = adapter.Complete(context.Background(), Request{})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Errorf("expected ServerError once exhausted, got %T", err)
	}
}

func TestScriptedAdapterErrors(t *testing.T) {
	adapter := NewScriptedAdapter(
		ScriptStep{Error: "unavailable"},
		ScriptStep{Error: "malformed"},
		ScriptStep{Error: "auth"},
	)
	_, err := adapter.Complete(context.Background(), Request{})
	if !IsRetryable(err) {
		t.Errorf("outage should be retryable, got %v", err)
	}
	_, err = adapter.Complete(context.Background(), Request{})
	if !IsMalformedResponse(err) {
		t.Errorf("expected malformed, got %v", err)
	}
	_, err = adapter.Complete(context.Background(), Request{})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("expected AuthenticationError, got %T", err)
	}
}

func TestScriptedAdapterCancelled(t *testing.T) {
	adapter := NewScriptedAdapter(ScriptStep{Text: "hi"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := adapter.Complete(ctx, Request{})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %T", err)
	}
	if adapter.Remaining() != 1 {
		t.Error("a cancelled call must not consume a step")
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	content := `
- tool_calls:
    - name: list_files
      arguments:
        path: .
- text: "All done. AUTOMODE_COMPLETE"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	adapter, err := LoadScript(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.Remaining() != 2 {
		t.Fatalf("expected 2 steps, got %d", adapter.Remaining())
	}
	resp, err := adapter.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := resp.ToolCalls(); len(calls) != 1 || calls[0].Name != "list_files" {
		t.Errorf("unexpected calls %+v", calls)
	}

	if _, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing script")
	}
}
