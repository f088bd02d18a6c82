package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (o *recordingObserver) ToolStarted(req ToolCallRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, req.ID)
}

func (o *recordingObserver) ToolFinished(req ToolCallRequest, result ToolResult, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, req.ID)
}

func TestExecuteSuccess(t *testing.T) {
	obs := &recordingObserver{}
	ex := NewToolExecutor(newRegistry(t, echoTool()), WithToolObserver(obs))

	result := ex.Execute(context.Background(), call("c1", "echo", `{"text":"hello"}`))

	assert.True(t, result.OK)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "echo", result.Tool)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, []string{"c1"}, obs.started)
	assert.Equal(t, []string{"c1"}, obs.finished)
}

func TestExecuteUnknownTool(t *testing.T) {
	ex := NewToolExecutor(newRegistry(t, echoTool()))

	result := ex.Execute(context.Background(), call("c1", "rm_rf", `{}`))

	assert.False(t, result.OK)
	assert.Equal(t, KindUnknownTool, result.Kind)
	assert.Contains(t, result.Message, `"rm_rf"`)
	assert.Contains(t, result.Message, "echo")
}

func TestExecuteInvalidArgumentsSkipsHandler(t *testing.T) {
	tool := &countingTool{
		spec: ToolSpec{Name: "write", Schema: Schema{{Name: "path", Type: TypeString, Required: true}}},
	}
	ex := NewToolExecutor(newRegistry(t, tool.Tool()))

	result := ex.Execute(context.Background(), call("c1", "write", `{"content":"x"}`))

	assert.False(t, result.OK)
	assert.Equal(t, KindInvalidArguments, result.Kind)
	assert.Contains(t, result.Message, "missing required: path")
	assert.Equal(t, 0, tool.Runs())
}

func TestExecuteRuntimeFailure(t *testing.T) {
	tool := &countingTool{spec: ToolSpec{Name: "fail"}, fail: func(int) error { return errBoom }}
	ex := NewToolExecutor(newRegistry(t, tool.Tool()))

	result := ex.Execute(context.Background(), call("c1", "fail", `{}`))

	assert.False(t, result.OK)
	assert.Equal(t, KindToolRuntimeFailure, result.Kind)
	assert.Equal(t, "boom", result.Message)
}

func TestExecuteHandlerToolErrorKeepsKind(t *testing.T) {
	tool := &countingTool{spec: ToolSpec{Name: "strict"}, fail: func(int) error {
		return &ToolError{Kind: KindInvalidArguments, Message: "path escapes workspace"}
	}}
	ex := NewToolExecutor(newRegistry(t, tool.Tool()))

	result := ex.Execute(context.Background(), call("c1", "strict", `{}`))

	assert.Equal(t, KindInvalidArguments, result.Kind)
	assert.Equal(t, "path escapes workspace", result.Message)
}

func TestExecuteRecoversPanics(t *testing.T) {
	panicky := Tool{
		Spec: ToolSpec{Name: "panic"},
		Handler: func(ctx context.Context, args Arguments) (string, error) {
			var m map[string]int
			m["x"] = 1
			return "", nil
		},
	}
	ex := NewToolExecutor(newRegistry(t, panicky))

	var result ToolResult
	require.NotPanics(t, func() {
		result = ex.Execute(context.Background(), call("c1", "panic", `{}`))
	})
	assert.False(t, result.OK)
	assert.Equal(t, KindToolRuntimeFailure, result.Kind)
	assert.Contains(t, result.Message, "tool panicked")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	big := Tool{
		Spec: ToolSpec{Name: "big"},
		Handler: func(ctx context.Context, args Arguments) (string, error) {
			return strings.Repeat("x", 500), nil
		},
	}
	ex := NewToolExecutor(newRegistry(t, big), WithOutputLimits(map[string]int{"big": 100}, nil))

	result := ex.Execute(context.Background(), call("c1", "big", `{}`))

	assert.True(t, result.OK)
	assert.Contains(t, result.Output, "400 characters were removed")
	assert.Less(t, len(result.Output), 500)
}

func TestExecuteBatchSequentialOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	rec := Tool{
		Spec: ToolSpec{Name: "rec", Schema: Schema{{Name: "id", Type: TypeString}}},
		Handler: func(ctx context.Context, args Arguments) (string, error) {
			id := args.StringOr("id", "")
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		},
	}
	ex := NewToolExecutor(newRegistry(t, rec), WithExecutionPolicy(ExecutionPolicy{Concurrent: true}))

	reqs := []ToolCallRequest{
		call("a", "rec", `{"id":"a"}`),
		call("b", "rec", `{"id":"b"}`),
		call("c", "rec", `{"id":"c"}`),
	}
	out := ex.ExecuteBatch(context.Background(), reqs)

	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "b", "c"}, order, "tools with side effects run sequentially")
	for i, d := range out {
		assert.True(t, d.Ran)
		assert.Equal(t, reqs[i].ID, d.Result.CallID)
	}
}

func TestExecuteBatchConcurrentRespectsLimit(t *testing.T) {
	var running, peak int32
	probe := Tool{
		Spec: ToolSpec{Name: "probe", SideEffectFree: true},
		Handler: func(ctx context.Context, args Arguments) (string, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return "ok", nil
		},
	}
	ex := NewToolExecutor(newRegistry(t, probe),
		WithExecutionPolicy(ExecutionPolicy{Concurrent: true, MaxConcurrency: 2}))

	var reqs []ToolCallRequest
	for i := 0; i < 6; i++ {
		reqs = append(reqs, call(fmt.Sprintf("c%d", i), "probe", `{}`))
	}
	out := ex.ExecuteBatch(context.Background(), reqs)

	for i, d := range out {
		assert.True(t, d.Ran)
		assert.Equal(t, fmt.Sprintf("c%d", i), d.Result.CallID)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestExecuteBatchCancelledSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopper := &countingTool{spec: ToolSpec{Name: "stop"}, fail: func(int) error {
		cancel()
		return nil
	}}
	other := &countingTool{spec: ToolSpec{Name: "other"}}
	ex := NewToolExecutor(newRegistry(t, stopper.Tool(), other.Tool()))

	out := ex.ExecuteBatch(ctx, []ToolCallRequest{
		call("c1", "stop", `{}`),
		call("c2", "other", `{}`),
		call("c3", "other", `{}`),
	})

	assert.True(t, out[0].Ran)
	assert.False(t, out[1].Ran)
	assert.False(t, out[2].Ran)
	assert.Equal(t, "c2", out[1].Request.ID)
	assert.Equal(t, 0, other.Runs())
}

func TestExecuteBatchEmpty(t *testing.T) {
	ex := NewToolExecutor(newRegistry(t))
	assert.Empty(t, ex.ExecuteBatch(context.Background(), nil))
}
