package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/martinemde/engineer/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.RetryPolicy = unifiedllm.RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}
	return cfg
}

func roles(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role)
		if t.Notice {
			out[i] = "notice"
		}
	}
	return out
}

func TestLoopEchoScenario(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "echo", `{"text":"hi"}`)),
		textReply("All done. AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("say hi", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Empty(t, outcome.Reason)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, 2, outcome.Iterations)

	turns := loop.Turns()
	if diff := cmp.Diff([]string{"user", "assistant", "tool_result", "assistant"}, roles(turns)); diff != "" {
		t.Fatalf("turn roles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "say hi", turns[0].Content)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "c1", turns[2].CallID)
	require.NotNil(t, turns[2].Result)
	assert.True(t, turns[2].Result.OK)
	assert.Equal(t, "hi", turns[2].Result.Output)
	assert.Equal(t, "echo", turns[2].Result.Tool)
	assert.Equal(t, StateCompleted, loop.State())
}

func TestLoopNeverCompletingHitsIterationLimit(t *testing.T) {
	client := &scriptedClient{}
	cfg := testConfig()
	cfg.MaxIterations = 3
	loop := NewLoop("loop forever", client, newRegistry(t, echoTool()), cfg)

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindIterationLimitExceeded, outcome.Reason)
	assert.True(t, errors.Is(outcome.Err, ErrIterationLimit))
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, 3, client.Calls())

	want := []string{"user", "assistant", "notice", "assistant", "notice", "assistant", "notice"}
	if diff := cmp.Diff(want, roles(loop.Turns())); diff != "" {
		t.Fatalf("turn roles mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, loop.Turns()[2].Content, DefaultCompletionMarker)
}

func TestLoopIterationLimitDispatchesLastBatch(t *testing.T) {
	var steps []step
	for i := 1; i <= 2; i++ {
		steps = append(steps, callReply("", call(fmt.Sprintf("c%d", i), "echo", fmt.Sprintf(`{"text":"%d"}`, i))))
	}
	client := &scriptedClient{steps: steps}
	cfg := testConfig()
	cfg.MaxIterations = 2
	cfg.EnableLoopDetection = false
	loop := NewLoop("echo", client, newRegistry(t, echoTool()), cfg)

	outcome := loop.Run(context.Background())
	drain(loop)

	assert.Equal(t, KindIterationLimitExceeded, outcome.Reason)
	assert.Equal(t, 2, client.Calls())
	turns := loop.Turns()
	want := []string{"user", "assistant", "tool_result", "assistant", "tool_result"}
	if diff := cmp.Diff(want, roles(turns)); diff != "" {
		t.Fatalf("turn roles mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, VerifyTurns(turns))
}

func TestLoopRuntimeFaultThenRetrySucceeds(t *testing.T) {
	flaky := &countingTool{
		spec:  ToolSpec{Name: "flaky", Description: "fails once"},
		reply: "ok",
		fail: func(run int) error {
			if run == 1 {
				return errBoom
			}
			return nil
		},
	}
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "flaky", `{}`)),
		callReply("retrying", call("c2", "flaky", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("run flaky", client, newRegistry(t, flaky.Tool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, flaky.Runs())

	turns := loop.Turns()
	want := []string{"user", "assistant", "tool_result", "assistant", "tool_result", "assistant"}
	if diff := cmp.Diff(want, roles(turns)); diff != "" {
		t.Fatalf("turn roles mismatch (-want +got):\n%s", diff)
	}
	first, second := turns[2].Result, turns[4].Result
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.False(t, first.OK)
	assert.Equal(t, KindToolRuntimeFailure, first.Kind)
	assert.Contains(t, first.Message, "boom")
	assert.Contains(t, turns[2].Content, "tool_runtime_failure")
	assert.True(t, second.OK)
	assert.Equal(t, "ok", second.Output)
}

func TestLoopUnknownToolContinues(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "nope", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	result := loop.Turns()[2].Result
	require.NotNil(t, result)
	assert.Equal(t, KindUnknownTool, result.Kind)
	assert.Contains(t, result.Message, "echo")
}

func TestLoopInvalidArgumentsContinues(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "echo", `{"text":5}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	result := loop.Turns()[2].Result
	require.NotNil(t, result)
	assert.Equal(t, KindInvalidArguments, result.Kind)
	assert.Contains(t, result.Message, "text (want string, got integer)")
}

func TestLoopCancelDuringBatchSkipsRemainingCalls(t *testing.T) {
	var loop *Loop
	canceller := &countingTool{
		spec:  ToolSpec{Name: "stop", Description: "cancels the run"},
		reply: "stopping",
		fail: func(run int) error {
			loop.Cancel()
			return nil
		},
	}
	other := &countingTool{spec: ToolSpec{Name: "other"}, reply: "x"}
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "stop", `{}`), call("c2", "other", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop = NewLoop("x", client, newRegistry(t, canceller.Tool(), other.Tool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindCancelled, outcome.Reason)
	assert.True(t, errors.Is(outcome.Err, ErrCancelled))
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, canceller.Runs())
	assert.Equal(t, 0, other.Runs())

	turns := loop.Turns()
	want := []string{"user", "assistant", "tool_result"}
	if diff := cmp.Diff(want, roles(turns)); diff != "" {
		t.Fatalf("turn roles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "c1", turns[2].CallID)
	require.NoError(t, VerifyTurns(turns))

	// Idempotent: cancelling and running again changes nothing.
	loop.Cancel()
	again := loop.Run(context.Background())
	assert.Equal(t, StateAborted, again.State)
	assert.Equal(t, KindCancelled, again.Reason)
	assert.Equal(t, 1, client.Calls())
	assert.Len(t, loop.Turns(), 3)
}

func TestLoopTurnsFromToolHandler(t *testing.T) {
	var loop *Loop
	var seen []string
	tool := &countingTool{
		spec:  ToolSpec{Name: "inspect"},
		reply: "ok",
		fail: func(run int) error {
			seen = roles(loop.Turns())
			return nil
		},
	}
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "inspect", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop = NewLoop("x", client, newRegistry(t, tool.Tool()), testConfig())

	done := make(chan Outcome, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case outcome := <-done:
		assert.Equal(t, StateCompleted, outcome.State)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return while a tool read the conversation")
	}
	drain(loop)
	assert.Equal(t, []string{"user", "assistant"}, seen)
}

func TestLoopResultRecordFailureIsNotCancellation(t *testing.T) {
	var loop *Loop
	tool := &countingTool{
		spec:  ToolSpec{Name: "work"},
		reply: "done",
		fail: func(run int) error {
			loop.conv.seal()
			return nil
		},
	}
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "work", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop = NewLoop("x", client, newRegistry(t, tool.Tool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindMalformedResponse, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, ErrTerminal)
	assert.NotErrorIs(t, outcome.Err, ErrCancelled)
	assert.NotErrorIs(t, outcome.Err, context.Canceled)
	assert.Contains(t, outcome.Err.Error(), "conversation invariant violated")
}

func TestLoopCancelBetweenBatches(t *testing.T) {
	var loop *Loop
	tool := &countingTool{
		spec:  ToolSpec{Name: "work"},
		reply: "done",
		fail: func(run int) error {
			if run == 1 {
				loop.Cancel()
			}
			return nil
		},
	}
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "work", `{}`)),
		callReply("", call("c2", "work", `{}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop = NewLoop("x", client, newRegistry(t, tool.Tool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	assert.Equal(t, KindCancelled, outcome.Reason)
	assert.Equal(t, 1, client.Calls(), "no model request after cancellation")
	assert.Equal(t, 1, tool.Runs(), "no tool execution after cancellation")
	assert.Equal(t, []string{"user", "assistant", "tool_result"}, roles(loop.Turns()))
}

func TestLoopCancelBeforeRun(t *testing.T) {
	client := &scriptedClient{steps: []step{textReply("AUTOMODE_COMPLETE")}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())
	loop.Cancel()
	loop.Cancel()

	outcome := loop.Run(context.Background())
	drain(loop)

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindCancelled, outcome.Reason)
	assert.Equal(t, 0, client.Calls())
	assert.Equal(t, 0, outcome.Iterations)
}

func TestLoopParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{onSend: func(n int) { cancel() }}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(ctx)
	drain(loop)

	assert.Equal(t, KindCancelled, outcome.Reason)
	assert.Equal(t, 1, client.Calls())
}

func TestLoopMalformedOnceThenRecovers(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("%w: bad json", ErrMalformedResponse)},
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, client.Calls(), "malformed responses are not retried by the backoff policy")
	assert.Equal(t, []string{"user", "notice", "assistant"}, roles(loop.Turns()))
	assert.Contains(t, loop.Turns()[1].Content, "could not be processed")
}

func TestLoopConsecutiveMalformedAborts(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "", `{}`)),
		callReply("", call("c2", "echo", `[1,2]`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindMalformedResponse, outcome.Reason)
	assert.True(t, errors.Is(outcome.Err, ErrMalformedResponse))
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, []string{"user", "notice"}, roles(loop.Turns()))
}

func TestLoopDuplicateCallIDAcrossTurnsIsMalformed(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "echo", `{"text":"a"}`)),
		callReply("", call("c1", "echo", `{"text":"b"}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, []string{"user", "assistant", "tool_result", "notice", "assistant"}, roles(loop.Turns()))
	require.NoError(t, VerifyTurns(loop.Turns()))
}

func TestLoopBackendRetriedWithinOneIteration(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("%w: %w", ErrBackendUnavailable, &unifiedllm.ServerError{})},
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(context.Background())
	events := drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, 1, outcome.Iterations)

	var retries int
	for _, ev := range events {
		if ev.Kind == EventRetry {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestLoopBackendRetriesExhausted(t *testing.T) {
	unavailable := step{err: fmt.Errorf("%w: %w", ErrBackendUnavailable, &unifiedllm.NetworkError{})}
	client := &scriptedClient{steps: []step{unavailable, unavailable, unavailable, textReply("AUTOMODE_COMPLETE")}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, KindBackendUnavailable, outcome.Reason)
	assert.True(t, errors.Is(outcome.Err, ErrBackendUnavailable))
	assert.Equal(t, 3, client.Calls(), "initial attempt plus two retries")
	assert.Equal(t, 1, outcome.Iterations)
}

func TestLoopNonRetryableBackendErrorAborts(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("%w: %w", ErrBackendUnavailable, &unifiedllm.AuthenticationError{})},
	}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	assert.Equal(t, KindBackendUnavailable, outcome.Reason)
	assert.Equal(t, 1, client.Calls())
}

func TestLoopConcurrentBatchKeepsRequestOrder(t *testing.T) {
	slow := Tool{
		Spec: ToolSpec{
			Name:           "sleep",
			Schema:         Schema{{Name: "ms", Type: TypeInteger, Required: true}},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args Arguments) (string, error) {
			ms, _ := args.Int("ms")
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return fmt.Sprintf("slept %d", ms), nil
		},
	}
	client := &scriptedClient{steps: []step{
		callReply("",
			call("a", "sleep", `{"ms":30}`),
			call("b", "sleep", `{"ms":1}`),
			call("c", "sleep", `{"ms":15}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	cfg := testConfig()
	cfg.Execution = ExecutionPolicy{Concurrent: true, MaxConcurrency: 3}
	loop := NewLoop("x", client, newRegistry(t, slow), cfg)

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	turns := loop.Turns()
	var ids, outputs []string
	for _, turn := range turns {
		if turn.Role == RoleToolResult {
			ids = append(ids, turn.CallID)
			outputs = append(outputs, turn.Result.Output)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, []string{"slept 30", "slept 1", "slept 15"}, outputs)
}

func TestLoopDetectionAddsNotice(t *testing.T) {
	same := call("", "echo", `{"text":"again"}`)
	var steps []step
	for i := 1; i <= 3; i++ {
		c := same
		c.ID = fmt.Sprintf("c%d", i)
		steps = append(steps, callReply("", c))
	}
	steps = append(steps, textReply("AUTOMODE_COMPLETE"))
	client := &scriptedClient{steps: steps}

	cfg := testConfig()
	cfg.LoopDetectionWindow = 3
	loop := NewLoop("x", client, newRegistry(t, echoTool()), cfg)

	outcome := loop.Run(context.Background())
	events := drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	var notices []string
	for _, turn := range loop.Turns() {
		if turn.Notice {
			notices = append(notices, turn.Content)
		}
	}
	require.Len(t, notices, 1)
	assert.True(t, strings.HasPrefix(notices[0], "Loop detected"))

	var detected bool
	for _, ev := range events {
		detected = detected || ev.Kind == EventLoopDetected
	}
	assert.True(t, detected)
}

func TestLoopRunOnTerminalReturnsRecordedOutcome(t *testing.T) {
	client := &scriptedClient{steps: []step{textReply("AUTOMODE_COMPLETE")}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	first := loop.Run(context.Background())
	drain(loop)
	second := loop.Run(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.Calls())
	o, ok := loop.Outcome()
	assert.True(t, ok)
	assert.Equal(t, StateCompleted, o.State)
}

func TestLoopMarkerMustBeWholeToken(t *testing.T) {
	client := &scriptedClient{steps: []step{
		textReply("NOT_AUTOMODE_COMPLETE yet"),
		textReply("automode_complete"),
		textReply("ok: AUTOMODE_COMPLETE."),
	}}
	loop := NewLoop("x", client, newRegistry(t), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 3, outcome.Iterations)
}

func TestLoopMarkerIgnoredWithToolCalls(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("AUTOMODE_COMPLETE", call("c1", "echo", `{"text":"x"}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig())

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, outcome.Iterations)
}

func TestLoopEventStream(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callReply("", call("c1", "echo", `{"text":"hi"}`)),
		textReply("AUTOMODE_COMPLETE"),
	}}
	loop := NewLoop("x", client, newRegistry(t, echoTool()), testConfig(), WithRunID("run-1"))

	loop.Run(context.Background())
	events := drain(loop)

	require.NotEmpty(t, events)
	assert.Equal(t, EventLoopStart, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, EventLoopEnd, last.Kind)
	assert.Equal(t, "completed", last.Data["state"])

	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
		assert.Equal(t, "run-1", ev.RunID)
	}
	assert.Equal(t, 2, kinds[EventIterationStart])
	assert.Equal(t, 1, kinds[EventToolStart])
	assert.Equal(t, 1, kinds[EventToolEnd])
	assert.Equal(t, 2, kinds[EventModelResponse])
}

func TestLoopCustomCompletionPolicy(t *testing.T) {
	client := &scriptedClient{steps: []step{
		textReply("AUTOMODE_COMPLETE"),
		textReply("FINISHED"),
	}}
	cfg := testConfig()
	cfg.Completion = NewMarkerPolicy("FINISHED")
	loop := NewLoop("x", client, newRegistry(t), cfg)

	outcome := loop.Run(context.Background())
	drain(loop)

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Contains(t, loop.Turns()[2].Content, "FINISHED")
}
