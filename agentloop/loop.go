package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/engineer/unifiedllm"
	"go.uber.org/zap"
)

// LoopState is the state of the agent loop.
type LoopState string

const (
	StateAwaitingModel    LoopState = "awaiting_model"
	StateDispatchingTools LoopState = "dispatching_tools"
	StateCompleted        LoopState = "completed"
	StateAborted          LoopState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s LoopState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State      LoopState `json:"state"`
	Reason     ErrorKind `json:"reason,omitempty"` // set when State is StateAborted
	Err        error     `json:"-"`
	Iterations int       `json:"iterations"`
}

// LoopConfig holds configuration for a loop.
type LoopConfig struct {
	MaxIterations int                    `json:"max_iterations"`
	RetryPolicy   unifiedllm.RetryPolicy `json:"-"`
	// Completion decides whether a response without tool calls ends the
	// run. Nil means NewMarkerPolicy(DefaultCompletionMarker).
	Completion              CompletionPolicy `json:"-"`
	EnableLoopDetection     bool             `json:"enable_loop_detection"`
	LoopDetectionWindow     int              `json:"loop_detection_window"`
	MaxConsecutiveMalformed int              `json:"max_consecutive_malformed"`
	Execution               ExecutionPolicy  `json:"execution"`
	ToolOutputLimits        map[string]int   `json:"tool_output_limits,omitempty"`
	ToolLineLimits          map[string]int   `json:"tool_line_limits,omitempty"`
	// ContextWindowTokens enables a warning event once the history nears
	// the window. Zero disables it.
	ContextWindowTokens int `json:"context_window_tokens,omitempty"`
	EventBuffer         int `json:"event_buffer"`
}

// DefaultLoopConfig returns the default configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:           25,
		RetryPolicy:             unifiedllm.DefaultRetryPolicy(),
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
		MaxConsecutiveMalformed: 2,
		EventBuffer:             256,
	}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used by the loop and its executor.
func WithLogger(l *zap.Logger) LoopOption {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) LoopOption {
	return func(lp *Loop) {
		if id != "" {
			lp.id = id
		}
	}
}

// Loop drives one task from the seeded conversation to a terminal state.
// The conversation is only written by the goroutine executing Run.
type Loop struct {
	id         string
	client     ModelClient
	registry   *ToolRegistry
	executor   *ToolExecutor
	config     LoopConfig
	completion CompletionPolicy
	conv       *Conversation
	emitter    *EventEmitter
	logger     *zap.Logger

	mu              sync.Mutex
	state           LoopState
	outcome         *Outcome
	cancel          context.CancelFunc
	cancelRequested bool
	running         bool
	done            chan struct{}
}

// NewLoop creates a loop for task.
func NewLoop(task string, client ModelClient, registry *ToolRegistry, cfg LoopConfig, opts ...LoopOption) *Loop {
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxConsecutiveMalformed <= 0 {
		cfg.MaxConsecutiveMalformed = defaults.MaxConsecutiveMalformed
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = defaults.LoopDetectionWindow
	}

	l := &Loop{
		id:         uuid.New().String(),
		client:     client,
		registry:   registry,
		config:     cfg,
		completion: cfg.Completion,
		conv:       NewConversation(task),
		logger:     zap.NewNop(),
		state:      StateAwaitingModel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.completion == nil {
		l.completion = NewMarkerPolicy(DefaultCompletionMarker)
	}
	l.logger = l.logger.With(zap.String("run_id", l.id))
	l.emitter = NewEventEmitter(l.id, cfg.EventBuffer)
	l.executor = NewToolExecutor(registry,
		WithExecutionPolicy(cfg.Execution),
		WithOutputLimits(cfg.ToolOutputLimits, cfg.ToolLineLimits),
		WithExecutorLogger(l.logger),
		WithToolObserver(&loopObserver{loop: l}),
	)
	return l
}

// ID returns the run identifier.
func (l *Loop) ID() string { return l.id }

// State returns the current state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Outcome returns the terminal outcome, or false while the loop is running.
func (l *Loop) Outcome() (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outcome == nil {
		return Outcome{}, false
	}
	return *l.outcome, true
}

// Turns returns a copy of the conversation so far. It does not wait for Run
// and may be called from tool handlers and observers.
func (l *Loop) Turns() []Turn {
	return l.conv.Turns()
}

// Events returns the event channel. It is closed when the loop reaches a
// terminal state.
func (l *Loop) Events() <-chan LoopEvent {
	return l.emitter.Events()
}

// Cancel asks the loop to stop at the next suspension point. Safe to call
// from any goroutine, any number of times.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelRequested {
		return
	}
	l.cancelRequested = true
	if l.cancel != nil {
		l.cancel()
	}
}

// Run drives the loop until it completes or aborts. Calling Run on a
// terminal loop returns the recorded outcome; concurrent calls wait for the
// first to finish.
func (l *Loop) Run(ctx context.Context) Outcome {
	l.mu.Lock()
	if l.outcome != nil {
		o := *l.outcome
		l.mu.Unlock()
		return o
	}
	if l.running {
		l.mu.Unlock()
		<-l.done
		o, _ := l.Outcome()
		return o
	}
	l.running = true
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	if l.cancelRequested {
		cancel()
	}
	l.mu.Unlock()
	defer cancel()

	l.logger.Info("loop started",
		zap.Int("max_iterations", l.config.MaxIterations),
		zap.Int("tools", l.registry.Count()))
	l.emit(EventLoopStart, map[string]interface{}{
		"max_iterations": l.config.MaxIterations,
		"tools":          l.registry.Names(),
	})

	outcome := l.run(ctx)
	l.finish(outcome)
	return outcome
}

func (l *Loop) run(ctx context.Context) Outcome {
	malformed := 0
	for {
		if ctx.Err() != nil {
			return l.cancelled("before model request", ctx)
		}
		if l.conv.Iterations() >= l.config.MaxIterations {
			return l.abort(KindIterationLimitExceeded,
				fmt.Sprintf("no completion after %d model requests", l.conv.Iterations()), nil)
		}

		l.conv.beginIteration()
		l.emit(EventIterationStart, nil)

		resp, err := l.request(ctx)
		if err == nil {
			err = ValidateResponse(resp)
		}
		if err == nil && len(resp.ToolCalls) > 0 {
			err = l.conv.AppendAssistant(resp.Text, resp.ToolCalls)
		}
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelled("during model request", ctx)
			}
			if !errors.Is(err, ErrMalformedResponse) {
				return l.abort(KindBackendUnavailable, "model request failed", err)
			}
			malformed++
			l.logger.Warn("malformed model response", zap.Int("consecutive", malformed), zap.Error(err))
			if malformed >= l.config.MaxConsecutiveMalformed {
				return l.abort(KindMalformedResponse,
					fmt.Sprintf("%d consecutive malformed responses", malformed), err)
			}
			if nerr := l.notice(malformedNotice(err)); nerr != nil {
				return l.abort(KindMalformedResponse, "could not record error notice", nerr)
			}
			continue
		}
		malformed = 0

		l.emit(EventModelResponse, map[string]interface{}{
			"text":       resp.Text,
			"tool_calls": callNames(resp.ToolCalls),
		})

		if len(resp.ToolCalls) == 0 {
			if err := l.conv.AppendAssistant(resp.Text, nil); err != nil {
				return l.abort(KindMalformedResponse, "could not record response", err)
			}
			if l.completion.IsComplete(resp.Text) {
				l.conv.markCompleted()
				return Outcome{State: StateCompleted, Iterations: l.conv.Iterations()}
			}
			if err := l.notice(continuationNotice(l.completion)); err != nil {
				return l.abort(KindMalformedResponse, "could not record continuation notice", err)
			}
			l.checkContextUsage()
			continue
		}

		l.setState(StateDispatchingTools)
		complete, err := l.dispatch(ctx, resp.ToolCalls)
		if err != nil {
			return l.abort(KindMalformedResponse, "conversation invariant violated", err)
		}
		if !complete {
			return l.cancelled("during tool dispatch", ctx)
		}
		if err := l.conv.Verify(); err != nil {
			return l.abort(KindMalformedResponse, "conversation invariant violated", err)
		}

		if l.config.EnableLoopDetection && DetectLoop(l.conv.turns, l.config.LoopDetectionWindow) {
			warning := loopWarning(l.config.LoopDetectionWindow)
			l.logger.Warn("loop detected", zap.Int("window", l.config.LoopDetectionWindow))
			l.emit(EventLoopDetected, map[string]interface{}{"message": warning})
			if err := l.notice(warning); err != nil {
				return l.abort(KindMalformedResponse, "could not record loop warning", err)
			}
		}
		l.checkContextUsage()
		l.setState(StateAwaitingModel)
	}
}

// request issues one model request, retrying backend failures under the
// configured policy. All attempts count as a single iteration.
func (l *Loop) request(ctx context.Context) (ModelResponse, error) {
	policy := l.config.RetryPolicy
	onRetry := policy.OnRetry
	policy.ShouldRetry = func(err error) bool {
		if errors.Is(err, ErrMalformedResponse) {
			return false
		}
		return unifiedllm.IsRetryable(err)
	}
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		l.logger.Warn("retrying model request",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		l.emit(EventRetry, map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}

	snapshot := l.conv.Turns()
	specs := l.registry.List()
	return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (ModelResponse, error) {
		return l.client.Send(ctx, snapshot, specs)
	})
}

// dispatch runs the pending calls and appends their results in request
// order. It returns false if cancellation left calls without a result and
// an error if a result could not be recorded.
func (l *Loop) dispatch(ctx context.Context, calls []ToolCallRequest) (bool, error) {
	dispatches := l.executor.ExecuteBatch(ctx, calls)
	complete := true
	for i, d := range dispatches {
		if !d.Ran {
			complete = false
			continue
		}
		if !complete {
			// A later call finished after an earlier one was skipped; its
			// result cannot be appended without breaking request order.
			l.logger.Warn("discarding out-of-order tool result",
				zap.String("tool", d.Request.Name), zap.String("call_id", d.Request.ID), zap.Int("index", i))
			continue
		}
		if err := l.conv.AppendToolResult(d.Result); err != nil {
			l.logger.Error("append tool result", zap.String("call_id", d.Request.ID), zap.Error(err))
			return false, err
		}
	}
	return complete, nil
}

func (l *Loop) notice(text string) error {
	if err := l.conv.AppendNotice(text); err != nil {
		return err
	}
	l.emit(EventNotice, map[string]interface{}{"message": text})
	return nil
}

// checkContextUsage emits a warning if the history exceeds 80% of the
// configured context window.
func (l *Loop) checkContextUsage() {
	window := l.config.ContextWindowTokens
	if window <= 0 {
		return
	}
	totalChars := 0
	for _, turn := range l.conv.turns {
		totalChars += len(turn.Content)
		for _, tc := range turn.ToolCalls {
			totalChars += len(tc.Arguments)
		}
	}
	approxTokens := totalChars / 4
	if approxTokens > window*8/10 {
		pct := approxTokens * 100 / window
		l.emit(EventWarning, map[string]interface{}{
			"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		})
	}
}

func (l *Loop) cancelled(where string, ctx context.Context) Outcome {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return l.abort(KindCancelled, "cancelled "+where, err)
}

func (l *Loop) abort(kind ErrorKind, msg string, cause error) Outcome {
	l.conv.seal()
	return Outcome{
		State:      StateAborted,
		Reason:     kind,
		Err:        &AbortError{Kind: kind, Message: msg, Err: cause},
		Iterations: l.conv.Iterations(),
	}
}

func (l *Loop) finish(o Outcome) {
	l.mu.Lock()
	l.state = o.State
	l.outcome = &o
	l.running = false
	close(l.done)
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("state", string(o.State)),
		zap.Int("iterations", o.Iterations),
		zap.Int("turns", l.conv.Len()),
	}
	data := map[string]interface{}{
		"state":      string(o.State),
		"iterations": o.Iterations,
	}
	if o.State == StateAborted {
		fields = append(fields, zap.String("reason", string(o.Reason)), zap.Error(o.Err))
		data["reason"] = string(o.Reason)
		data["error"] = o.Err.Error()
		l.logger.Warn("loop aborted", fields...)
	} else {
		l.logger.Info("loop completed", fields...)
	}
	l.emit(EventStateChange, map[string]interface{}{"state": string(o.State)})
	l.emit(EventLoopEnd, data)
	l.emitter.Close()
}

func (l *Loop) setState(s LoopState) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed {
		l.emit(EventStateChange, map[string]interface{}{"state": string(s)})
	}
}

func (l *Loop) emit(kind EventKind, data map[string]interface{}) {
	l.emitter.Emit(kind, l.conv.Iterations(), data)
}

func callNames(calls []ToolCallRequest) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func malformedNotice(err error) string {
	return fmt.Sprintf("Your previous response could not be processed: %v. "+
		"Issue tool calls with a non-empty name, a unique id and a JSON object as arguments.", err)
}

func continuationNotice(p CompletionPolicy) string {
	return "Continue working on the task. " + p.Instruction()
}

// loopObserver forwards executor callbacks to the event stream.
type loopObserver struct {
	loop *Loop
}

func (o *loopObserver) ToolStarted(req ToolCallRequest) {
	o.loop.emit(EventToolStart, map[string]interface{}{
		"tool_name": req.Name,
		"call_id":   req.ID,
		"arguments": string(req.Arguments),
	})
}

func (o *loopObserver) ToolFinished(req ToolCallRequest, result ToolResult, elapsed time.Duration) {
	data := map[string]interface{}{
		"tool_name": req.Name,
		"call_id":   req.ID,
		"ok":        result.OK,
		"elapsed":   elapsed.String(),
	}
	if result.OK {
		data["output"] = result.Output
	} else {
		data["kind"] = string(result.Kind)
		data["error"] = result.Message
	}
	o.loop.emit(EventToolEnd, data)
}
