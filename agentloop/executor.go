package agentloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ExecutionPolicy controls how a batch of tool calls is dispatched.
type ExecutionPolicy struct {
	// Concurrent allows batches made only of side-effect-free tools to run
	// in parallel. Any other batch runs sequentially.
	Concurrent bool `yaml:"concurrent" json:"concurrent"`
	// MaxConcurrency bounds parallel dispatch. Zero means 4.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

const defaultMaxConcurrency = 4

// ToolObserver is notified around every tool invocation. Calls may arrive
// from several goroutines when a batch runs concurrently.
type ToolObserver interface {
	ToolStarted(req ToolCallRequest)
	ToolFinished(req ToolCallRequest, result ToolResult, elapsed time.Duration)
}

// Dispatch pairs a request with its result. Ran is false for requests that
// were skipped because the context was cancelled first.
type Dispatch struct {
	Request ToolCallRequest
	Result  ToolResult
	Ran     bool
}

// ToolExecutor resolves tool calls against a registry and runs them.
type ToolExecutor struct {
	registry   *ToolRegistry
	policy     ExecutionPolicy
	charLimits map[string]int
	lineLimits map[string]int
	logger     *zap.Logger
	observer   ToolObserver
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecutionPolicy sets the batch dispatch policy.
func WithExecutionPolicy(p ExecutionPolicy) ExecutorOption {
	return func(e *ToolExecutor) { e.policy = p }
}

// WithOutputLimits overrides per-tool character and line limits.
func WithOutputLimits(chars, lines map[string]int) ExecutorOption {
	return func(e *ToolExecutor) {
		e.charLimits = chars
		e.lineLimits = lines
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *ToolExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithToolObserver sets the observer notified around each invocation.
func WithToolObserver(o ToolObserver) ExecutorOption {
	return func(e *ToolExecutor) { e.observer = o }
}

// NewToolExecutor creates an executor over registry.
func NewToolExecutor(registry *ToolRegistry, opts ...ExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one request. Every failure is reported through the returned
// ToolResult; Execute never returns an error and never panics.
func (e *ToolExecutor) Execute(ctx context.Context, req ToolCallRequest) ToolResult {
	start := time.Now()
	if e.observer != nil {
		e.observer.ToolStarted(req)
	}
	result := e.execute(ctx, req)
	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.ToolFinished(req, result, elapsed)
	}

	fields := []zap.Field{
		zap.String("tool", req.Name),
		zap.String("call_id", req.ID),
		zap.Duration("elapsed", elapsed),
	}
	if result.OK {
		e.logger.Debug("tool finished", append(fields, zap.Int("output_bytes", len(result.Output)))...)
	} else {
		e.logger.Info("tool failed", append(fields,
			zap.String("kind", string(result.Kind)),
			zap.String("message", result.Message))...)
	}
	return result
}

func (e *ToolExecutor) execute(ctx context.Context, req ToolCallRequest) ToolResult {
	tool, err := e.registry.Lookup(req.Name)
	if err != nil {
		return Failure(req.ID, req.Name, KindUnknownTool,
			fmt.Sprintf("unknown tool %q; available tools: %v", req.Name, e.registry.Names()))
	}

	args, err := tool.Spec.Schema.Validate(req.Arguments)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return Failure(req.ID, req.Name, te.Kind, te.Message)
		}
		return Failure(req.ID, req.Name, KindInvalidArguments, err.Error())
	}

	output, err := invoke(ctx, tool.Handler, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) && te.Kind != "" {
			return Failure(req.ID, req.Name, te.Kind, te.Message)
		}
		return Failure(req.ID, req.Name, KindToolRuntimeFailure, err.Error())
	}

	output = TruncateToolOutput(output, req.Name, e.charLimits, e.lineLimits)
	return Success(req.ID, req.Name, output)
}

func invoke(ctx context.Context, h Handler, args Arguments) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ToolError{
				Kind:    KindToolRuntimeFailure,
				Message: fmt.Sprintf("tool panicked: %v", r),
				Err:     fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	return h(ctx, args)
}

// ExecuteBatch runs requests and returns one Dispatch per request, in
// request order. Requests not started before ctx is cancelled have Ran false.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, reqs []ToolCallRequest) []Dispatch {
	out := make([]Dispatch, len(reqs))
	for i, r := range reqs {
		out[i].Request = r
	}
	if len(reqs) == 0 {
		return out
	}

	if e.policy.Concurrent && len(reqs) > 1 && e.sideEffectFree(reqs) {
		e.executeConcurrent(ctx, out)
		return out
	}

	for i := range out {
		if ctx.Err() != nil {
			e.logger.Debug("batch interrupted",
				zap.Int("completed", i), zap.Int("skipped", len(out)-i))
			break
		}
		out[i].Result = e.Execute(ctx, out[i].Request)
		out[i].Ran = true
	}
	return out
}

func (e *ToolExecutor) executeConcurrent(ctx context.Context, out []Dispatch) {
	limit := e.policy.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range out {
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out[i].Result = e.Execute(ctx, out[i].Request)
			out[i].Ran = true
			return nil
		})
	}
	_ = g.Wait()
}

func (e *ToolExecutor) sideEffectFree(reqs []ToolCallRequest) bool {
	for _, r := range reqs {
		tool, err := e.registry.Lookup(r.Name)
		if err != nil || !tool.Spec.SideEffectFree {
			return false
		}
	}
	return true
}
