package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/martinemde/engineer/config"
	"github.com/martinemde/engineer/unifiedllm"
)

// newAdapter builds the provider adapter selected by cfg. A non-empty
// script replays canned replies instead of calling a provider.
func newAdapter(ctx context.Context, cfg *config.Config, script string) (unifiedllm.ProviderAdapter, error) {
	if script != "" {
		adapter, err := unifiedllm.LoadScript(script)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	}

	llm := cfg.LLM
	switch {
	case llm.Provider == "scripted":
		return nil, fmt.Errorf("provider scripted requires --script")
	case llm.Provider == "anthropic":
		var opts []anthropicoption.RequestOption
		if llm.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(llm.BaseURL))
		}
		return unifiedllm.NewAnthropicAdapter(llm.APIKey, llm.Model, opts...), nil
	case llm.Provider == "openai":
		var opts []openaioption.RequestOption
		if llm.BaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(llm.BaseURL))
		}
		return unifiedllm.NewOpenAIAdapter(llm.APIKey, llm.Model, opts...), nil
	case llm.Provider == "gemini":
		adapter, err := unifiedllm.NewGeminiAdapter(ctx, llm.APIKey, llm.Model)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case strings.HasPrefix(llm.Provider, "gollm:"):
		opts := []unifiedllm.GollmAdapterOption{
			unifiedllm.WithModel(llm.Model),
			unifiedllm.WithMaxTokens(llm.MaxTokens),
		}
		if llm.Temperature != nil {
			opts = append(opts, unifiedllm.WithTemperature(*llm.Temperature))
		}
		adapter, err := unifiedllm.NewGollmAdapter(strings.TrimPrefix(llm.Provider, "gollm:"), llm.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	}
	return nil, fmt.Errorf("unknown provider %q", llm.Provider)
}

// newClient wraps adapter in a client that logs every model request.
func newClient(adapter unifiedllm.ProviderAdapter, logger *zap.Logger) *unifiedllm.Client {
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(adapter.Name(), adapter),
		unifiedllm.WithMiddleware(loggingMiddleware(logger)),
	)
}

func loggingMiddleware(logger *zap.Logger) unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("model request failed", append(fields, zap.Error(err))...)
			return nil, err
		}
		logger.Debug("model request",
			append(fields,
				zap.Int("tool_calls", len(resp.ToolCalls())),
				zap.Int("input_tokens", resp.Usage.InputTokens),
				zap.Int("output_tokens", resp.Usage.OutputTokens))...)
		return resp, nil
	}
}
