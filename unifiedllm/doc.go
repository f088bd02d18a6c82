// Package unifiedllm provides a provider-agnostic client for chat models with
// tool calling.
//
// # Architecture
//
//   - ProviderAdapter and the shared Message/Request/Response types
//   - Retry logic and error classification helpers
//   - Client with provider routing and middleware
//
// # Adapters
//
// AnthropicAdapter, OpenAIAdapter and GeminiAdapter wrap the official SDKs.
// GollmAdapter wraps github.com/teilomillet/gollm for the long tail of
// providers it supports (ollama, groq, mistral, ...). ScriptedAdapter replays
// canned replies and is used by tests and the --script CLI flag.
//
//	adapter := unifiedllm.NewAnthropicAdapter(os.Getenv("ANTHROPIC_API_KEY"), "sonnet")
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # Errors
//
// Adapters translate SDK failures into the error hierarchy rooted at
// SDKError. IsRetryable decides whether Retry tries again; a reply whose
// tool-call structure cannot be decoded is reported as MalformedResponseError
// and is never retried.
package unifiedllm
