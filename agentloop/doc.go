// Package agentloop implements the tool-dispatch state machine of an
// autonomous coding agent.
//
// A Loop turns one user instruction into a bounded sequence of model
// requests, tool invocations and result injections. Each pass asks the
// ModelClient for the next action, appends it to the Conversation, runs any
// requested tools through the ToolExecutor and appends their results in
// request order. The run ends when a response without tool calls satisfies
// the CompletionPolicy, or aborts on backend failure, repeated malformed
// responses, the iteration limit or cancellation.
//
// # Architecture
//
//   - Loop: the state machine (AwaitingModel, DispatchingTools, Completed,
//     Aborted), retry handling, loop detection and events.
//   - Conversation: append-only history that rejects results without a
//     matching pending call.
//   - ToolRegistry: named tools with a parameter Schema.
//   - ToolExecutor: validation, invocation, panic recovery, truncation and
//     optional concurrent dispatch of side-effect-free tools.
//   - ModelClient: the backend boundary. LLMModelClient adapts a
//     unifiedllm.Client.
//   - EventEmitter: non-blocking typed event stream for the host.
//
// # Quick Start
//
//	registry := agentloop.NewToolRegistry()
//	tools.RegisterDefaults(registry, workspace)
//
//	client := agentloop.NewLLMModelClient(llm, agentloop.LLMClientOptions{
//	    Model:        "claude-sonnet-4-5",
//	    SystemPrompt: agentloop.BuildSystemPrompt(agentloop.PromptOptions{Env: workspace, Tools: registry.List()}),
//	})
//
//	loop := agentloop.NewLoop("Create a hello.py file", client, registry, agentloop.DefaultLoopConfig())
//	go func() {
//	    for event := range loop.Events() {
//	        fmt.Printf("[%s] %v\n", event.Kind, event.Data)
//	    }
//	}()
//	outcome := loop.Run(ctx)
package agentloop
