package agentloop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/martinemde/engineer/unifiedllm"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// ToolCallRequest is a model-issued request to run one tool.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolCallRequest copies args so the request cannot be mutated through
// the caller's slice.
func NewToolCallRequest(id, name string, args json.RawMessage) ToolCallRequest {
	return ToolCallRequest{ID: id, Name: name, Arguments: cloneRaw(args)}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// ToolResult is the outcome of one ToolCallRequest.
type ToolResult struct {
	CallID  string    `json:"call_id"`
	Tool    string    `json:"tool"`
	OK      bool      `json:"ok"`
	Output  string    `json:"output,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Success builds a successful result.
func Success(callID, tool, output string) ToolResult {
	return ToolResult{CallID: callID, Tool: tool, OK: true, Output: output}
}

// Failure builds a failed result.
func Failure(callID, tool string, kind ErrorKind, message string) ToolResult {
	return ToolResult{CallID: callID, Tool: tool, Kind: kind, Message: message}
}

// Content is the text sent back to the model.
func (r ToolResult) Content() string {
	if r.OK {
		return r.Output
	}
	return fmt.Sprintf("Error (%s): %s", r.Kind, r.Message)
}

// Turn is a single entry in the conversation history.
type Turn struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Notice    bool              `json:"notice,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Result    *ToolResult       `json:"result,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewNoticeTurn creates a loop-generated user turn (error report,
// continuation nudge, loop warning).
func NewNoticeTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Notice: true, Timestamp: time.Now()}
}

// NewAssistantTurn creates a Turn wrapping a model response.
func NewAssistantTurn(content string, calls []ToolCallRequest) Turn {
	t := Turn{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
	for _, c := range calls {
		t.ToolCalls = append(t.ToolCalls, NewToolCallRequest(c.ID, c.Name, c.Arguments))
	}
	return t
}

// NewToolResultTurn creates a Turn carrying one tool result.
func NewToolResultTurn(result ToolResult) Turn {
	r := result
	return Turn{
		Role:      RoleToolResult,
		Content:   r.Content(),
		CallID:    r.CallID,
		Result:    &r,
		Timestamp: time.Now(),
	}
}

func (t Turn) clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRequest, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			out.ToolCalls[i] = NewToolCallRequest(c.ID, c.Name, c.Arguments)
		}
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	return out
}

// ConvertHistoryToMessages converts the turn-based history into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case RoleUser:
			// Notices go out as user messages so the model treats them as
			// additional instructions.
			messages = append(messages, unifiedllm.UserMessage(turn.Content))
		case RoleAssistant:
			msg := unifiedllm.AssistantMessage(turn.Content)
			for _, tc := range turn.ToolCalls {
				msg.Content = append(msg.Content,
					unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, msg)
		case RoleToolResult:
			isError := turn.Result != nil && !turn.Result.OK
			messages = append(messages,
				unifiedllm.ToolResultMessage(turn.CallID, turn.Content, isError))
		}
	}
	return messages
}
