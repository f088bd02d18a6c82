package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures seen by the loop.
type ErrorKind string

const (
	KindUnknownTool            ErrorKind = "unknown_tool"
	KindInvalidArguments       ErrorKind = "invalid_arguments"
	KindToolRuntimeFailure     ErrorKind = "tool_runtime_failure"
	KindBackendUnavailable     ErrorKind = "backend_unavailable"
	KindMalformedResponse      ErrorKind = "malformed_response"
	KindIterationLimitExceeded ErrorKind = "iteration_limit_exceeded"
	KindCancelled              ErrorKind = "cancelled"
)

// Sentinel errors for errors.Is.
var (
	ErrUnknownTool        = errors.New("unknown tool")
	ErrDuplicateTool      = errors.New("duplicate tool")
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrToolRuntime        = errors.New("tool runtime failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrIterationLimit     = errors.New("iteration limit exceeded")
	ErrCancelled          = errors.New("cancelled")

	// ErrOrphanResult is returned when a tool result does not match a
	// pending tool call.
	ErrOrphanResult = errors.New("tool result without matching call")
	// ErrPendingCalls is returned when a turn is appended while tool calls
	// from the previous assistant turn still lack results.
	ErrPendingCalls = errors.New("tool calls still pending")
	// ErrTerminal is returned when a finished conversation is mutated.
	ErrTerminal = errors.New("conversation is terminal")
)

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindUnknownTool:
		return ErrUnknownTool
	case KindInvalidArguments:
		return ErrInvalidArguments
	case KindToolRuntimeFailure:
		return ErrToolRuntime
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindMalformedResponse:
		return ErrMalformedResponse
	case KindIterationLimitExceeded:
		return ErrIterationLimit
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// FieldMismatch describes one argument whose JSON type does not match the schema.
type FieldMismatch struct {
	Field string `json:"field"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

// ToolError is a tool-level failure. It is always recovered into a ToolResult.
type ToolError struct {
	Kind       ErrorKind
	Tool       string
	Message    string
	Missing    []string
	Mismatched []FieldMismatch
	Err        error
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *ToolError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := sentinelFor(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newInvalidArguments(missing []string, mismatched []FieldMismatch, detail string) *ToolError {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required: "+strings.Join(missing, ", "))
	}
	if len(mismatched) > 0 {
		items := make([]string, len(mismatched))
		for i, m := range mismatched {
			items[i] = fmt.Sprintf("%s (want %s, got %s)", m.Field, m.Want, m.Got)
		}
		parts = append(parts, "type mismatch: "+strings.Join(items, ", "))
	}
	if detail != "" {
		parts = append(parts, detail)
	}
	return &ToolError{
		Kind:       KindInvalidArguments,
		Message:    strings.Join(parts, "; "),
		Missing:    missing,
		Mismatched: mismatched,
	}
}

// AbortError records why a loop ended in the Aborted state.
type AbortError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aborted (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("aborted (%s): %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *AbortError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := sentinelFor(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
