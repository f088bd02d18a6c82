package agentloop

import (
	"fmt"
	"sync"
)

// Conversation is the append-only history of one run. It has a single
// writer, the owning Loop. Readers on other goroutines get copies.
type Conversation struct {
	mu         sync.RWMutex
	turns      []Turn
	pending    []ToolCallRequest
	seenIDs    map[string]struct{}
	iterations int
	completed  bool
	sealed     bool
}

// NewConversation seeds a conversation with the user's task.
func NewConversation(task string) *Conversation {
	return &Conversation{
		turns:   []Turn{NewUserTurn(task)},
		seenIDs: make(map[string]struct{}),
	}
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Iterations returns the number of model requests issued so far.
func (c *Conversation) Iterations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iterations
}

// Completed reports whether the run ended with a completion signal.
func (c *Conversation) Completed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// Sealed reports whether the conversation rejects further appends.
func (c *Conversation) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Turns returns a deep copy of the history.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.clone()
	}
	return out
}

// Pending returns the tool calls of the last assistant turn that still lack
// a result, in request order.
func (c *Conversation) Pending() []ToolCallRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolCallRequest, len(c.pending))
	copy(out, c.pending)
	return out
}

// AppendAssistant records a model response. Call ids must be unique across
// the conversation and no earlier calls may be pending.
func (c *Conversation) AppendAssistant(text string, calls []ToolCallRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}
	batch := make(map[string]struct{}, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			return fmt.Errorf("%w: tool call %q has no id", ErrMalformedResponse, call.Name)
		}
		if _, dup := c.seenIDs[call.ID]; dup {
			return fmt.Errorf("%w: duplicate tool call id %q", ErrMalformedResponse, call.ID)
		}
		if _, dup := batch[call.ID]; dup {
			return fmt.Errorf("%w: duplicate tool call id %q", ErrMalformedResponse, call.ID)
		}
		batch[call.ID] = struct{}{}
	}

	turn := NewAssistantTurn(text, calls)
	c.turns = append(c.turns, turn)
	for _, call := range turn.ToolCalls {
		c.seenIDs[call.ID] = struct{}{}
	}
	c.pending = append(c.pending, turn.ToolCalls...)
	return nil
}

// AppendToolResult records the result of a pending call. Results must
// arrive in request order.
func (c *Conversation) AppendToolResult(result ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrTerminal
	}
	if len(c.pending) == 0 || c.pending[0].ID != result.CallID {
		return fmt.Errorf("%w: %q", ErrOrphanResult, result.CallID)
	}
	if result.Tool == "" {
		result.Tool = c.pending[0].Name
	}
	c.pending = c.pending[1:]
	c.turns = append(c.turns, NewToolResultTurn(result))
	return nil
}

// AppendNotice records a loop-generated user message.
func (c *Conversation) AppendNotice(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}
	c.turns = append(c.turns, NewNoticeTurn(text))
	return nil
}

func (c *Conversation) writable() error {
	if c.sealed {
		return ErrTerminal
	}
	if len(c.pending) > 0 {
		return fmt.Errorf("%w: %d unanswered", ErrPendingCalls, len(c.pending))
	}
	return nil
}

func (c *Conversation) beginIteration() {
	c.mu.Lock()
	c.iterations++
	c.mu.Unlock()
}

func (c *Conversation) markCompleted() {
	c.mu.Lock()
	c.completed = true
	c.sealed = true
	c.mu.Unlock()
}

func (c *Conversation) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Verify checks the referential invariant over the whole history: every
// tool-result turn answers an earlier, still unmatched call.
func (c *Conversation) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyTurns(c.turns)
}

// VerifyTurns checks the referential and ordering invariants of a history.
func VerifyTurns(turns []Turn) error {
	var open []string
	seen := make(map[string]struct{})
	for i, t := range turns {
		switch t.Role {
		case RoleAssistant:
			for _, call := range t.ToolCalls {
				if _, dup := seen[call.ID]; dup {
					return fmt.Errorf("turn %d: duplicate call id %q", i, call.ID)
				}
				seen[call.ID] = struct{}{}
				open = append(open, call.ID)
			}
		case RoleToolResult:
			if len(open) == 0 || open[0] != t.CallID {
				return fmt.Errorf("turn %d: %w: %q", i, ErrOrphanResult, t.CallID)
			}
			open = open[1:]
		}
	}
	return nil
}
