package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventLoopStart      EventKind = "loop_start"
	EventLoopEnd        EventKind = "loop_end"
	EventStateChange    EventKind = "state_change"
	EventIterationStart EventKind = "iteration_start"
	EventModelResponse  EventKind = "model_response"
	EventToolStart      EventKind = "tool_start"
	EventToolEnd        EventKind = "tool_end"
	EventNotice         EventKind = "notice"
	EventRetry          EventKind = "retry"
	EventLoopDetected   EventKind = "loop_detected"
	EventWarning        EventKind = "warning"
)

// LoopEvent is a typed event emitted by the agent loop.
type LoopEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Iteration int                    `json:"iteration"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a channel.
type EventEmitter struct {
	runID  string
	ch     chan LoopEvent
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		runID: runID,
		ch:    make(chan LoopEvent, bufferSize),
	}
}

// Emit sends an event to the channel. If the emitter is closed or the
// buffer is full, the event is dropped.
func (e *EventEmitter) Emit(kind EventKind, iteration int, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := LoopEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     e.runID,
		Iteration: iteration,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan LoopEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
