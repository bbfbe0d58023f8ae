// Package scheduler drives tool calls through their lifecycle: argument
// validation, the risk/confirmation gate, bounded concurrent execution
// and result assembly in call order.
package scheduler

import (
	"fmt"
	"time"

	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// State is one lifecycle stage of a tool call. Transitions only move
// forward; terminal states are immutable.
type State string

const (
	StateValidating           State = "validating"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateQueued               State = "queued"
	StateExecuting            State = "executing"
	StateSuccess              State = "success"
	StateError                State = "error"
	StateCancelled            State = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateError || s == StateCancelled
}

var allowedTransitions = map[State][]State{
	StateValidating:           {StateAwaitingConfirmation, StateQueued, StateError, StateCancelled},
	StateAwaitingConfirmation: {StateQueued, StateCancelled, StateError},
	StateQueued:               {StateExecuting, StateCancelled},
	StateExecuting:            {StateSuccess, StateError, StateCancelled},
}

// ToolCall is the scheduler's record of one FunctionCall in flight.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any

	State     State
	Risk      tools.Assessment
	Result    *tools.ToolResult
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

func newToolCall(fc *protocol.FunctionCall) *ToolCall {
	return &ToolCall{
		ID:        fc.ID,
		Name:      fc.Name,
		Args:      fc.Args,
		State:     StateValidating,
		StartedAt: time.Now(),
	}
}

// transition advances the call. Moving out of a terminal state or along
// an edge the machine does not allow is a programming error.
func (c *ToolCall) transition(next State) error {
	for _, allowed := range allowedTransitions[c.State] {
		if allowed == next {
			c.State = next
			if next.IsTerminal() {
				c.EndedAt = time.Now()
			}
			return nil
		}
	}
	return protocol.NewError(protocol.ErrInternal,
		fmt.Sprintf("illegal tool call transition %s -> %s", c.State, next))
}

// fail moves the call to error with err attached.
func (c *ToolCall) fail(err error) {
	if c.State.IsTerminal() {
		return
	}
	c.Err = err
	_ = c.transition(StateError)
}

// cancel moves the call to cancelled with err as the reason.
func (c *ToolCall) cancel(err error) {
	if c.State.IsTerminal() {
		return
	}
	c.Err = err
	_ = c.transition(StateCancelled)
}

// Response converts the finished call into its FunctionResponse. Errors
// are structured so the model can reason over them.
func (c *ToolCall) Response() *protocol.FunctionResponse {
	fr := &protocol.FunctionResponse{ID: c.ID, Name: c.Name}
	if c.Err != nil {
		detail := protocol.DetailOf(c.Err)
		if detail == nil {
			detail = &protocol.ErrorDetail{Kind: protocol.ErrToolExecution, Message: c.Err.Error()}
		}
		fr.Error = detail
		fr.Response = map[string]any{"error": map[string]any{
			"kind":    string(detail.Kind),
			"message": detail.Message,
			"detail":  detail.Detail,
		}}
		return fr
	}

	resp := map[string]any{}
	if c.Result != nil {
		for k, v := range c.Result.Output {
			resp[k] = v
		}
		if c.Result.Content != "" {
			resp["content"] = c.Result.Content
		}
	}
	fr.Response = resp
	return fr
}

// EventType tags a lifecycle notification for the host UI.
type EventType string

const (
	EventValidating           EventType = "validating"
	EventAwaitingConfirmation EventType = "awaiting_confirmation"
	EventRunning              EventType = "running"
	EventFinished             EventType = "finished"
	EventCancelled            EventType = "cancelled"
)

// Event is one lifecycle notification. Call is a live pointer owned by
// the scheduler; consumers must not mutate it.
type Event struct {
	Type EventType
	Call *ToolCall
}

// EventSink receives lifecycle events. A nil sink is allowed.
type EventSink func(Event)
