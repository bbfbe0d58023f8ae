// Package agent implements the conversation core: the Chat history, the
// Turn abstraction over one model invocation, history compression,
// next-speaker arbitration and the Client loop tying them to the tool
// scheduler.
package agent

import (
	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// EventType tags one entry of the public event stream a host consumes.
type EventType string

const (
	EventText                     EventType = "text"
	EventToolStart                EventType = "tool_start"
	EventToolAwaitingConfirmation EventType = "tool_awaiting_confirmation"
	EventToolRunning              EventType = "tool_running"
	EventToolFinished             EventType = "tool_finished"
	EventUsage                    EventType = "usage"
	EventError                    EventType = "error"
	EventFinish                   EventType = "finish"
)

// Event is one element of the stream returned by SendMessageStream.
// The fields populated depend on Type.
type Event struct {
	Type EventType

	// EventText
	Text string

	// Tool lifecycle events
	ToolID   string
	ToolName string
	Args     map[string]any
	Risk     *tools.Assessment
	Summary  string
	OK       bool

	// EventUsage: cumulative counters for this session
	Usage *UsageStats

	// EventError
	Err *protocol.ErrorDetail

	// EventFinish
	Finish llm.FinishReason
}

// UsageStats accumulates token consumption across the turns of a session.
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens"`
	Requests     int `json:"requests"`
}

func (s *UsageStats) add(u llm.Usage) {
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.CachedTokens += u.CachedTokens
	s.Requests++
}
