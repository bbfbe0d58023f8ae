// Package llm normalizes Gemini, Anthropic and OpenAI streaming chat
// completions into one event protocol. Providers are raw HTTP+SSE over the
// retrying httpclient; every provider difference (content blocks, delta
// tool-call accumulation, part lists) is absorbed here so the rest of the
// core only ever sees StreamEvents and protocol Contents.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/dbrheo/dbrheo/pkg/httpclient"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

type EventType string

const (
	EventText         EventType = "text"
	EventFunctionCall EventType = "function_call"
	EventUsage        EventType = "usage"
	EventFinish       EventType = "finish"
	EventError        EventType = "error"
)

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishAborted   FinishReason = "aborted"
	FinishError     FinishReason = "error"
)

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// StreamEvent is one element of the lazy event sequence a service yields.
// Exactly one payload field is meaningful, selected by Type.
type StreamEvent struct {
	Type         EventType
	Text         string
	FunctionCall *protocol.FunctionCall
	Usage        *Usage
	FinishReason FinishReason
	Err          error
}

// ToolDefinition is the provider-neutral function-calling declaration.
// Parameters is a JSON-schema shaped object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one streaming invocation against a service.
type Request struct {
	History           protocol.History
	SystemInstruction string
	Tools             []ToolDefinition
	Temperature       *float64
	MaxTokens         int
}

// Service is the streaming LLM abstraction the agent core talks to.
type Service interface {
	// Stream sends the request and yields normalized events. The returned
	// channel is closed when the stream finishes; a Finish or Error event
	// always precedes the close. Cancelling ctx stops the read loop.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// CountTokens returns the provider's token count for the contents, or
	// ok=false when the provider lacks a counting API.
	CountTokens(ctx context.Context, contents protocol.History) (int, bool)

	SupportsFunctionCalling() bool

	ModelName() string

	Close() error
}

// ServiceConfig carries the per-provider connection settings.
type ServiceConfig struct {
	Model       string
	APIKey      string
	Host        string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

func (c *ServiceConfig) setDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 1.0
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
}

func newTransport(cfg *ServiceConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(cfg.RetryDelay),
		httpclient.WithHeaderParser(parser),
	)
}
