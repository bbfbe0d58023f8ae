// Package protocol defines the wire-level value types shared by the agent
// core: conversation contents, parts, tool calls and their responses.
//
// The shapes follow the Gemini normalized form: a Content has a role and an
// ordered list of Parts, and a Part is exactly one of text, functionCall or
// functionResponse. All providers are normalized into this form.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
)

// FunctionCall is a structured request by the model to invoke a named tool.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the paired result of a FunctionCall, matched by ID.
// Exactly one of Response or Error is set.
type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
	Error    *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the machine-readable error shape embedded in a
// FunctionResponse so the model can reason over failures.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Part is a tagged variant. Exactly one field is non-zero.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func FunctionCallPart(fc *FunctionCall) Part {
	return Part{FunctionCall: fc}
}

func FunctionResponsePart(fr *FunctionResponse) Part {
	return Part{FunctionResponse: fr}
}

// Content is one entry in a conversation history. Parts keep the order the
// model produced them; text and calls may interleave within a model Content.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func NewUserContent(text string) *Content {
	return &Content{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func NewModelContent(parts ...Part) *Content {
	return &Content{Role: RoleModel, Parts: parts}
}

// NewFunctionContent builds the function-role Content carrying the responses
// for every call of the preceding model Content, in call order.
func NewFunctionContent(responses []*FunctionResponse) *Content {
	parts := make([]Part, 0, len(responses))
	for _, fr := range responses {
		parts = append(parts, FunctionResponsePart(fr))
	}
	return &Content{Role: RoleFunction, Parts: parts}
}

// Text concatenates all text parts of the content.
func (c *Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// FunctionCalls returns the call parts of the content in order.
func (c *Content) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the response parts of the content in order.
func (c *Content) FunctionResponses() []*FunctionResponse {
	var responses []*FunctionResponse
	for _, p := range c.Parts {
		if p.FunctionResponse != nil {
			responses = append(responses, p.FunctionResponse)
		}
	}
	return responses
}

// ArgsFingerprint returns a stable fingerprint of a tool call's arguments,
// used to key remembered confirmation decisions within a session.
func (fc *FunctionCall) ArgsFingerprint() string {
	data, err := json.Marshal(canonicalize(fc.Args))
	if err != nil {
		return fmt.Sprintf("%s:unmarshalable", fc.Name)
	}
	return fc.Name + ":" + string(data)
}

// canonicalize recursively rebuilds maps so json.Marshal emits keys sorted,
// which encoding/json guarantees for map[string]any.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}
