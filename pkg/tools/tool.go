// Package tools holds the tool contract, the capability-tagged registry,
// the risk evaluator and the built-in tools (SQL, schema, export,
// connections, file, shell, web, code execution).
package tools

import (
	"context"
	"time"
)

// Capability tags what a tool is allowed to claim it does. The scheduler
// uses claims to decide which calls may run concurrently.
type Capability string

const (
	CapQuery        Capability = "query"
	CapModify       Capability = "modify"
	CapSchemaChange Capability = "schema_change"
	CapExplore      Capability = "explore"
	CapAnalyze      Capability = "analyze"
	CapExport       Capability = "export"
	CapRead         Capability = "read"
	CapWrite        Capability = "write"
	CapImport       Capability = "import"
	CapBackup       Capability = "backup"
	CapTransform    Capability = "transform"
)

var allCapabilities = map[Capability]bool{
	CapQuery: true, CapModify: true, CapSchemaChange: true,
	CapExplore: true, CapAnalyze: true, CapExport: true,
	CapRead: true, CapWrite: true, CapImport: true,
	CapBackup: true, CapTransform: true,
}

func (c Capability) Valid() bool { return allCapabilities[c] }

// sideEffectFree capabilities may run concurrently within a turn.
var sideEffectFree = map[Capability]bool{
	CapQuery: true, CapExplore: true, CapRead: true, CapAnalyze: true,
}

// SideEffectFree reports whether every claimed capability is free of
// side effects.
func SideEffectFree(caps []Capability) bool {
	if len(caps) == 0 {
		return false
	}
	for _, c := range caps {
		if !sideEffectFree[c] {
			return false
		}
	}
	return true
}

// ToolResult is what a successful execution hands back to the scheduler.
// Content is the human/LLM-facing summary; Output carries the structured
// payload placed in the FunctionResponse.
type ToolResult struct {
	Content  string         `json:"content,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is one executable unit of work.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns a JSON-schema shaped object describing the
	// accepted arguments, as exposed to the LLM.
	Parameters() map[string]any

	// DefaultTimeout bounds one execution unless overridden per call.
	DefaultTimeout() time.Duration

	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg tolerates JSON numbers arriving as float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
