package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads a text file, optionally a line window of it.
type ReadFileTool struct {
	workspaceRoot string
}

func NewReadFileTool(workspaceRoot string) *ReadFileTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ReadFileTool{workspaceRoot: workspaceRoot}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file. Relative paths resolve against the workspace root."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to read.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "First line to return, 1-based.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
			},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) DefaultTimeout() time.Duration { return 10 * time.Second }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	path := stringArg(args, "path")
	if path == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "path argument is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workspaceRoot, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to read file", err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	total := len(lines)

	offset := intArg(args, "offset", 1)
	limit := intArg(args, "limit", 0)
	if offset > 1 || limit > 0 {
		if offset < 1 {
			offset = 1
		}
		if offset > total {
			offset = total
		}
		end := total
		if limit > 0 && offset-1+limit < end {
			end = offset - 1 + limit
		}
		lines = lines[offset-1 : end]
		content = strings.Join(lines, "\n")
	}

	return &ToolResult{
		Content: content,
		Output: map[string]any{
			"path":        path,
			"total_lines": total,
			"truncated":   truncated,
		},
	}, nil
}

// WriteFileTool writes or appends to a file. Writes outside the
// workspace root are flagged high risk by the evaluator but not blocked.
type WriteFileTool struct {
	workspaceRoot string
}

func NewWriteFileTool(workspaceRoot string) *WriteFileTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &WriteFileTool{workspaceRoot: workspaceRoot}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Relative paths resolve against the workspace root."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwriting.",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) DefaultTimeout() time.Duration { return 10 * time.Second }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	path := stringArg(args, "path")
	if path == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "path argument is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "content argument is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workspaceRoot, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to create directory", err)
	}

	var err error
	if boolArg(args, "append") {
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, err = f.WriteString(content)
			f.Close()
		}
	} else {
		err = os.WriteFile(path, []byte(content), 0o644)
	}
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to write file", err)
	}

	return &ToolResult{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Output:  map[string]any{"path": path, "bytes": len(content)},
	}, nil
}
