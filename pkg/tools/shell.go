package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const maxOutputBytes = 64 * 1024

// ShellTool runs one shell command in the workspace root. The risk
// evaluator gates anything outside the configured whitelist.
type ShellTool struct {
	workspaceRoot string
	timeout       time.Duration
}

func NewShellTool(workspaceRoot string, timeout time.Duration) *ShellTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{workspaceRoot: workspaceRoot, timeout: timeout}
}

func (t *ShellTool) Name() string { return "shell_execute" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace root and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to run.",
			},
		},
		"required": []any{"command"},
	}
}

func (t *ShellTool) DefaultTimeout() time.Duration { return t.timeout }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "command argument is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspaceRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, protocol.WrapError(protocol.ErrCancelled, "command interrupted", ctx.Err())
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to run command", err)
		}
	}

	out := truncateOutput(stdout.String())
	errOut := truncateOutput(stderr.String())

	content := out
	if exitCode != 0 {
		content = fmt.Sprintf("exit code %d\n%s%s", exitCode, out, errOut)
	}
	return &ToolResult{
		Content: content,
		Output: map[string]any{
			"exit_code": exitCode,
			"stdout":    out,
			"stderr":    errOut,
		},
	}, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}
