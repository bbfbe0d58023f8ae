package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// interpreters maps the allowed interpreter names to the command and
// the script file extension.
var interpreters = map[string]struct {
	command string
	ext     string
}{
	"python3": {"python3", ".py"},
	"node":    {"node", ".js"},
	"bash":    {"bash", ".sh"},
}

// CodeExecTool runs a short script through a whitelisted interpreter,
// with the workspace root as working directory. The risk evaluator
// rates every call at least medium.
type CodeExecTool struct {
	workspaceRoot string
	timeout       time.Duration
}

func NewCodeExecTool(workspaceRoot string, timeout time.Duration) *CodeExecTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CodeExecTool{workspaceRoot: workspaceRoot, timeout: timeout}
}

func (t *CodeExecTool) Name() string { return "code_execution" }

func (t *CodeExecTool) Description() string {
	return "Run a short script with python3, node or bash and return its output."
}

func (t *CodeExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"interpreter": map[string]any{
				"type":        "string",
				"enum":        []any{"python3", "node", "bash"},
				"description": "Which interpreter runs the code.",
			},
			"code": map[string]any{
				"type":        "string",
				"description": "The script source.",
			},
		},
		"required": []any{"interpreter", "code"},
	}
}

func (t *CodeExecTool) DefaultTimeout() time.Duration { return t.timeout }

func (t *CodeExecTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	name := stringArg(args, "interpreter")
	interp, ok := interpreters[name]
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall,
			fmt.Sprintf("interpreter %q is not allowed (use python3, node or bash)", name))
	}
	code := stringArg(args, "code")
	if code == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "code argument is required")
	}

	script, err := os.CreateTemp("", "dbrheo-*"+interp.ext)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to stage script", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(code); err != nil {
		script.Close()
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to stage script", err)
	}
	script.Close()

	cmd := exec.CommandContext(ctx, interp.command, script.Name())
	cmd.Dir, _ = filepath.Abs(t.workspaceRoot)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, protocol.WrapError(protocol.ErrCancelled, "script interrupted", ctx.Err())
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to run script", runErr)
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
			"interpreter": name,
			"exit_code":   exitCode,
			"stdout":      out,
			"stderr":      errOut,
		},
	}, nil
}
