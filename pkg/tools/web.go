package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const maxResponseBytes = 1024 * 1024

// WebTool performs one HTTP request and returns status and body.
type WebTool struct {
	client *http.Client
}

func NewWebTool(timeout time.Duration) *WebTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebTool{client: &http.Client{Timeout: timeout}}
}

func (t *WebTool) Name() string { return "web_fetch" }

func (t *WebTool) Description() string {
	return "Fetch a URL over HTTP and return the response status and body."
}

func (t *WebTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to request.",
			},
			"method": map[string]any{
				"type":        "string",
				"enum":        []any{"GET", "POST", "PUT", "DELETE", "HEAD"},
				"description": "HTTP method, default GET.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for POST/PUT.",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Extra request headers.",
			},
		},
		"required": []any{"url"},
	}
}

func (t *WebTool) DefaultTimeout() time.Duration { return t.client.Timeout }

func (t *WebTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "url argument is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "url must start with http:// or https://")
	}

	method := strings.ToUpper(stringArg(args, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := stringArg(args, "body"); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInvalidToolCall, "invalid request", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.WrapError(protocol.ErrCancelled, "request interrupted", err)
		}
		return nil, protocol.WrapError(protocol.ErrToolExecution, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to read response", err)
	}
	truncated := false
	if len(data) > maxResponseBytes {
		data = data[:maxResponseBytes]
		truncated = true
	}

	return &ToolResult{
		Content: fmt.Sprintf("%s %s -> %d (%d bytes)", method, rawURL, resp.StatusCode, len(data)),
		Output: map[string]any{
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"body":         string(data),
			"truncated":    truncated,
		},
	}, nil
}
