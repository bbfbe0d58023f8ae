package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/httpclient"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicVersionHeader  = "2023-06-01"
)

// AnthropicService implements Service against the Anthropic Messages API.
// Content blocks are concatenated into parts; tool_use blocks become
// FunctionCall events and tool results are serialized back as user-role
// tool_result blocks.
type AnthropicService struct {
	config     *ServiceConfig
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicStreamResponse struct {
	Type         string              `json:"type"`
	Index        int                 `json:"index,omitempty"`
	Delta        *anthropicDelta     `json:"delta,omitempty"`
	ContentBlock *anthropicContent   `json:"content_block,omitempty"`
	Message      *anthropicStreamMsg `json:"message,omitempty"`
	Usage        *anthropicUsage     `json:"usage,omitempty"`
	Error        *anthropicError     `json:"error,omitempty"`
}

type anthropicStreamMsg struct {
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicService(cfg *ServiceConfig) (*AnthropicService, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.ErrAuth, "Anthropic API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	cfg.setDefaults()

	return &AnthropicService{
		config:     cfg,
		httpClient: newTransport(cfg, httpclient.ParseAnthropicHeaders),
	}, nil
}

func (s *AnthropicService) ModelName() string { return s.config.Model }

func (s *AnthropicService) SupportsFunctionCalling() bool { return true }

func (s *AnthropicService) Close() error { return nil }

func (s *AnthropicService) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(s.buildRequest(req, true))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMProtocol, "failed to marshal request", err)
	}

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)
		if err := s.readStream(ctx, body, events); err != nil {
			events <- StreamEvent{Type: EventError, Err: err}
			events <- StreamEvent{Type: EventFinish, FinishReason: finishForError(ctx, err)}
		}
	}()
	return events, nil
}

func (s *AnthropicService) newMessagesRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMTransport, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersionHeader)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return httpReq, nil
}

func (s *AnthropicService) readStream(ctx context.Context, body []byte, events chan<- StreamEvent) error {
	httpReq, err := s.newMessagesRequest(ctx, "/v1/messages", body)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err, resp)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	// tool_use inputs arrive as partial JSON per block index; buffer until
	// the block stops, then emit a single FunctionCall.
	toolCalls := make(map[int]*protocol.FunctionCall)
	toolJSONBuffers := make(map[int]string)
	usage := Usage{}
	finish := FinishStop

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			events <- StreamEvent{Type: EventFinish, FinishReason: FinishAborted}
			return nil
		}
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk anthropicStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return protocol.WrapError(protocol.ErrLLMProtocol, "failed to decode stream chunk", err)
		}

		switch chunk.Type {
		case "error":
			if chunk.Error != nil {
				return protocol.NewError(protocol.ErrLLMProtocol,
					fmt.Sprintf("Anthropic API error: %s", chunk.Error.Message))
			}

		case "message_start":
			if chunk.Message != nil && chunk.Message.Usage != nil {
				usage.InputTokens = chunk.Message.Usage.InputTokens
				usage.CachedTokens = chunk.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
				id := chunk.ContentBlock.ID
				if id == "" {
					id = newCallID()
				}
				toolCalls[chunk.Index] = &protocol.FunctionCall{
					ID:   id,
					Name: chunk.ContentBlock.Name,
					Args: map[string]any{},
				}
				toolJSONBuffers[chunk.Index] = ""
			}

		case "content_block_delta":
			if chunk.Delta == nil {
				continue
			}
			if chunk.Delta.Text != "" {
				events <- StreamEvent{Type: EventText, Text: chunk.Delta.Text}
			}
			if chunk.Delta.Type == "input_json_delta" && chunk.Delta.PartialJSON != "" {
				toolJSONBuffers[chunk.Index] += chunk.Delta.PartialJSON
			}

		case "content_block_stop":
			fc, exists := toolCalls[chunk.Index]
			if !exists {
				continue
			}
			if buf := toolJSONBuffers[chunk.Index]; buf != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(buf), &args); err != nil {
					return protocol.WrapError(protocol.ErrInvalidToolCall,
						fmt.Sprintf("tool_use %s arguments are not valid JSON", fc.Name), err)
				}
				fc.Args = args
			}
			finish = FinishToolCalls
			events <- StreamEvent{Type: EventFunctionCall, FunctionCall: fc}
			delete(toolCalls, chunk.Index)
			delete(toolJSONBuffers, chunk.Index)

		case "message_delta":
			if chunk.Usage != nil {
				usage.OutputTokens = chunk.Usage.OutputTokens
			}
			if chunk.Delta != nil && chunk.Delta.StopReason == "max_tokens" {
				finish = FinishMaxTokens
			}

		case "message_stop":
			events <- StreamEvent{Type: EventUsage, Usage: &usage}
			events <- StreamEvent{Type: EventFinish, FinishReason: finish}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.WrapError(protocol.ErrLLMTransport, "failed to read stream", err)
	}

	events <- StreamEvent{Type: EventUsage, Usage: &usage}
	events <- StreamEvent{Type: EventFinish, FinishReason: finish}
	return nil
}

func (s *AnthropicService) CountTokens(ctx context.Context, contents protocol.History) (int, bool) {
	req := s.buildRequest(&Request{History: contents}, false)
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return 0, false
	}

	httpReq, err := s.newMessagesRequest(ctx, "/v1/messages/count_tokens", body)
	if err != nil {
		return 0, false
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, false
	}
	return out.InputTokens, true
}

// buildRequest converts the normalized history to Anthropic messages.
// Model contents become assistant messages with text and tool_use blocks;
// function contents become user messages with tool_result blocks.
func (s *AnthropicService) buildRequest(req *Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.History))
	for _, content := range req.History {
		switch content.Role {
		case protocol.RoleUser:
			text := content.Text()
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: text}},
			})

		case protocol.RoleModel:
			blocks := make([]anthropicContent, 0, len(content.Parts))
			for _, p := range content.Parts {
				switch {
				case p.Text != "":
					blocks = append(blocks, anthropicContent{Type: "text", Text: p.Text})
				case p.FunctionCall != nil:
					input := p.FunctionCall.Args
					if input == nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    p.FunctionCall.ID,
						Name:  p.FunctionCall.Name,
						Input: &input,
					})
				}
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
			}

		case protocol.RoleFunction:
			blocks := make([]anthropicContent, 0, len(content.Parts))
			for _, fr := range content.FunctionResponses() {
				payload := fr.Response
				isError := false
				if fr.Error != nil {
					payload = map[string]any{"error": fr.Error}
					isError = true
				}
				serialized, err := json.Marshal(payload)
				if err != nil {
					serialized = []byte(fmt.Sprintf("%v", payload))
				}
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: fr.ID,
					Content:   string(serialized),
					IsError:   isError,
				})
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropicMessage{Role: "user", Content: blocks})
			}
		}
	}

	out := anthropicRequest{
		Model:       s.config.Model,
		Messages:    messages,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stream:      stream,
		System:      req.SystemInstruction,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			out.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}
	return out
}
