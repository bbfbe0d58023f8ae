package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/httpclient"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

const defaultOpenAIHost = "https://api.openai.com"

// OpenAIService implements Service against the Chat Completions API.
// Tool-call arguments arrive as string fragments spread across deltas;
// they are buffered per call and emitted once the stream finishes them.
type OpenAIService struct {
	config     *ServiceConfig
	httpClient *httpclient.Client
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_completion_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	StreamOpts  *openaiStreamOpts `json:"stream_options,omitempty"`
}

type openaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type openaiStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewOpenAIService(cfg *ServiceConfig) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.ErrAuth, "OpenAI API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultOpenAIHost
	}
	cfg.setDefaults()

	return &OpenAIService{
		config:     cfg,
		httpClient: newTransport(cfg, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (s *OpenAIService) ModelName() string { return s.config.Model }

func (s *OpenAIService) SupportsFunctionCalling() bool { return true }

func (s *OpenAIService) Close() error { return nil }

// CountTokens: the Chat Completions API exposes no counting endpoint, so
// callers fall back to local estimation.
func (s *OpenAIService) CountTokens(ctx context.Context, contents protocol.History) (int, bool) {
	return 0, false
}

func (s *OpenAIService) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(s.buildRequest(req))
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

// pendingToolCall buffers an in-flight tool call while its argument
// fragments arrive.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (s *OpenAIService) readStream(ctx context.Context, body []byte, events chan<- StreamEvent) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return protocol.WrapError(protocol.ErrLLMTransport, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err, resp)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	// Tool calls stream as fragments keyed by the delta's index; an ID
	// and name arrive on the first fragment, argument text on the rest.
	// Fragments for different indexes may interleave.
	pending := make(map[int]*pendingToolCall)
	var order []int
	var usage *Usage
	finish := FinishStop

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			events <- StreamEvent{Type: EventFinish, FinishReason: FinishAborted}
			return nil
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk openaiStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return protocol.WrapError(protocol.ErrLLMProtocol, "failed to decode stream chunk", err)
		}
		if chunk.Error != nil {
			return protocol.NewError(protocol.ErrLLMProtocol,
				fmt.Sprintf("OpenAI API error: %s", chunk.Error.Message))
		}

		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				CachedTokens: chunk.Usage.PromptTokensDetails.CachedTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				events <- StreamEvent{Type: EventText, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := len(order)
				switch {
				case tc.Index != nil:
					idx = *tc.Index
				case tc.ID == "" && len(order) > 0:
					// No index and no ID: continuation of the last call.
					idx = order[len(order)-1]
				}
				p, ok := pending[idx]
				if !ok {
					p = &pendingToolCall{}
					pending[idx] = p
					order = append(order, idx)
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" && p.name == "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
			switch choice.FinishReason {
			case "tool_calls":
				finish = FinishToolCalls
			case "length":
				finish = FinishMaxTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.WrapError(protocol.ErrLLMTransport, "failed to read stream", err)
	}

	sort.Ints(order)
	for _, idx := range order {
		p := pending[idx]
		fc := &protocol.FunctionCall{ID: p.id, Name: p.name, Args: map[string]any{}}
		if fc.ID == "" {
			fc.ID = newCallID()
		}
		if raw := p.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &fc.Args); err != nil {
				return protocol.WrapError(protocol.ErrInvalidToolCall,
					fmt.Sprintf("tool call %s arguments are not valid JSON", p.name), err)
			}
		}
		events <- StreamEvent{Type: EventFunctionCall, FunctionCall: fc}
	}
	if len(pending) > 0 && finish == FinishStop {
		finish = FinishToolCalls
	}

	if usage != nil {
		events <- StreamEvent{Type: EventUsage, Usage: usage}
	}
	events <- StreamEvent{Type: EventFinish, FinishReason: finish}
	return nil
}

func (s *OpenAIService) buildRequest(req *Request) openaiRequest {
	messages := make([]openaiMessage, 0, len(req.History)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemInstruction})
	}

	for _, content := range req.History {
		switch content.Role {
		case protocol.RoleUser:
			messages = append(messages, openaiMessage{Role: "user", Content: content.Text()})

		case protocol.RoleModel:
			msg := openaiMessage{Role: "assistant", Content: content.Text()}
			for _, fc := range content.FunctionCalls() {
				args, err := json.Marshal(fc.Args)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:   fc.ID,
					Type: "function",
					Function: openaiCallFunction{
						Name:      fc.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, msg)

		case protocol.RoleFunction:
			// Each response becomes its own tool message keyed by call id.
			for _, fr := range content.FunctionResponses() {
				payload := fr.Response
				if fr.Error != nil {
					payload = map[string]any{"error": fr.Error}
				}
				serialized, err := json.Marshal(payload)
				if err != nil {
					serialized = []byte(fmt.Sprintf("%v", payload))
				}
				messages = append(messages, openaiMessage{
					Role:       "tool",
					Content:    string(serialized),
					ToolCallID: fr.ID,
				})
			}
		}
	}

	out := openaiRequest{
		Model:       s.config.Model,
		Messages:    messages,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stream:      true,
		StreamOpts:  &openaiStreamOpts{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]openaiTool, len(req.Tools))
		for i, tool := range req.Tools {
			out.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
	}
	return out
}
