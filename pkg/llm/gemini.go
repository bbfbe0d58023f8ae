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

const defaultGeminiHost = "https://generativelanguage.googleapis.com"

// GeminiService implements Service against the Gemini REST API. Gemini parts
// map 1:1 to core Parts, so this is the reference normalization.
type GeminiService struct {
	config     *ServiceConfig
	httpClient *httpclient.Client
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is kept as a loose map: exactly one of text, functionCall or
// functionResponse is present.
type geminiPart map[string]any

type geminiToolSet struct {
	FunctionDeclarations []ToolDefinition `json:"functionDeclarations,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGeminiService(cfg *ServiceConfig) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.ErrAuth, "Gemini API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultGeminiHost
	}
	cfg.setDefaults()

	return &GeminiService{
		config:     cfg,
		httpClient: newTransport(cfg, httpclient.ParseGeminiHeaders),
	}, nil
}

func (s *GeminiService) ModelName() string { return s.config.Model }

func (s *GeminiService) SupportsFunctionCalling() bool { return true }

func (s *GeminiService) Close() error { return nil }

func (s *GeminiService) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(s.buildRequest(req))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMProtocol, "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
		s.config.Host, s.config.Model, s.config.APIKey)

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)
		if err := s.readStream(ctx, url, body, events); err != nil {
			events <- StreamEvent{Type: EventError, Err: err}
			events <- StreamEvent{Type: EventFinish, FinishReason: finishForError(ctx, err)}
		}
	}()
	return events, nil
}

func (s *GeminiService) readStream(ctx context.Context, url string, body []byte, events chan<- StreamEvent) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.WrapError(protocol.ErrLLMTransport, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

	sawToolCall := false
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

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return protocol.WrapError(protocol.ErrLLMProtocol, "failed to decode stream chunk", err)
		}
		if chunk.Error != nil {
			return protocol.NewError(protocol.ErrLLMProtocol, fmt.Sprintf("Gemini API error: %s", chunk.Error.Message))
		}

		if chunk.UsageMetadata != nil {
			events <- StreamEvent{Type: EventUsage, Usage: &Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				CachedTokens: chunk.UsageMetadata.CachedContentTokenCount,
			}}
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if text, ok := part["text"].(string); ok && text != "" {
					events <- StreamEvent{Type: EventText, Text: text}
				}
				if fcRaw, ok := part["functionCall"].(map[string]any); ok {
					fc := functionCallFromGemini(fcRaw)
					sawToolCall = true
					events <- StreamEvent{Type: EventFunctionCall, FunctionCall: fc}
				}
			}
			if cand.FinishReason == "MAX_TOKENS" {
				finish = FinishMaxTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.WrapError(protocol.ErrLLMTransport, "failed to read stream", err)
	}

	if sawToolCall && finish == FinishStop {
		finish = FinishToolCalls
	}
	events <- StreamEvent{Type: EventFinish, FinishReason: finish}
	return nil
}

func (s *GeminiService) CountTokens(ctx context.Context, contents protocol.History) (int, bool) {
	req := geminiRequest{Contents: contentsToGemini(contents)}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, false
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:countTokens?key=%s",
		s.config.Host, s.config.Model, s.config.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, false
	}
	return out.TotalTokens, true
}

func (s *GeminiService) buildRequest(req *Request) geminiRequest {
	out := geminiRequest{
		Contents: contentsToGemini(req.History),
		GenerationConfig: &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if out.GenerationConfig.MaxOutputTokens == 0 {
		out.GenerationConfig.MaxOutputTokens = s.config.MaxTokens
	}
	temp := s.config.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	out.GenerationConfig.Temperature = &temp

	if req.SystemInstruction != "" {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{"text": req.SystemInstruction}},
		}
	}
	if len(req.Tools) > 0 {
		out.Tools = []geminiToolSet{{FunctionDeclarations: req.Tools}}
	}
	return out
}

// contentsToGemini maps core Contents 1:1 onto Gemini wire contents. The
// function role is carried as a user content holding functionResponse parts,
// which is what the REST API expects.
func contentsToGemini(history protocol.History) []geminiContent {
	out := make([]geminiContent, 0, len(history))
	for _, content := range history {
		role := "user"
		if content.Role == protocol.RoleModel {
			role = "model"
		}
		parts := make([]geminiPart, 0, len(content.Parts))
		for _, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, geminiPart{
					"functionCall": map[string]any{
						"id":   p.FunctionCall.ID,
						"name": p.FunctionCall.Name,
						"args": p.FunctionCall.Args,
					},
				})
			case p.FunctionResponse != nil:
				response := p.FunctionResponse.Response
				if p.FunctionResponse.Error != nil {
					response = map[string]any{"error": p.FunctionResponse.Error}
				}
				parts = append(parts, geminiPart{
					"functionResponse": map[string]any{
						"id":       p.FunctionResponse.ID,
						"name":     p.FunctionResponse.Name,
						"response": response,
					},
				})
			default:
				parts = append(parts, geminiPart{"text": p.Text})
			}
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

// ContentsFromGemini converts Gemini wire contents back to core Contents.
// Round trip with contentsToGemini is the identity on supported parts.
func ContentsFromGemini(contents []geminiContent) protocol.History {
	out := make(protocol.History, 0, len(contents))
	for _, gc := range contents {
		role := protocol.RoleUser
		if gc.Role == "model" {
			role = protocol.RoleModel
		}
		parts := make([]protocol.Part, 0, len(gc.Parts))
		hasResponse := false
		for _, gp := range gc.Parts {
			if text, ok := gp["text"].(string); ok {
				parts = append(parts, protocol.TextPart(text))
				continue
			}
			if fcRaw, ok := gp["functionCall"].(map[string]any); ok {
				parts = append(parts, protocol.FunctionCallPart(functionCallFromGemini(fcRaw)))
				continue
			}
			if frRaw, ok := gp["functionResponse"].(map[string]any); ok {
				hasResponse = true
				fr := &protocol.FunctionResponse{}
				fr.ID, _ = frRaw["id"].(string)
				fr.Name, _ = frRaw["name"].(string)
				fr.Response, _ = frRaw["response"].(map[string]any)
				parts = append(parts, protocol.FunctionResponsePart(fr))
			}
		}
		if hasResponse {
			role = protocol.RoleFunction
		}
		out = append(out, &protocol.Content{Role: role, Parts: parts})
	}
	return out
}

func functionCallFromGemini(raw map[string]any) *protocol.FunctionCall {
	fc := &protocol.FunctionCall{}
	fc.ID, _ = raw["id"].(string)
	fc.Name, _ = raw["name"].(string)
	fc.Args, _ = raw["args"].(map[string]any)
	if fc.ID == "" {
		fc.ID = newCallID()
	}
	return fc
}
