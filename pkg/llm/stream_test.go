package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func eventsOfType(events []StreamEvent, typ EventType) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestGeminiStreamText(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":", world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4}}`,
	}))
	defer server.Close()

	svc, err := NewGeminiService(&ServiceConfig{Model: "gemini-2.5-flash", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("hi")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	texts := eventsOfType(all, EventText)
	require.Len(t, texts, 2)
	assert.Equal(t, "Hello", texts[0].Text)
	assert.Equal(t, ", world", texts[1].Text)

	usages := eventsOfType(all, EventUsage)
	require.Len(t, usages, 1)
	assert.Equal(t, 10, usages[0].Usage.InputTokens)

	last := all[len(all)-1]
	assert.Equal(t, EventFinish, last.Type)
	assert.Equal(t, FinishStop, last.FinishReason)
}

func TestGeminiStreamFunctionCall(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"sql_execute","args":{"sql":"SELECT 1"}}}]},"finishReason":"STOP"}]}`,
	}))
	defer server.Close()

	svc, err := NewGeminiService(&ServiceConfig{Model: "gemini-2.5-flash", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("run it")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	calls := eventsOfType(all, EventFunctionCall)
	require.Len(t, calls, 1)
	fc := calls[0].FunctionCall
	assert.Equal(t, "sql_execute", fc.Name)
	assert.Equal(t, "SELECT 1", fc.Args["sql"])
	assert.NotEmpty(t, fc.ID, "calls without a wire id get one assigned")

	last := all[len(all)-1]
	assert.Equal(t, FinishToolCalls, last.FinishReason)
}

func TestAnthropicStreamToolUse(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"type":"message_start","message":{"usage":{"input_tokens":25}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"schema_discovery"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"tab"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"le\":\"orders\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}))
	defer server.Close()

	svc, err := NewAnthropicService(&ServiceConfig{Model: "claude-sonnet-4", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("describe orders")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	texts := eventsOfType(all, EventText)
	require.Len(t, texts, 1)
	assert.Equal(t, "Checking", texts[0].Text)

	calls := eventsOfType(all, EventFunctionCall)
	require.Len(t, calls, 1)
	fc := calls[0].FunctionCall
	assert.Equal(t, "toolu_01", fc.ID)
	assert.Equal(t, "schema_discovery", fc.Name)
	assert.Equal(t, "orders", fc.Args["table"], "partial_json fragments reassemble into args")

	usages := eventsOfType(all, EventUsage)
	require.Len(t, usages, 1)
	assert.Equal(t, 25, usages[0].Usage.InputTokens)
	assert.Equal(t, 12, usages[0].Usage.OutputTokens)

	last := all[len(all)-1]
	assert.Equal(t, FinishToolCalls, last.FinishReason)
}

func TestAnthropicStreamInvalidToolJSON(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"sql_execute"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"sql\": not json"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}))
	defer server.Close()

	svc, err := NewAnthropicService(&ServiceConfig{Model: "claude-sonnet-4", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("run")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	errs := eventsOfType(all, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrInvalidToolCall, protocol.KindOf(errs[0].Err))
}

func TestOpenAIStreamToolCallAccumulation(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Running "}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"sql_execute","arguments":"{\"sql\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"SELECT 1\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"usage":{"prompt_tokens":30,"completion_tokens":8},"choices":[]}`,
		`[DONE]`,
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&ServiceConfig{Model: "gpt-4o", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("run select 1")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	texts := eventsOfType(all, EventText)
	require.Len(t, texts, 1)

	calls := eventsOfType(all, EventFunctionCall)
	require.Len(t, calls, 1)
	fc := calls[0].FunctionCall
	assert.Equal(t, "call_1", fc.ID)
	assert.Equal(t, "sql_execute", fc.Name)
	assert.Equal(t, "SELECT 1", fc.Args["sql"])

	usages := eventsOfType(all, EventUsage)
	require.Len(t, usages, 1)
	assert.Equal(t, 30, usages[0].Usage.InputTokens)

	last := all[len(all)-1]
	assert.Equal(t, FinishToolCalls, last.FinishReason)
}

func TestOpenAIStreamInterleavedToolCallIndexes(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"sql_execute","arguments":"{\"sql\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"schema_discovery","arguments":"{\"tab"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SELECT 1\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"le\":\"orders\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&ServiceConfig{Model: "gpt-4o", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("run both")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	calls := eventsOfType(all, EventFunctionCall)
	require.Len(t, calls, 2)

	assert.Equal(t, "call_a", calls[0].FunctionCall.ID)
	assert.Equal(t, "sql_execute", calls[0].FunctionCall.Name)
	assert.Equal(t, "SELECT 1", calls[0].FunctionCall.Args["sql"],
		"fragments must route to the call at their index, not the latest call")

	assert.Equal(t, "call_b", calls[1].FunctionCall.ID)
	assert.Equal(t, "schema_discovery", calls[1].FunctionCall.Name)
	assert.Equal(t, "orders", calls[1].FunctionCall.Args["table"])
}

func TestOpenAIStreamMalformedArguments(t *testing.T) {
	server := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_2","function":{"name":"sql_execute","arguments":"{broken"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&ServiceConfig{Model: "gpt-4o", APIKey: "test", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("run")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	errs := eventsOfType(all, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrInvalidToolCall, protocol.KindOf(errs[0].Err))

	last := all[len(all)-1]
	assert.Equal(t, EventFinish, last.Type)
	assert.Equal(t, FinishError, last.FinishReason)
}

func TestStreamAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer server.Close()

	svc, err := NewOpenAIService(&ServiceConfig{Model: "gpt-4o", APIKey: "bad", Host: server.URL})
	require.NoError(t, err)

	events, err := svc.Stream(context.Background(), &Request{
		History: protocol.History{protocol.NewUserContent("hi")},
	})
	require.NoError(t, err)

	all := collect(t, events)
	errs := eventsOfType(all, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrAuth, protocol.KindOf(errs[0].Err))
}

func TestGeminiRoundTrip(t *testing.T) {
	history := protocol.History{
		protocol.NewUserContent("list the tables"),
		{
			Role: protocol.RoleModel,
			Parts: []protocol.Part{
				protocol.TextPart("I'll check."),
				protocol.FunctionCallPart(&protocol.FunctionCall{
					ID: "call_a", Name: "schema_discovery",
					Args: map[string]any{"database": "main"},
				}),
			},
		},
		protocol.NewFunctionContent([]*protocol.FunctionResponse{{
			ID: "call_a", Name: "schema_discovery",
			Response: map[string]any{"tables": []any{"orders"}},
		}}),
	}

	back := ContentsFromGemini(contentsToGemini(history))
	require.Len(t, back, 3)
	assert.Equal(t, protocol.RoleUser, back[0].Role)
	assert.Equal(t, protocol.RoleModel, back[1].Role)
	assert.Equal(t, protocol.RoleFunction, back[2].Role)

	calls := back[1].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_a", calls[0].ID)

	responses := back[2].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "call_a", responses[0].ID)
}
