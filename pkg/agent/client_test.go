package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/scheduler"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

type cannedTool struct {
	name    string
	content string
	calls   int
}

func (c *cannedTool) Name() string                  { return c.name }
func (c *cannedTool) Description() string           { return "test tool" }
func (c *cannedTool) Parameters() map[string]any    { return map[string]any{"type": "object"} }
func (c *cannedTool) DefaultTimeout() time.Duration { return 5 * time.Second }
func (c *cannedTool) Execute(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
	c.calls++
	return &tools.ToolResult{
		Content: c.content,
		Output:  map[string]any{"columns": []string{"a", "b"}, "rows": [][]any{{1, "x"}, {2, "y"}}},
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(
		config.WithoutEnvFiles(),
		config.WithUserPath(""),
		config.WithWorkspacePath(""),
		config.WithSystemPath(""),
	)
	require.NoError(t, err)
	return cfg
}

func testClient(t *testing.T, svc llm.Service, reg *tools.Registry) *Client {
	t.Helper()
	eval := tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium})
	sched := scheduler.New(reg, eval, scheduler.Options{})
	return NewClient(testConfig(t), svc, reg, sched, nil)
}

func TestClientSingleSelectScenario(t *testing.T) {
	svc := &scriptedService{model: "gemini-2.5-flash", scripts: [][]llm.StreamEvent{
		{
			textEv("Fetching the rows."),
			callEv("c1", "sql_execute", map[string]any{"sql": "SELECT * FROM t LIMIT 2"}),
			{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 20, OutputTokens: 8}},
			finishEv(llm.FinishToolCalls),
		},
		{
			textEv("Here are the first two rows."),
			{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 30, OutputTokens: 10}},
			finishEv(llm.FinishStop),
		},
	}}
	reg := tools.NewRegistry()
	tool := &cannedTool{name: "sql_execute", content: "2 rows in 1ms"}
	require.NoError(t, reg.Register(tool, []tools.Capability{tools.CapQuery}))

	client := testClient(t, svc, reg)
	ch, err := client.SendMessageStream(context.Background(), "show first 2 rows from t")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	assert.Equal(t, 1, tool.calls)
	last := events[len(events)-1]
	assert.Equal(t, EventFinish, last.Type)
	assert.Equal(t, llm.FinishStop, last.Finish)

	types := eventTypes(events)
	assert.Contains(t, types, EventToolStart)
	assert.Contains(t, types, EventToolRunning)
	assert.Contains(t, types, EventToolFinished)

	// History: user, model(text+call), function(response), model(text).
	h := client.History()
	require.Len(t, h, 4)
	require.NoError(t, h.ValidatePairings())
	assert.Equal(t, protocol.RoleUser, h[0].Role)
	assert.Equal(t, protocol.RoleModel, h[1].Role)
	require.Len(t, h[1].FunctionCalls(), 1)
	assert.Equal(t, protocol.RoleFunction, h[2].Role)
	assert.Equal(t, "Here are the first two rows.", h[3].Text())

	// The second request carried the paired history.
	require.Len(t, svc.requests, 2)
	assert.Len(t, svc.requests[1].History, 3)

	stats := client.Stats()
	assert.Equal(t, 50, stats.InputTokens)
	assert.Equal(t, 18, stats.OutputTokens)
	assert.Equal(t, 2, stats.Requests)
}

func TestClientDestructiveCallRejected(t *testing.T) {
	svc := &scriptedService{model: "gemini-2.5-flash", scripts: [][]llm.StreamEvent{
		{
			callEv("c1", "sql_execute", map[string]any{"sql": "DROP TABLE t"}),
			finishEv(llm.FinishToolCalls),
		},
		{
			textEv("Understood, I will not drop the table."),
			finishEv(llm.FinishStop),
		},
	}}
	reg := tools.NewRegistry()
	tool := &cannedTool{name: "sql_execute"}
	require.NoError(t, reg.Register(tool, []tools.Capability{tools.CapQuery, tools.CapModify}))

	client := testClient(t, svc, reg)
	client.scheduler.OnConfirmationRequired(func(ctx context.Context, req *scheduler.ConfirmationRequest) (scheduler.ConfirmationDecision, error) {
		return scheduler.ConfirmationDecision{Approved: false}, nil
	})

	ch, err := client.SendMessageStream(context.Background(), "drop table t")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	assert.Equal(t, 0, tool.calls, "rejected call must not execute")

	var awaiting, finished *Event
	for i := range events {
		switch events[i].Type {
		case EventToolAwaitingConfirmation:
			awaiting = &events[i]
		case EventToolFinished:
			finished = &events[i]
		}
	}
	require.NotNil(t, awaiting)
	require.NotNil(t, awaiting.Risk)
	assert.Equal(t, tools.RiskHigh, awaiting.Risk.Level)
	require.NotNil(t, finished)
	assert.False(t, finished.OK)

	// The rejection reaches the model as a structured error response.
	h := client.History()
	require.NoError(t, h.ValidatePairings())
	responses := h[2].FunctionResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrRiskRejected, responses[0].Error.Kind)
}

func TestClientInterruptLeavesOnlyUserContent(t *testing.T) {
	var client *Client
	svc := &scriptedService{model: "gemini-2.5-flash", scripts: [][]llm.StreamEvent{
		{textEv("partial output"), finishEv(llm.FinishStop)},
	}}
	svc.onStream = func(call int) { client.Interrupt() }

	client = testClient(t, svc, tools.NewRegistry())
	ch, err := client.SendMessageStream(context.Background(), "hello")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	assert.Equal(t, EventFinish, last.Type)
	assert.Equal(t, llm.FinishAborted, last.Finish)

	h := client.History()
	require.Len(t, h, 1, "an interrupted turn commits nothing of the model output")
	assert.Equal(t, protocol.RoleUser, h[0].Role)
}

func TestClientMaxTurnsCapsAutoContinuation(t *testing.T) {
	// Every turn emits a tool call, so without the cap the loop would
	// never settle.
	script := []llm.StreamEvent{
		callEv("", "probe", nil),
		finishEv(llm.FinishToolCalls),
	}
	scripts := make([][]llm.StreamEvent, 20)
	for i := range scripts {
		scripts[i] = make([]llm.StreamEvent, len(script))
		copy(scripts[i], script)
		scripts[i][0] = callEv("c"+string(rune('a'+i)), "probe", nil)
	}
	svc := &scriptedService{model: "gemini-2.5-flash", scripts: scripts}

	reg := tools.NewRegistry()
	tool := &cannedTool{name: "probe"}
	require.NoError(t, reg.Register(tool, []tools.Capability{tools.CapQuery}))

	cfg := testConfig(t)
	require.NoError(t, cfg.Set("max_turns", 3))
	eval := tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium})
	client := NewClient(cfg, svc, reg, scheduler.New(reg, eval, scheduler.Options{}), nil)

	ch, err := client.SendMessageStream(context.Background(), "loop forever")
	require.NoError(t, err)
	collectEvents(t, ch)

	assert.Equal(t, 3, svc.calls, "auto-continuation must stop at max_turns")
}

func TestClientStreamErrorSurfacesAndTerminates(t *testing.T) {
	svc := &scriptedService{model: "gemini-2.5-flash", scripts: [][]llm.StreamEvent{
		{{Type: llm.EventError, Err: protocol.NewError(protocol.ErrAuth, "invalid api key")},
			finishEv(llm.FinishError)},
	}}

	client := testClient(t, svc, tools.NewRegistry())
	ch, err := client.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var errEv *Event
	for i := range events {
		if events[i].Type == EventError {
			errEv = &events[i]
		}
	}
	require.NotNil(t, errEv)
	assert.Equal(t, protocol.ErrAuth, errEv.Err.Kind)
	assert.Equal(t, llm.FinishError, events[len(events)-1].Finish)
}
