package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// fakeTool is a fully scriptable tool for exercising the dispatcher.
type fakeTool struct {
	name    string
	params  map[string]any
	timeout time.Duration
	execute func(ctx context.Context, args map[string]any) (*tools.ToolResult, error)

	calls atomic.Int32
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Parameters() map[string]any {
	if f.params != nil {
		return f.params
	}
	return map[string]any{"type": "object"}
}

func (f *fakeTool) DefaultTimeout() time.Duration { return f.timeout }

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return &tools.ToolResult{Content: "ok", Output: map[string]any{"tool": f.name}}, nil
}

func testScheduler(t *testing.T, reg *tools.Registry) *Scheduler {
	t.Helper()
	eval := tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium})
	return New(reg, eval, Options{GracePeriod: 50 * time.Millisecond})
}

func call(id, name string, args map[string]any) *protocol.FunctionCall {
	return &protocol.FunctionCall{ID: id, Name: name, Args: args}
}

func TestDispatchRunsSafeCallWithoutConfirmation(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "lookup"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapQuery}))

	s := testScheduler(t, reg)
	var events []EventType
	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "lookup", nil)},
		func(ev Event) { events = append(events, ev.Type) })

	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, "ok", responses[0].Response["content"])
	assert.Equal(t, int32(1), ft.calls.Load())
	assert.Equal(t, []EventType{EventValidating, EventRunning, EventFinished}, events)
}

func TestDispatchUnknownToolErrors(t *testing.T) {
	s := testScheduler(t, tools.NewRegistry())
	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "no_such_tool", nil)}, nil)

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrInvalidToolCall, responses[0].Error.Kind)
}

func TestDispatchValidatesArguments(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "lookup", params: map[string]any{
		"type":       "object",
		"properties": map[string]any{"sql": map[string]any{"type": "string"}},
		"required":   []any{"sql"},
	}}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapQuery}))

	s := testScheduler(t, reg)
	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "lookup", map[string]any{"sql": 42})}, nil)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrInvalidToolCall, responses[0].Error.Kind)
	assert.Equal(t, int32(0), ft.calls.Load(), "invalid calls must not execute")
}

func TestDispatchGatesDestructiveCall(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapQuery, tools.CapModify}))

	s := testScheduler(t, reg)
	var asked *ConfirmationRequest
	s.OnConfirmationRequired(func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error) {
		asked = req
		return ConfirmationDecision{Approved: false}, nil
	})

	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "sql_execute", map[string]any{"sql": "DROP TABLE users"})}, nil)

	require.NotNil(t, asked, "high risk must prompt")
	assert.Equal(t, tools.RiskHigh, asked.Risk.Level)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrRiskRejected, responses[0].Error.Kind)
	assert.Equal(t, int32(0), ft.calls.Load(), "rejected calls must not execute")
}

func TestDispatchApprovedCallExecutes(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapModify}))

	s := testScheduler(t, reg)
	s.OnConfirmationRequired(func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error) {
		return ConfirmationDecision{Approved: true}, nil
	})

	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "sql_execute", map[string]any{"sql": "DELETE FROM t WHERE id = 1"})}, nil)

	assert.Nil(t, responses[0].Error)
	assert.Equal(t, int32(1), ft.calls.Load())
}

func TestDispatchRememberedApprovalSkipsPrompt(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapModify}))

	s := testScheduler(t, reg)
	var prompts atomic.Int32
	s.OnConfirmationRequired(func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error) {
		prompts.Add(1)
		return ConfirmationDecision{Approved: true, Remember: true}, nil
	})

	args := map[string]any{"sql": "DELETE FROM t WHERE id = 1"}
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{call("c1", "sql_execute", args)}, nil)
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{call("c2", "sql_execute", args)}, nil)

	assert.Equal(t, int32(1), prompts.Load(), "identical call must reuse the remembered decision")
	assert.Equal(t, int32(2), ft.calls.Load())

	// Different arguments prompt again.
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c3", "sql_execute", map[string]any{"sql": "DELETE FROM t WHERE id = 2"}),
	}, nil)
	assert.Equal(t, int32(2), prompts.Load())
}

func TestDispatchNoCallbackRejectsGatedCall(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapModify}))

	s := testScheduler(t, reg)
	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "sql_execute", map[string]any{"sql": "DROP TABLE t"})}, nil)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrRiskRejected, responses[0].Error.Kind)
}

func TestDispatchResponsesKeepCallOrder(t *testing.T) {
	reg := tools.NewRegistry()
	slow := &fakeTool{name: "slow_read", execute: func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		time.Sleep(40 * time.Millisecond)
		return &tools.ToolResult{Output: map[string]any{"tool": "slow_read"}}, nil
	}}
	fast := &fakeTool{name: "fast_read"}
	require.NoError(t, reg.Register(slow, []tools.Capability{tools.CapQuery}))
	require.NoError(t, reg.Register(fast, []tools.Capability{tools.CapQuery}))

	s := testScheduler(t, reg)
	responses := s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "slow_read", nil),
		call("c2", "fast_read", nil),
	}, nil)

	require.Len(t, responses, 2)
	assert.Equal(t, "c1", responses[0].ID)
	assert.Equal(t, "slow_read", responses[0].Response["tool"])
	assert.Equal(t, "c2", responses[1].ID)
}

func TestDispatchSideEffectFreeCallsRunConcurrently(t *testing.T) {
	reg := tools.NewRegistry()
	var running, peak atomic.Int32
	var mu sync.Mutex
	track := func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return &tools.ToolResult{}, nil
	}
	require.NoError(t, reg.Register(&fakeTool{name: "read_a", execute: track}, []tools.Capability{tools.CapQuery}))
	require.NoError(t, reg.Register(&fakeTool{name: "read_b", execute: track}, []tools.Capability{tools.CapExplore}))
	require.NoError(t, reg.Register(&fakeTool{name: "read_c", execute: track}, []tools.Capability{tools.CapRead}))

	s := testScheduler(t, reg)
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "read_a", nil),
		call("c2", "read_b", nil),
		call("c3", "read_c", nil),
	}, nil)

	assert.Greater(t, peak.Load(), int32(1), "reads should overlap")
}

func TestDispatchSideEffectfulCallsRunSerially(t *testing.T) {
	reg := tools.NewRegistry()
	var running, peak atomic.Int32
	track := func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &tools.ToolResult{}, nil
	}
	require.NoError(t, reg.Register(&fakeTool{name: "write_a", execute: track}, []tools.Capability{tools.CapModify}))
	require.NoError(t, reg.Register(&fakeTool{name: "write_b", execute: track}, []tools.Capability{tools.CapModify}))

	s := testScheduler(t, reg)
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "write_a", nil),
		call("c2", "write_b", nil),
	}, nil)

	assert.Equal(t, int32(1), peak.Load(), "writes must never overlap")
}

func TestDispatchSafeSelectsOnSQLToolRunConcurrently(t *testing.T) {
	reg := tools.NewRegistry()
	var running, peak atomic.Int32
	var mu sync.Mutex
	track := func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return &tools.ToolResult{}, nil
	}
	require.NoError(t, reg.Register(&fakeTool{name: "sql_execute", execute: track},
		[]tools.Capability{tools.CapQuery, tools.CapModify, tools.CapSchemaChange}))

	s := testScheduler(t, reg)
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "sql_execute", map[string]any{"sql": "SELECT * FROM orders"}),
		call("c2", "sql_execute", map[string]any{"sql": "SELECT count(*) FROM users"}),
	}, nil)

	assert.Greater(t, peak.Load(), int32(1), "bare SELECTs should overlap")
}

func TestDispatchEffectfulSQLStaysSerial(t *testing.T) {
	reg := tools.NewRegistry()
	var running, peak atomic.Int32
	track := func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &tools.ToolResult{}, nil
	}
	require.NoError(t, reg.Register(&fakeTool{name: "sql_execute", execute: track},
		[]tools.Capability{tools.CapQuery, tools.CapModify, tools.CapSchemaChange}))

	s := New(reg, tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium}),
		Options{AutoExecute: true, GracePeriod: 50 * time.Millisecond})
	s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "sql_execute", map[string]any{"sql": "DELETE FROM t WHERE id = 1"}),
		call("c2", "sql_execute", map[string]any{"sql": "UPDATE t SET n = 0 WHERE id = 2"}),
	}, nil)

	assert.Equal(t, int32(1), peak.Load(), "data-modifying statements must never overlap")
}

func TestDispatchTimeout(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "slow", timeout: 30 * time.Millisecond,
		execute: func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapQuery}))

	s := testScheduler(t, reg)
	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "slow", nil)}, nil)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrTimeout, responses[0].Error.Kind)
}

func TestDispatchTimeoutOverrideArg(t *testing.T) {
	reg := tools.NewRegistry()
	var seen map[string]any
	ft := &fakeTool{name: "slow", timeout: 10 * time.Millisecond,
		execute: func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
			seen = args
			select {
			case <-time.After(30 * time.Millisecond):
				return &tools.ToolResult{Content: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapQuery}))

	s := testScheduler(t, reg)
	responses := s.Dispatch(context.Background(), nil, []*protocol.FunctionCall{
		call("c1", "slow", map[string]any{"q": "x", "_timeout_ms": float64(500)}),
	}, nil)

	assert.Nil(t, responses[0].Error, "override should extend past the default timeout")
	require.NotNil(t, seen)
	_, present := seen["_timeout_ms"]
	assert.False(t, present, "override must be stripped before execution")
	assert.Equal(t, "x", seen["q"])
}

func TestDispatchAbortCancelsPendingCalls(t *testing.T) {
	reg := tools.NewRegistry()
	signal := protocol.NewAbortSignal(context.Background())
	first := &fakeTool{name: "write_a", execute: func(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
		signal.Abort()
		return &tools.ToolResult{Content: "done"}, nil
	}}
	second := &fakeTool{name: "write_b"}
	require.NoError(t, reg.Register(first, []tools.Capability{tools.CapModify}))
	require.NoError(t, reg.Register(second, []tools.Capability{tools.CapModify}))

	s := New(reg, tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium}),
		Options{AutoExecute: true, GracePeriod: 50 * time.Millisecond})

	responses := s.Dispatch(context.Background(), signal, []*protocol.FunctionCall{
		call("c1", "write_a", nil),
		call("c2", "write_b", nil),
	}, nil)

	require.NotNil(t, responses[1].Error)
	assert.Equal(t, protocol.ErrCancelled, responses[1].Error.Kind)
	assert.Equal(t, int32(0), second.calls.Load(), "no call may start after abort")
}

func TestDispatchAbortDuringConfirmation(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapModify}))

	signal := protocol.NewAbortSignal(context.Background())
	s := testScheduler(t, reg)
	s.OnConfirmationRequired(func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error) {
		signal.Abort()
		<-ctx.Done()
		return ConfirmationDecision{}, ctx.Err()
	})

	responses := s.Dispatch(context.Background(), signal,
		[]*protocol.FunctionCall{call("c1", "sql_execute", map[string]any{"sql": "DROP TABLE t"})}, nil)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.ErrCancelled, responses[0].Error.Kind)
	assert.Equal(t, int32(0), ft.calls.Load())
}

func TestDispatchAutoExecuteSkipsGate(t *testing.T) {
	reg := tools.NewRegistry()
	ft := &fakeTool{name: "sql_execute"}
	require.NoError(t, reg.Register(ft, []tools.Capability{tools.CapModify}))

	s := New(reg, tools.NewEvaluator(tools.EvaluatorConfig{Threshold: tools.RiskMedium}),
		Options{AutoExecute: true})
	var prompted bool
	s.OnConfirmationRequired(func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error) {
		prompted = true
		return ConfirmationDecision{}, nil
	})

	responses := s.Dispatch(context.Background(), nil,
		[]*protocol.FunctionCall{call("c1", "sql_execute", map[string]any{"sql": "DROP TABLE t"})}, nil)

	assert.False(t, prompted)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, int32(1), ft.calls.Load())
}
