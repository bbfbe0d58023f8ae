package scheduler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// timeoutOverrideKey is the reserved argument a model may set to extend
// or shorten one call's timeout. It is stripped before execution.
const timeoutOverrideKey = "_timeout_ms"

// ConfirmationRequest is surfaced to the host when a call needs a
// human decision.
type ConfirmationRequest struct {
	CallID  string
	Tool    string
	Args    map[string]any
	Risk    tools.Assessment
	Summary string
}

// ConfirmationDecision is the host's answer. Remember promotes the
// decision to session scope for identical (tool, args) calls.
type ConfirmationDecision struct {
	Approved bool
	Remember bool
}

// ConfirmationCallback blocks until the user decides. Implementations
// must honor ctx cancellation.
type ConfirmationCallback func(ctx context.Context, req *ConfirmationRequest) (ConfirmationDecision, error)

// Options tunes a Scheduler.
type Options struct {
	// FanOut caps concurrent execution of side-effect-free calls.
	FanOut int
	// AutoExecute skips the confirmation gate entirely.
	AutoExecute bool
	// DefaultTimeout applies when a tool declares none.
	DefaultTimeout time.Duration
	// GracePeriod bounds how long a cancelled tool may keep running
	// before the scheduler detaches from it.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Scheduler validates, gates and executes the FunctionCalls of one
// turn, producing FunctionResponses in call order.
type Scheduler struct {
	registry  *tools.Registry
	evaluator *tools.Evaluator
	opts      Options

	confirmMu sync.RWMutex
	confirm   ConfirmationCallback

	rememberMu sync.Mutex
	remembered map[string]bool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

func New(registry *tools.Registry, evaluator *tools.Evaluator, opts Options) *Scheduler {
	if opts.FanOut <= 0 {
		opts.FanOut = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		registry:   registry,
		evaluator:  evaluator,
		opts:       opts,
		remembered: make(map[string]bool),
		schemas:    make(map[string]*jsonschema.Schema),
	}
}

// OnConfirmationRequired registers the user-facing gate. Without one,
// gated calls are rejected.
func (s *Scheduler) OnConfirmationRequired(cb ConfirmationCallback) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	s.confirm = cb
}

// Dispatch drives calls through the state machine and returns their
// responses in the order the calls arrived, regardless of completion
// order. Lifecycle events go to sink as they happen.
func (s *Scheduler) Dispatch(ctx context.Context, signal *protocol.AbortSignal, fcs []*protocol.FunctionCall, sink EventSink) []*protocol.FunctionResponse {
	if sink == nil {
		sink = func(Event) {}
	}
	if signal != nil {
		ctx = signal.Context()
	}

	calls := make([]*ToolCall, len(fcs))
	for i, fc := range fcs {
		calls[i] = newToolCall(fc)
	}

	// Validation and confirmation run serially: confirmation is an
	// interactive prompt and must not interleave.
	for i, call := range calls {
		s.prepare(ctx, call, fcs[i], sink)
	}

	s.execute(ctx, calls, sink)

	responses := make([]*protocol.FunctionResponse, len(calls))
	for i, call := range calls {
		responses[i] = call.Response()
	}
	return responses
}

// prepare moves one call from validating to queued, cancelled or error.
func (s *Scheduler) prepare(ctx context.Context, call *ToolCall, fc *protocol.FunctionCall, sink EventSink) {
	sink(Event{Type: EventValidating, Call: call})

	if ctx.Err() != nil {
		call.cancel(protocol.WrapError(protocol.ErrCancelled, "aborted before validation", ctx.Err()))
		sink(Event{Type: EventCancelled, Call: call})
		return
	}

	reg, err := s.registry.Get(call.Name)
	if err != nil {
		call.fail(err)
		sink(Event{Type: EventFinished, Call: call})
		return
	}

	if err := s.validateArgs(reg.Tool, call.Args); err != nil {
		call.fail(err)
		sink(Event{Type: EventFinished, Call: call})
		return
	}

	call.Risk = s.evaluator.Evaluate(call.Name, call.Args)

	needsGate := call.Risk.RequiresConfirmation && !s.opts.AutoExecute
	if needsGate && s.isRemembered(fc) {
		needsGate = false
	}
	if !needsGate {
		_ = call.transition(StateQueued)
		return
	}

	_ = call.transition(StateAwaitingConfirmation)
	sink(Event{Type: EventAwaitingConfirmation, Call: call})

	decision, err := s.askConfirmation(ctx, call)
	switch {
	case ctx.Err() != nil:
		call.cancel(protocol.WrapError(protocol.ErrCancelled, "aborted while awaiting confirmation", ctx.Err()))
		sink(Event{Type: EventCancelled, Call: call})
	case err != nil:
		call.fail(protocol.WrapError(protocol.ErrInternal, "confirmation callback failed", err))
		sink(Event{Type: EventFinished, Call: call})
	case decision.Approved:
		if decision.Remember {
			s.remember(fc)
		}
		_ = call.transition(StateQueued)
	default:
		call.cancel(protocol.NewError(protocol.ErrRiskRejected,
			fmt.Sprintf("user rejected %s (%s risk)", call.Name, call.Risk.Level)))
		sink(Event{Type: EventCancelled, Call: call})
	}
}

func (s *Scheduler) askConfirmation(ctx context.Context, call *ToolCall) (ConfirmationDecision, error) {
	s.confirmMu.RLock()
	cb := s.confirm
	s.confirmMu.RUnlock()
	if cb == nil {
		return ConfirmationDecision{}, nil
	}

	summary := call.Name
	if len(call.Risk.Reasons) > 0 {
		summary = fmt.Sprintf("%s: %s", call.Name, call.Risk.Reasons[0])
	}
	return cb(ctx, &ConfirmationRequest{
		CallID:  call.ID,
		Tool:    call.Name,
		Args:    call.Args,
		Risk:    call.Risk,
		Summary: summary,
	})
}

// execute runs queued calls: side-effect-free ones concurrently up to
// FanOut, the rest serially in arrival order after the parallel batch.
// A call on a mixed-capability tool joins the parallel batch when the
// evaluator assessed that specific invocation as safe, so two bare
// SELECTs through the SQL tool overlap while a DELETE stays serial.
func (s *Scheduler) execute(ctx context.Context, calls []*ToolCall, sink EventSink) {
	var parallel, serial []*ToolCall
	for _, call := range calls {
		if call.State != StateQueued {
			continue
		}
		reg, err := s.registry.Get(call.Name)
		if err != nil {
			call.fail(err)
			sink(Event{Type: EventFinished, Call: call})
			continue
		}
		safeInvocation := call.Risk.Level == tools.RiskSafe && reg.ClaimsSideEffectFree()
		if reg.SideEffectFree() || safeInvocation {
			parallel = append(parallel, call)
		} else {
			serial = append(serial, call)
		}
	}

	if len(parallel) > 0 {
		g := new(errgroup.Group)
		g.SetLimit(s.opts.FanOut)
		var sinkMu sync.Mutex
		locked := func(ev Event) {
			sinkMu.Lock()
			defer sinkMu.Unlock()
			sink(ev)
		}
		for _, call := range parallel {
			call := call
			g.Go(func() error {
				s.runCall(ctx, call, locked)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, call := range serial {
		if ctx.Err() != nil {
			call.cancel(protocol.WrapError(protocol.ErrCancelled, "aborted before execution", ctx.Err()))
			sink(Event{Type: EventCancelled, Call: call})
			continue
		}
		s.runCall(ctx, call, sink)
	}
}

type execResult struct {
	result *tools.ToolResult
	err    error
}

// runCall executes one queued call with its timeout and the abort grace
// period.
func (s *Scheduler) runCall(ctx context.Context, call *ToolCall, sink EventSink) {
	if ctx.Err() != nil {
		call.cancel(protocol.WrapError(protocol.ErrCancelled, "aborted before execution", ctx.Err()))
		sink(Event{Type: EventCancelled, Call: call})
		return
	}

	reg, err := s.registry.Get(call.Name)
	if err != nil {
		call.fail(err)
		sink(Event{Type: EventFinished, Call: call})
		return
	}

	_ = call.transition(StateExecuting)
	sink(Event{Type: EventRunning, Call: call})

	timeout := reg.Tool.DefaultTimeout()
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	args := call.Args
	if override, ok := args[timeoutOverrideKey]; ok {
		if ms := asInt(override); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		args = cloneWithout(args, timeoutOverrideKey)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		result, err := reg.Tool.Execute(execCtx, args)
		done <- execResult{result, err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		// Cooperative cancel: the tool saw ctx cancellation; give it the
		// grace period to return before detaching.
		select {
		case res = <-done:
		case <-time.After(s.opts.GracePeriod):
			s.opts.Logger.Warn("tool did not stop within grace period, detaching",
				"tool", call.Name, "id", call.ID)
			res = execResult{err: execCtx.Err()}
		}
	}

	switch {
	case ctx.Err() != nil:
		call.cancel(protocol.WrapError(protocol.ErrCancelled, "execution aborted", ctx.Err()))
		sink(Event{Type: EventCancelled, Call: call})
	case res.err != nil && execCtx.Err() == context.DeadlineExceeded:
		call.fail(protocol.WrapError(protocol.ErrTimeout,
			fmt.Sprintf("%s exceeded its %s timeout", call.Name, timeout), res.err))
		sink(Event{Type: EventFinished, Call: call})
	case res.err != nil:
		if protocol.KindOf(res.err) == protocol.ErrInternal {
			res.err = protocol.WrapError(protocol.ErrToolExecution, call.Name+" failed", res.err)
		}
		call.fail(res.err)
		sink(Event{Type: EventFinished, Call: call})
	default:
		call.Result = res.result
		_ = call.transition(StateSuccess)
		sink(Event{Type: EventFinished, Call: call})
	}
}

// validateArgs checks the arguments against the tool's parameter schema.
func (s *Scheduler) validateArgs(tool tools.Tool, args map[string]any) error {
	schema, err := s.compiledSchema(tool)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	checked := args
	if _, ok := checked[timeoutOverrideKey]; ok {
		checked = cloneWithout(checked, timeoutOverrideKey)
	}
	// Round-trip through JSON so numbers and nested values take the
	// generic shapes the validator expects.
	data, err := json.Marshal(checked)
	if err != nil {
		return protocol.WrapError(protocol.ErrInvalidToolCall, "arguments are not serializable", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return protocol.WrapError(protocol.ErrInvalidToolCall, "arguments are not serializable", err)
	}
	if generic == nil {
		generic = map[string]any{}
	}
	if err := schema.Validate(generic); err != nil {
		return protocol.WrapError(protocol.ErrInvalidToolCall,
			fmt.Sprintf("invalid arguments for %s", tool.Name()), err)
	}
	return nil
}

func (s *Scheduler) compiledSchema(tool tools.Tool) (*jsonschema.Schema, error) {
	name := tool.Name()

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if schema, ok := s.schemas[name]; ok {
		return schema, nil
	}

	params := tool.Parameters()
	if params == nil {
		s.schemas[name] = nil
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "tool parameter schema is not serializable", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(data)); err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "invalid tool parameter schema", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "invalid tool parameter schema", err)
	}
	s.schemas[name] = schema
	return schema, nil
}

// fingerprint keys remembered approvals by (tool, canonical args).
func fingerprint(fc *protocol.FunctionCall) string {
	sum := sha256.Sum256([]byte(fc.ArgsFingerprint()))
	return hex.EncodeToString(sum[:])
}

func (s *Scheduler) isRemembered(fc *protocol.FunctionCall) bool {
	s.rememberMu.Lock()
	defer s.rememberMu.Unlock()
	return s.remembered[fingerprint(fc)]
}

func (s *Scheduler) remember(fc *protocol.FunctionCall) {
	s.rememberMu.Lock()
	defer s.rememberMu.Unlock()
	s.remembered[fingerprint(fc)] = true
}

func cloneWithout(args map[string]any, key string) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
