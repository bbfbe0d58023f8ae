package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/scheduler"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// defaultSystemPrompt is used when the config carries no prompts.system.
const defaultSystemPrompt = `You are a database agent. You help the user explore, query and modify databases through the tools available to you. Inspect schemas before writing SQL against unfamiliar tables. Prefer dry_run or validate modes to preview destructive statements, and explain what a statement will do before executing anything irreversible. Report results concisely.`

// Client owns the chat history, the scheduler, the registry and the LLM
// service, and drives the turn loop for one session.
type Client struct {
	cfg        *config.Config
	chat       *Chat
	registry   *tools.Registry
	scheduler  *scheduler.Scheduler
	service    llm.Service
	compressor *Compressor

	systemPrompt string
	maxTurns     int
	logger       *slog.Logger

	mu    sync.Mutex
	abort *protocol.AbortSignal
	stats UsageStats
}

func NewClient(cfg *config.Config, service llm.Service, registry *tools.Registry, sched *scheduler.Scheduler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	prompt := cfg.GetString("prompts.system", defaultSystemPrompt)
	compressor := NewCompressor(service,
		cfg.CompressionThreshold(), cfg.ContextWindow(),
		cfg.GetString("prompts.compression", ""), logger)

	return &Client{
		cfg:          cfg,
		chat:         NewChat(nil),
		registry:     registry,
		scheduler:    sched,
		service:      service,
		compressor:   compressor,
		systemPrompt: prompt,
		maxTurns:     cfg.MaxTurns(),
		logger:       logger,
	}
}

// History returns a snapshot of the conversation.
func (c *Client) History() protocol.History {
	return c.chat.History()
}

// Stats returns the session's cumulative token usage.
func (c *Client) Stats() UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SwitchModel swaps the LLM service for subsequent turns, preserving
// the conversation history. Callers must not switch while a
// SendMessageStream is in flight.
func (c *Client) SwitchModel(service llm.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.service = service
	c.compressor = NewCompressor(service,
		c.cfg.CompressionThreshold(), c.cfg.ContextWindow(),
		c.cfg.GetString("prompts.compression", ""), c.logger)
}

// Interrupt trips the abort signal of the in-flight SendMessageStream,
// if any. Idempotent.
func (c *Client) Interrupt() {
	c.mu.Lock()
	signal := c.abort
	c.mu.Unlock()
	if signal != nil {
		signal.Abort()
	}
}

// SendMessageStream appends the user message and runs the turn loop,
// streaming events until the conversation settles. The channel is
// closed after a Finish event.
func (c *Client) SendMessageStream(ctx context.Context, userText string) (<-chan Event, error) {
	signal := protocol.NewAbortSignal(ctx)
	c.mu.Lock()
	c.abort = signal
	c.mu.Unlock()

	if err := c.chat.Commit(protocol.NewUserContent(userText)); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go c.run(signal, events)
	return events, nil
}

func (c *Client) run(signal *protocol.AbortSignal, events chan<- Event) {
	defer close(events)
	ctx := signal.Context()
	emit := func(ev Event) { events <- ev }

	finish := llm.FinishStop
	turn := NewTurn(c.service)

	for turnNum := 0; ; turnNum++ {
		req := &llm.Request{
			History:           c.chat.History(),
			SystemInstruction: c.systemPrompt,
			Tools:             c.registry.SnapshotForLLM(),
		}

		result, err := turn.Run(ctx, req, func(delta string) {
			emit(Event{Type: EventText, Text: delta})
		})
		if err != nil {
			if signal.Aborted() {
				finish = llm.FinishAborted
				break
			}
			emit(Event{Type: EventError, Err: protocol.DetailOf(err)})
			finish = llm.FinishError
			break
		}

		if result.Usage != (llm.Usage{}) {
			emit(Event{Type: EventUsage, Usage: c.recordUsage(result.Usage)})
		}

		if signal.Aborted() {
			// An interrupted stream commits nothing of the model turn.
			finish = llm.FinishAborted
			break
		}

		model := result.ModelContent()
		if len(result.FunctionCalls) == 0 {
			if model != nil {
				if err := c.chat.Commit(model); err != nil {
					emit(Event{Type: EventError, Err: protocol.DetailOf(err)})
					finish = llm.FinishError
					break
				}
			}
			finish = result.FinishReason
			break
		}

		responses := c.scheduler.Dispatch(ctx, signal, result.FunctionCalls, c.schedulerSink(emit))
		if err := c.chat.Commit(model, protocol.NewFunctionContent(responses)); err != nil {
			emit(Event{Type: EventError, Err: protocol.DetailOf(err)})
			finish = llm.FinishError
			break
		}

		c.maybeCompress(ctx)

		if signal.Aborted() {
			finish = llm.FinishAborted
			break
		}

		if result.FinishReason != llm.FinishToolCalls {
			decision := DecideNextSpeaker(result, true)
			c.logger.Debug("next speaker", "continue", decision.Continue, "reason", decision.Reason)
			if !decision.Continue {
				finish = result.FinishReason
				break
			}
		}
		if turnNum+1 >= c.maxTurns {
			c.logger.Warn("auto-continuation budget exhausted", "max_turns", c.maxTurns)
			finish = llm.FinishStop
			break
		}
	}

	emit(Event{Type: EventFinish, Finish: finish})
}

// maybeCompress shrinks the history when it crossed the token trigger.
// Compression failures are logged and skipped; the conversation keeps
// going with the uncompressed history.
func (c *Client) maybeCompress(ctx context.Context) {
	if c.compressor == nil {
		return
	}
	compressed, ok, err := c.compressor.MaybeCompress(ctx, c.chat.History())
	if err != nil {
		c.logger.Warn("history compression failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := c.chat.Replace(compressed); err != nil {
		c.logger.Warn("rejected compressed history", "error", err)
	}
}

func (c *Client) recordUsage(u llm.Usage) *UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.add(u)
	snapshot := c.stats
	return &snapshot
}

// schedulerSink adapts scheduler lifecycle events to the public stream.
func (c *Client) schedulerSink(emit func(Event)) scheduler.EventSink {
	return func(ev scheduler.Event) {
		call := ev.Call
		switch ev.Type {
		case scheduler.EventValidating:
			emit(Event{Type: EventToolStart, ToolID: call.ID, ToolName: call.Name, Args: call.Args})
		case scheduler.EventAwaitingConfirmation:
			risk := call.Risk
			summary := call.Name
			if len(risk.Reasons) > 0 {
				summary = risk.Reasons[0]
			}
			emit(Event{Type: EventToolAwaitingConfirmation, ToolID: call.ID, ToolName: call.Name,
				Risk: &risk, Summary: summary})
		case scheduler.EventRunning:
			emit(Event{Type: EventToolRunning, ToolID: call.ID, ToolName: call.Name})
		case scheduler.EventFinished, scheduler.EventCancelled:
			ok := call.State == scheduler.StateSuccess
			summary := ""
			switch {
			case ok && call.Result != nil:
				summary = call.Result.Content
			case call.Err != nil:
				summary = call.Err.Error()
			}
			emit(Event{Type: EventToolFinished, ToolID: call.ID, ToolName: call.Name, OK: ok, Summary: summary})
		}
	}
}
