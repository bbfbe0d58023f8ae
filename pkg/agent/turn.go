package agent

import (
	"context"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// TurnResult is the outcome of one model invocation.
type TurnResult struct {
	// Parts holds the model output in production order: text segments
	// and function calls interleaved as the stream yielded them.
	Parts         []protocol.Part
	TextSegments  []string
	FunctionCalls []*protocol.FunctionCall
	Usage         llm.Usage
	FinishReason  llm.FinishReason
}

// Text joins the text segments of the turn.
func (r *TurnResult) Text() string {
	return strings.Join(r.TextSegments, "")
}

// Turn performs one streaming invocation against the LLM service. It
// never mutates history; the Client commits the resulting Contents
// after the turn completes.
type Turn struct {
	service llm.Service
}

func NewTurn(service llm.Service) *Turn {
	return &Turn{service: service}
}

// Run streams the request, relaying text deltas to onText as they
// arrive and collecting function calls. onText may be nil.
func (t *Turn) Run(ctx context.Context, req *llm.Request, onText func(delta string)) (*TurnResult, error) {
	events, err := t.service.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{FinishReason: llm.FinishStop}
	var segment strings.Builder

	closeSegment := func() {
		if segment.Len() == 0 {
			return
		}
		text := segment.String()
		result.TextSegments = append(result.TextSegments, text)
		result.Parts = append(result.Parts, protocol.TextPart(text))
		segment.Reset()
	}

	for ev := range events {
		switch ev.Type {
		case llm.EventText:
			segment.WriteString(ev.Text)
			if onText != nil {
				onText(ev.Text)
			}
		case llm.EventFunctionCall:
			closeSegment()
			result.FunctionCalls = append(result.FunctionCalls, ev.FunctionCall)
			result.Parts = append(result.Parts, protocol.FunctionCallPart(ev.FunctionCall))
		case llm.EventUsage:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		case llm.EventFinish:
			result.FinishReason = ev.FinishReason
		case llm.EventError:
			closeSegment()
			return result, ev.Err
		}
	}
	closeSegment()

	if ctx.Err() != nil {
		result.FinishReason = llm.FinishAborted
	}
	return result, nil
}

// ModelContent wraps the turn's parts into a model-role Content, or nil
// when the turn produced nothing.
func (r *TurnResult) ModelContent() *protocol.Content {
	if len(r.Parts) == 0 {
		return nil
	}
	return protocol.NewModelContent(r.Parts...)
}
