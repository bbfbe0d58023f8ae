package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// defaultCompressionPrompt instructs the model to produce the summary
// Content that replaces the evicted history prefix.
const defaultCompressionPrompt = `Summarize the conversation so far for your own future reference. Preserve: the user's goals, database names and schemas discovered, SQL statements executed with their outcomes, and any decisions or constraints established. Be concise; output only the summary.`

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	encodingCache[model] = enc
	return enc
}

// Compressor replaces the oldest history prefix with a summary when the
// estimated token count crosses threshold x contextWindow.
type Compressor struct {
	service       llm.Service
	threshold     float64
	contextWindow int
	prompt        string
	logger        *slog.Logger
}

func NewCompressor(service llm.Service, threshold float64, contextWindow int, prompt string, logger *slog.Logger) *Compressor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	if contextWindow <= 0 {
		contextWindow = 128000
	}
	if prompt == "" {
		prompt = defaultCompressionPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		service:       service,
		threshold:     threshold,
		contextWindow: contextWindow,
		prompt:        prompt,
		logger:        logger,
	}
}

// EstimateTokens prefers the provider's counting API and falls back to
// a local tiktoken estimate.
func (c *Compressor) EstimateTokens(ctx context.Context, h protocol.History) int {
	if n, ok := c.service.CountTokens(ctx, h); ok {
		return n
	}

	enc := encodingFor(c.service.ModelName())
	total := 0
	for _, content := range h {
		for _, p := range content.Parts {
			total += 4 // role and framing overhead per part
			total += c.countText(enc, p.Text)
			if p.FunctionCall != nil {
				total += c.countText(enc, p.FunctionCall.Name)
				total += c.countJSON(enc, p.FunctionCall.Args)
			}
			if p.FunctionResponse != nil {
				total += c.countText(enc, p.FunctionResponse.Name)
				total += c.countJSON(enc, p.FunctionResponse.Response)
			}
		}
	}
	return total
}

func (c *Compressor) countText(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *Compressor) countJSON(enc *tiktoken.Tiktoken, v any) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.countText(enc, string(data))
}

// MaybeCompress returns the (possibly new) history and whether it was
// compressed. The eviction boundary never splits a call/response pair,
// and the operation only fires while the estimate is at or above the
// trigger, so a second call on the compressed result is a no-op.
func (c *Compressor) MaybeCompress(ctx context.Context, h protocol.History) (protocol.History, bool, error) {
	trigger := int(c.threshold * float64(c.contextWindow))
	if len(h) < 2 || c.EstimateTokens(ctx, h) < trigger {
		return h, false, nil
	}

	// Evict up to three quarters of the history, snapped back to a
	// boundary that keeps call/response pairs together.
	want := len(h) * 3 / 4
	if want < 1 {
		want = 1
	}
	split := h.SplitPoint(want)
	if split == 0 || split >= len(h) {
		return h, false, nil
	}

	summary, err := c.summarize(ctx, h[:split])
	if err != nil {
		return h, false, protocol.WrapError(protocol.ErrCompression, "history summarization failed", err)
	}

	compressed := make(protocol.History, 0, 1+len(h)-split)
	compressed = append(compressed, protocol.NewUserContent(
		fmt.Sprintf("[Conversation summary]\n%s", summary)))
	compressed = append(compressed, h[split:]...)

	c.logger.Info("compressed history",
		"evicted", split, "kept", len(h)-split,
		"tokens_after", c.EstimateTokens(ctx, compressed))
	return compressed, true, nil
}

// summarize runs the compression prompt over the evicted prefix and
// collects the streamed text.
func (c *Compressor) summarize(ctx context.Context, prefix protocol.History) (string, error) {
	req := &llm.Request{
		History:           append(prefix.Clone(), protocol.NewUserContent(c.prompt)),
		SystemInstruction: c.prompt,
	}
	result, err := NewTurn(c.service).Run(ctx, req, nil)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if text == "" {
		return "", protocol.NewError(protocol.ErrCompression, "summarization produced no text")
	}
	return text, nil
}
