package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/dbrheo/dbrheo/pkg/httpclient"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// newCallID supplies an id when a provider omits one. Pairing in history is
// done by id, so every call must carry one.
func newCallID() string {
	return "call_" + uuid.NewString()
}

func finishForError(ctx context.Context, err error) FinishReason {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return FinishAborted
	}
	return FinishError
}

// classifyTransportError maps a failed request to the core error taxonomy.
func classifyTransportError(err error, resp *http.Response) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return protocol.WrapError(protocol.ErrCancelled, "request cancelled", err)
	}
	var re *httpclient.RetryableError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests {
			return protocol.WrapError(protocol.ErrRateLimit, "rate limit retries exhausted", err)
		}
		return protocol.WrapError(protocol.ErrLLMTransport, "transport retries exhausted", err)
	}
	if resp != nil {
		return statusError(resp)
	}
	return protocol.WrapError(protocol.ErrLLMTransport, "request failed", err)
}

// statusError converts a non-2xx response into a typed error, preserving the
// body as detail.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	kind := protocol.ErrLLMTransport
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = protocol.ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = protocol.ErrRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = protocol.ErrLLMProtocol
	}
	return &protocol.CoreError{
		Kind:    kind,
		Message: fmt.Sprintf("API request failed with status %d", resp.StatusCode),
		Detail:  string(body),
	}
}
