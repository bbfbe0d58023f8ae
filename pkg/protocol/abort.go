package protocol

import (
	"context"
	"sync"
)

// AbortSignal is a one-shot trip flag threaded through every suspending core
// operation. Once tripped it stays tripped; tripping is idempotent and safe
// to race. It also exposes a context so adapter and HTTP calls can hang off
// standard cancellation.
type AbortSignal struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewAbortSignal(parent context.Context) *AbortSignal {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &AbortSignal{ctx: ctx, cancel: cancel}
}

// Abort trips the signal.
func (s *AbortSignal) Abort() {
	s.once.Do(s.cancel)
}

// Aborted reports whether the signal has tripped.
func (s *AbortSignal) Aborted() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal trips.
func (s *AbortSignal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context returns the context tied to this signal.
func (s *AbortSignal) Context() context.Context {
	return s.ctx
}
