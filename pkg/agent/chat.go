package agent

import (
	"sync"

	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// Chat owns the conversation history. Contents are append-only and
// committed atomically: either all contents of a commit enter the
// history, or none do. Between commits readers get a stable snapshot.
type Chat struct {
	mu      sync.RWMutex
	history protocol.History
}

func NewChat(initial protocol.History) *Chat {
	return &Chat{history: initial.Clone()}
}

// History returns a snapshot. Contents are immutable, so sharing them
// is safe.
func (c *Chat) History() protocol.History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.Clone()
}

func (c *Chat) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

// Commit appends contents as one atomic unit, validating the pairing
// invariant on the candidate history first. A failed commit leaves the
// history untouched.
func (c *Chat) Commit(contents ...*protocol.Content) error {
	if len(contents) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	candidate := make(protocol.History, 0, len(c.history)+len(contents))
	candidate = append(candidate, c.history...)
	candidate = append(candidate, contents...)
	if err := candidate.ValidatePairings(); err != nil {
		return protocol.WrapError(protocol.ErrInternal, "history commit would break call pairing", err)
	}
	c.history = candidate
	return nil
}

// Replace swaps the entire history, used by compression. The new
// history must itself satisfy the pairing invariant.
func (c *Chat) Replace(h protocol.History) error {
	if err := h.ValidatePairings(); err != nil {
		return protocol.WrapError(protocol.ErrCompression, "compressed history breaks call pairing", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = h.Clone()
	return nil
}
