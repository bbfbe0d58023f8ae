package protocol

import "fmt"

// History is the ordered conversation record. Contents are append-only; the
// slice itself is owned by the agent client and mutated only between turns.
type History []*Content

// ValidatePairings checks the core history invariant: every FunctionCall is
// paired by id with exactly one FunctionResponse appearing no earlier than
// the call, before the next user Content.
func (h History) ValidatePairings() error {
	pending := map[string]string{}
	for _, content := range h {
		if content.Role == RoleUser && len(pending) > 0 {
			for id, name := range pending {
				return fmt.Errorf("function call %s (%s) has no response before next user turn", id, name)
			}
		}
		for _, p := range content.Parts {
			if p.FunctionCall != nil {
				if _, dup := pending[p.FunctionCall.ID]; dup {
					return fmt.Errorf("duplicate function call id %s", p.FunctionCall.ID)
				}
				pending[p.FunctionCall.ID] = p.FunctionCall.Name
			}
			if p.FunctionResponse != nil {
				if _, ok := pending[p.FunctionResponse.ID]; !ok {
					return fmt.Errorf("function response %s has no preceding call", p.FunctionResponse.ID)
				}
				delete(pending, p.FunctionResponse.ID)
			}
		}
	}
	if len(pending) > 0 {
		for id, name := range pending {
			return fmt.Errorf("function call %s (%s) is unpaired", id, name)
		}
	}
	return nil
}

// SplitPoint returns the largest prefix length <= want such that cutting the
// history there never separates a call from its response. Compression uses it
// to pick an eviction boundary.
func (h History) SplitPoint(want int) int {
	if want > len(h) {
		want = len(h)
	}
	open := map[string]struct{}{}
	best := 0
	for i, content := range h {
		for _, p := range content.Parts {
			if p.FunctionCall != nil {
				open[p.FunctionCall.ID] = struct{}{}
			}
			if p.FunctionResponse != nil {
				delete(open, p.FunctionResponse.ID)
			}
		}
		if len(open) == 0 {
			if i+1 <= want {
				best = i + 1
			} else {
				break
			}
		}
	}
	return best
}

// Clone returns a shallow copy of the history slice. Contents themselves are
// never mutated after creation, so sharing them is safe.
func (h History) Clone() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}
