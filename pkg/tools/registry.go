package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/protocol"
	"github.com/dbrheo/dbrheo/pkg/registry"
)

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Registration wraps a tool with its discovery metadata.
type Registration struct {
	Tool         Tool
	Capabilities []Capability
	Tags         []string
	Priority     int
	Enabled      bool
	Metadata     map[string]any
}

// HasCapability reports an exact capability match.
func (r *Registration) HasCapability(cap Capability) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SideEffectFree reports whether the tool claims only read-shaped
// capabilities.
// ClaimsSideEffectFree reports whether any claimed capability is
// side-effect-free. A tool that mixes read and write claims (the SQL
// tool) passes here, so a safe-assessed invocation of it can still run
// concurrently.
func (r *Registration) ClaimsSideEffectFree() bool {
	for _, c := range r.Capabilities {
		if sideEffectFree[c] {
			return true
		}
	}
	return false
}

func (r *Registration) SideEffectFree() bool {
	return SideEffectFree(r.Capabilities)
}

// Registry stores tools by unique name with capability search.
type Registry struct {
	base *registry.BaseRegistry[*Registration]
}

func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[*Registration]()}
}

// Register adds a tool. Re-registering an existing name replaces the
// entry atomically.
func (r *Registry) Register(tool Tool, caps []Capability, opts ...RegisterOption) error {
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return protocol.NewError(protocol.ErrConfig,
			fmt.Sprintf("invalid tool name %q: must match [a-z][a-z0-9_]{0,63}", name))
	}
	for _, c := range caps {
		if !c.Valid() {
			return protocol.NewError(protocol.ErrConfig,
				fmt.Sprintf("tool %q claims unknown capability %q", name, c))
		}
	}

	reg := &Registration{Tool: tool, Capabilities: caps, Enabled: true}
	for _, opt := range opts {
		opt(reg)
	}
	return r.base.Replace(name, reg)
}

type RegisterOption func(*Registration)

func WithTags(tags ...string) RegisterOption {
	return func(r *Registration) { r.Tags = tags }
}

func WithPriority(priority int) RegisterOption {
	return func(r *Registration) { r.Priority = priority }
}

func WithMetadata(meta map[string]any) RegisterOption {
	return func(r *Registration) { r.Metadata = meta }
}

func WithDisabled() RegisterOption {
	return func(r *Registration) { r.Enabled = false }
}

func (r *Registry) Unregister(name string) {
	_ = r.base.Remove(name)
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (*Registration, error) {
	reg, ok := r.base.Get(name)
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall,
			fmt.Sprintf("unknown tool %q", name))
	}
	return reg, nil
}

// List returns enabled registrations ordered by priority descending,
// then name ascending.
func (r *Registry) List() []*Registration {
	var out []*Registration
	for _, reg := range r.base.List() {
		if reg.Enabled {
			out = append(out, reg)
		}
	}
	sortRegistrations(out)
	return out
}

func sortRegistrations(regs []*Registration) {
	// base.List is already name-sorted; a stable sort on priority keeps
	// the name order within equal priorities.
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].Priority > regs[j].Priority
	})
}

// ByCapability returns enabled tools claiming cap.
func (r *Registry) ByCapability(cap Capability) []Tool {
	return r.ByCapabilities([]Capability{cap}, false)
}

// ByCapabilities filters on a capability set; matchAll requires every
// capability, otherwise any one suffices.
func (r *Registry) ByCapabilities(caps []Capability, matchAll bool) []Tool {
	var regs []*Registration
	for _, reg := range r.List() {
		if matchesCaps(reg, caps, matchAll) {
			regs = append(regs, reg)
		}
	}
	out := make([]Tool, len(regs))
	for i, reg := range regs {
		out[i] = reg.Tool
	}
	return out
}

func matchesCaps(reg *Registration, caps []Capability, matchAll bool) bool {
	if len(caps) == 0 {
		return true
	}
	matched := 0
	for _, c := range caps {
		if reg.HasCapability(c) {
			matched++
		}
	}
	if matchAll {
		return matched == len(caps)
	}
	return matched > 0
}

// Search matches query as a substring over name, description and tags,
// optionally filtered by capabilities. Results sort by capability
// intersection size, then priority, then name.
func (r *Registry) Search(query string, caps []Capability) []Tool {
	query = strings.ToLower(query)

	type scored struct {
		reg   *Registration
		inter int
	}
	var hits []scored
	for _, reg := range r.List() {
		if len(caps) > 0 && !matchesCaps(reg, caps, false) {
			continue
		}
		if query != "" && !matchesQuery(reg, query) {
			continue
		}
		inter := 0
		for _, c := range caps {
			if reg.HasCapability(c) {
				inter++
			}
		}
		hits = append(hits, scored{reg, inter})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].inter > hits[j].inter
	})

	out := make([]Tool, len(hits))
	for i, h := range hits {
		out[i] = h.reg.Tool
	}
	return out
}

func matchesQuery(reg *Registration, query string) bool {
	if strings.Contains(strings.ToLower(reg.Tool.Name()), query) {
		return true
	}
	if strings.Contains(strings.ToLower(reg.Tool.Description()), query) {
		return true
	}
	for _, tag := range reg.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

// SnapshotForLLM exposes the enabled tools as function declarations.
func (r *Registry) SnapshotForLLM() []llm.ToolDefinition {
	regs := r.List()
	out := make([]llm.ToolDefinition, len(regs))
	for i, reg := range regs {
		out[i] = llm.ToolDefinition{
			Name:        reg.Tool.Name(),
			Description: reg.Tool.Description(),
			Parameters:  reg.Tool.Parameters(),
		}
	}
	return out
}
