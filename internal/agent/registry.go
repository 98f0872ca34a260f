package agent

import (
	"errors"
	"fmt"
	"slices"
)

// Registry is the closed catalog of agent variants. It is built once at
// startup and never mutated afterwards, so lookups need no locking.
type Registry struct {
	byName map[string]Agent
	ranked []Agent
}

// NewRegistry builds a registry from the given agents. Names must be
// unique and non-empty.
func NewRegistry(agents ...Agent) (*Registry, error) {
	if len(agents) == 0 {
		return nil, errors.New("registry needs at least one agent")
	}

	r := &Registry{
		byName: make(map[string]Agent, len(agents)),
		ranked: make([]Agent, 0, len(agents)),
	}
	for _, a := range agents {
		d := a.Descriptor()
		if d.Name == "" {
			return nil, errors.New("agent with empty name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", d.Name)
		}
		r.byName[d.Name] = a
		r.ranked = append(r.ranked, a)
	}

	slices.SortStableFunc(r.ranked, func(a, b Agent) int {
		return compareRank(a.Descriptor(), b.Descriptor())
	})
	return r, nil
}

// compareRank orders descriptors by descending priority, then ascending
// expected latency, then name so equal profiles stay deterministic.
func compareRank(a, b Descriptor) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if a.Latency != b.Latency {
		if a.Latency < b.Latency {
			return -1
		}
		return 1
	}
	switch {
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	default:
		return 0
	}
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// ByCapability returns every agent carrying the tag, best candidate
// first.
func (r *Registry) ByCapability(tag string) []Agent {
	var out []Agent
	for _, a := range r.ranked {
		if a.Descriptor().HasTag(tag) {
			out = append(out, a)
		}
	}
	return out
}

// Names lists the registered agent names in rank order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ranked))
	for i, a := range r.ranked {
		names[i] = a.Descriptor().Name
	}
	return names
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.ranked) }
