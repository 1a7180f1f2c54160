package task

import (
	"fmt"
	"sort"

	"github.com/throw-if-null/catalyst/internal/fault"
	"github.com/throw-if-null/catalyst/internal/paths"
)

// Registry maps task names to runners. It is read-only once built.
type Registry struct {
	runners map[string]Runner
	names   []string
}

// NewRegistry validates names and rejects duplicates.
func NewRegistry(runners ...Runner) (*Registry, error) {
	r := &Registry{runners: make(map[string]Runner, len(runners))}
	for _, rn := range runners {
		name := rn.Info().Name
		if err := paths.ValidateTaskName(name); err != nil {
			return nil, err
		}
		if _, dup := r.runners[name]; dup {
			return nil, fmt.Errorf("duplicate task %q", name)
		}
		r.runners[name] = rn
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the runner for name or a not-found fault.
func (r *Registry) Lookup(name string) (Runner, error) {
	if rn, ok := r.runners[name]; ok {
		return rn, nil
	}
	return nil, fault.NotFound(fmt.Sprintf("Task %q", name))
}

// List returns catalogue entries sorted by name.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.runners[n].Info())
	}
	return out
}
