package chip

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps chip IDs to descriptors.
type Registry struct {
	chips map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{chips: make(map[string]Descriptor)}
}

// Default is the registry chip packages register into from init.
var Default = NewRegistry()

// Register adds d. IDs are case-insensitive and must be unique.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("chip descriptor without ID")
	}
	if d.New == nil {
		return fmt.Errorf("chip %s: no constructor", d.ID)
	}
	key := strings.ToLower(d.ID)
	if _, dup := r.chips[key]; dup {
		return fmt.Errorf("chip %s registered twice", d.ID)
	}
	r.chips[key] = d
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.chips[strings.ToLower(id)]
	return d, ok
}

// All returns every registered descriptor sorted by ID.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.chips))
	for _, d := range r.chips {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds d to the Default registry and panics on error.
func Register(d Descriptor) {
	if err := Default.Register(d); err != nil {
		panic(err)
	}
}
