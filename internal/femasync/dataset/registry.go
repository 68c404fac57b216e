package dataset

import (
	"github.com/rotisserie/eris"
)

// Registry maps dataset names to their implementations.
type Registry struct {
	datasets map[string]Dataset
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry holding both OpenFEMA datasets.
// Declarations load first; the derived tables join them to projects.
func NewRegistry() *Registry {
	r := &Registry{
		datasets: make(map[string]Dataset),
	}
	r.Register(&Declarations{})
	r.Register(&PublicAssistance{})
	return r
}

// Register adds a dataset to the registry.
func (r *Registry) Register(d Dataset) {
	name := d.Name()
	if _, ok := r.datasets[name]; !ok {
		r.order = append(r.order, name)
	}
	r.datasets[name] = d
}

// Get returns a dataset by name.
func (r *Registry) Get(name string) (Dataset, error) {
	d, ok := r.datasets[name]
	if !ok {
		return nil, eris.Errorf("dataset: unknown dataset %q (valid: %v)", name, r.AllNames())
	}
	return d, nil
}

// Select returns the named datasets in registration order, or all of them
// when names is empty. Duplicate names are collapsed.
func (r *Registry) Select(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return r.All(), nil
	}

	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			return nil, err
		}
		want[name] = true
	}

	var result []Dataset
	for _, name := range r.order {
		if want[name] {
			result = append(result, r.datasets[name])
		}
	}
	return result, nil
}

// All returns all datasets in registration order.
func (r *Registry) All() []Dataset {
	result := make([]Dataset, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.datasets[name])
	}
	return result
}

// AllNames returns all registered dataset names in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tables returns the base table of every registered dataset.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.datasets[name].Table())
	}
	return out
}
