package provider

import (
	"fmt"
	"sort"
)

// Registry maps provider names to their descriptors. It is populated at
// process start and read-only afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]*Descriptor
}

// NewRegistry builds a registry from the given descriptors.
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("provider descriptor with empty name")
		}
		if len(d.SupportedTiers) == 0 {
			return nil, fmt.Errorf("provider %q supports no tiers", d.Name)
		}
		if _, dup := r.providers[d.Name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", d.Name)
		}
		r.providers[d.Name] = d
	}
	return r, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return d, nil
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
