package storage

import (
	"fmt"
	"strings"

	"github.com/tunnelmesh/newsspool/internal/token"
)

// Registry maps token types to storage methods.
type Registry struct {
	byType  [256]Method
	ordered []Method
}

// NewRegistry returns a registry holding methods, in the given order.
func NewRegistry(methods ...Method) (*Registry, error) {
	r := &Registry{}
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. Types and names must be unique.
func (r *Registry) Register(m Method) error {
	t := m.Type()
	if t == token.TypeEmpty {
		return fmt.Errorf("storage method %q uses the reserved empty type", m.Name())
	}
	if prev := r.byType[t]; prev != nil {
		return fmt.Errorf("storage type %d already registered by %q", t, prev.Name())
	}
	if _, ok := r.LookupName(m.Name()); ok {
		return fmt.Errorf("storage method %q already registered", m.Name())
	}
	r.byType[t] = m
	r.ordered = append(r.ordered, m)
	return nil
}

// Lookup returns the method owning tokens of type t.
func (r *Registry) Lookup(t token.Type) (Method, bool) {
	m := r.byType[t]
	return m, m != nil
}

// LookupName finds a method by case-insensitive name.
func (r *Registry) LookupName(name string) (Method, bool) {
	for _, m := range r.ordered {
		if strings.EqualFold(m.Name(), name) {
			return m, true
		}
	}
	return nil, false
}

// Methods returns the registered methods in registration order.
func (r *Registry) Methods() []Method {
	out := make([]Method, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) len() int {
	return len(r.ordered)
}

func (r *Registry) at(i int) Method {
	return r.ordered[i]
}
