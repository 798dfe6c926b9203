package stream

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds stream descriptors keyed by name and resolves parent links.
type Registry struct {
	mu       sync.RWMutex
	streams  map[string]*Descriptor
	order    []string
	children map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams:  make(map[string]*Descriptor),
		children: make(map[string][]string),
	}
}

// Register adds a descriptor. Parents must be registered before children.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("stream descriptor requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[d.Name]; exists {
		return fmt.Errorf("stream already registered: %s", d.Name)
	}
	if d.Parent != "" {
		if _, ok := r.streams[d.Parent]; !ok {
			return fmt.Errorf("stream %q: parent %q: %w", d.Name, d.Parent, ErrUnknownStream)
		}
		r.children[d.Parent] = append(r.children[d.Parent], d.Name)
	}

	r.streams[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.streams[name]
	return d, ok
}

// Names returns all stream names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Roots returns the names of streams without a parent.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var roots []string
	for _, name := range r.order {
		if r.streams[name].IsRoot() {
			roots = append(roots, name)
		}
	}
	return roots
}

// Children returns the direct children of name in registration order.
func (r *Registry) Children(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.children[name]...)
}

// Ancestors returns the chain of parents of name, nearest first.
func (r *Registry) Ancestors(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	var chain []string
	for d.Parent != "" {
		chain = append(chain, d.Parent)
		d = r.streams[d.Parent]
	}
	return chain, nil
}

// Validate checks that every key a stream consumes is provided by its
// parent's ContextMapping, and that every inherited key of a mapping is
// present in the context the stream itself receives.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		d := r.streams[name]

		provided := map[string]bool{}
		if d.Parent != "" {
			for _, k := range r.streams[d.Parent].ChildContext.Keys() {
				provided[k] = true
			}
		}

		for _, k := range d.RequiredKeys() {
			if !provided[k] {
				return &MissingContextKeyError{Stream: name, Key: k, Source: FromContext, Available: keysOf(provided)}
			}
		}
		for _, k := range d.ChildContext.InheritedKeys() {
			if !provided[k] {
				return &MissingContextKeyError{Stream: name, Key: k, Source: FromContext, Available: keysOf(provided)}
			}
		}
		if len(d.ChildContext) > 0 && len(r.children[name]) == 0 {
			return fmt.Errorf("stream %q declares child context but has no children", name)
		}
	}
	return nil
}

func keysOf(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
