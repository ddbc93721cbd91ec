package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/converge/pkg/policy"
)

// Registry maps promise types to handlers. It is built once at startup and
// is the only place a promise type is looked up by name.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// handlers maps promise type to handler.
	handlers map[string]Handler

	// order records registration order, used for the evaluation order of
	// types not listed in the configured type order.
	order []string
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same type twice or one of the
// types the engine evaluates itself is an error.
func (r *Registry) Register(h Handler) error {
	t := h.Type()
	switch t {
	case "":
		return errors.New("handler has an empty promise type")
	case policy.TypeVars, policy.TypeClasses, policy.TypeMethods:
		return fmt.Errorf("promise type %s is evaluated by the engine", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler for promise type %s already registered", t)
	}
	r.handlers[t] = h
	r.order = append(r.order, t)
	return nil
}

// Lookup returns the handler for a promise type.
func (r *Registry) Lookup(t string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered promise types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Close releases the resources held by handlers that implement Closer.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, t := range r.order {
		if c, ok := r.handlers[t].(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s handler: %w", t, err))
			}
		}
	}
	return errors.Join(errs...)
}

// TypeOrder returns the order promise types are evaluated in within a pass:
// the configured order first, then every other registered type in
// registration order. Configured types with no handler are kept so that
// the engine types stay in place.
func (r *Registry) TypeOrder(configured []string) []string {
	out := make([]string, 0, len(configured)+len(r.order))
	seen := make(map[string]bool)
	for _, t := range configured {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range r.Types() {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// DefaultTypeOrder is the evaluation order of promise types within a pass.
var DefaultTypeOrder = []string{
	policy.TypeVars,
	policy.TypeClasses,
	"files",
	"packages",
	"services",
	"commands",
	policy.TypeMethods,
	"reports",
}
