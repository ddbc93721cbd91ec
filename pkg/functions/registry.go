// Package functions provides the function library available to policy
// expansion: built-in functions written in Go and user-defined functions
// loaded from Starlark scripts.
package functions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/rval"
)

// Env is the evaluation state a function may read.
type Env interface {
	HasClass(name string) bool
	ClassesMatching(pattern string) ([]string, error)
	LookupVariable(name string) (rval.Rval, bool)
	EvaluateClassExpression(expr string) bool
}

// Func is a policy function. Arguments arrive fully expanded.
type Func func(ctx context.Context, env Env, args []rval.Rval) (rval.Rval, error)

// Registry maps function names to implementations.
type Registry struct {
	logger zerolog.Logger
	env    Env

	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates a registry holding the built-in functions.
func NewRegistry(env Env, logger zerolog.Logger) *Registry {
	r := &Registry{
		logger: logger.With().Str("component", "functions").Logger(),
		env:    env,
		funcs:  make(map[string]Func),
	}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		r.logger.Debug().Str("function", name).Msg("Replacing function")
	}
	r.funcs[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call invokes name with already expanded arguments.
func (r *Registry) Call(ctx context.Context, name string, args []rval.Rval) (rval.Rval, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return rval.Rval{}, fmt.Errorf("unknown function: %s", name)
	}
	v, err := fn(ctx, r.env, args)
	if err != nil {
		return rval.Rval{}, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func checkArgs(args []rval.Rval, min, max int) error {
	if len(args) < min {
		return fmt.Errorf("expected at least %d arguments, got %d", min, len(args))
	}
	if max >= 0 && len(args) > max {
		return fmt.Errorf("expected at most %d arguments, got %d", max, len(args))
	}
	return nil
}

func scalarArg(args []rval.Rval, i int) (string, error) {
	s, ok := args[i].AsScalar()
	if !ok {
		if node, isNode := args[i].AsContainer(); isNode {
			if p, ok := node.Primitive(); ok {
				return p, nil
			}
		}
		return "", fmt.Errorf("argument %d must be a scalar, got %s", i+1, args[i].Kind())
	}
	return s, nil
}

// listArg accepts a list value, a container array, or the name of a list or
// data variable.
func listArg(env Env, args []rval.Rval, i int) ([]rval.Rval, error) {
	v := args[i]
	if name, ok := v.AsScalar(); ok {
		resolved, found := env.LookupVariable(name)
		if !found {
			return nil, fmt.Errorf("argument %d: variable %q is not defined", i+1, name)
		}
		v = resolved
	}
	switch v.Kind() {
	case rval.KindList:
		items, _ := v.AsList()
		return items, nil
	case rval.KindContainer:
		node, _ := v.AsContainer()
		if items, ok := node.AsArray(); ok {
			out := make([]rval.Rval, len(items))
			for j, item := range items {
				if p, ok := item.Primitive(); ok && item.Kind() != rval.NodeNull {
					out[j] = rval.Scalar(p)
				} else {
					out[j] = rval.Container(item)
				}
			}
			return out, nil
		}
		if keys, ok := node.AsObject(); ok {
			out := make([]rval.Rval, len(keys))
			for j, k := range keys {
				member, _ := node.Get(k)
				if p, ok := member.Primitive(); ok && member.Kind() != rval.NodeNull {
					out[j] = rval.Scalar(p)
				} else {
					out[j] = rval.Container(member)
				}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("argument %d must be a list, got %s", i+1, v.Kind())
}

// classResult converts a boolean into a class expression usable in guards.
func classResult(b bool) rval.Rval {
	if b {
		return rval.Scalar("any")
	}
	return rval.Scalar("!any")
}
