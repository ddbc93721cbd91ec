// Package expand resolves $(var) and ${var} references inside strings,
// lists and function calls against the variable store.
//
// Lookup order for an unqualified name is: iteration bindings, the current
// bundle, the current namespace, then the special scopes sys, const, def and
// mon. A reference of the form name(args) that is not a variable is treated
// as a function call. References that cannot be resolved are left in the
// output unchanged and reported, so that callers can defer the promise to a
// later pass.
package expand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// MaxDepth bounds recursive expansion independently of cycle detection.
const MaxDepth = 64

var (
	// ErrCycle reports a variable that expands, directly or indirectly, to a
	// reference to itself.
	ErrCycle = errors.New("expansion cycle")

	// ErrContainerString reports a structured value used inside a string.
	ErrContainerString = errors.New("container cannot be converted to a string")

	// ErrFunction reports a failed function call.
	ErrFunction = errors.New("function call failed")

	// ErrTooDeep reports expansion exceeding MaxDepth.
	ErrTooDeep = errors.New("expansion nested too deeply")
)

// Error is an expansion failure tied to a reference.
type Error struct {
	Ref string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to expand $(%s): %v", e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Functions evaluates function calls found during expansion.
type Functions interface {
	Call(ctx context.Context, name string, args []rval.Rval) (rval.Rval, error)
	Has(name string) bool
}

// Scope is the context an expansion runs in.
type Scope struct {
	Namespace string
	Bundle    string

	// Bindings hold iteration variables and this.* values. Keys are the
	// reference text as written, e.g. "colors" or "main.colors".
	Bindings map[string]rval.Rval
}

// Bind returns a copy of s with name bound to value.
func (s Scope) Bind(name string, value rval.Rval) Scope {
	b := make(map[string]rval.Rval, len(s.Bindings)+1)
	for k, v := range s.Bindings {
		b[k] = v
	}
	b[name] = value
	s.Bindings = b
	return s
}

// Expander expands references against a store.
type Expander struct {
	store *store.Store
	funcs Functions
}

// New creates an expander. funcs may be nil, in which case function call
// references stay unresolved.
func New(st *store.Store, funcs Functions) *Expander {
	return &Expander{store: st, funcs: funcs}
}

// expansion carries per-call state: the set of variables being expanded.
type expansion struct {
	ctx        context.Context
	scope      Scope
	visiting   map[string]bool
	depth      int
	unresolved []string
}

// ExpandScalar expands every reference in s. When s is exactly one reference
// to a list or container, that value is returned unchanged (type-preserving
// substitution). Otherwise the result is a scalar. Unresolved reference names
// are returned in order of appearance; their tokens are left in the output.
func (e *Expander) ExpandScalar(ctx context.Context, scope Scope, s string) (rval.Rval, []string, error) {
	x := &expansion{ctx: ctx, scope: scope, visiting: make(map[string]bool)}
	v, err := e.expandString(x, s)
	if err != nil {
		return rval.Rval{}, x.unresolved, err
	}
	return v, x.unresolved, nil
}

// ExpandString is ExpandScalar for callers that need a string: lists and
// containers in whole-string position are an error.
func (e *Expander) ExpandString(ctx context.Context, scope Scope, s string) (string, []string, error) {
	v, unresolved, err := e.ExpandScalar(ctx, scope, s)
	if err != nil {
		return "", unresolved, err
	}
	str, ok := v.AsScalar()
	if !ok {
		if node, ok := v.AsContainer(); ok {
			if p, ok := node.Primitive(); ok {
				return p, unresolved, nil
			}
		}
		return "", unresolved, &Error{Ref: s, Err: fmt.Errorf("expected a scalar, got %s", v.Kind())}
	}
	return str, unresolved, nil
}

// ExpandRval expands a value of any kind. Lists are expanded element by
// element; an element written as @(name) splices the named list in place.
// Function calls are evaluated after expanding their arguments.
func (e *Expander) ExpandRval(ctx context.Context, scope Scope, r rval.Rval) (rval.Rval, []string, error) {
	x := &expansion{ctx: ctx, scope: scope, visiting: make(map[string]bool)}
	v, err := e.expandRval(x, r)
	if err != nil {
		return rval.Rval{}, x.unresolved, err
	}
	return v, x.unresolved, nil
}

func (e *Expander) expandRval(x *expansion, r rval.Rval) (rval.Rval, error) {
	switch r.Kind() {
	case rval.KindScalar:
		s, _ := r.AsScalar()
		return e.expandString(x, s)

	case rval.KindList:
		items, _ := r.AsList()
		out := make([]rval.Rval, 0, len(items))
		for _, item := range items {
			if s, ok := item.AsScalar(); ok && strings.HasPrefix(s, "@") {
				v, err := e.expandString(x, s)
				if err != nil {
					return rval.Rval{}, err
				}
				if spliced, ok := v.AsList(); ok {
					out = append(out, spliced...)
					continue
				}
				out = append(out, v)
				continue
			}
			v, err := e.expandRval(x, item)
			if err != nil {
				return rval.Rval{}, err
			}
			out = append(out, v)
		}
		return rval.List(out...), nil

	case rval.KindFnCall:
		fn, _ := r.AsFnCall()
		return e.call(x, fn.Name, fn.Args)

	default:
		return r.Copy(), nil
	}
}

func (e *Expander) call(x *expansion, name string, rawArgs []rval.Rval) (rval.Rval, error) {
	args := make([]rval.Rval, 0, len(rawArgs))
	before := len(x.unresolved)
	for _, a := range rawArgs {
		v, err := e.expandRval(x, a)
		if err != nil {
			return rval.Rval{}, err
		}
		args = append(args, v)
	}
	if len(x.unresolved) > before {
		// Arguments are incomplete; keep the call for a later pass.
		return rval.Call(name, rawArgs...), nil
	}
	if e.funcs == nil || !e.funcs.Has(name) {
		x.unresolved = append(x.unresolved, name+"()")
		return rval.Call(name, rawArgs...), nil
	}
	v, err := e.funcs.Call(x.ctx, name, args)
	if err != nil {
		return rval.Rval{}, &Error{Ref: name + "()", Err: fmt.Errorf("%w: %v", ErrFunction, err)}
	}
	return v.Copy(), nil
}

func (e *Expander) expandString(x *expansion, s string) (rval.Rval, error) {
	segs := scan(s)

	if len(segs) == 1 && segs[0].isRef {
		v, ok, err := e.resolve(x, segs[0])
		if err != nil {
			return rval.Rval{}, err
		}
		if !ok {
			return rval.Scalar(segs[0].raw), nil
		}
		return v, nil
	}

	var b strings.Builder
	for _, seg := range segs {
		if !seg.isRef {
			b.WriteString(seg.literal)
			continue
		}
		v, ok, err := e.resolve(x, seg)
		if err != nil {
			return rval.Rval{}, err
		}
		if !ok {
			b.WriteString(seg.raw)
			continue
		}
		switch v.Kind() {
		case rval.KindScalar:
			str, _ := v.AsScalar()
			b.WriteString(str)
		case rval.KindContainer:
			node, _ := v.AsContainer()
			p, ok := node.Primitive()
			if !ok {
				return rval.Rval{}, &Error{Ref: seg.inner, Err: ErrContainerString}
			}
			b.WriteString(p)
		default:
			// A list inside surrounding text needs an iteration binding.
			x.unresolved = append(x.unresolved, seg.inner)
			b.WriteString(seg.raw)
		}
	}
	return rval.Scalar(b.String()), nil
}

// resolve resolves one reference. ok is false when the reference stays
// unresolved, in which case the name has been recorded.
func (e *Expander) resolve(x *expansion, seg segment) (rval.Rval, bool, error) {
	if err := x.ctx.Err(); err != nil {
		return rval.Rval{}, false, err
	}

	x.depth++
	defer func() { x.depth-- }()
	if x.depth > MaxDepth {
		return rval.Rval{}, false, &Error{Ref: seg.inner, Err: ErrTooDeep}
	}

	name := seg.inner
	if HasRefs(name) {
		inner, err := e.expandString(x, name)
		if err != nil {
			return rval.Rval{}, false, err
		}
		str, ok := inner.AsScalar()
		if !ok || HasRefs(str) {
			if ok {
				// already recorded by the nested expansion
				return rval.Rval{}, false, nil
			}
			x.unresolved = append(x.unresolved, name)
			return rval.Rval{}, false, nil
		}
		name = str
	}

	if v, ok := x.scope.Bindings[name]; ok {
		return v, true, nil
	}

	if fn, rawArgs, ok := parseCall(name); ok {
		args := make([]rval.Rval, len(rawArgs))
		for i, a := range rawArgs {
			args[i] = rval.Scalar(a)
		}
		v, err := e.call(x, fn, args)
		if err != nil {
			return rval.Rval{}, false, err
		}
		if v.IsFnCall() {
			return rval.Rval{}, false, nil
		}
		return v, true, nil
	}

	variable, ok := e.lookup(x.scope, name)
	if !ok {
		x.unresolved = append(x.unresolved, name)
		return rval.Rval{}, false, nil
	}

	key := variable.Ref.Key()
	if x.visiting[key] {
		return rval.Rval{}, false, &Error{Ref: name, Err: fmt.Errorf("%w: %s refers to itself", ErrCycle, key)}
	}
	x.visiting[key] = true
	defer delete(x.visiting, key)

	value := variable.Value
	switch value.Kind() {
	case rval.KindScalar:
		str, _ := value.AsScalar()
		if !HasRefs(str) {
			return rval.Scalar(Unescape(str)), true, nil
		}
		before := len(x.unresolved)
		v, err := e.expandString(x, str)
		if err != nil {
			return rval.Rval{}, false, err
		}
		if len(x.unresolved) > before {
			return rval.Rval{}, false, nil
		}
		return v, true, nil

	case rval.KindList:
		before := len(x.unresolved)
		v, err := e.expandRval(x, value)
		if err != nil {
			return rval.Rval{}, false, err
		}
		if len(x.unresolved) > before {
			return rval.Rval{}, false, nil
		}
		return v, true, nil

	case rval.KindFnCall:
		x.unresolved = append(x.unresolved, name)
		return rval.Rval{}, false, nil

	default:
		return value, true, nil
	}
}

// lookup finds the variable a reference names, following the lookup order.
func (e *Expander) lookup(scope Scope, name string) (*store.Variable, bool) {
	ref := store.ParseRef(name)
	ns := scope.Namespace
	if ns == "" {
		ns = store.DefaultNamespace
	}

	if ref.IsQualified() {
		return e.store.Lookup(ref.WithDefaults(ns, ""))
	}

	candidates := make([]store.VarRef, 0, 2+len(store.SpecialScopes))
	if scope.Bundle != "" {
		candidates = append(candidates, store.VarRef{Namespace: ns, Scope: scope.Bundle, Name: ref.Name, Indices: ref.Indices})
	}
	candidates = append(candidates, store.VarRef{Namespace: ns, Name: ref.Name, Indices: ref.Indices})
	for _, special := range store.SpecialScopes {
		candidates = append(candidates, store.VarRef{Namespace: store.DefaultNamespace, Scope: special, Name: ref.Name, Indices: ref.Indices})
	}

	for _, c := range candidates {
		if v, ok := e.store.Lookup(c); ok {
			return v, true
		}
	}
	return nil, false
}

// Lookup exposes the lookup order to callers that need the raw variable,
// for example the iteration engine deciding whether a reference is a list.
func (e *Expander) Lookup(scope Scope, name string) (*store.Variable, bool) {
	if v, ok := scope.Bindings[name]; ok {
		return &store.Variable{Ref: store.ParseRef(name), Value: v, Type: rval.TypeOf(v)}, true
	}
	return e.lookup(scope, name)
}
