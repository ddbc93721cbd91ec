package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/classexpr"
	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/functions"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// EvalContext owns the state of one evaluation: the variable and class
// store, the class expression evaluator, the function library and the
// expander built on them. It is passed explicitly to every component that
// reads or changes evaluation state.
type EvalContext struct {
	Store     *store.Store
	Classes   *classexpr.Evaluator
	Functions *functions.Registry
	Expander  *expand.Expander

	logger zerolog.Logger

	// scope is the expansion scope of the promise being evaluated, read by
	// functions that look up variables.
	scope expand.Scope
}

// NewEvalContext creates an evaluation context over an empty store.
func NewEvalContext(logger zerolog.Logger) *EvalContext {
	return NewEvalContextWithStore(logger, store.New(logger))
}

// NewEvalContextWithStore creates an evaluation context over st.
func NewEvalContextWithStore(logger zerolog.Logger, st *store.Store) *EvalContext {
	c := &EvalContext{
		Store:   st,
		Classes: classexpr.NewEvaluator(logger),
		logger:  logger,
		scope:   expand.Scope{Namespace: store.DefaultNamespace},
	}
	c.Functions = functions.NewRegistry(c, logger)
	c.Expander = expand.New(st, c.Functions)
	return c
}

// Scope returns the current expansion scope.
func (c *EvalContext) Scope() expand.Scope {
	return c.scope
}

// SetScope replaces the current expansion scope and returns the previous one.
func (c *EvalContext) SetScope(s expand.Scope) expand.Scope {
	prev := c.scope
	c.scope = s
	return prev
}

// HasClass reports whether a class is defined.
func (c *EvalContext) HasClass(name string) bool {
	return c.Store.HasClass(name)
}

// ClassesMatching returns the defined classes matching an anchored regex.
func (c *EvalContext) ClassesMatching(pattern string) ([]string, error) {
	return c.Store.ClassesMatching(pattern)
}

// LookupVariable resolves a variable name using the current scope.
func (c *EvalContext) LookupVariable(name string) (rval.Rval, bool) {
	v, ok := c.Expander.Lookup(c.scope, name)
	if !ok {
		return rval.Rval{}, false
	}
	return v.Value, true
}

// EvaluateClassExpression evaluates expr against the defined classes. A
// malformed expression is false.
func (c *EvalContext) EvaluateClassExpression(expr string) bool {
	ok, _ := c.Classes.Evaluate(expr, c.Store)
	return ok
}

// ExpandString expands s in the current scope.
func (c *EvalContext) ExpandString(ctx context.Context, s string) (string, []string, error) {
	return c.Expander.ExpandString(ctx, c.scope, s)
}
