package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/iterate"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
	"github.com/openfroyo/converge/pkg/stores"
)

// DefaultMaxPasses is the number of passes over a bundle when none is
// configured.
const DefaultMaxPasses = 3

// Options configures an Evaluator.
type Options struct {
	// BundleSequence overrides the sequence declared in policy.
	BundleSequence []string

	// TypeOrder is the order promise types are evaluated in within a pass.
	// Registered types not listed run after the listed ones.
	TypeOrder []string

	// MaxPasses bounds the passes over each bundle.
	MaxPasses int

	DryRun          bool
	AllowDuplicates bool
	RunID           string
}

// Evaluator runs the bundle sequence of a policy.
type Evaluator struct {
	logger     zerolog.Logger
	ec         *EvalContext
	policy     *policy.Policy
	registry   *Registry
	tracker    *Tracker
	dispatcher *Dispatcher
	recorder   Recorder
	tracer     trace.Tracer
	opts       Options
	typeOrder  []string

	// stack holds the bundles being evaluated, outermost first.
	stack []string
}

// NewEvaluator creates an evaluator. persist holds persistent classes and
// promise locks and may be nil; recorder may be nil.
func NewEvaluator(logger zerolog.Logger, ec *EvalContext, p *policy.Policy, registry *Registry, persist stores.Store, recorder Recorder, opts Options) *Evaluator {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = DefaultMaxPasses
	}
	if len(opts.TypeOrder) == 0 {
		opts.TypeOrder = DefaultTypeOrder
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	tracker := NewTracker(logger, ec, persist)
	e := &Evaluator{
		logger:    logger.With().Str("component", "evaluator").Logger(),
		ec:        ec,
		policy:    p,
		registry:  registry,
		tracker:   tracker,
		recorder:  recorder,
		tracer:    otel.Tracer(tracerName),
		opts:      opts,
		typeOrder: registry.TypeOrder(opts.TypeOrder),
	}
	e.dispatcher = NewDispatcher(logger, ec, registry, tracker, persist, recorder, DispatchOptions{
		RunID:           opts.RunID,
		DryRun:          opts.DryRun,
		AllowDuplicates: opts.AllowDuplicates,
	})
	e.dispatcher.builtin[policy.TypeMethods] = &methodsHandler{e: e}
	return e
}

// Tracker returns the outcome tracker of the run.
func (e *Evaluator) Tracker() *Tracker {
	return e.tracker
}

// Sequence returns the bundle sequence the evaluator runs.
func (e *Evaluator) Sequence() []string {
	if len(e.opts.BundleSequence) > 0 {
		return e.opts.BundleSequence
	}
	return e.policy.BundleSequence
}

// Run evaluates every bundle in the sequence. It stops early only when ctx
// is done; the returned error then wraps the context error and the
// counters hold the partial results.
func (e *Evaluator) Run(ctx context.Context) (Counters, error) {
	for _, name := range e.Sequence() {
		if err := ctx.Err(); err != nil {
			return e.tracker.Totals(), interrupted(err)
		}
		b, ok := e.policy.Bundle(name)
		if !ok {
			err := NewPolicyError(fmt.Sprintf("bundle %s in bundle sequence is not defined", name), nil).
				WithCode(ErrCodeUnknownBundle)
			e.logger.Error().Err(err).Msg("Skipping bundle")
			continue
		}
		if _, err := e.EvaluateBundle(ctx, b, nil); err != nil {
			if ctx.Err() != nil {
				return e.tracker.Totals(), interrupted(ctx.Err())
			}
			e.logger.Error().Err(err).Str("bundle", name).Msg("Bundle not evaluated")
		}
	}
	return e.tracker.Totals(), nil
}

func interrupted(err error) error {
	code := ErrCodeCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return NewFatalError("run interrupted", err).WithCode(code)
}

// bundleRun is the state of one bundle invocation.
type bundleRun struct {
	bundle   *policy.Bundle
	scope    expand.Scope
	pass     int
	counters Counters

	// deferred holds promises with references still unresolved after the
	// latest attempt.
	deferred map[*policy.Promise][]string

	// failed holds promises that failed to expand and are not retried.
	failed map[*policy.Promise]bool

	// defined holds vars and classes instances already counted.
	defined map[string]bool
}

// EvaluateBundle evaluates one bundle with the given call arguments and
// returns the counters of this invocation. Calling a bundle that is already
// being evaluated is a policy error.
func (e *Evaluator) EvaluateBundle(ctx context.Context, b *policy.Bundle, args []rval.Rval) (Counters, error) {
	name := b.QualifiedName()
	for _, active := range e.stack {
		if active == name {
			chain := strings.Join(append(append([]string{}, e.stack...), name), " -> ")
			return Counters{}, NewPolicyError("bundle call cycle: "+chain, nil).
				WithLocation(b.Location).
				WithCode(ErrCodeCycle)
		}
	}
	if len(args) != len(b.Parameters) {
		return Counters{}, NewPolicyError(
			fmt.Sprintf("bundle %s takes %d arguments, got %d", name, len(b.Parameters), len(args)), nil).
			WithLocation(b.Location).
			WithCode(ErrCodeBadAttribute)
	}

	e.stack = append(e.stack, name)
	defer func() { e.stack = e.stack[:len(e.stack)-1] }()

	ns := b.Namespace
	if ns == "" {
		ns = store.DefaultNamespace
	}
	e.ec.Store.PushFrame(ns, b.Name)
	defer e.ec.Store.PopFrame()

	savedSeen := e.dispatcher.seen
	defer func() { e.dispatcher.seen = savedSeen }()

	paramTags := store.NewTags(store.TagSourcePromise, "parameter")
	for i, param := range b.Parameters {
		ref := store.VarRef{Namespace: ns, Scope: b.Name, Name: param}
		e.ec.Store.PutVariable(ref, expand.EscapeRval(args[i]), rval.TypeOf(args[i]), paramTags, "")
	}

	ctx, span := e.tracer.Start(ctx, "bundle "+name, trace.WithAttributes(
		attribute.String("bundle.name", name),
		attribute.Int("bundle.depth", len(e.stack)),
	))
	defer span.End()

	log := e.logger.With().Str("bundle", name).Logger()
	log.Debug().Msg("Evaluating bundle")
	start := time.Now()

	run := &bundleRun{
		bundle: b,
		scope: expand.Scope{Namespace: ns, Bundle: b.Name}.
			Bind("this.bundle", rval.Scalar(b.Name)).
			Bind("this.namespace", rval.Scalar(ns)),
		deferred: make(map[*policy.Promise][]string),
		failed:   make(map[*policy.Promise]bool),
		defined:  make(map[string]bool),
	}
	order := e.bundleTypeOrder(b)

	var runErr error
passes:
	for run.pass = 1; run.pass <= e.opts.MaxPasses; run.pass++ {
		e.dispatcher.BeginPass()
		for _, t := range order {
			for _, p := range b.PromisesOfType(t) {
				if err := ctx.Err(); err != nil {
					runErr = err
					break passes
				}
				e.evalPromise(ctx, run, p)
			}
		}
	}

	for _, p := range b.Promises {
		refs, ok := run.deferred[p]
		if !ok {
			continue
		}
		err := NewExpansionError("unresolved references after final pass: "+strings.Join(refs, ", "), nil).
			WithPromise(fmt.Sprintf("%s:%s:%s", p.Type, name, p.Promiser)).
			WithLocation(p.Location).
			WithCode(ErrCodeUnresolved)
		log.Warn().Err(err).Msg("Promise not kept")
		e.tracker.NotKept(name, &run.counters)
	}

	e.tracker.FinishBundle(name, run.counters)
	duration := time.Since(start)
	e.recorder.RecordBundle(name, duration)

	span.SetAttributes(
		attribute.Int("bundle.kept", run.counters.Kept),
		attribute.Int("bundle.repaired", run.counters.Repaired),
		attribute.Int("bundle.failed", run.counters.Failed),
		attribute.Int("bundle.not_kept", run.counters.NotKept),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	log.Debug().
		Int("kept", run.counters.Kept).
		Int("repaired", run.counters.Repaired).
		Int("failed", run.counters.Failed).
		Int("not_kept", run.counters.NotKept).
		Dur("duration", duration).
		Msg("Bundle evaluated")
	return run.counters, runErr
}

// bundleTypeOrder appends the bundle's own types that the configured order
// does not mention, so that promises of unknown types are reported.
func (e *Evaluator) bundleTypeOrder(b *policy.Bundle) []string {
	order := e.typeOrder
	known := make(map[string]bool, len(order))
	for _, t := range order {
		known[t] = true
	}
	for _, t := range b.Types() {
		if !known[t] {
			order = append(append([]string{}, order...), t)
			known[t] = true
		}
	}
	return order
}

func (e *Evaluator) evalPromise(ctx context.Context, run *bundleRun, p *policy.Promise) {
	if run.failed[p] {
		return
	}

	var zip []string
	if v, ok := p.Get(policy.AttrZip); ok {
		zip, _ = v.Strings()
	}
	scopes, err := iterate.Expand(e.ec.Expander, run.scope, iterationStrings(p), zip)
	if err != nil {
		e.promiseFailed(run, p, NewPolicyError("cannot iterate promise", err).WithCode(ErrCodeBadAttribute))
		return
	}
	delete(run.deferred, p)
	if len(scopes) == 0 {
		e.logger.Debug().
			Str("bundle", run.bundle.QualifiedName()).
			Str("promiser", p.Promiser).
			Msg("Iterated list is empty, no instances")
		return
	}

	for _, sc := range scopes {
		if ctx.Err() != nil {
			return
		}
		e.evalInstance(ctx, run, p, sc)
	}
}

func (e *Evaluator) evalInstance(ctx context.Context, run *bundleRun, p *policy.Promise, sc expand.Scope) {
	prev := e.ec.SetScope(sc)
	defer e.ec.SetScope(prev)

	promiser, unresolved, err := e.ec.Expander.ExpandString(ctx, sc, p.Promiser)
	if err != nil {
		e.promiseFailed(run, p, expansionError(err))
		return
	}
	sc = sc.Bind("this.promiser", rval.Scalar(promiser))
	e.ec.SetScope(sc)

	attrs, bodies, more, aerr := e.expandAttributes(ctx, p, sc)
	if aerr != nil {
		e.promiseFailed(run, p, aerr)
		return
	}
	unresolved = append(unresolved, more...)
	guard := guardExpression(attrs)

	if len(unresolved) > 0 {
		if guard != "" && !expand.HasRefs(guard) && !e.ec.EvaluateClassExpression(guard) {
			return
		}
		run.deferred[p] = unique(append(run.deferred[p], unresolved...))
		return
	}

	switch p.Type {
	case policy.TypeVars:
		if guard == "" || e.ec.EvaluateClassExpression(guard) {
			e.evalVars(run, p, promiser, attrs)
		}
		return
	case policy.TypeClasses:
		if guard == "" || e.ec.EvaluateClassExpression(guard) {
			e.evalClasses(ctx, run, p, promiser, attrs)
		}
		return
	}

	inst := &Instance{
		Type:       p.Type,
		Namespace:  sc.Namespace,
		Bundle:     run.bundle.QualifiedName(),
		Promiser:   promiser,
		Attributes: attrs,
		Bodies:     bodies,
		Location:   p.Location,
	}
	inst.ID = InstanceID(inst.Type, inst.Bundle, inst.Promiser, inst.Attributes)

	// A false guard may become true once later promises define classes,
	// so it is only final in the last pass.
	if guard != "" && run.pass < e.opts.MaxPasses && !e.ec.EvaluateClassExpression(guard) {
		return
	}
	if _, err := e.dispatcher.Execute(ctx, inst, guard, &run.counters); err != nil {
		e.logger.Debug().Err(err).Str("promise", inst.Handle()).Msg("Promise evaluation reported an error")
	}
}

// promiseFailed reports a promise that cannot be evaluated. It is counted
// once and not retried in later passes.
func (e *Evaluator) promiseFailed(run *bundleRun, p *policy.Promise, err *EvalError) {
	run.failed[p] = true
	delete(run.deferred, p)
	err.WithPromise(fmt.Sprintf("%s:%s:%s", p.Type, run.bundle.QualifiedName(), p.Promiser)).WithLocation(p.Location)
	e.logger.Error().Err(err).Msg("Promise not kept")
	e.tracker.NotKept(run.bundle.QualifiedName(), &run.counters)
}

func expansionError(err error) *EvalError {
	ee := NewExpansionError("cannot expand promise", err)
	if errors.Is(err, expand.ErrCycle) {
		ee.WithCode(ErrCodeCycle)
	}
	return ee
}

// expandAttributes expands every attribute of p in sc. Attributes naming a
// body are replaced by the body name and the body's expanded attributes
// are returned separately. usebundle keeps its call form with expanded
// arguments.
func (e *Evaluator) expandAttributes(ctx context.Context, p *policy.Promise, sc expand.Scope) (Attributes, map[string]Attributes, []string, *EvalError) {
	attrs := make(Attributes, len(p.Attributes))
	bodies := make(map[string]Attributes)
	var unresolved []string

	for _, a := range p.Attributes {
		if a.Name == policy.AttrZip {
			attrs[a.Name] = a.Value
			continue
		}

		if p.Type == policy.TypeMethods && a.Name == policy.AttrUseBundle {
			if fn, ok := a.Value.AsFnCall(); ok {
				args, u, err := e.expandArgs(ctx, sc, fn.Args)
				if err != nil {
					return nil, nil, nil, expansionError(err)
				}
				unresolved = append(unresolved, u...)
				attrs[a.Name] = rval.Call(fn.Name, args...)
				continue
			}
		}

		if isBodyAttribute(p.Type, a.Name) {
			name, body, u, err := e.expandBody(ctx, sc, a.Name, a.Value)
			if err != nil {
				return nil, nil, nil, err
			}
			unresolved = append(unresolved, u...)
			if body != nil {
				attrs[a.Name] = rval.Scalar(name)
				bodies[a.Name] = body
				continue
			}
		}

		v, u, err := e.ec.Expander.ExpandRval(ctx, sc, a.Value)
		if err != nil {
			return nil, nil, nil, expansionError(err)
		}
		unresolved = append(unresolved, u...)
		attrs[a.Name] = v
	}
	return attrs, bodies, unresolved, nil
}

func (e *Evaluator) expandArgs(ctx context.Context, sc expand.Scope, raw []rval.Rval) ([]rval.Rval, []string, error) {
	args := make([]rval.Rval, 0, len(raw))
	var unresolved []string
	for _, a := range raw {
		v, u, err := e.ec.Expander.ExpandRval(ctx, sc, a)
		if err != nil {
			return nil, nil, err
		}
		unresolved = append(unresolved, u...)
		args = append(args, v)
	}
	return args, unresolved, nil
}

// expandBody resolves a body reference: a body name, a call with
// arguments for the body parameters, or an inline object. A nil body means
// the value is not a body reference.
func (e *Evaluator) expandBody(ctx context.Context, sc expand.Scope, attr string, v rval.Rval) (string, Attributes, []string, *EvalError) {
	if node, ok := v.AsContainer(); ok {
		if node.Kind() != rval.NodeObject {
			return "", nil, nil, nil
		}
		body := make(Attributes)
		var unresolved []string
		keys, _ := node.AsObject()
		for _, k := range keys {
			child, _ := node.Get(k)
			val, u, err := e.ec.Expander.ExpandRval(ctx, sc, nodeRval(child))
			if err != nil {
				return "", nil, nil, expansionError(err)
			}
			unresolved = append(unresolved, u...)
			body[k] = val
		}
		return "inline", body, unresolved, nil
	}

	var name string
	var rawArgs []rval.Rval
	if fn, ok := v.AsFnCall(); ok {
		name, rawArgs = fn.Name, fn.Args
	} else if s, ok := v.AsScalar(); ok {
		expanded, u, err := e.ec.Expander.ExpandString(ctx, sc, s)
		if err != nil {
			return "", nil, nil, expansionError(err)
		}
		if len(u) > 0 {
			return s, Attributes{}, u, nil
		}
		name = expanded
	} else {
		return "", nil, nil, nil
	}

	def, ok := e.policy.Body(attr, qualifyName(name, sc.Namespace))
	if !ok {
		return "", nil, nil, NewPolicyError(fmt.Sprintf("%s body %s is not defined", attr, name), nil).
			WithCode(ErrCodeUnknownBody)
	}
	args, unresolved, err := e.expandArgs(ctx, sc, rawArgs)
	if err != nil {
		return "", nil, nil, expansionError(err)
	}
	if len(args) != len(def.Parameters) {
		return "", nil, nil, NewPolicyError(
			fmt.Sprintf("%s body %s takes %d arguments, got %d", attr, name, len(def.Parameters), len(args)), nil).
			WithCode(ErrCodeBadAttribute)
	}

	bodyScope := sc
	for i, param := range def.Parameters {
		bodyScope = bodyScope.Bind(param, args[i])
	}
	body := make(Attributes, len(def.Attributes))
	for _, a := range def.Attributes {
		val, u, err := e.ec.Expander.ExpandRval(ctx, bodyScope, a.Value)
		if err != nil {
			return "", nil, nil, expansionError(err)
		}
		unresolved = append(unresolved, u...)
		body[a.Name] = val
	}
	return name, body, unresolved, nil
}

func isBodyAttribute(promiseType, attr string) bool {
	if promiseType == policy.TypeClasses && attr == policy.AttrClasses {
		return false
	}
	for _, name := range policy.BodyAttributes {
		if name == attr {
			return true
		}
	}
	return false
}

// guardExpression combines if, ifvarclass and unless into one class
// expression. An empty result means the promise is unguarded.
func guardExpression(attrs Attributes) string {
	var parts []string
	for _, name := range []string{policy.AttrIf, policy.AttrIfVarClass} {
		if s, ok := attrs[name].AsScalar(); ok && attrs.has(name) {
			parts = append(parts, "("+s+")")
		}
	}
	if s, ok := attrs[policy.AttrUnless].AsScalar(); ok && attrs.has(policy.AttrUnless) {
		parts = append(parts, "!("+s+")")
	}
	return strings.Join(parts, ".")
}

func (a Attributes) has(name string) bool {
	_, ok := a[name]
	return ok
}

// iterationStrings returns the strings whose list references make a
// promise iterate: the promiser and every scalar in its attributes. The
// value of a list or data vars promise written as a single reference
// assigns the whole value and does not iterate.
func iterationStrings(p *policy.Promise) []string {
	out := []string{p.Promiser}
	var walk func(v rval.Rval)
	walk = func(v rval.Rval) {
		switch v.Kind() {
		case rval.KindScalar:
			s, _ := v.AsScalar()
			out = append(out, s)
		case rval.KindList:
			items, _ := v.AsList()
			for _, item := range items {
				walk(item)
			}
		case rval.KindFnCall:
			fn, _ := v.AsFnCall()
			for _, arg := range fn.Args {
				walk(arg)
			}
		}
	}
	for _, a := range p.Attributes {
		if a.Name == policy.AttrZip {
			continue
		}
		if p.Type == policy.TypeVars && assignsWhole(a) {
			continue
		}
		walk(a.Value)
	}
	return out
}

func assignsWhole(a policy.Attribute) bool {
	t := rval.DataType(a.Name)
	if !t.IsList() && t != rval.TypeData {
		return false
	}
	s, ok := a.Value.AsScalar()
	if !ok {
		return false
	}
	_, naked := expand.IsNakedRef(s)
	return naked
}

func qualifyName(name, ns string) string {
	if strings.Contains(name, ":") || ns == "" || ns == store.DefaultNamespace {
		return name
	}
	return ns + ":" + name
}

func unique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// nodeRval converts an inline body member: primitives become scalars and
// arrays of primitives become lists.
func nodeRval(n *rval.Node) rval.Rval {
	if s, ok := n.Primitive(); ok {
		return rval.Scalar(s)
	}
	if items, ok := n.AsArray(); ok {
		out := make([]rval.Rval, 0, len(items))
		for _, item := range items {
			s, ok := item.Primitive()
			if !ok {
				return rval.Container(n.Copy())
			}
			out = append(out, rval.Scalar(s))
		}
		return rval.List(out...)
	}
	return rval.Container(n.Copy())
}
