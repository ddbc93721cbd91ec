package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
	"github.com/openfroyo/converge/pkg/stores"
)

const (
	attrExpression  = "expression"
	attrAnd         = "and"
	attrOr          = "or"
	attrNot         = "not"
	attrScope       = "scope"
	attrPersistence = "persistence"
)

// evalVars assigns the variable a vars promise describes. Vars promises are
// evaluated in every pass so that later passes see values that depend on
// classes and variables defined meanwhile.
func (e *Evaluator) evalVars(run *bundleRun, p *policy.Promise, promiser string, attrs Attributes) {
	var typ rval.DataType
	var value rval.Rval
	for _, t := range policy.VarTypes {
		if v, ok := attrs[string(t)]; ok {
			typ, value = t, v
			break
		}
	}
	if typ == "" {
		return
	}

	value, err := coerce(typ, value)
	if err != nil {
		e.promiseFailed(run, p, NewPolicyError(fmt.Sprintf("invalid %s value for %s", typ, promiser), err).
			WithCode(ErrCodeBadAttribute))
		return
	}

	ref := store.ParseRef(promiser).WithDefaults(run.scope.Namespace, run.bundle.Name)
	tags := store.NewTags(store.TagSourcePromise).Merge(store.Tags(attrs.List(policy.AttrMeta)))
	if !e.ec.Store.PutVariable(ref, expand.EscapeRval(value), typ, tags, attrs.String(policy.AttrComment, "")) {
		e.logger.Debug().Str("variable", ref.String()).Msg("Variable not overwritten by policy")
	}

	key := "vars/" + ref.Key()
	if !run.defined[key] {
		run.defined[key] = true
		e.tracker.Count(run.bundle.QualifiedName(), OutcomeUnchanged, &run.counters)
	}
}

// coerce converts an expanded value to the declared variable type.
func coerce(t rval.DataType, v rval.Rval) (rval.Rval, error) {
	switch t {
	case rval.TypeString:
		if s, ok := v.AsScalar(); ok {
			return rval.Scalar(s), nil
		}
		if n, ok := v.AsContainer(); ok {
			if s, ok := n.Primitive(); ok {
				return rval.Scalar(s), nil
			}
		}
		return rval.Rval{}, fmt.Errorf("expected a scalar, got %s", v.Kind())

	case rval.TypeInt:
		s, ok := v.AsScalar()
		if !ok {
			return rval.Rval{}, fmt.Errorf("expected a scalar, got %s", v.Kind())
		}
		n, err := ParseInt(s)
		if err != nil {
			return rval.Rval{}, err
		}
		return rval.Scalar(strconv.FormatInt(n, 10)), nil

	case rval.TypeReal:
		s, ok := v.AsScalar()
		if !ok {
			return rval.Rval{}, fmt.Errorf("expected a scalar, got %s", v.Kind())
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return rval.Rval{}, fmt.Errorf("%q is not a real number", s)
		}
		return rval.Scalar(strings.TrimSpace(s)), nil

	case rval.TypeSlist, rval.TypeIlist, rval.TypeRlist:
		items, err := listItems(v)
		if err != nil {
			return rval.Rval{}, err
		}
		for i, item := range items {
			s, ok := item.AsScalar()
			if !ok {
				return rval.Rval{}, fmt.Errorf("list element %d is not a scalar", i)
			}
			switch t {
			case rval.TypeIlist:
				n, err := ParseInt(s)
				if err != nil {
					return rval.Rval{}, err
				}
				items[i] = rval.Scalar(strconv.FormatInt(n, 10))
			case rval.TypeRlist:
				if _, err := strconv.ParseFloat(s, 64); err != nil {
					return rval.Rval{}, fmt.Errorf("%q is not a real number", s)
				}
			}
		}
		return rval.List(items...), nil

	case rval.TypeData:
		if v.IsContainer() {
			return v, nil
		}
		if s, ok := v.AsScalar(); ok {
			n, err := rval.FromJSON([]byte(s))
			if err != nil {
				return rval.Rval{}, fmt.Errorf("invalid JSON: %w", err)
			}
			return rval.Container(n), nil
		}
		if strs, ok := v.Strings(); ok {
			arr := rval.Array()
			for _, s := range strs {
				arr.Append(rval.String(s))
			}
			return rval.Container(arr), nil
		}
		return rval.Rval{}, fmt.Errorf("expected data, got %s", v.Kind())
	}
	return v, nil
}

func listItems(v rval.Rval) ([]rval.Rval, error) {
	if items, ok := v.AsList(); ok {
		return append([]rval.Rval(nil), items...), nil
	}
	if s, ok := v.AsScalar(); ok {
		return []rval.Rval{rval.Scalar(s)}, nil
	}
	if n, ok := v.AsContainer(); ok {
		arr, ok := n.AsArray()
		if !ok {
			return nil, fmt.Errorf("expected a list, got a %s", n.Kind())
		}
		out := make([]rval.Rval, 0, len(arr))
		for i, item := range arr {
			s, ok := item.Primitive()
			if !ok {
				return nil, fmt.Errorf("list element %d is not a primitive", i)
			}
			out = append(out, rval.Scalar(s))
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %s", v.Kind())
}

// ParseInt parses an integer with an optional size suffix: k, m and g are
// powers of 1000, K, M and G powers of 1024. "inf" is the largest integer.
func ParseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "inf" {
		return math.MaxInt64, nil
	}
	if s == "" {
		return 0, fmt.Errorf("empty integer")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1000
	case 'm':
		mult = 1000 * 1000
	case 'g':
		mult = 1000 * 1000 * 1000
	case 'K':
		mult = 1024
	case 'M':
		mult = 1024 * 1024
	case 'G':
		mult = 1024 * 1024 * 1024
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if n > math.MaxInt64/mult || n < math.MinInt64/mult {
		return 0, fmt.Errorf("%q overflows", s)
	}
	return n * mult, nil
}

// evalClasses defines the class a classes promise describes when its
// expression holds. A classes promise with no expression attribute defines
// its class unconditionally.
func (e *Evaluator) evalClasses(ctx context.Context, run *bundleRun, p *policy.Promise, promiser string, attrs Attributes) {
	name := store.Canonify(promiser)
	if name == "" {
		return
	}

	holds := true
	switch {
	case attrs.has(attrExpression):
		holds = e.allHold(attrs.List(attrExpression))
	case attrs.has(attrAnd):
		holds = e.allHold(attrs.List(attrAnd))
	case attrs.has(attrOr):
		holds = false
		for _, expr := range attrs.List(attrOr) {
			if e.ec.EvaluateClassExpression(expr) {
				holds = true
				break
			}
		}
	case attrs.has(attrNot):
		holds = !e.allHold(attrs.List(attrNot))
	}
	if !holds {
		return
	}

	scope := store.ScopeBundle
	if run.bundle.Type == policy.BundleCommon {
		scope = store.ScopeNamespace
	}
	switch attrs.String(attrScope, "") {
	case "namespace":
		scope = store.ScopeNamespace
	case "bundle":
		scope = store.ScopeBundle
	}

	tags := store.NewTags(store.TagSourcePromise).Merge(store.Tags(attrs.List(policy.AttrMeta)))
	e.ec.Store.PutClassSoft(name, scope, tags, attrs.String(policy.AttrComment, ""))

	minutes, err := attrs.Int(attrPersistence, 0)
	if err != nil {
		e.logger.Warn().Err(err).Str("class", name).Msg("Ignoring persistence")
	} else if minutes > 0 {
		e.tracker.Persist(ctx, name, time.Duration(minutes)*time.Minute, stores.PersistReset, tags)
	}

	key := "classes/" + name
	if !run.defined[key] {
		run.defined[key] = true
		e.tracker.Count(run.bundle.QualifiedName(), OutcomeUnchanged, &run.counters)
	}
}

func (e *Evaluator) allHold(exprs []string) bool {
	if len(exprs) == 0 {
		return false
	}
	for _, expr := range exprs {
		if !e.ec.EvaluateClassExpression(expr) {
			return false
		}
	}
	return true
}

// methodsHandler evaluates methods promises by calling the bundle named
// by usebundle, or by the promiser when usebundle is absent.
type methodsHandler struct {
	e *Evaluator
}

func (h *methodsHandler) Type() string { return policy.TypeMethods }

// Evaluate runs the called bundle. The method outcome is the worst outcome
// among the promises of the call: failed, then not kept, then denied, then
// repaired.
func (h *methodsHandler) Evaluate(ctx context.Context, inst *Instance) (Outcome, error) {
	name := inst.Promiser
	var args []rval.Rval
	if v, ok := inst.Attributes[policy.AttrUseBundle]; ok {
		if fn, ok := v.AsFnCall(); ok {
			name, args = fn.Name, fn.Args
		} else if s, ok := v.AsScalar(); ok {
			name = s
		}
	}

	b, ok := h.e.policy.Bundle(qualifyName(name, inst.Namespace))
	if !ok {
		return OutcomeNotKept, NewPolicyError(fmt.Sprintf("methods call to undefined bundle %s", name), nil).
			WithPromise(inst.Handle()).
			WithLocation(inst.Location).
			WithCode(ErrCodeUnknownBundle)
	}

	c, err := h.e.EvaluateBundle(ctx, b, args)
	if err != nil {
		var ee *EvalError
		if errors.As(err, &ee) {
			ee.WithPromise(inst.Handle()).WithLocation(inst.Location)
		}
		return OutcomeNotKept, err
	}
	switch {
	case c.Failed > 0:
		return OutcomeFailed, nil
	case c.NotKept > 0:
		return OutcomeNotKept, nil
	case c.Denied > 0:
		return OutcomeDenied, nil
	case c.Repaired > 0:
		return OutcomeRepaired, nil
	}
	return OutcomeUnchanged, nil
}
