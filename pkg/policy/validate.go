package policy

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/converge/pkg/classexpr"
	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/rval"
)

// VarTypes lists the attribute names that assign a value in a vars promise.
var VarTypes = []rval.DataType{
	rval.TypeString, rval.TypeInt, rval.TypeReal,
	rval.TypeSlist, rval.TypeIlist, rval.TypeRlist,
	rval.TypeData, rval.TypeMenu,
}

// ClassAttributes lists the attribute names that define a class in a
// classes promise.
var ClassAttributes = []string{"expression", "and", "or", "not"}

// ValidateOptions configures Validate.
type ValidateOptions struct {
	// KnownTypes are the promise types with a registered handler.
	KnownTypes []string

	// BundleSequence overrides the policy's own sequence when set.
	BundleSequence []string
}

// bundleShape is checked with struct tags before the semantic checks.
type bundleShape struct {
	Name       string   `validate:"required,excludesall=$(){}"`
	Type       string   `validate:"oneof=agent common"`
	Parameters []string `validate:"dive,required"`
}

// Validate checks a loaded policy and returns every problem found. An empty
// result means the policy can run.
func Validate(p *Policy, opts ValidateOptions) []ValidationError {
	v := &policyValidator{
		policy:   p,
		known:    make(map[string]bool),
		validate: validator.New(),
	}
	for _, t := range []string{TypeVars, TypeClasses, TypeMethods} {
		v.known[t] = true
	}
	for _, t := range opts.KnownTypes {
		v.known[t] = true
	}

	v.checkDuplicates()
	v.checkSequence(opts.BundleSequence)
	for _, b := range p.Bundles {
		v.checkBundle(b)
	}
	v.checkCalls()
	return v.errs
}

type policyValidator struct {
	policy   *Policy
	known    map[string]bool
	validate *validator.Validate
	errs     []ValidationError
}

func (v *policyValidator) add(loc Location, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{
		Location: loc,
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	})
}

func (v *policyValidator) checkDuplicates() {
	bundles := make(map[string]Location)
	for _, b := range v.policy.Bundles {
		name := b.QualifiedName()
		if first, dup := bundles[name]; dup {
			v.add(b.Location, "duplicate bundle %s, first defined at %s", name, first)
			continue
		}
		bundles[name] = b.Location
	}

	bodies := make(map[string]Location)
	for _, b := range v.policy.Bodies {
		key := b.Type + " " + qualify(b.Name, b.Namespace)
		if first, dup := bodies[key]; dup {
			v.add(b.Location, "duplicate body %s, first defined at %s", key, first)
			continue
		}
		bodies[key] = b.Location
	}
}

func (v *policyValidator) checkSequence(override []string) {
	seq := v.policy.BundleSequence
	if len(override) > 0 {
		seq = override
	}
	if len(seq) == 0 {
		v.add(Location{}, "no bundle sequence defined")
		return
	}
	for _, name := range seq {
		if _, ok := v.policy.Bundle(name); !ok {
			v.add(Location{}, "bundle %s in bundle sequence is not defined", name)
		}
	}
}

func (v *policyValidator) checkBundle(b *Bundle) {
	shape := bundleShape{Name: b.Name, Type: string(b.Type), Parameters: b.Parameters}
	if err := v.validate.Struct(shape); err != nil {
		v.add(b.Location, "bundle %s is malformed: %v", b.Name, err)
	}

	for _, pr := range b.Promises {
		if !v.known[pr.Type] {
			v.add(pr.Location, "unknown promise type %q", pr.Type)
			continue
		}
		if guard, ok := pr.Guard(); ok && !expand.HasRefs(guard) {
			if _, err := classexpr.Parse(guard); err != nil {
				v.add(pr.Location, "malformed class guard %q: %v", guard, err)
			}
		}
		switch pr.Type {
		case TypeVars:
			v.checkVars(pr)
		case TypeClasses:
			v.checkClasses(pr)
		}
		v.checkBodies(pr)
	}
}

func (v *policyValidator) checkVars(pr *Promise) {
	var found []string
	for _, t := range VarTypes {
		if _, ok := pr.Get(string(t)); ok {
			found = append(found, string(t))
		}
	}
	switch len(found) {
	case 0:
		if _, ok := pr.Get("policy"); !ok {
			v.add(pr.Location, "vars promise %s assigns no value", pr.Promiser)
		}
	case 1:
	default:
		v.add(pr.Location, "vars promise %s has more than one type: %s", pr.Promiser, strings.Join(found, ", "))
	}
	if strings.ContainsAny(pr.Promiser, " \t") && !expand.HasRefs(pr.Promiser) {
		v.add(pr.Location, "variable name %q contains whitespace", pr.Promiser)
	}
}

func (v *policyValidator) checkClasses(pr *Promise) {
	count := 0
	for _, name := range ClassAttributes {
		val, ok := pr.Get(name)
		if !ok {
			continue
		}
		count++
		if s, ok := val.AsScalar(); ok && !expand.HasRefs(s) {
			if _, err := classexpr.Parse(s); err != nil {
				v.add(pr.Location, "malformed %s expression %q: %v", name, s, err)
			}
		}
	}
	if count > 1 {
		v.add(pr.Location, "classes promise %s has more than one of %s", pr.Promiser, strings.Join(ClassAttributes, ", "))
	}
}

func (v *policyValidator) checkBodies(pr *Promise) {
	for _, name := range BodyAttributes {
		val, ok := pr.Get(name)
		if !ok {
			continue
		}
		var ref string
		if s, ok := val.AsScalar(); ok {
			ref = s
		} else if fn, ok := val.AsFnCall(); ok {
			ref = fn.Name
		} else {
			continue
		}
		if pr.Type == TypeClasses && name == "classes" {
			continue
		}
		if expand.HasRefs(ref) {
			continue
		}
		if _, ok := v.policy.Body(name, ref); !ok {
			v.add(pr.Location, "%s body %s is not defined", name, ref)
		}
	}
}

func (v *policyValidator) checkCalls() {
	g := BuildCallGraph(v.policy)
	for _, m := range g.Missing() {
		v.add(Location{}, "methods call to undefined bundle: %s", m)
	}
	for _, cycle := range g.DetectCycles() {
		b := g.nodes[cycle[0]]
		v.add(b.Location, "bundle call cycle detected: %s", formatCycle(cycle))
	}
}
