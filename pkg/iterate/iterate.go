// Package iterate expands a promise that references list variables into one
// binding set per combination of list elements.
package iterate

import (
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// Dimension is one list reference and the values it iterates over.
type Dimension struct {
	Name   string
	Values []rval.Rval
}

// Bindings maps reference text to the element bound for one instance.
type Bindings map[string]rval.Rval

// Resolver looks up a reference using the expansion lookup order.
type Resolver interface {
	Lookup(scope expand.Scope, name string) (*store.Variable, bool)
}

// Collect returns the list references found in strs, in order of first
// appearance. References already bound in scope, references with nested
// references and function calls are not dimensions.
func Collect(r Resolver, scope expand.Scope, strs []string) []Dimension {
	var dims []Dimension
	seen := make(map[string]bool)
	for _, s := range strs {
		for _, name := range expand.RefNames(s) {
			if seen[name] || strings.Contains(name, "$(") || strings.Contains(name, "${") || strings.Contains(name, "(") {
				continue
			}
			seen[name] = true
			if _, bound := scope.Bindings[name]; bound {
				continue
			}
			v, ok := r.Lookup(scope, name)
			if !ok || !v.Value.IsList() {
				continue
			}
			items, _ := v.Value.AsList()
			values := make([]rval.Rval, len(items))
			for i, item := range items {
				values[i] = item
				if s, ok := item.AsScalar(); ok {
					values[i] = rval.Scalar(expand.Unescape(s))
				}
			}
			dims = append(dims, Dimension{Name: name, Values: values})
		}
	}
	return dims
}

// CrossProduct returns the cartesian product of dims in row-major order: the last
// dimension varies fastest. No dimensions yield a single empty binding set;
// an empty dimension yields none.
func CrossProduct(dims []Dimension) []Bindings {
	groups := make([][]Bindings, len(dims))
	for i, d := range dims {
		groups[i] = d.bindings()
	}
	return product(groups)
}

func (d Dimension) bindings() []Bindings {
	out := make([]Bindings, len(d.Values))
	for i, v := range d.Values {
		out[i] = Bindings{d.Name: v}
	}
	return out
}

// product multiplies groups of partial binding sets.
func product(groups [][]Bindings) []Bindings {
	total := 1
	for _, g := range groups {
		total *= len(g)
	}
	out := make([]Bindings, 0, total)
	if total == 0 {
		return out
	}

	idx := make([]int, len(groups))
	for {
		b := make(Bindings)
		for i, g := range groups {
			for k, v := range g[idx[i]] {
				b[k] = v
			}
		}
		out = append(out, b)

		pos := len(groups) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(groups[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

// Zip pairs the i-th elements of every dimension. All dimensions must have
// the same length.
func Zip(dims []Dimension) ([]Bindings, error) {
	if len(dims) == 0 {
		return []Bindings{{}}, nil
	}
	n := len(dims[0].Values)
	for _, d := range dims[1:] {
		if len(d.Values) != n {
			return nil, fmt.Errorf("cannot zip lists of different lengths: %s has %d elements, %s has %d",
				dims[0].Name, n, d.Name, len(d.Values))
		}
	}
	out := make([]Bindings, n)
	for i := 0; i < n; i++ {
		b := make(Bindings, len(dims))
		for _, d := range dims {
			b[d.Name] = d.Values[i]
		}
		out[i] = b
	}
	return out, nil
}

// Plan walks the binding sets of one promise in order.
type Plan struct {
	sets []Bindings
	pos  int
}

// NewPlan builds a plan over dims. Dimensions named in zip are iterated
// pairwise as one group, placed where the first of them appears; every
// other dimension multiplies independently.
func NewPlan(dims []Dimension, zip []string) (*Plan, error) {
	zipped := make(map[string]bool, len(zip))
	for _, name := range zip {
		zipped[name] = true
	}

	var groups [][]Bindings
	var zipDims []Dimension
	zipAt := -1
	for _, d := range dims {
		if zipped[d.Name] {
			if zipAt < 0 {
				zipAt = len(groups)
				groups = append(groups, nil)
			}
			zipDims = append(zipDims, d)
			continue
		}
		groups = append(groups, d.bindings())
	}
	if zipAt >= 0 {
		sets, err := Zip(zipDims)
		if err != nil {
			return nil, err
		}
		groups[zipAt] = sets
	}
	return &Plan{sets: product(groups)}, nil
}

// Len returns the number of instances.
func (p *Plan) Len() int { return len(p.sets) }

// Next returns the next binding set.
func (p *Plan) Next() (Bindings, bool) {
	if p.pos >= len(p.sets) {
		return nil, false
	}
	b := p.sets[p.pos]
	p.pos++
	return b, true
}

// Expand collects dimensions from strs and returns one scope per instance.
func Expand(r Resolver, scope expand.Scope, strs []string, zip []string) ([]expand.Scope, error) {
	plan, err := NewPlan(Collect(r, scope, strs), zip)
	if err != nil {
		return nil, err
	}

	scopes := make([]expand.Scope, 0, plan.Len())
	for set, ok := plan.Next(); ok; set, ok = plan.Next() {
		sc := scope
		sc.Bindings = make(map[string]rval.Rval, len(scope.Bindings)+len(set))
		for k, v := range scope.Bindings {
			sc.Bindings[k] = v
		}
		for k, v := range set {
			sc.Bindings[k] = v
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}
