// Package store holds the variables and classes of one evaluation run.
//
// Variables are addressed by fully qualified references (namespace, scope,
// name). Classes are boolean facts that are either hard (set by the runtime,
// immutable) or soft (set by policy). Both carry provenance tags; a slot
// occupied by a protected source cannot be overwritten by later writers.
//
// The store is not safe for concurrent use. The evaluation loop owns it.
package store

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/rval"
)

// Variable is one bound variable.
type Variable struct {
	Ref     VarRef
	Value   rval.Rval
	Type    rval.DataType
	Tags    Tags
	Comment string
}

// Store is the variable and class table of an evaluation run.
type Store struct {
	logger zerolog.Logger

	vars     map[string]*Variable
	varOrder []string

	classes    map[string]*Class
	classOrder []string

	frames []*Frame
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		logger:  logger.With().Str("component", "store").Logger(),
		vars:    make(map[string]*Variable),
		classes: make(map[string]*Class),
	}
}

// PutVariable inserts or overwrites the variable at ref. The source of the
// write is taken from its provenance tag. It returns false when the write is
// refused: non-agent writes into sys, const, mon or this, and any non-agent
// write over a slot whose current value carries a protected tag.
func (s *Store) PutVariable(ref VarRef, value rval.Rval, typ rval.DataType, tags Tags, comment string) bool {
	ref = ref.WithDefaults(DefaultNamespace, "")
	if ref.Name == "" {
		s.logger.Error().Str("ref", ref.String()).Msg("Refusing to define a variable without a name")
		return false
	}

	privileged := tags.Has(TagSourceAgent)
	if !privileged && IsSpecialScope(ref.Scope) && ref.Scope != ScopeDef {
		s.logger.Error().
			Str("ref", ref.String()).
			Msg("Refusing to write a variable in a reserved scope")
		return false
	}

	key := ref.Key()
	existing, exists := s.vars[key]
	if exists && !privileged && !s.canOverwrite(existing.Tags, tags) {
		s.logger.Debug().
			Str("ref", ref.String()).
			Str("tags", existing.Tags.String()).
			Msg("Variable has protected provenance, not overwriting")
		return false
	}

	if typ == rval.TypeNone {
		typ = rval.TypeOf(value)
	}

	v := &Variable{
		Ref:     ref,
		Value:   value.Copy(),
		Type:    typ,
		Tags:    tags,
		Comment: comment,
	}
	if !exists {
		s.varOrder = append(s.varOrder, key)
	}
	s.vars[key] = v
	return true
}

// canOverwrite implements first-writer-wins for protected sources and
// last-writer-wins otherwise.
func (s *Store) canOverwrite(existing, incoming Tags) bool {
	return !existing.IsProtected()
}

// CanSetVariable reports whether a non-agent write with the given tags would
// be accepted at ref.
func (s *Store) CanSetVariable(ref VarRef) bool {
	ref = ref.WithDefaults(DefaultNamespace, "")
	if IsSpecialScope(ref.Scope) && ref.Scope != ScopeDef {
		return false
	}
	existing, ok := s.vars[ref.Key()]
	if !ok {
		return true
	}
	return !existing.Tags.IsProtected()
}

// GetVariable looks up ref exactly. It does not expand the value. Indices
// first match a variable defined with those indices; otherwise they navigate
// into a list or container value.
func (s *Store) GetVariable(ref VarRef) (rval.Rval, bool) {
	v, ok := s.Lookup(ref)
	if !ok {
		return rval.Rval{}, false
	}
	return v.Value, true
}

// Lookup is GetVariable returning the full variable record. For indexed
// access into a container the returned record is synthesized from the parent.
func (s *Store) Lookup(ref VarRef) (*Variable, bool) {
	ref = ref.WithDefaults(DefaultNamespace, "")
	if v, ok := s.vars[ref.Key()]; ok {
		return v, true
	}
	if len(ref.Indices) == 0 {
		return nil, false
	}

	parent, ok := s.vars[ref.Base().Key()]
	if !ok {
		return nil, false
	}
	value, ok := navigate(parent.Value, ref.Indices)
	if !ok {
		return nil, false
	}
	return &Variable{
		Ref:     ref,
		Value:   value,
		Type:    rval.TypeOf(value),
		Tags:    parent.Tags,
		Comment: parent.Comment,
	}, true
}

// navigate walks indices into lists and containers. Container primitives
// become scalars and arrays of primitives become lists so that indexed data
// can drive iteration.
func navigate(value rval.Rval, indices []string) (rval.Rval, bool) {
	cur := value
	for _, idx := range indices {
		switch cur.Kind() {
		case rval.KindList:
			items, _ := cur.AsList()
			i, err := strconv.Atoi(idx)
			if err != nil || i < 0 || i >= len(items) {
				return rval.Rval{}, false
			}
			cur = items[i]
		case rval.KindContainer:
			node, _ := cur.AsContainer()
			var next *rval.Node
			var ok bool
			switch node.Kind() {
			case rval.NodeObject:
				next, ok = node.Get(idx)
			case rval.NodeArray:
				i, err := strconv.Atoi(idx)
				if err != nil {
					return rval.Rval{}, false
				}
				next, ok = node.Index(i)
			}
			if !ok {
				return rval.Rval{}, false
			}
			cur = rval.Container(next)
		default:
			return rval.Rval{}, false
		}
	}
	return unwrapContainer(cur), true
}

func unwrapContainer(v rval.Rval) rval.Rval {
	node, ok := v.AsContainer()
	if !ok {
		return v
	}
	if s, ok := node.Primitive(); ok && node.Kind() != rval.NodeNull {
		return rval.Scalar(s)
	}
	if items, ok := node.AsArray(); ok {
		out := make([]rval.Rval, 0, len(items))
		for _, item := range items {
			s, ok := item.Primitive()
			if !ok {
				return v
			}
			out = append(out, rval.Scalar(s))
		}
		return rval.List(out...)
	}
	return v
}

// RemoveVariable deletes the variable at ref.
func (s *Store) RemoveVariable(ref VarRef) bool {
	key := ref.WithDefaults(DefaultNamespace, "").Key()
	if _, ok := s.vars[key]; !ok {
		return false
	}
	delete(s.vars, key)
	for i, k := range s.varOrder {
		if k == key {
			s.varOrder = append(s.varOrder[:i], s.varOrder[i+1:]...)
			break
		}
	}
	return true
}

// Variables returns every variable in insertion order.
func (s *Store) Variables() []*Variable {
	out := make([]*Variable, 0, len(s.varOrder))
	for _, k := range s.varOrder {
		out = append(out, s.vars[k])
	}
	return out
}

// VariablesMatching returns the variables whose qualified name fully matches
// pattern, sorted by name.
func (s *Store) VariablesMatching(pattern string) ([]*Variable, error) {
	re, err := compileAnchored(pattern)
	if err != nil {
		return nil, err
	}
	var out []*Variable
	for _, k := range s.varOrder {
		if re.MatchString(k) {
			out = append(out, s.vars[k])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.Key() < out[j].Ref.Key()
	})
	return out, nil
}

// VariablesInScope returns the variables of one bundle scope in insertion
// order.
func (s *Store) VariablesInScope(namespace, scope string) []*Variable {
	var out []*Variable
	for _, k := range s.varOrder {
		v := s.vars[k]
		if v.Ref.Namespace == namespace && v.Ref.Scope == scope {
			out = append(out, v)
		}
	}
	return out
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
