// Package rval implements the value model shared by every stage of policy
// evaluation: scalars, lists, unevaluated function calls and structured
// data containers.
package rval

import (
	"strconv"
	"strings"
)

// Kind identifies which variant an Rval holds.
type Kind int

const (
	// KindScalar is a plain string.
	KindScalar Kind = iota
	// KindList is an ordered sequence of Rvals.
	KindList
	// KindFnCall is a function call that has not been evaluated yet.
	KindFnCall
	// KindContainer is a structured data tree.
	KindContainer
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindFnCall:
		return "fncall"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// FnCall is a function call with its unevaluated arguments.
type FnCall struct {
	Name string
	Args []Rval
}

// Rval is a tagged union over the four value variants. The zero value is
// the empty scalar.
type Rval struct {
	kind   Kind
	scalar string
	list   []Rval
	fn     *FnCall
	node   *Node
}

// Scalar returns a scalar Rval.
func Scalar(s string) Rval {
	return Rval{kind: KindScalar, scalar: s}
}

// List returns a list Rval holding the given items. Items are not flattened.
func List(items ...Rval) Rval {
	if items == nil {
		items = []Rval{}
	}
	return Rval{kind: KindList, list: items}
}

// StringList returns a list of scalars.
func StringList(items []string) Rval {
	out := make([]Rval, 0, len(items))
	for _, s := range items {
		out = append(out, Scalar(s))
	}
	return Rval{kind: KindList, list: out}
}

// Call returns a function call Rval.
func Call(name string, args ...Rval) Rval {
	return Rval{kind: KindFnCall, fn: &FnCall{Name: name, Args: args}}
}

// Container wraps a data node. A nil node is stored as JSON null.
func Container(n *Node) Rval {
	if n == nil {
		n = Null()
	}
	return Rval{kind: KindContainer, node: n}
}

// Kind returns the variant held by r.
func (r Rval) Kind() Kind {
	return r.kind
}

// IsScalar reports whether r holds a scalar.
func (r Rval) IsScalar() bool { return r.kind == KindScalar }

// IsList reports whether r holds a list.
func (r Rval) IsList() bool { return r.kind == KindList }

// IsFnCall reports whether r holds a function call.
func (r Rval) IsFnCall() bool { return r.kind == KindFnCall }

// IsContainer reports whether r holds a container.
func (r Rval) IsContainer() bool { return r.kind == KindContainer }

// AsScalar returns the scalar value.
func (r Rval) AsScalar() (string, bool) {
	if r.kind != KindScalar {
		return "", false
	}
	return r.scalar, true
}

// AsList returns the list items. The returned slice must not be modified.
func (r Rval) AsList() ([]Rval, bool) {
	if r.kind != KindList {
		return nil, false
	}
	return r.list, true
}

// AsFnCall returns the function call.
func (r Rval) AsFnCall() (*FnCall, bool) {
	if r.kind != KindFnCall {
		return nil, false
	}
	return r.fn, true
}

// AsContainer returns the container root.
func (r Rval) AsContainer() (*Node, bool) {
	if r.kind != KindContainer {
		return nil, false
	}
	return r.node, true
}

// Strings returns the items of a list whose elements are all scalars. A
// scalar is returned as a single-element slice.
func (r Rval) Strings() ([]string, bool) {
	switch r.kind {
	case KindScalar:
		return []string{r.scalar}, true
	case KindList:
		out := make([]string, 0, len(r.list))
		for _, item := range r.list {
			s, ok := item.AsScalar()
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case KindContainer:
		items, ok := r.node.AsArray()
		if !ok {
			if s, ok := r.node.Primitive(); ok {
				return []string{s}, true
			}
			return nil, false
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.Primitive()
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// Copy returns a deep copy of r.
func (r Rval) Copy() Rval {
	switch r.kind {
	case KindList:
		items := make([]Rval, len(r.list))
		for i, item := range r.list {
			items[i] = item.Copy()
		}
		return Rval{kind: KindList, list: items}
	case KindFnCall:
		args := make([]Rval, len(r.fn.Args))
		for i, a := range r.fn.Args {
			args[i] = a.Copy()
		}
		return Rval{kind: KindFnCall, fn: &FnCall{Name: r.fn.Name, Args: args}}
	case KindContainer:
		return Rval{kind: KindContainer, node: r.node.Copy()}
	default:
		return r
	}
}

// Equal reports whether a and b hold structurally equal values.
func Equal(a, b Rval) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindScalar:
		return a.scalar == b.scalar
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindFnCall:
		if a.fn.Name != b.fn.Name || len(a.fn.Args) != len(b.fn.Args) {
			return false
		}
		for i := range a.fn.Args {
			if !Equal(a.fn.Args[i], b.fn.Args[i]) {
				return false
			}
		}
		return true
	case KindContainer:
		return a.node.Equal(b.node)
	}
	return false
}

// String renders r in policy notation: scalars verbatim, lists as
// { "a", "b" }, calls as name("a") and containers as compact JSON.
func (r Rval) String() string {
	var b strings.Builder
	r.write(&b, false)
	return b.String()
}

func (r Rval) write(b *strings.Builder, quote bool) {
	switch r.kind {
	case KindScalar:
		if quote {
			b.WriteString(strconv.Quote(r.scalar))
		} else {
			b.WriteString(r.scalar)
		}
	case KindList:
		b.WriteString("{ ")
		for i, item := range r.list {
			if i > 0 {
				b.WriteString(", ")
			}
			item.write(b, true)
		}
		b.WriteString(" }")
	case KindFnCall:
		b.WriteString(r.fn.Name)
		b.WriteByte('(')
		for i, a := range r.fn.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			a.write(b, true)
		}
		b.WriteByte(')')
	case KindContainer:
		data, err := r.node.MarshalJSON()
		if err != nil {
			b.WriteString("<invalid container>")
			return
		}
		b.Write(data)
	}
}
