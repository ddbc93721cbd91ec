package store

import (
	"strings"
)

// DefaultNamespace is the namespace of every unqualified class and variable.
const DefaultNamespace = "default"

// Special scopes live in the default namespace and hold runtime-provided data.
const (
	ScopeSys   = "sys"
	ScopeConst = "const"
	ScopeDef   = "def"
	ScopeMon   = "mon"
	ScopeThis  = "this"
)

// SpecialScopes lists the special scopes in lookup order.
var SpecialScopes = []string{ScopeSys, ScopeConst, ScopeDef, ScopeMon}

// IsSpecialScope reports whether scope is one of the reserved scopes.
func IsSpecialScope(scope string) bool {
	switch scope {
	case ScopeSys, ScopeConst, ScopeDef, ScopeMon, ScopeThis:
		return true
	}
	return false
}

// VarRef is a fully or partially qualified variable reference of the form
// ns:scope.name[idx1][idx2].
type VarRef struct {
	Namespace string
	Scope     string
	Name      string
	Indices   []string
}

// ParseRef parses a reference. Missing parts are left empty; callers fill
// them with WithDefaults.
func ParseRef(s string) VarRef {
	var ref VarRef

	head := s
	var tail string
	if i := strings.IndexByte(s, '['); i >= 0 {
		head, tail = s[:i], s[i:]
	}

	if i := strings.IndexByte(head, ':'); i >= 0 {
		ref.Namespace = head[:i]
		head = head[i+1:]
	}
	if i := strings.IndexByte(head, '.'); i >= 0 {
		ref.Scope = head[:i]
		head = head[i+1:]
	}
	ref.Name = head
	ref.Indices = parseIndices(tail)
	return ref
}

// parseIndices splits "[a][b]" into ["a", "b"]. Brackets nest, so an index
// may itself contain brackets.
func parseIndices(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ']':
			depth--
			if depth == 0 {
				out = append(out, s[start:i])
			}
		}
	}
	return out
}

// WithDefaults fills an empty namespace and scope. Special scopes always
// resolve in the default namespace.
func (r VarRef) WithDefaults(namespace, scope string) VarRef {
	if r.Scope == "" {
		r.Scope = scope
	}
	if r.Namespace == "" {
		if IsSpecialScope(r.Scope) {
			r.Namespace = DefaultNamespace
		} else {
			r.Namespace = namespace
		}
	}
	if r.Namespace == "" {
		r.Namespace = DefaultNamespace
	}
	return r
}

// IsQualified reports whether the reference names a scope.
func (r VarRef) IsQualified() bool {
	return r.Scope != ""
}

// Base returns the reference without indices.
func (r VarRef) Base() VarRef {
	r.Indices = nil
	return r
}

// Key returns the table key: ns:scope.name[idx...].
func (r VarRef) Key() string {
	r = r.WithDefaults(DefaultNamespace, "")
	return r.String()
}

// String formats the reference. The default namespace is written out so that
// keys are unambiguous.
func (r VarRef) String() string {
	var b strings.Builder
	if r.Namespace != "" {
		b.WriteString(r.Namespace)
		b.WriteByte(':')
	}
	if r.Scope != "" {
		b.WriteString(r.Scope)
		b.WriteByte('.')
	}
	b.WriteString(r.Name)
	for _, idx := range r.Indices {
		b.WriteByte('[')
		b.WriteString(idx)
		b.WriteByte(']')
	}
	return b.String()
}

// Canonify replaces every character that is not a letter, digit or
// underscore with an underscore.
func Canonify(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			b[i] = '_'
		}
	}
	return string(b)
}

// SplitClassName splits "ns:name" into its namespace and name. An
// unqualified name has an empty namespace.
func SplitClassName(s string) (namespace, name string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
