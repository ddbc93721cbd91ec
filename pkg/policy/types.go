package policy

import (
	"fmt"

	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// BundleType controls the default scope of classes defined in a bundle.
type BundleType string

const (
	// BundleCommon bundles define namespace-scoped classes.
	BundleCommon BundleType = "common"

	// BundleAgent bundles define bundle-scoped classes.
	BundleAgent BundleType = "agent"
)

// Promise types evaluated by the engine itself.
const (
	TypeVars    = "vars"
	TypeClasses = "classes"
	TypeMethods = "methods"
)

// Attribute names with special meaning to the engine.
const (
	AttrIf              = "if"
	AttrIfVarClass      = "ifvarclass"
	AttrUnless          = "unless"
	AttrComment         = "comment"
	AttrMeta            = "meta"
	AttrUseBundle       = "usebundle"
	AttrZip             = "zip"
	AttrAllowDuplicates = "allow_duplicates"
	AttrAction          = "action"
	AttrClasses         = "classes"
	AttrHandle          = "handle"
)

// BodyAttributes lists the attribute names whose value may name a body.
var BodyAttributes = []string{"action", "classes", "contain", "perms"}

// Policy is a loaded policy: bundles, bodies and the order to run them in.
type Policy struct {
	BundleSequence []string
	Bundles        []*Bundle
	Bodies         []*Body
	Sources        []string
}

// Bundle is a named, ordered collection of promises.
type Bundle struct {
	Name       string
	Namespace  string
	Type       BundleType
	Parameters []string
	Promises   []*Promise
	Location   Location
}

// QualifiedName returns ns:name, or just name in the default namespace.
func (b *Bundle) QualifiedName() string {
	if b.Namespace == "" || b.Namespace == store.DefaultNamespace {
		return b.Name
	}
	return b.Namespace + ":" + b.Name
}

// PromisesOfType returns the bundle's promises of type t in declaration order.
func (b *Bundle) PromisesOfType(t string) []*Promise {
	var out []*Promise
	for _, p := range b.Promises {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Types returns the promise types used in the bundle in first-seen order.
func (b *Bundle) Types() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range b.Promises {
		if !seen[p.Type] {
			seen[p.Type] = true
			out = append(out, p.Type)
		}
	}
	return out
}

// Promise is a single statement of desired state.
type Promise struct {
	Type       string
	Promiser   string
	Attributes []Attribute
	Location   Location
}

// Attribute is one constraint of a promise or body.
type Attribute struct {
	Name  string
	Value rval.Rval
}

// Get returns the value of the named attribute.
func (p *Promise) Get(name string) (rval.Rval, bool) {
	return getAttr(p.Attributes, name)
}

// Guard returns the class guard of the promise. "if" and "ifvarclass" are
// synonyms and "unless" is a negated guard.
func (p *Promise) Guard() (string, bool) {
	for _, name := range []string{AttrIf, AttrIfVarClass} {
		if v, ok := p.Get(name); ok {
			if s, ok := v.AsScalar(); ok {
				return s, true
			}
		}
	}
	if v, ok := p.Get(AttrUnless); ok {
		if s, ok := v.AsScalar(); ok {
			return "!(" + s + ")", true
		}
	}
	return "", false
}

// Body is a named, reusable group of attributes referenced from promises.
type Body struct {
	Name       string
	Namespace  string
	Type       string
	Parameters []string
	Attributes []Attribute
	Location   Location
}

// Get returns the value of the named attribute.
func (b *Body) Get(name string) (rval.Rval, bool) {
	return getAttr(b.Attributes, name)
}

func getAttr(attrs []Attribute, name string) (rval.Rval, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return rval.Rval{}, false
}

// Location points at a bundle, body or promise in policy source.
type Location struct {
	File string
	Path string
	Line int
}

func (l Location) String() string {
	switch {
	case l.Line > 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	case l.Path != "":
		return fmt.Sprintf("%s (%s)", l.File, l.Path)
	}
	return l.File
}

// Bundle returns the bundle named name, which may be namespace qualified.
func (p *Policy) Bundle(name string) (*Bundle, bool) {
	ns, local := store.SplitClassName(name)
	if ns == "" {
		ns = store.DefaultNamespace
	}
	for _, b := range p.Bundles {
		bns := b.Namespace
		if bns == "" {
			bns = store.DefaultNamespace
		}
		if b.Name == local && bns == ns {
			return b, true
		}
	}
	return nil, false
}

// Body returns the body of the given type and name.
func (p *Policy) Body(typ, name string) (*Body, bool) {
	ns, local := store.SplitClassName(name)
	if ns == "" {
		ns = store.DefaultNamespace
	}
	for _, b := range p.Bodies {
		bns := b.Namespace
		if bns == "" {
			bns = store.DefaultNamespace
		}
		if b.Type == typ && b.Name == local && bns == ns {
			return b, true
		}
	}
	return nil, false
}

// Merge appends the bundles and bodies of other. A non-empty bundle
// sequence in other replaces the current one.
func (p *Policy) Merge(other *Policy) {
	p.Bundles = append(p.Bundles, other.Bundles...)
	p.Bodies = append(p.Bodies, other.Bodies...)
	p.Sources = append(p.Sources, other.Sources...)
	if len(other.BundleSequence) > 0 {
		p.BundleSequence = other.BundleSequence
	}
}

// ValidationError describes a problem found while loading or validating a
// policy.
type ValidationError struct {
	Location Location `json:"location"`
	Message  string   `json:"message"`
	Severity string   `json:"severity"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}
