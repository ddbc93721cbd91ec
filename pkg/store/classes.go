package store

import (
	"sort"
)

// ClassScope is the lifetime of a soft class.
type ClassScope string

const (
	// ScopeNamespace classes live until the end of the run.
	ScopeNamespace ClassScope = "namespace"
	// ScopeBundle classes are dropped when the defining bundle returns.
	ScopeBundle ClassScope = "bundle"
)

// Class is one defined class.
type Class struct {
	Namespace string
	Name      string
	Hard      bool
	Scope     ClassScope
	Tags      Tags
	Comment   string
}

// QualifiedName returns the class name, prefixed with its namespace unless
// it lives in the default namespace.
func (c *Class) QualifiedName() string {
	if c.Namespace == "" || c.Namespace == DefaultNamespace {
		return c.Name
	}
	return c.Namespace + ":" + c.Name
}

// Frame is the bundle-local part of the store: the classes defined with
// bundle scope while the bundle runs.
type Frame struct {
	Namespace string
	Bundle    string

	classes map[string]*Class
	order   []string
}

// PushFrame enters a bundle.
func (s *Store) PushFrame(namespace, bundle string) *Frame {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := &Frame{
		Namespace: namespace,
		Bundle:    bundle,
		classes:   make(map[string]*Class),
	}
	s.frames = append(s.frames, f)
	return f
}

// PopFrame leaves the current bundle, dropping its bundle-scoped classes.
func (s *Store) PopFrame() {
	if len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// CurrentFrame returns the innermost bundle frame, or nil outside bundles.
func (s *Store) CurrentFrame() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// CurrentNamespace returns the namespace of the running bundle.
func (s *Store) CurrentNamespace() string {
	if f := s.CurrentFrame(); f != nil {
		return f.Namespace
	}
	return DefaultNamespace
}

func (s *Store) classKey(namespace, name string) (string, string, string) {
	ns, n := SplitClassName(name)
	if ns == "" {
		ns = namespace
	}
	if ns == "" {
		ns = DefaultNamespace
	}
	n = Canonify(n)
	return ns + ":" + n, ns, n
}

// PutClassHard defines a hard class. Setting the same hard class again is a
// no-op. A name already defined as soft is refused.
func (s *Store) PutClassHard(name string, tags Tags, comment string) bool {
	key, ns, n := s.classKey(DefaultNamespace, name)
	if n == "" {
		return false
	}
	if existing, ok := s.classes[key]; ok {
		if existing.Hard {
			return true
		}
		s.logger.Warn().Str("class", name).Msg("Class already defined as soft, not redefining as hard")
		return false
	}
	s.classes[key] = &Class{
		Namespace: ns,
		Name:      n,
		Hard:      true,
		Scope:     ScopeNamespace,
		Tags:      tags,
		Comment:   comment,
	}
	s.classOrder = append(s.classOrder, key)
	return true
}

// PutClassSoft defines a soft class in the current namespace (or the one
// named by an ns: prefix). A name already defined as hard is left untouched
// and false is returned. Redefining an existing soft class is a no-op.
// Bundle scope outside any bundle falls back to namespace scope.
func (s *Store) PutClassSoft(name string, scope ClassScope, tags Tags, comment string) bool {
	key, ns, n := s.classKey(s.CurrentNamespace(), name)
	if n == "" {
		return false
	}

	if existing, ok := s.classes[key]; ok {
		if existing.Hard {
			s.logger.Debug().
				Str("class", name).
				Msg("Class is already defined as hard, ignoring soft definition")
			return false
		}
		return true
	}

	c := &Class{
		Namespace: ns,
		Name:      n,
		Scope:     scope,
		Tags:      tags,
		Comment:   comment,
	}

	frame := s.CurrentFrame()
	if scope == ScopeBundle && frame != nil {
		if _, ok := frame.classes[key]; !ok {
			frame.order = append(frame.order, key)
		}
		frame.classes[key] = c
		return true
	}

	c.Scope = ScopeNamespace
	s.classes[key] = c
	s.classOrder = append(s.classOrder, key)
	return true
}

// CanSetClass reports whether a soft definition of name would be accepted
// and would not replace protected data.
func (s *Store) CanSetClass(name string) bool {
	key, _, _ := s.classKey(s.CurrentNamespace(), name)
	existing, ok := s.classes[key]
	if !ok {
		return true
	}
	return !existing.Hard && !existing.Tags.IsProtected()
}

// RemoveClass undefines a soft class. Hard classes cannot be removed.
func (s *Store) RemoveClass(name string) bool {
	key, _, _ := s.classKey(s.CurrentNamespace(), name)
	if frame := s.CurrentFrame(); frame != nil {
		if _, ok := frame.classes[key]; ok {
			delete(frame.classes, key)
			frame.order = removeKey(frame.order, key)
			return true
		}
	}
	existing, ok := s.classes[key]
	if !ok || existing.Hard {
		return false
	}
	delete(s.classes, key)
	s.classOrder = removeKey(s.classOrder, key)
	return true
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// GetClass returns the visible class called name. An unqualified name is
// looked up in the current bundle, then the current namespace, then the
// default namespace.
func (s *Store) GetClass(name string) (*Class, bool) {
	ns, n := SplitClassName(name)
	n = Canonify(n)
	if ns != "" {
		key := ns + ":" + n
		if c, ok := s.frameClass(key); ok {
			return c, true
		}
		c, ok := s.classes[key]
		return c, ok
	}

	current := s.CurrentNamespace()
	key := current + ":" + n
	if c, ok := s.frameClass(key); ok {
		return c, true
	}
	if c, ok := s.classes[key]; ok {
		return c, true
	}
	if current != DefaultNamespace {
		c, ok := s.classes[DefaultNamespace+":"+n]
		return c, ok
	}
	return nil, false
}

func (s *Store) frameClass(key string) (*Class, bool) {
	frame := s.CurrentFrame()
	if frame == nil {
		return nil, false
	}
	c, ok := frame.classes[key]
	return c, ok
}

// HasClass reports whether name is currently defined.
func (s *Store) HasClass(name string) bool {
	_, ok := s.GetClass(name)
	return ok
}

// Classes returns every visible class in insertion order: namespace classes
// first, then the classes of the current bundle.
func (s *Store) Classes() []*Class {
	out := make([]*Class, 0, len(s.classOrder))
	for _, k := range s.classOrder {
		out = append(out, s.classes[k])
	}
	if frame := s.CurrentFrame(); frame != nil {
		for _, k := range frame.order {
			out = append(out, frame.classes[k])
		}
	}
	return out
}

// ClassesMatching returns the sorted qualified names of the visible classes
// that fully match the regular expression pattern.
func (s *Store) ClassesMatching(pattern string) ([]string, error) {
	matches, err := s.ClassRecordsMatching(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, c := range matches {
		out = append(out, c.QualifiedName())
	}
	return out, nil
}

// ClassRecordsMatching is ClassesMatching returning the class records.
func (s *Store) ClassRecordsMatching(pattern string) ([]*Class, error) {
	re, err := compileAnchored(pattern)
	if err != nil {
		return nil, err
	}
	var out []*Class
	for _, c := range s.Classes() {
		if re.MatchString(c.QualifiedName()) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out, nil
}
