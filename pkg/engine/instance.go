package engine

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/rval"
)

// Attributes are the expanded constraints of an instance or body.
type Attributes map[string]rval.Rval

// Instance is one fully expanded promise, ready for a handler.
type Instance struct {
	// ID identifies the instance across runs. See InstanceID.
	ID string

	Type      string
	Namespace string
	Bundle    string
	Promiser  string

	// Attributes hold the expanded promise attributes, with body
	// references replaced by the body name.
	Attributes Attributes

	// Bodies hold the expanded attributes of referenced bodies, keyed by
	// the attribute that referenced them, e.g. "perms".
	Bodies map[string]Attributes

	Location policy.Location

	// DryRun is set when handlers must not change the system.
	DryRun bool
}

// InstanceID returns the identity of an instance: a blake2b-256 digest of
// its type, bundle, promiser and sorted attributes.
func InstanceID(typ, bundle, promiser string, attrs Attributes) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(typ)
	write(bundle)
	write(promiser)

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		write(name)
		write(attrs[name].String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Handle returns a readable identity for logs and errors.
func (i *Instance) Handle() string {
	return fmt.Sprintf("%s:%s:%s", i.Type, i.Bundle, i.Promiser)
}

// Get returns an attribute, looking in the instance first and then in the
// body named by bodyAttr when bodyAttr is not empty.
func (i *Instance) Get(name, bodyAttr string) (rval.Rval, bool) {
	if v, ok := i.Attributes[name]; ok {
		return v, true
	}
	if bodyAttr != "" {
		if body, ok := i.Bodies[bodyAttr]; ok {
			v, ok := body[name]
			return v, ok
		}
	}
	return rval.Rval{}, false
}

// String returns a scalar attribute or def.
func (i *Instance) String(name, def string) string {
	return i.Attributes.String(name, def)
}

// List returns a list attribute. A scalar is returned as a one element list.
func (i *Instance) List(name string) []string {
	return i.Attributes.List(name)
}

// Bool returns a boolean attribute or def.
func (i *Instance) Bool(name string, def bool) bool {
	return i.Attributes.Bool(name, def)
}

// Int returns an integer attribute or def.
func (i *Instance) Int(name string, def int) (int, error) {
	return i.Attributes.Int(name, def)
}

// Body returns the expanded body referenced by attr.
func (i *Instance) Body(attr string) (Attributes, bool) {
	b, ok := i.Bodies[attr]
	return b, ok
}

// String returns a scalar attribute or def.
func (a Attributes) String(name, def string) string {
	v, ok := a[name]
	if !ok {
		return def
	}
	if s, ok := v.AsScalar(); ok {
		return s
	}
	return def
}

// List returns a list attribute. A scalar is returned as a one element list.
func (a Attributes) List(name string) []string {
	v, ok := a[name]
	if !ok {
		return nil
	}
	if s, ok := v.AsScalar(); ok {
		return []string{s}
	}
	out, _ := v.Strings()
	return out
}

// Bool returns a boolean attribute or def. "true", "yes" and "on" are true.
func (a Attributes) Bool(name string, def bool) bool {
	s, ok := a[name].AsScalar()
	if !ok {
		return def
	}
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	}
	return def
}

// Int returns an integer attribute or def.
func (a Attributes) Int(name string, def int) (int, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	s, ok := v.AsScalar()
	if !ok {
		return def, fmt.Errorf("attribute %s is not a scalar", name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def, fmt.Errorf("attribute %s: %q is not an integer", name, s)
	}
	return n, nil
}
