package policy

import (
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/rval"
)

// Decode builds a policy from a document tree. YAML, JSON and CUE sources
// are all converted to this tree first, which keeps member order.
//
// Top-level keys: bundlesequence, namespace, bundles, bodies. A bundle's
// promises are either a list of objects carrying type and promiser, or an
// object keyed by promise type whose values are lists of promises.
func Decode(file string, doc *rval.Node) (*Policy, []ValidationError) {
	d := &decoder{file: file}
	p := &Policy{Sources: []string{file}}

	if doc.Kind() != rval.NodeObject {
		d.errorf("", "policy document must be an object, got %s", doc.Kind())
		return p, d.errs
	}

	ns := d.optString(doc, "namespace", "")
	if seq, ok := doc.Get("bundlesequence"); ok {
		p.BundleSequence = d.stringList(seq, "bundlesequence")
	}

	keys, _ := doc.AsObject()
	for _, k := range keys {
		switch k {
		case "bundlesequence", "namespace", "bundles", "bodies":
		default:
			d.errorf(k, "unknown top-level key %q", k)
		}
	}

	if bundles, ok := doc.Get("bundles"); ok {
		items, isArray := bundles.AsArray()
		if !isArray {
			d.errorf("bundles", "bundles must be a list")
		}
		for i, item := range items {
			if b := d.bundle(item, fmt.Sprintf("bundles[%d]", i), ns); b != nil {
				p.Bundles = append(p.Bundles, b)
			}
		}
	}

	if bodies, ok := doc.Get("bodies"); ok {
		items, isArray := bodies.AsArray()
		if !isArray {
			d.errorf("bodies", "bodies must be a list")
		}
		for i, item := range items {
			if b := d.body(item, fmt.Sprintf("bodies[%d]", i), ns); b != nil {
				p.Bodies = append(p.Bodies, b)
			}
		}
	}

	return p, d.errs
}

type decoder struct {
	file string
	errs []ValidationError
}

func (d *decoder) loc(path string) Location {
	return Location{File: d.file, Path: path}
}

func (d *decoder) errorf(path, format string, args ...any) {
	d.errs = append(d.errs, ValidationError{
		Location: d.loc(path),
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	})
}

func (d *decoder) optString(n *rval.Node, key, def string) string {
	v, ok := n.Get(key)
	if !ok {
		return def
	}
	s, ok := v.Primitive()
	if !ok || v.Kind() == rval.NodeNull {
		d.errorf(key, "%s must be a string", key)
		return def
	}
	return s
}

func (d *decoder) stringList(n *rval.Node, path string) []string {
	items, ok := n.AsArray()
	if !ok {
		d.errorf(path, "must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.AsString()
		if !ok {
			d.errorf(fmt.Sprintf("%s[%d]", path, i), "must be a string")
			continue
		}
		out = append(out, s)
	}
	return out
}

func (d *decoder) bundle(n *rval.Node, path, ns string) *Bundle {
	if n.Kind() != rval.NodeObject {
		d.errorf(path, "bundle must be an object")
		return nil
	}
	b := &Bundle{
		Name:      d.optString(n, "name", ""),
		Namespace: d.optString(n, "namespace", ns),
		Type:      BundleType(d.optString(n, "type", string(BundleAgent))),
		Location:  d.loc(path),
	}
	if b.Name == "" {
		d.errorf(path, "bundle has no name")
		return nil
	}
	if b.Type != BundleAgent && b.Type != BundleCommon {
		d.errorf(path, "bundle %s has unknown type %q", b.Name, b.Type)
	}
	if params, ok := n.Get("parameters"); ok {
		b.Parameters = d.stringList(params, path+".parameters")
	}

	promises, ok := n.Get("promises")
	if !ok {
		return b
	}
	switch promises.Kind() {
	case rval.NodeArray:
		items, _ := promises.AsArray()
		for i, item := range items {
			if p := d.promise(item, fmt.Sprintf("%s.promises[%d]", path, i), ""); p != nil {
				b.Promises = append(b.Promises, p)
			}
		}
	case rval.NodeObject:
		types, _ := promises.AsObject()
		for _, t := range types {
			group, _ := promises.Get(t)
			items, isArray := group.AsArray()
			if !isArray {
				d.errorf(path+".promises."+t, "promises of type %s must be a list", t)
				continue
			}
			for i, item := range items {
				if p := d.promise(item, fmt.Sprintf("%s.promises.%s[%d]", path, t, i), t); p != nil {
					b.Promises = append(b.Promises, p)
				}
			}
		}
	default:
		d.errorf(path+".promises", "promises must be a list or an object keyed by type")
	}
	return b
}

func (d *decoder) promise(n *rval.Node, path, typ string) *Promise {
	if s, ok := n.AsString(); ok && typ != "" {
		// shorthand: a bare promiser with no attributes
		return &Promise{Type: typ, Promiser: s, Location: d.loc(path)}
	}
	if n.Kind() != rval.NodeObject {
		d.errorf(path, "promise must be an object")
		return nil
	}
	p := &Promise{
		Type:     d.optString(n, "type", typ),
		Promiser: d.optString(n, "promiser", ""),
		Location: d.loc(path),
	}
	if p.Type == "" {
		d.errorf(path, "promise has no type")
		return nil
	}
	if _, ok := n.Get("promiser"); !ok {
		d.errorf(path, "promise has no promiser")
		return nil
	}
	if line, ok := n.Get("__line"); ok {
		if f, ok := line.AsNumber(); ok {
			p.Location.Line = int(f)
		}
	}

	keys, _ := n.AsObject()
	for _, k := range keys {
		switch k {
		case "type", "promiser", "__line":
			continue
		case "attributes":
			attrs, _ := n.Get(k)
			p.Attributes = append(p.Attributes, d.attributes(attrs, path+".attributes")...)
			continue
		}
		v, _ := n.Get(k)
		p.Attributes = append(p.Attributes, Attribute{Name: k, Value: d.value(k, v, path+"."+k)})
	}
	return p
}

func (d *decoder) attributes(n *rval.Node, path string) []Attribute {
	keys, ok := n.AsObject()
	if !ok {
		d.errorf(path, "attributes must be an object")
		return nil
	}
	out := make([]Attribute, 0, len(keys))
	for _, k := range keys {
		v, _ := n.Get(k)
		out = append(out, Attribute{Name: k, Value: d.value(k, v, path+"."+k)})
	}
	return out
}

func (d *decoder) body(n *rval.Node, path, ns string) *Body {
	if n.Kind() != rval.NodeObject {
		d.errorf(path, "body must be an object")
		return nil
	}
	b := &Body{
		Name:      d.optString(n, "name", ""),
		Namespace: d.optString(n, "namespace", ns),
		Type:      d.optString(n, "type", ""),
		Location:  d.loc(path),
	}
	if b.Name == "" || b.Type == "" {
		d.errorf(path, "body needs a name and a type")
		return nil
	}
	if params, ok := n.Get("parameters"); ok {
		b.Parameters = d.stringList(params, path+".parameters")
	}
	if attrs, ok := n.Get("attributes"); ok {
		b.Attributes = d.attributes(attrs, path+".attributes")
	}
	return b
}

// value converts an attribute value. Strings and other primitives become
// scalars; lists of scalars and calls become lists; an object with a "call"
// member becomes a function call; anything else, and every value of the
// "data" attribute, stays structured.
func (d *decoder) value(name string, n *rval.Node, path string) rval.Rval {
	if name == "data" {
		return rval.Container(n.Copy())
	}
	v, ok := d.convert(n, path)
	if !ok {
		return rval.Container(n.Copy())
	}
	return v
}

func (d *decoder) convert(n *rval.Node, path string) (rval.Rval, bool) {
	switch n.Kind() {
	case rval.NodeString, rval.NodeNumber, rval.NodeBool:
		s, _ := n.Primitive()
		return rval.Scalar(s), true

	case rval.NodeArray:
		items, _ := n.AsArray()
		out := make([]rval.Rval, 0, len(items))
		for i, item := range items {
			v, ok := d.convert(item, fmt.Sprintf("%s[%d]", path, i))
			if !ok || v.IsList() {
				return rval.Rval{}, false
			}
			out = append(out, v)
		}
		return rval.List(out...), true

	case rval.NodeObject:
		call, ok := n.Get("call")
		if !ok {
			return rval.Rval{}, false
		}
		name, ok := call.AsString()
		if !ok || strings.TrimSpace(name) == "" {
			d.errorf(path, "call must name a function")
			return rval.Rval{}, false
		}
		var args []rval.Rval
		if rawArgs, ok := n.Get("args"); ok {
			items, isArray := rawArgs.AsArray()
			if !isArray {
				d.errorf(path+".args", "args must be a list")
			}
			for i, item := range items {
				v, ok := d.convert(item, fmt.Sprintf("%s.args[%d]", path, i))
				if !ok {
					v = rval.Container(item.Copy())
				}
				args = append(args, v)
			}
		}
		return rval.Call(name, args...), true
	}
	return rval.Rval{}, false
}
