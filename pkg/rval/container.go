package rval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// NodeKind identifies the variant of a container node.
type NodeKind int

const (
	NodeNull NodeKind = iota
	NodeBool
	NodeNumber
	NodeString
	NodeArray
	NodeObject
)

// String returns the JSON name of the kind.
func (k NodeKind) String() string {
	switch k {
	case NodeNull:
		return "null"
	case NodeBool:
		return "boolean"
	case NodeNumber:
		return "number"
	case NodeString:
		return "string"
	case NodeArray:
		return "array"
	case NodeObject:
		return "object"
	default:
		return "unknown"
	}
}

// Node is a closed variant tree for structured data. Object members keep
// their insertion order.
type Node struct {
	kind NodeKind
	b    bool
	num  float64
	str  string
	arr  []*Node
	keys []string
	obj  map[string]*Node
}

// Null returns a JSON null node.
func Null() *Node { return &Node{kind: NodeNull} }

// Bool returns a boolean node.
func Bool(v bool) *Node { return &Node{kind: NodeBool, b: v} }

// Number returns a numeric node.
func Number(v float64) *Node { return &Node{kind: NodeNumber, num: v} }

// String returns a string node.
func String(v string) *Node { return &Node{kind: NodeString, str: v} }

// Array returns an array node holding items.
func Array(items ...*Node) *Node {
	if items == nil {
		items = []*Node{}
	}
	return &Node{kind: NodeArray, arr: items}
}

// Object returns an empty object node.
func Object() *Node {
	return &Node{kind: NodeObject, obj: make(map[string]*Node)}
}

// Kind returns the node variant.
func (n *Node) Kind() NodeKind {
	if n == nil {
		return NodeNull
	}
	return n.kind
}

// IsPrimitive reports whether n is a string, number, boolean or null.
func (n *Node) IsPrimitive() bool {
	switch n.Kind() {
	case NodeArray, NodeObject:
		return false
	}
	return true
}

// AsBool returns the boolean value.
func (n *Node) AsBool() (bool, bool) {
	if n.Kind() != NodeBool {
		return false, false
	}
	return n.b, true
}

// AsNumber returns the numeric value.
func (n *Node) AsNumber() (float64, bool) {
	if n.Kind() != NodeNumber {
		return 0, false
	}
	return n.num, true
}

// AsString returns the string value.
func (n *Node) AsString() (string, bool) {
	if n.Kind() != NodeString {
		return "", false
	}
	return n.str, true
}

// AsArray returns the array items.
func (n *Node) AsArray() ([]*Node, bool) {
	if n.Kind() != NodeArray {
		return nil, false
	}
	return n.arr, true
}

// AsObject returns the object keys in insertion order.
func (n *Node) AsObject() ([]string, bool) {
	if n.Kind() != NodeObject {
		return nil, false
	}
	return n.keys, true
}

// Get returns the object member stored under key.
func (n *Node) Get(key string) (*Node, bool) {
	if n.Kind() != NodeObject {
		return nil, false
	}
	v, ok := n.obj[key]
	return v, ok
}

// Index returns the i-th array item.
func (n *Node) Index(i int) (*Node, bool) {
	if n.Kind() != NodeArray || i < 0 || i >= len(n.arr) {
		return nil, false
	}
	return n.arr[i], true
}

// Len returns the number of array items or object members.
func (n *Node) Len() int {
	switch n.Kind() {
	case NodeArray:
		return len(n.arr)
	case NodeObject:
		return len(n.keys)
	}
	return 0
}

// Set stores value under key, keeping the original position of an existing key.
func (n *Node) Set(key string, value *Node) {
	if n.kind != NodeObject {
		panic("rval: Set on non-object node")
	}
	if _, exists := n.obj[key]; !exists {
		n.keys = append(n.keys, key)
	}
	n.obj[key] = value
}

// Append adds an item to an array node.
func (n *Node) Append(value *Node) {
	if n.kind != NodeArray {
		panic("rval: Append on non-array node")
	}
	n.arr = append(n.arr, value)
}

// Primitive returns the string form of a primitive node. Booleans render as
// "true"/"false", null as "null" and integral numbers without a fraction.
func (n *Node) Primitive() (string, bool) {
	switch n.Kind() {
	case NodeString:
		return n.str, true
	case NodeNumber:
		return strconv.FormatFloat(n.num, 'f', -1, 64), true
	case NodeBool:
		return strconv.FormatBool(n.b), true
	case NodeNull:
		return "null", true
	}
	return "", false
}

// Copy returns a deep copy of n.
func (n *Node) Copy() *Node {
	if n == nil {
		return Null()
	}
	out := &Node{kind: n.kind, b: n.b, num: n.num, str: n.str}
	switch n.kind {
	case NodeArray:
		out.arr = make([]*Node, len(n.arr))
		for i, item := range n.arr {
			out.arr[i] = item.Copy()
		}
	case NodeObject:
		out.keys = append([]string(nil), n.keys...)
		out.obj = make(map[string]*Node, len(n.obj))
		for k, v := range n.obj {
			out.obj[k] = v.Copy()
		}
	}
	return out
}

// Equal reports structural equality. Object member order is ignored.
func (n *Node) Equal(o *Node) bool {
	if n.Kind() != o.Kind() {
		return false
	}
	switch n.Kind() {
	case NodeNull:
		return true
	case NodeBool:
		return n.b == o.b
	case NodeNumber:
		return n.num == o.num
	case NodeString:
		return n.str == o.str
	case NodeArray:
		if len(n.arr) != len(o.arr) {
			return false
		}
		for i := range n.arr {
			if !n.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case NodeObject:
		if len(n.obj) != len(o.obj) {
			return false
		}
		for k, v := range n.obj {
			ov, ok := o.obj[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON encodes n, preserving object member order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	switch n.Kind() {
	case NodeNull:
		buf.WriteString("null")
	case NodeBool:
		buf.WriteString(strconv.FormatBool(n.b))
	case NodeNumber:
		data, err := json.Marshal(n.num)
		if err != nil {
			return err
		}
		buf.Write(data)
	case NodeString:
		data, err := json.Marshal(n.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case NodeArray:
		buf.WriteByte('[')
		for i, item := range n.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case NodeObject:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := n.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes data into n, preserving object member order.
func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*n = *parsed
	return nil
}

// FromJSON parses a JSON document into a node tree.
func FromJSON(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := decodeNode(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to parse JSON: trailing data after document")
	}
	return n, nil
}

func decodeNode(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '[':
			arr := Array()
			for dec.More() {
				item, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				arr.Append(item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		case '{':
			obj := Object()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("expected object key, got %v", keyTok)
				}
				value, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case nil:
		return Null(), nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// FromAny converts the output of a generic decoder (encoding/json, yaml.v3,
// CUE Decode) into a node tree. Maps lose their source order and are
// emitted with sorted keys.
func FromAny(v any) (*Node, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case *Node:
		return t.Copy(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []any:
		arr := Array()
		for _, item := range t {
			n, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			arr.Append(n)
		}
		return arr, nil
	case []string:
		arr := Array()
		for _, item := range t {
			arr.Append(String(item))
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := Object()
		for _, k := range keys {
			n, err := FromAny(t[k])
			if err != nil {
				return nil, err
			}
			obj.Set(k, n)
		}
		return obj, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
		return FromAny(m)
	}
	return nil, fmt.Errorf("unsupported container value of type %T", v)
}

// ToAny converts n into plain Go values (map[string]any, []any, float64,
// string, bool, nil).
func (n *Node) ToAny() any {
	switch n.Kind() {
	case NodeBool:
		return n.b
	case NodeNumber:
		return n.num
	case NodeString:
		return n.str
	case NodeArray:
		out := make([]any, len(n.arr))
		for i, item := range n.arr {
			out[i] = item.ToAny()
		}
		return out
	case NodeObject:
		out := make(map[string]any, len(n.obj))
		for k, v := range n.obj {
			out[k] = v.ToAny()
		}
		return out
	}
	return nil
}
