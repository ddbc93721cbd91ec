package rval

import (
	"testing"
)

func TestFromJSONPreservesOrder(t *testing.T) {
	n, err := FromJSON([]byte(`{"zeta": 1, "alpha": [true, null, "x"], "mid": {"k": 2.5}}`))
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}

	keys, ok := n.AsObject()
	if !ok {
		t.Fatal("expected object")
	}
	want := []string{"zeta", "alpha", "mid"}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("key %d = %q, want %q", i, keys[i], k)
		}
	}

	out, err := n.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if string(out) != `{"zeta":1,"alpha":[true,null,"x"],"mid":{"k":2.5}}` {
		t.Errorf("MarshalJSON() = %s", out)
	}
}

func TestFromJSONErrors(t *testing.T) {
	tests := []string{
		`{"a":`,
		`[1, 2`,
		`{} {}`,
	}
	for _, input := range tests {
		if _, err := FromJSON([]byte(input)); err == nil {
			t.Errorf("FromJSON(%q) expected error", input)
		}
	}
}

func TestAccessors(t *testing.T) {
	n, err := FromJSON([]byte(`{"list": ["a", 3], "flag": false}`))
	if err != nil {
		t.Fatal(err)
	}

	list, ok := n.Get("list")
	if !ok || list.Kind() != NodeArray {
		t.Fatal("expected list member")
	}
	second, ok := list.Index(1)
	if !ok {
		t.Fatal("expected second item")
	}
	if v, ok := second.AsNumber(); !ok || v != 3 {
		t.Errorf("AsNumber() = %v, %v", v, ok)
	}
	if _, ok := second.AsString(); ok {
		t.Error("number node must not report as string")
	}
	if _, ok := list.Index(5); ok {
		t.Error("out of range index should fail")
	}

	flag, _ := n.Get("flag")
	if s, ok := flag.Primitive(); !ok || s != "false" {
		t.Errorf("Primitive() = %q, %v", s, ok)
	}
	if _, ok := n.Primitive(); ok {
		t.Error("object is not primitive")
	}
}

func TestFromAny(t *testing.T) {
	n, err := FromAny(map[string]any{
		"b": []any{"x", 1},
		"a": map[any]any{"k": true},
	})
	if err != nil {
		t.Fatalf("FromAny() error = %v", err)
	}
	keys, _ := n.AsObject()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("keys = %v, want sorted [a b]", keys)
	}

	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestNodeEqualIgnoresMemberOrder(t *testing.T) {
	a, _ := FromJSON([]byte(`{"x":1,"y":2}`))
	b, _ := FromJSON([]byte(`{"y":2,"x":1}`))
	if !a.Equal(b) {
		t.Error("objects with same members should be equal")
	}
}
