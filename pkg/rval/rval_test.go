package rval

import (
	"testing"
)

func TestRvalString(t *testing.T) {
	tests := []struct {
		name string
		val  Rval
		want string
	}{
		{"scalar", Scalar("hello"), "hello"},
		{"empty list", List(), "{  }"},
		{"list", StringList([]string{"a", "b"}), `{ "a", "b" }`},
		{"nested list", List(Scalar("a"), StringList([]string{"b"})), `{ "a", { "b" } }`},
		{"call", Call("concat", Scalar("a"), Scalar("$(x)")), `concat("a", "$(x)")`},
		{"container", Container(Array(String("x"), Number(2), Bool(true))), `["x",2,true]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.val.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListsAreNotFlattened(t *testing.T) {
	inner := StringList([]string{"b", "c"})
	outer := List(Scalar("a"), inner)

	items, ok := outer.AsList()
	if !ok {
		t.Fatal("expected list")
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !items[1].IsList() {
		t.Errorf("expected nested list to stay a list, got %s", items[1].Kind())
	}
	if _, ok := outer.Strings(); ok {
		t.Error("Strings() should refuse a list containing a list")
	}
}

func TestCopyIsDeep(t *testing.T) {
	obj := Object()
	obj.Set("name", String("web"))
	orig := List(Scalar("a"), Container(obj))

	dup := orig.Copy()
	if !Equal(orig, dup) {
		t.Fatal("copy should be equal to original")
	}

	obj.Set("name", String("db"))
	items, _ := dup.AsList()
	node, _ := items[1].AsContainer()
	name, _ := node.Get("name")
	if s, _ := name.AsString(); s != "web" {
		t.Errorf("copy changed with original: name = %q", s)
	}
}

func TestEqual(t *testing.T) {
	if Equal(Scalar("a"), StringList([]string{"a"})) {
		t.Error("scalar and list must differ")
	}
	if !Equal(Call("f", Scalar("x")), Call("f", Scalar("x"))) {
		t.Error("identical calls must be equal")
	}
	if Equal(Call("f", Scalar("x")), Call("g", Scalar("x"))) {
		t.Error("calls with different names must differ")
	}
}

func TestStrings(t *testing.T) {
	got, ok := Scalar("x").Strings()
	if !ok || len(got) != 1 || got[0] != "x" {
		t.Errorf("Scalar.Strings() = %v, %v", got, ok)
	}

	got, ok = Container(Array(String("a"), Number(1))).Strings()
	if !ok || len(got) != 2 || got[1] != "1" {
		t.Errorf("Container.Strings() = %v, %v", got, ok)
	}

	if _, ok := Container(Object()).Strings(); ok {
		t.Error("object container should not convert to strings")
	}
}

func TestDataType(t *testing.T) {
	if !TypeSlist.IsList() || TypeString.IsList() {
		t.Error("IsList misclassified")
	}
	if err := DataType("matrix").Validate(); err == nil {
		t.Error("expected error for unknown type")
	}
	if TypeOf(Container(Null())) != TypeData {
		t.Error("container should infer data type")
	}
}
