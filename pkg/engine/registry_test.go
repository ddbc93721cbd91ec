package engine

import (
	"errors"
	"strings"
	"testing"
)

type closingHandler struct {
	fakeHandler
	closed bool
	err    error
}

func (h *closingHandler) Close() error {
	h.closed = true
	return h.err
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&fakeHandler{typ: "files"}); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := r.Register(&fakeHandler{typ: "files"}); err == nil {
		t.Error("registering a type twice should fail")
	}
	for _, typ := range []string{"", "vars", "classes", "methods"} {
		if err := r.Register(&fakeHandler{typ: typ}); err == nil {
			t.Errorf("registering %q should fail", typ)
		}
	}

	if _, ok := r.Lookup("files"); !ok {
		t.Error("Lookup(files) should find the handler")
	}
	if _, ok := r.Lookup("packages"); ok {
		t.Error("Lookup(packages) should find nothing")
	}
}

func TestRegistryTypeOrder(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"reports", "module:yum", "files"} {
		if err := r.Register(&fakeHandler{typ: typ}); err != nil {
			t.Fatal(err)
		}
	}

	got := strings.Join(r.TypeOrder([]string{"vars", "classes", "files", "files", "reports"}), ",")
	if want := "vars,classes,files,reports,module:yum"; got != want {
		t.Errorf("TypeOrder() = %s, want %s", got, want)
	}
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	ok := &closingHandler{fakeHandler: fakeHandler{typ: "a"}}
	bad := &closingHandler{fakeHandler: fakeHandler{typ: "b"}, err: errors.New("process did not exit")}
	for _, h := range []Handler{ok, bad, &fakeHandler{typ: "c"}} {
		if err := r.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	err := r.Close()
	if err == nil || !strings.Contains(err.Error(), "process did not exit") {
		t.Errorf("Close() error = %v", err)
	}
	if !ok.closed || !bad.closed {
		t.Error("every closer should be closed")
	}
}
