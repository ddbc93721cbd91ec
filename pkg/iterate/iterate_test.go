package iterate

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

func newResolver(t *testing.T) *expand.Expander {
	t.Helper()
	st := store.New(zerolog.New(nil).Level(zerolog.Disabled))
	tags := store.NewTags(store.TagSourcePromise)
	st.PutVariable(store.ParseRef("main.users"), rval.StringList([]string{"alice", "bob"}), rval.TypeSlist, tags, "")
	st.PutVariable(store.ParseRef("main.dirs"), rval.StringList([]string{"home", "tmp", "var"}), rval.TypeSlist, tags, "")
	st.PutVariable(store.ParseRef("main.empty"), rval.List(), rval.TypeSlist, tags, "")
	st.PutVariable(store.ParseRef("main.host"), rval.Scalar("web1"), rval.TypeString, tags, "")
	return expand.New(st, nil)
}

func render(scopes []expand.Scope, names ...string) string {
	var rows []string
	for _, sc := range scopes {
		var parts []string
		for _, n := range names {
			parts = append(parts, sc.Bindings[n].String())
		}
		rows = append(rows, strings.Join(parts, "/"))
	}
	return strings.Join(rows, " ")
}

func TestCrossProduct(t *testing.T) {
	r := newResolver(t)
	scope := expand.Scope{Namespace: store.DefaultNamespace, Bundle: "main"}

	scopes, err := Expand(r, scope, []string{"/$(dirs)/$(users)", "owner $(users) on $(host)"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "home/alice home/bob tmp/alice tmp/bob var/alice var/bob"
	if got := render(scopes, "dirs", "users"); got != want {
		t.Errorf("product = %q, want %q", got, want)
	}
}

func TestZip(t *testing.T) {
	dims := []Dimension{
		{Name: "a", Values: []rval.Rval{rval.Scalar("1"), rval.Scalar("2")}},
		{Name: "b", Values: []rval.Rval{rval.Scalar("x"), rval.Scalar("y")}},
	}
	sets, err := Zip(dims)
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 || sets[1]["a"].String() != "2" || sets[1]["b"].String() != "y" {
		t.Errorf("zip = %v", sets)
	}

	dims[1].Values = dims[1].Values[:1]
	if _, err := Zip(dims); err == nil {
		t.Error("mismatched lengths should fail")
	}
}

func TestEmptyListYieldsNoInstances(t *testing.T) {
	r := newResolver(t)
	scope := expand.Scope{Namespace: store.DefaultNamespace, Bundle: "main"}

	scopes, err := Expand(r, scope, []string{"$(empty) $(users)"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 0 {
		t.Errorf("expected no instances, got %d", len(scopes))
	}
}

func TestNoListsYieldsOneInstance(t *testing.T) {
	r := newResolver(t)
	scope := expand.Scope{Namespace: store.DefaultNamespace, Bundle: "main"}

	scopes, err := Expand(r, scope, []string{"plain $(host) $(missing)"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 1 || len(scopes[0].Bindings) != 0 {
		t.Errorf("expected one unbound instance, got %v", scopes)
	}
}

func TestBoundReferencesAreNotReiterated(t *testing.T) {
	r := newResolver(t)
	scope := expand.Scope{Namespace: store.DefaultNamespace, Bundle: "main"}.Bind("users", rval.Scalar("carol"))

	dims := Collect(r, scope, []string{"$(users) $(dirs) $(dirs)"})
	if len(dims) != 1 || dims[0].Name != "dirs" {
		t.Errorf("Collect = %v", dims)
	}
}

func TestProductShapes(t *testing.T) {
	if got := CrossProduct(nil); len(got) != 1 {
		t.Errorf("CrossProduct(nil) = %d sets, want 1", len(got))
	}
	dims := []Dimension{
		{Name: "a", Values: []rval.Rval{rval.Scalar("1"), rval.Scalar("2")}},
		{Name: "b", Values: []rval.Rval{rval.Scalar("x"), rval.Scalar("y"), rval.Scalar("z")}},
		{Name: "c", Values: []rval.Rval{rval.Scalar("!")}},
	}
	if got := CrossProduct(dims); len(got) != 6 {
		t.Errorf("CrossProduct = %d sets, want 6", len(got))
	}
}

func TestPlan(t *testing.T) {
	dims := []Dimension{
		{Name: "a", Values: []rval.Rval{rval.Scalar("1"), rval.Scalar("2")}},
		{Name: "b", Values: []rval.Rval{rval.Scalar("x"), rval.Scalar("y")}},
	}
	plan, err := NewPlan(dims, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Len() != 2 {
		t.Fatalf("Len = %d, want 2", plan.Len())
	}
	var got []string
	for b, ok := plan.Next(); ok; b, ok = plan.Next() {
		got = append(got, b["a"].String()+b["b"].String())
	}
	if strings.Join(got, ",") != "1x,2y" {
		t.Errorf("zipped plan = %v", got)
	}
	if _, ok := plan.Next(); ok {
		t.Error("exhausted plan returned a binding")
	}
}

func TestPartialZip(t *testing.T) {
	r := newResolver(t)
	st := expand.Scope{Namespace: store.DefaultNamespace, Bundle: "main"}

	dims := []Dimension{
		{Name: "a", Values: []rval.Rval{rval.Scalar("1"), rval.Scalar("2")}},
		{Name: "b", Values: []rval.Rval{rval.Scalar("p"), rval.Scalar("q"), rval.Scalar("r")}},
		{Name: "c", Values: []rval.Rval{rval.Scalar("x"), rval.Scalar("y")}},
	}
	plan, err := NewPlan(dims, []string{"a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for b, ok := plan.Next(); ok; b, ok = plan.Next() {
		got = append(got, b["a"].String()+b["c"].String()+b["b"].String())
	}
	if strings.Join(got, " ") != "1xp 1xq 1xr 2yp 2yq 2yr" {
		t.Errorf("partial zip = %v", got)
	}

	if _, err := Expand(r, st, []string{"$(users) $(dirs)"}, []string{"users", "dirs"}); err == nil {
		t.Error("zipping lists of different lengths should fail")
	}
}
