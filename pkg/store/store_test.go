package store

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/rval"
)

func newTestStore() *Store {
	return New(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want VarRef
	}{
		{"x", VarRef{Name: "x"}},
		{"main.x", VarRef{Scope: "main", Name: "x"}},
		{"ns:main.x", VarRef{Namespace: "ns", Scope: "main", Name: "x"}},
		{"sys.fqhost", VarRef{Scope: "sys", Name: "fqhost"}},
		{"main.arr[a][b.c]", VarRef{Scope: "main", Name: "arr", Indices: []string{"a", "b.c"}}},
		{"arr[x[1]]", VarRef{Name: "arr", Indices: []string{"x[1]"}}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseRef(tt.in)
			if got.Namespace != tt.want.Namespace || got.Scope != tt.want.Scope || got.Name != tt.want.Name {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if len(got.Indices) != len(tt.want.Indices) {
				t.Fatalf("indices = %v, want %v", got.Indices, tt.want.Indices)
			}
			for i := range got.Indices {
				if got.Indices[i] != tt.want.Indices[i] {
					t.Errorf("index %d = %q, want %q", i, got.Indices[i], tt.want.Indices[i])
				}
			}
		})
	}
}

func TestRefDefaults(t *testing.T) {
	ref := ParseRef("sys.arch").WithDefaults("web", "main")
	if ref.Namespace != DefaultNamespace {
		t.Errorf("special scope namespace = %q, want default", ref.Namespace)
	}
	ref = ParseRef("x").WithDefaults("web", "main")
	if ref.Key() != "web:main.x" {
		t.Errorf("Key() = %q", ref.Key())
	}
}

func TestPutGetVariable(t *testing.T) {
	s := newTestStore()
	ref := ParseRef("main.colors")
	if !s.PutVariable(ref, rval.StringList([]string{"red", "green"}), rval.TypeSlist, NewTags(TagSourcePromise), "") {
		t.Fatal("PutVariable refused")
	}

	v, ok := s.GetVariable(ParseRef("default:main.colors"))
	if !ok {
		t.Fatal("variable not found")
	}
	items, ok := v.Strings()
	if !ok || len(items) != 2 || items[0] != "red" {
		t.Errorf("value = %v", v)
	}

	idx, ok := s.GetVariable(ParseRef("main.colors[1]"))
	if !ok {
		t.Fatal("indexed lookup failed")
	}
	if sv, _ := idx.AsScalar(); sv != "green" {
		t.Errorf("colors[1] = %q", sv)
	}
}

func TestLastWriterWins(t *testing.T) {
	s := newTestStore()
	ref := ParseRef("def.port")
	s.PutVariable(ref, rval.Scalar("80"), rval.TypeString, NewTags(TagSourceAugments), "")
	if !s.PutVariable(ref, rval.Scalar("8080"), rval.TypeString, NewTags(TagSourcePromise), "") {
		t.Fatal("equal priority overwrite refused")
	}
	v, _ := s.GetVariable(ref)
	if sv, _ := v.AsScalar(); sv != "8080" {
		t.Errorf("port = %q, want 8080", sv)
	}
}

func TestProtectedFirstWriterWins(t *testing.T) {
	s := newTestStore()
	ref := ParseRef("def.role")
	if !s.PutVariable(ref, rval.Scalar("db"), rval.TypeString, NewTags(TagSourceCMDB), "from cmdb") {
		t.Fatal("first write refused")
	}
	if s.PutVariable(ref, rval.Scalar("web"), rval.TypeString, NewTags(TagSourceAugments), "") {
		t.Error("write over protected slot should be refused")
	}
	if s.CanSetVariable(ref) {
		t.Error("CanSetVariable should be false for protected slot")
	}
	v, _ := s.GetVariable(ref)
	if sv, _ := v.AsScalar(); sv != "db" {
		t.Errorf("role = %q, want db", sv)
	}
}

func TestReservedScopes(t *testing.T) {
	s := newTestStore()
	if s.PutVariable(ParseRef("sys.arch"), rval.Scalar("x"), rval.TypeString, NewTags(TagSourcePromise), "") {
		t.Error("policy write to sys should be refused")
	}
	if !s.PutVariable(ParseRef("sys.arch"), rval.Scalar("x86_64"), rval.TypeString, NewTags(TagSourceAgent), "") {
		t.Error("agent write to sys should be accepted")
	}
	if !s.PutVariable(ParseRef("def.x"), rval.Scalar("1"), rval.TypeString, NewTags(TagSourcePromise), "") {
		t.Error("policy write to def should be accepted")
	}
}

func TestContainerNavigation(t *testing.T) {
	s := newTestStore()
	node, err := rval.FromJSON([]byte(`{"users": ["alice", "bob"], "port": 22, "nested": {"k": {"x": 1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	s.PutVariable(ParseRef("main.cfg"), rval.Container(node), rval.TypeData, nil, "")

	users, ok := s.GetVariable(ParseRef("main.cfg[users]"))
	if !ok || !users.IsList() {
		t.Fatalf("cfg[users] = %v, %v; want list", users, ok)
	}
	port, ok := s.GetVariable(ParseRef("main.cfg[port]"))
	if sv, _ := port.AsScalar(); !ok || sv != "22" {
		t.Errorf("cfg[port] = %v", port)
	}
	nested, ok := s.GetVariable(ParseRef("main.cfg[nested][k]"))
	if !ok || !nested.IsContainer() {
		t.Errorf("cfg[nested][k] should stay a container, got %v", nested)
	}
	if _, ok := s.GetVariable(ParseRef("main.cfg[missing]")); ok {
		t.Error("missing key should not resolve")
	}
}

func TestVariablesOrderAndMatching(t *testing.T) {
	s := newTestStore()
	for _, name := range []string{"main.z", "main.a", "other.m"} {
		s.PutVariable(ParseRef(name), rval.Scalar("v"), rval.TypeString, nil, "")
	}

	vars := s.Variables()
	if vars[0].Ref.Name != "z" || vars[1].Ref.Name != "a" {
		t.Errorf("enumeration not in insertion order: %s, %s", vars[0].Ref, vars[1].Ref)
	}

	matched, err := s.VariablesMatching(`default:main\..*`)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 2 || matched[0].Ref.Name != "a" {
		t.Errorf("VariablesMatching = %d results, first %v", len(matched), matched)
	}

	if _, err := s.VariablesMatching("("); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTags(t *testing.T) {
	tags := NewTags("source=cmdb", "", "owner=ops", "owner=ops")
	if len(tags) != 2 {
		t.Errorf("NewTags() = %v", tags)
	}
	if v, ok := tags.Value("owner"); !ok || v != "ops" {
		t.Errorf("Value(owner) = %q, %v", v, ok)
	}
	if !tags.IsProtected() {
		t.Error("cmdb tag should be protected")
	}
	if got := ParseTags("a, b,,a").String(); got != "a,b" {
		t.Errorf("ParseTags = %q", got)
	}
}

func TestCanonify(t *testing.T) {
	if got := Canonify("/etc/hosts-1.conf"); got != "_etc_hosts_1_conf" {
		t.Errorf("Canonify() = %q", got)
	}
}
