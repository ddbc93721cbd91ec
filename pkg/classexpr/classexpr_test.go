package classexpr

import (
	"regexp"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

type classSet map[string]bool

func (c classSet) HasClass(name string) bool { return c[name] }

func (c classSet) ClassesMatching(pattern string) ([]string, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	var out []string
	for name := range c {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "linux", want: "linux"},
		{in: "linux.!virtual", want: "linux.!virtual"},
		{in: "linux&x86_64", want: "linux.x86_64"},
		{in: "a|b|c", want: "a|b|c"},
		{in: "a||b", want: "a|b"},
		{in: "(a|b).c", want: "(a|b).c"},
		{in: "!(a.b)", want: "!(a.b)"},
		{in: "ns:web_server", want: "ns:web_server"},
		{in: "debian_*", want: "debian_*"},
		{in: "a.b|c", wantErr: true},
		{in: "a|b.c", wantErr: true},
		{in: "(a.b", wantErr: true},
		{in: "a.", wantErr: true},
		{in: "", wantErr: true},
		{in: "a b", wantErr: true},
		{in: "a$b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			expr, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got %s", tt.in, expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.in, err)
			}
			if got := expr.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGuardScenario(t *testing.T) {
	ev := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))

	classes := classSet{"linux": true}
	ok, err := ev.Evaluate("linux.!virtual", classes)
	if err != nil || !ok {
		t.Errorf("with {linux}: got %v, %v; want true", ok, err)
	}

	classes["virtual"] = true
	ok, err = ev.Evaluate("linux.!virtual", classes)
	if err != nil || ok {
		t.Errorf("with {linux, virtual}: got %v, %v; want false", ok, err)
	}
}

func TestEvaluate(t *testing.T) {
	ev := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))
	classes := classSet{"linux": true, "debian_12": true, "web": true}

	tests := []struct {
		expr string
		want bool
	}{
		{"any", true},
		{"linux", true},
		{"windows", false},
		{"linux.web", true},
		{"linux.windows", false},
		{"windows|web", true},
		{"(windows|solaris).linux", false},
		{"!windows", true},
		{"!!linux", true},
		{"debian_*", true},
		{"debian_1?", true},
		{"rhel_*", false},
		{"debian_[0-9]*", true},
		{"!rhel_*", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Evaluate(tt.expr, classes)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestMalformedIsFalse(t *testing.T) {
	ev := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))
	classes := classSet{"a": true, "b": true, "c": true}

	for i := 0; i < 2; i++ {
		got, err := ev.Evaluate("a.b|c", classes)
		if err == nil {
			t.Fatal("expected error for mixed operators")
		}
		if got {
			t.Error("malformed expression must evaluate to false")
		}
	}
	if len(ev.reported) != 1 {
		t.Errorf("expected the error to be recorded once, got %d", len(ev.reported))
	}
}

func TestShortCircuit(t *testing.T) {
	// A wildcard with an invalid class pattern would fail if evaluated.
	classes := classSet{"a": true}
	expr, err := Parse("a|[")
	if err != nil {
		t.Fatal(err)
	}
	got, err := Eval(expr, classes)
	if err != nil || !got {
		t.Errorf("OR should short-circuit on first true term: %v, %v", got, err)
	}
}

func TestGlobToRegexp(t *testing.T) {
	tests := map[string]string{
		"debian_*":  "debian_.*",
		"ipv4_10_?": "ipv4_10_.",
		"x[0-9]":    "x[0-9]",
		"ns:a*":     "ns:a.*",
	}
	for in, want := range tests {
		if got := GlobToRegexp(in); got != want {
			t.Errorf("GlobToRegexp(%q) = %q, want %q", in, got, want)
		}
	}
}
