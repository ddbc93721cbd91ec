package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const sampleYAML = `
bundlesequence: [main]
bundles:
  - name: main
    type: agent
    promises:
      vars:
        - promiser: colors
          slist: [red, green]
        - promiser: cfg
          data:
            port: 22
      classes:
        - promiser: web
          expression: "linux.!virtual"
      files:
        - promiser: /etc/motd
          content: "hello $(colors)"
          perms: { call: mog, args: ["0644", root, root] }
          mode: 0644
      reports:
        - promiser: "$(colors)"
          if: linux
      methods:
        - promiser: helper
          usebundle: { call: helper, args: ["$(colors)"] }
  - name: helper
    type: common
    parameters: [item]
    promises:
      - type: reports
        promiser: "item is $(item)"
bodies:
  - name: mog
    type: perms
    parameters: [mode, owner, group]
    attributes:
      mode: "$(mode)"
      owners: ["$(owner)"]
`

func testLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadYAML(t *testing.T) {
	p, err := testLoader().LoadBytes("site.yaml", "yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("LoadBytes error = %v", err)
	}

	if len(p.BundleSequence) != 1 || p.BundleSequence[0] != "main" {
		t.Errorf("bundlesequence = %v", p.BundleSequence)
	}
	main, ok := p.Bundle("main")
	if !ok {
		t.Fatal("bundle main missing")
	}
	if got := strings.Join(main.Types(), ","); got != "vars,classes,files,reports,methods" {
		t.Errorf("promise types in order = %s", got)
	}

	colors := main.Promises[0]
	v, ok := colors.Get("slist")
	if !ok || !v.IsList() {
		t.Errorf("slist attribute should be a list, got %v", v)
	}
	if colors.Location.Line == 0 {
		t.Error("YAML promises should carry a line number")
	}

	cfg, _ := main.Promises[1].Get("data")
	if !cfg.IsContainer() {
		t.Errorf("data attribute should stay structured, got %s", cfg.Kind())
	}

	motd := main.PromisesOfType("files")[0]
	perms, _ := motd.Get("perms")
	fn, ok := perms.AsFnCall()
	if !ok || fn.Name != "mog" || len(fn.Args) != 3 {
		t.Errorf("perms should be a call, got %v", perms)
	}
	mode, _ := motd.Get("mode")
	if mode.String() != "0644" {
		t.Errorf("mode = %q, want 0644", mode.String())
	}

	report := main.PromisesOfType("reports")[0]
	if guard, ok := report.Guard(); !ok || guard != "linux" {
		t.Errorf("guard = %q, %v", guard, ok)
	}

	helper, ok := p.Bundle("helper")
	if !ok || helper.Type != BundleCommon || len(helper.Parameters) != 1 {
		t.Errorf("helper bundle = %+v", helper)
	}
	if _, ok := p.Body("perms", "mog"); !ok {
		t.Error("body mog missing")
	}

	if errs := Validate(p, ValidateOptions{KnownTypes: []string{"files", "reports"}}); len(errs) != 0 {
		t.Errorf("Validate = %v", errs)
	}
}

func TestLoadJSONWithComments(t *testing.T) {
	src := `{
  // main entry point
  "bundlesequence": ["main"],
  "bundles": [
    {
      "name": "main",
      "promises": [
        {"type": "vars", "promiser": "x", "string": "1"}, /* trailing */
        {"type": "reports", "promiser": "x=$(x)", "unless": "windows"}
      ]
    }
  ]
}`
	p, err := testLoader().LoadBytes("site.json", "json", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	main, _ := p.Bundle("main")
	if len(main.Promises) != 2 {
		t.Fatalf("promises = %d, want 2", len(main.Promises))
	}
	if guard, _ := main.Promises[1].Guard(); guard != "!(windows)" {
		t.Errorf("unless guard = %q", guard)
	}
}

func TestLoadCUE(t *testing.T) {
	src := `
bundlesequence: ["main"]
#Report: {type: "reports", promiser: string}
bundles: [{
	name: "main"
	promises: [
		{type: "vars", promiser: "port", int: "22"},
		#Report & {promiser: "port is $(port)"},
	]
}]
`
	p, err := testLoader().LoadBytes("site.cue", "cue", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	main, _ := p.Bundle("main")
	if len(main.Promises) != 2 || main.Promises[1].Type != "reports" {
		t.Errorf("unexpected promises: %+v", main.Promises)
	}

	_, err = testLoader().LoadBytes("bad.cue", "cue", []byte(`bundles: [{name: 1 & "x"}]`))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Errorf("expected LoadError for conflicting CUE, got %v", err)
	}
}

func TestLoadPaths(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":   "bundles:\n  - name: a\n    promises: []\n",
		"b.json":   `{"bundlesequence": ["a", "b"], "bundles": [{"name": "b"}]}`,
		"def.json": `{"vars": {"x": "1"}}`,
		"notes.md": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p, err := testLoader().LoadPaths([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Bundles) != 2 || len(p.Sources) != 2 {
		t.Errorf("bundles = %d, sources = %v", len(p.Bundles), p.Sources)
	}
	if strings.Join(p.BundleSequence, ",") != "a,b" {
		t.Errorf("bundlesequence = %v", p.BundleSequence)
	}

	if _, err := testLoader().LoadPaths([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing path should fail")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown key", "bundel: []", "unknown top-level key"},
		{"nameless bundle", "bundles:\n  - type: agent", "bundle has no name"},
		{"bad bundle type", "bundles:\n  - name: x\n    type: server", "unknown type"},
		{"no promiser", "bundles:\n  - name: x\n    promises:\n      - type: reports", "no promiser"},
		{"no type", "bundles:\n  - name: x\n    promises:\n      - promiser: y", "no type"},
		{"bad call", "bundles:\n  - name: x\n    promises:\n      reports:\n        - promiser: y\n          z: {call: 3}", "call must name a function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader().LoadBytes("t.yaml", "yaml", []byte(tt.src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			"missing sequence bundle",
			"bundlesequence: [nope]\nbundles:\n  - name: main",
			"bundle nope in bundle sequence is not defined",
		},
		{
			"no sequence",
			"bundles:\n  - name: main",
			"no bundle sequence defined",
		},
		{
			"duplicate bundle",
			"bundlesequence: [main]\nbundles:\n  - name: main\n  - name: main",
			"duplicate bundle main",
		},
		{
			"unknown type",
			"bundlesequence: [main]\nbundles:\n  - name: main\n    promises:\n      frobnicate:\n        - promiser: x",
			`unknown promise type "frobnicate"`,
		},
		{
			"bad guard",
			"bundlesequence: [main]\nbundles:\n  - name: main\n    promises:\n      reports:\n        - promiser: x\n          if: a.b|c",
			"malformed class guard",
		},
		{
			"two var types",
			"bundlesequence: [main]\nbundles:\n  - name: main\n    promises:\n      vars:\n        - promiser: x\n          string: a\n          int: '1'",
			"more than one type",
		},
		{
			"undefined body",
			"bundlesequence: [main]\nbundles:\n  - name: main\n    promises:\n      reports:\n        - promiser: x\n          action: hourly",
			"action body hourly is not defined",
		},
		{
			"missing callee",
			"bundlesequence: [main]\nbundles:\n  - name: main\n    promises:\n      methods:\n        - promiser: x\n          usebundle: ghost",
			"undefined bundle: main -> ghost",
		},
		{
			"cycle",
			"bundlesequence: [a]\nbundles:\n  - name: a\n    promises:\n      methods:\n        - promiser: b\n  - name: b\n    promises:\n      methods:\n        - promiser: a",
			"bundle call cycle detected: a -> b -> a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := testLoader().LoadBytes("t.yaml", "yaml", []byte(tt.src))
			if err != nil {
				t.Fatal(err)
			}
			errs := Validate(p, ValidateOptions{KnownTypes: []string{"reports"}})
			var msgs []string
			for _, e := range errs {
				msgs = append(msgs, e.Message)
			}
			if !strings.Contains(strings.Join(msgs, "\n"), tt.want) {
				t.Errorf("Validate = %v, want message containing %q", msgs, tt.want)
			}
		})
	}
}

func TestCallGraph(t *testing.T) {
	p, err := testLoader().LoadBytes("t.yaml", "yaml", []byte(`
bundles:
  - name: main
    promises:
      methods:
        - promiser: one
          usebundle: a
        - promiser: two
          usebundle: "$(dynamic)"
  - name: a
    type: common
`))
	if err != nil {
		t.Fatal(err)
	}
	g := BuildCallGraph(p)
	if calls := g.Calls("main"); len(calls) != 1 || calls[0] != "a" {
		t.Errorf("Calls(main) = %v", calls)
	}
	if len(g.DetectCycles()) != 0 {
		t.Error("no cycles expected")
	}
	dot := g.ToDOT()
	if !strings.Contains(dot, `"main" -> "a"`) || !strings.Contains(dot, "lightgray") {
		t.Errorf("ToDOT = %s", dot)
	}
}
