package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

const cliPolicy = `
bundlesequence: [main]
bundles:
  - name: main
    type: agent
    promises:
      vars:
        - promiser: greeting
          string: hello
      classes:
        - promiser: maintenance
          if: first_run
          persistence: "10"
      files:
        - promiser: %q
          create: true
          content: "managed by converge"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCommand("1.0.0", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writePolicy writes a policy directory and returns it with the path of
// the file the policy manages.
func writePolicy(t *testing.T, policy string) (string, string) {
	t.Helper()
	inputs := t.TempDir()
	target := filepath.Join(t.TempDir(), "motd")
	if strings.Contains(policy, "%q") {
		policy = fmt.Sprintf(policy, target)
	}
	if err := os.WriteFile(filepath.Join(inputs, "site.yaml"), []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	return inputs, target
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info.Version != "1.0.0" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestRun(t *testing.T) {
	inputs, target := writePolicy(t, cliPolicy)
	workdir := t.TempDir()

	out, err := execute(t, "run", "-i", inputs, "-w", workdir, "--define", "first_run", "--json")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	var summary engine.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("output is not a summary: %v\n%s", err, out)
	}
	if summary.Status != stores.RunStatusCompleted || summary.Counters.Repaired != 1 {
		t.Errorf("summary = %+v", summary)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "managed by converge" {
		t.Errorf("managed file = %q, %v", data, err)
	}

	// The second run finds the file compliant.
	out, err = execute(t, "run", "-i", inputs, "-w", workdir)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if !strings.Contains(out, "repaired: 0") || !strings.Contains(out, "compliance: 100.0%") {
		t.Errorf("second run output = %s", out)
	}

	out, err = execute(t, "persist", "list", "-w", workdir, "-i", inputs)
	if err != nil {
		t.Fatalf("persist list error = %v", err)
	}
	if !strings.Contains(out, "maintenance") {
		t.Errorf("persist list = %s", out)
	}

	out, err = execute(t, "show-classes", "maintenance", "-w", workdir, "-i", inputs)
	if err != nil {
		t.Fatalf("show-classes error = %v", err)
	}
	if !strings.Contains(out, "maintenance") || !strings.Contains(out, "source=persistent") {
		t.Errorf("show-classes = %s", out)
	}

	out, err = execute(t, "persist", "runs", "-w", workdir, "-i", inputs, "--json")
	if err != nil {
		t.Fatalf("persist runs error = %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil || len(runs) != 2 {
		t.Errorf("runs = %d, %v", len(runs), err)
	}

	out, err = execute(t, "persist", "purge", "--locks", "-w", workdir, "-i", inputs)
	if err != nil {
		t.Fatalf("persist purge error = %v", err)
	}
	if !strings.Contains(out, "Removed 1 persistent classes") {
		t.Errorf("persist purge = %s", out)
	}
}

func TestRunDryRun(t *testing.T) {
	inputs, target := writePolicy(t, cliPolicy)

	out, err := execute(t, "run", "-i", inputs, "-w", t.TempDir(), "--dry-run")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if !strings.Contains(out, "(dry run)") || !strings.Contains(out, "denied: 1") {
		t.Errorf("output = %s", out)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("dry run should not create the file")
	}
}

func TestRunFailedPromise(t *testing.T) {
	inputs, _ := writePolicy(t, `
bundlesequence: [main]
bundles:
  - name: main
    promises:
      commands:
        - promiser: /bin/false
`)
	_, err := execute(t, "run", "-i", inputs, "-w", t.TempDir())
	if code := exitCode(err); code != 1 {
		t.Errorf("exit code = %d (%v), want 1", code, err)
	}
}

func TestRunMissingWorkdir(t *testing.T) {
	inputs, _ := writePolicy(t, cliPolicy)
	_, err := execute(t, "run", "-i", inputs, "-w", filepath.Join(t.TempDir(), "missing"))
	if code := exitCode(err); code != 2 {
		t.Errorf("exit code = %d (%v), want 2", code, err)
	}
}

func TestRunInvalidTimebox(t *testing.T) {
	inputs, _ := writePolicy(t, cliPolicy)
	if _, err := execute(t, "run", "-i", inputs, "-w", t.TempDir(), "--timebox", "soon"); err == nil {
		t.Error("run should reject an invalid timebox")
	}
}

func TestShowVars(t *testing.T) {
	inputs, _ := writePolicy(t, cliPolicy)
	workdir := t.TempDir()

	out, err := execute(t, "show-vars", "greeting", "-i", inputs, "-w", workdir)
	if err != nil {
		t.Fatalf("show-vars error = %v", err)
	}
	if strings.Contains(out, "hello") {
		t.Errorf("vars promises should not be evaluated without --evaluate: %s", out)
	}

	out, err = execute(t, "show-vars", "greeting", "--evaluate", "--json", "-i", inputs, "-w", workdir)
	if err != nil {
		t.Fatalf("show-vars --evaluate error = %v", err)
	}
	var records []engine.VariableRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(records) != 1 || records[0].Value != "hello" {
		t.Errorf("records = %+v", records)
	}
}

func TestValidate(t *testing.T) {
	inputs, _ := writePolicy(t, `
bundlesequence: [main]
bundles:
  - name: main
    promises:
      methods:
        - promiser: setup
          usebundle: helper
  - name: helper
    promises:
      reports:
        - promiser: hello
`)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"text", nil, "Policy is valid: 2 bundles"},
		{"graph", []string{"--graph"}, `"main" -> "helper"`},
		{"json", []string{"--json"}, `"valid": true`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"validate", "-i", inputs}, tt.args...)...)
			if err != nil {
				t.Fatalf("validate error = %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %s, want %q", out, tt.want)
			}
		})
	}
}

func TestValidateInvalidPolicy(t *testing.T) {
	inputs, _ := writePolicy(t, `
bundles:
  - name: main
    promises:
      widgets:
        - promiser: gear
`)
	out, err := execute(t, "validate", "-i", inputs)
	if code := exitCode(err); code != 1 {
		t.Errorf("exit code = %d (%v), want 1", code, err)
	}
	if !strings.Contains(out, "error:") || !strings.Contains(out, "widgets") {
		t.Errorf("output = %s", out)
	}
}
