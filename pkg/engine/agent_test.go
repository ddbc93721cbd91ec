package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/facts"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

const agentPolicy = `
bundlesequence: [main]
bundles:
  - name: main
    type: agent
    promises:
      classes:
        - promiser: maintenance
          if: first_run
          persistence: "10"
      reports:
        - promiser: "running on $(sys.os)"
          if: linux
        - promiser: in maintenance
          if: maintenance
        - promiser: "$(def.greeting)"
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testAgentConfig(t *testing.T) *config.AgentConfig {
	t.Helper()
	inputs := t.TempDir()
	writeFile(t, inputs, "site.yaml", agentPolicy)
	writeFile(t, inputs, "def.json", `{"vars": {"greeting": "hello from augments"}}`)
	return &config.AgentConfig{
		WorkDir:    t.TempDir(),
		Inputs:     []string{inputs},
		MaxPasses:  3,
		Augments:   config.AugmentsConfig{Enabled: true, MaxDepth: 8},
		Guardrails: config.GuardrailsConfig{OnViolation: "warn"},
	}
}

func testFacts() facts.Provider {
	f := facts.New()
	f.AddClass("linux")
	f.SetString("os", "linux")
	return facts.Static{Facts: f}
}

func newTestAgent(t *testing.T, cfg *config.AgentConfig, reports *fakeHandler, define ...string) *Agent {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(reports); err != nil {
		t.Fatal(err)
	}
	return NewAgent(testLogger(), cfg, AgentOptions{
		Facts:    testFacts(),
		Registry: reg,
		Define:   define,
	})
}

func TestAgentRun(t *testing.T) {
	cfg := testAgentConfig(t)
	reports := &fakeHandler{typ: "reports"}

	summary, err := newTestAgent(t, cfg, reports, "first_run").Run(context.Background())
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}

	if summary.Status != stores.RunStatusCompleted || summary.ExitCode() != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.RunID == "" || summary.FinishedAt.Before(summary.StartedAt) {
		t.Errorf("summary times or id missing: %+v", summary)
	}
	want := map[string]bool{"running on linux": true, "in maintenance": true, "hello from augments": true}
	for _, p := range reports.promisers() {
		delete(want, p)
	}
	if len(want) != 0 {
		t.Errorf("reports missing: %v (got %v)", want, reports.promisers())
	}
	if summary.Compliance != 100 {
		t.Errorf("compliance = %v", summary.Compliance)
	}

	// The run and the persistent class survive in the work directory.
	reports = &fakeHandler{typ: "reports"}
	if _, err := newTestAgent(t, cfg, reports).Run(context.Background()); err != nil {
		t.Fatalf("second Run error = %v", err)
	}
	found := false
	for _, p := range reports.promisers() {
		found = found || p == "in maintenance"
	}
	if !found {
		t.Error("persistent class should be restored in the next run")
	}

	st, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(cfg.WorkDir, "state", "converge.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	run, err := st.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun error = %v", err)
	}
	if run.Status != stores.RunStatusCompleted || run.Kept != summary.Counters.Kept {
		t.Errorf("stored run = %+v", run)
	}
}

func TestAgentNegate(t *testing.T) {
	cfg := testAgentConfig(t)
	reports := &fakeHandler{typ: "reports"}
	reg := NewRegistry()
	if err := reg.Register(reports); err != nil {
		t.Fatal(err)
	}
	agent := NewAgent(testLogger(), cfg, AgentOptions{
		Facts:    testFacts(),
		Registry: reg,
		State:    memoryStore(t),
		Negate:   []string{"linux"},
	})

	s, err := agent.Prepare(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !s.Context.Store.HasClass("linux") {
		t.Error("hard classes cannot be negated")
	}
}

func TestAgentMissingWorkDir(t *testing.T) {
	cfg := testAgentConfig(t)
	cfg.WorkDir = filepath.Join(t.TempDir(), "missing")

	_, err := newTestAgent(t, cfg, &fakeHandler{typ: "reports"}).Run(context.Background())

	var ee *EvalError
	if !errors.As(err, &ee) || ee.Class != ErrorClassFatal || ee.Code != ErrCodeWorkdir {
		t.Errorf("Run error = %v, want a fatal workdir error", err)
	}
}

func TestAgentLocked(t *testing.T) {
	cfg := testAgentConfig(t)
	dirs, err := CheckWorkDirs(cfg.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := stores.AcquireLock(filepath.Join(dirs.State, stateLockName))
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()

	_, err = newTestAgent(t, cfg, &fakeHandler{typ: "reports"}).Run(context.Background())

	if !errors.Is(err, &EvalError{Class: ErrorClassFatal, Code: ErrCodeLocked}) {
		t.Errorf("Run error = %v, want a locked error", err)
	}
}

func TestAgentInvalidPolicy(t *testing.T) {
	cfg := testAgentConfig(t)
	cfg.BundleSequence = []string{"nonexistent"}

	_, err := newTestAgent(t, cfg, &fakeHandler{typ: "reports"}).Run(context.Background())

	if !IsPolicy(err) {
		t.Errorf("Run error = %v, want a policy error", err)
	}
}

type fakeGuardrails struct {
	violations []Violation
}

func (g fakeGuardrails) Check(context.Context, *policy.Policy) ([]Violation, error) {
	return g.violations, nil
}

func TestAgentGuardrails(t *testing.T) {
	guard := fakeGuardrails{violations: []Violation{{Rule: "no_reports", Message: "reports are not allowed", Severity: "error"}}}

	tests := []struct {
		name        string
		onViolation string
		wantErr     bool
	}{
		{"warn", "warn", false},
		{"fail", "fail", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAgentConfig(t)
			cfg.Guardrails.OnViolation = tt.onViolation
			reg := NewRegistry()
			if err := reg.Register(&fakeHandler{typ: "reports"}); err != nil {
				t.Fatal(err)
			}
			agent := NewAgent(testLogger(), cfg, AgentOptions{Facts: testFacts(), Registry: reg, Guardrails: guard})

			report, err := agent.Validate(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, &EvalError{Class: ErrorClassPolicy, Code: ErrCodeGuardrail}) {
				t.Errorf("error = %v, want a guardrail error", err)
			}
			if err == nil && len(report.Violations) != 1 {
				t.Errorf("violations = %+v", report.Violations)
			}
		})
	}
}

func TestAgentTimebox(t *testing.T) {
	cfg := testAgentConfig(t)
	cfg.Timebox = "5ms"
	reports := &fakeHandler{typ: "reports", outcome: func(*Instance) (Outcome, error) {
		time.Sleep(50 * time.Millisecond)
		return OutcomeUnchanged, nil
	}}

	summary, err := newTestAgent(t, cfg, reports).Run(context.Background())

	if !IsFatal(err) {
		t.Fatalf("Run error = %v, want a fatal timeout", err)
	}
	if summary == nil || summary.Status != stores.RunStatusCancelled || summary.ExitCode() != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSummaryExitCode(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    int
	}{
		{"clean", Summary{Status: stores.RunStatusCompleted, Counters: Counters{Kept: 3, Repaired: 1}}, 0},
		{"not kept", Summary{Status: stores.RunStatusCompleted, Counters: Counters{NotKept: 1}}, 0},
		{"failed promise", Summary{Status: stores.RunStatusCompleted, Counters: Counters{Failed: 1}}, 1},
		{"cancelled", Summary{Status: stores.RunStatusCancelled}, 2},
		{"failed run", Summary{Status: stores.RunStatusFailed}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func memoryStore(t *testing.T) stores.Store {
	t.Helper()
	st, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
