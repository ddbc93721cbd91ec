package engine

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/policy"
)

// Handler keeps promises of one type.
// Handlers receive fully expanded instances and never see unresolved
// references or class guards.
type Handler interface {
	// Type returns the promise type this handler keeps, e.g. "files".
	Type() string

	// Evaluate compares the instance with the system and repairs it when
	// needed. A returned error is recorded as a handler error and the
	// outcome is forced to FAILED.
	Evaluate(ctx context.Context, inst *Instance) (Outcome, error)
}

// Closer is implemented by handlers that hold resources for the length of a
// run, such as external module processes.
type Closer interface {
	Close() error
}

// Recorder receives outcome and timing observations for metrics.
type Recorder interface {
	// RecordPromise records one evaluated promise instance.
	RecordPromise(promiseType string, outcome Outcome, duration time.Duration)

	// RecordBundle records one bundle evaluation.
	RecordBundle(bundle string, duration time.Duration)

	// RecordRun records a finished run.
	RecordRun(summary *Summary)
}

// Guardrails checks a loaded policy against organisational rules before it
// runs.
type Guardrails interface {
	// Check returns the violations found. A non-nil error means the check
	// itself could not run.
	Check(ctx context.Context, p *policy.Policy) ([]Violation, error)
}

// Violation is one guardrail finding.
type Violation struct {
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Location string `json:"location,omitempty"`
}

// nopRecorder discards observations.
type nopRecorder struct{}

func (nopRecorder) RecordPromise(string, Outcome, time.Duration) {}
func (nopRecorder) RecordBundle(string, time.Duration)           {}
func (nopRecorder) RecordRun(*Summary)                           {}
