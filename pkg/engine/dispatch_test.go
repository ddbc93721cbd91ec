package engine

import (
	"context"
	"testing"
)

func TestDispatcherDuplicateOfSkippedInstance(t *testing.T) {
	ec := NewEvalContext(testLogger())
	reports := &fakeHandler{typ: "reports"}
	reg := NewRegistry()
	if err := reg.Register(reports); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(testLogger(), ec, reg, NewTracker(testLogger(), ec, nil), nil, nil, DispatchOptions{})

	attrs := Attributes{}
	inst := &Instance{
		ID:         InstanceID("reports", "main", "hello", attrs),
		Type:       "reports",
		Bundle:     "main",
		Promiser:   "hello",
		Attributes: attrs,
	}

	var c Counters
	o, err := d.Execute(context.Background(), inst, "never_defined", &c)
	if err != nil || o != OutcomeNotKept {
		t.Fatalf("guarded Execute = %v, %v, want NOT_KEPT", o, err)
	}

	o, err = d.Execute(context.Background(), inst, "", &c)
	if err != nil {
		t.Fatalf("duplicate Execute error = %v", err)
	}
	if o != OutcomeNotKept {
		t.Errorf("duplicate outcome = %v, want %v", o, OutcomeNotKept)
	}
	if len(reports.calls) != 0 {
		t.Errorf("handler calls = %d, want 0", len(reports.calls))
	}
}
