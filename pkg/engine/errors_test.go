package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/policy"
)

func TestEvalErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		policy    bool
		expansion bool
		handler   bool
		fatal     bool
	}{
		{"policy", NewPolicyError("bad", nil), true, false, false, false},
		{"expansion", NewExpansionError("unresolved", nil), false, true, false, false},
		{"handler", NewHandlerError("exit 1", nil), false, false, true, false},
		{"fatal", NewFatalError("no workdir", nil), false, false, false, true},
		{"wrapped", fmt.Errorf("run: %w", NewFatalError("locked", nil)), false, false, false, true},
		{"plain", errors.New("plain"), false, false, false, false},
		{"nil", nil, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPolicy(tt.err); got != tt.policy {
				t.Errorf("IsPolicy() = %v, want %v", got, tt.policy)
			}
			if got := IsExpansion(tt.err); got != tt.expansion {
				t.Errorf("IsExpansion() = %v, want %v", got, tt.expansion)
			}
			if got := IsHandler(tt.err); got != tt.handler {
				t.Errorf("IsHandler() = %v, want %v", got, tt.handler)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestEvalErrorMessage(t *testing.T) {
	cause := errors.New("exit status 2")
	err := NewHandlerError("promise handler failed", cause).
		WithPromise("commands:main:/bin/false").
		WithLocation(policy.Location{File: "site.yaml", Line: 12}).
		WithCode("EXIT")

	msg := err.Error()
	for _, want := range []string{"[handler]", "promise handler failed", "promise=commands:main:/bin/false", "site.yaml:12", "exit status 2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !errors.Is(err, &EvalError{Class: ErrorClassHandler, Code: "EXIT"}) {
		t.Error("errors.Is should match class and code")
	}
	if errors.Is(err, &EvalError{Class: ErrorClassPolicy, Code: "EXIT"}) {
		t.Error("errors.Is should not match another class")
	}
}

func TestEvalErrorWithoutLocation(t *testing.T) {
	err := NewPolicyError("bad", nil).WithLocation(policy.Location{})
	if strings.Contains(err.Error(), " at ") {
		t.Errorf("empty location should be omitted: %q", err.Error())
	}
}
