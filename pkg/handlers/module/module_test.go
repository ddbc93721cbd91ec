package module

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/rval"
)

const helperEnv = "CONVERGE_TEST_MODULE"

// TestMain turns the test binary into a promise module when helperEnv is
// set, so that Handler can run it as a child process.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, "test", "1.0", testModule); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testModule(_ context.Context, cmd *CommandMessage, emit func(level, message string)) (string, error) {
	if cmd.Operation == OperationValidate {
		if cmd.Attributes["state"] == "bogus" {
			return "", &CommandError{Code: "INVALID", Message: "unknown state bogus"}
		}
		return "kept", nil
	}

	emit("info", "evaluating "+cmd.Promiser)
	switch o, _ := cmd.Attributes["outcome"].(string); o {
	case "crash":
		os.Exit(3)
	case "error":
		return "", errors.New("clone failed")
	case "":
		return "kept", nil
	default:
		return o, nil
	}
	return "", nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// startPipeModule connects a client to Serve over in-memory pipes.
func startPipeModule(t *testing.T, fn Func) (*Client, func()) {
	t.Helper()
	modOutR, modOutW := io.Pipe()
	modInR, modInW := io.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), modInR, modOutW, "pipe", "0.1", fn)
		modOutW.Close()
	}()

	c := NewClient(testLogger(), modOutR, modInW)
	stop := func() {
		modInW.Close()
		<-served
		c.Close()
	}
	return c, stop
}

func TestClientExecute(t *testing.T) {
	c, stop := startPipeModule(t, testModule)
	defer stop()
	ctx := context.Background()

	ready, err := c.WaitReady(ctx)
	if err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if ready.Name != "pipe" || ready.ProtocolVersion != ProtocolVersion {
		t.Errorf("ready = %+v", ready)
	}

	var events []string
	done, err := c.Execute(ctx, &CommandMessage{
		ID:         "cmd-1",
		Operation:  OperationEvaluate,
		Type:       "module:git",
		Promiser:   "/srv/repo",
		Attributes: map[string]any{"outcome": "repaired"},
	}, func(e *EventMessage) { events = append(events, e.Message) })
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if done.CommandID != "cmd-1" || done.Outcome != "repaired" {
		t.Errorf("done = %+v", done)
	}
	if len(events) != 1 || events[0] != "evaluating /srv/repo" {
		t.Errorf("events = %v", events)
	}
}

func TestClientCommandError(t *testing.T) {
	c, stop := startPipeModule(t, testModule)
	defer stop()
	ctx := context.Background()
	if _, err := c.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.Execute(ctx, &CommandMessage{
		ID:         "cmd-1",
		Operation:  OperationValidate,
		Type:       "module:git",
		Attributes: map[string]any{"state": "bogus"},
	}, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != "INVALID" {
		t.Fatalf("Execute() error = %v, want INVALID command error", err)
	}
	if c.Broken() != nil {
		t.Errorf("an ERROR reply should not break the client: %v", c.Broken())
	}

	if _, err := c.Execute(ctx, &CommandMessage{ID: "cmd-2", Operation: OperationEvaluate, Type: "module:git"}, nil); err != nil {
		t.Errorf("client should be reusable after an ERROR reply: %v", err)
	}
}

func TestClientInvalidCommand(t *testing.T) {
	c, stop := startPipeModule(t, testModule)
	defer stop()

	tests := []struct {
		name string
		cmd  *CommandMessage
	}{
		{"missing id", &CommandMessage{Operation: OperationEvaluate, Type: "module:x"}},
		{"bad operation", &CommandMessage{ID: "1", Operation: "apply", Type: "module:x"}},
		{"missing type", &CommandMessage{ID: "1", Operation: OperationEvaluate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Execute(context.Background(), tt.cmd, nil); err == nil {
				t.Error("Execute() should reject the command")
			}
		})
	}
}

func TestClientCancelled(t *testing.T) {
	block := make(chan struct{})
	c, stop := startPipeModule(t, func(context.Context, *CommandMessage, func(string, string)) (string, error) {
		<-block
		return "kept", nil
	})
	defer stop()
	defer close(block)

	if _, err := c.WaitReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, &CommandMessage{ID: "slow", Operation: OperationEvaluate, Type: "module:x"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	if c.Broken() == nil {
		t.Error("an interrupted command should break the client")
	}
	if _, err := c.Execute(context.Background(), &CommandMessage{ID: "next", Operation: OperationEvaluate, Type: "module:x"}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute() on broken client error = %v, want ErrClosed", err)
	}
}

func TestClientProtocolVersion(t *testing.T) {
	r := strings.NewReader(`{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"name":"old","protocol_version":0}}` + "\n")
	c := NewClient(testLogger(), r, io.Discard)
	defer c.Close()

	if _, err := c.WaitReady(context.Background()); err == nil || !strings.Contains(err.Error(), "protocol version") {
		t.Errorf("WaitReady() error = %v, want protocol version error", err)
	}
}

func TestDecoderRejectsUnknownType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"HELLO"}` + "\n"))
	if _, err := dec.Decode(); err == nil {
		t.Error("Decode() should reject an unknown message type")
	}
	if _, err := NewDecoder(strings.NewReader("")).Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() on empty input error = %v, want EOF", err)
	}
}

func newInstance(promiser string, attrs map[string]string) *engine.Instance {
	a := make(engine.Attributes, len(attrs))
	for k, v := range attrs {
		a[k] = rval.Scalar(v)
	}
	return &engine.Instance{
		Type:       TypePrefix + "test",
		Bundle:     "main",
		Promiser:   promiser,
		Attributes: a,
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	t.Setenv(helperEnv, "1")
	h := New(testLogger(), config.ModuleConfig{Name: "test", Path: os.Args[0], Timeout: "10s"})
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

func TestHandler(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	if h.Type() != "module:test" {
		t.Errorf("Type() = %q", h.Type())
	}

	o, err := h.Evaluate(ctx, newInstance("/srv/app", map[string]string{"outcome": "repaired"}))
	if err != nil || o != engine.OutcomeRepaired {
		t.Fatalf("Evaluate() = %v, %v, want repaired", o, err)
	}
	pid := h.proc.Process.Pid

	o, err = h.Evaluate(ctx, newInstance("/srv/app", nil))
	if err != nil || o != engine.OutcomeUnchanged {
		t.Fatalf("Evaluate() = %v, %v, want unchanged", o, err)
	}
	if h.proc.Process.Pid != pid {
		t.Error("module process should be reused between promises")
	}

	o, err = h.Evaluate(ctx, newInstance("/srv/app", map[string]string{"state": "bogus"}))
	if o != engine.OutcomeNotKept || !engine.IsPolicy(err) {
		t.Errorf("Evaluate() = %v, %v, want not kept policy error", o, err)
	}

	o, err = h.Evaluate(ctx, newInstance("/srv/app", map[string]string{"outcome": "error"}))
	if o != engine.OutcomeFailed || err == nil {
		t.Errorf("Evaluate() = %v, %v, want failed", o, err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.proc != nil {
		t.Error("Close() should stop the module")
	}
}

func TestHandlerRestartsCrashedModule(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	o, err := h.Evaluate(ctx, newInstance("/srv/app", map[string]string{"outcome": "crash"}))
	if o != engine.OutcomeFailed || err == nil {
		t.Fatalf("Evaluate() = %v, %v, want failed", o, err)
	}

	o, err = h.Evaluate(ctx, newInstance("/srv/app", nil))
	if err != nil || o != engine.OutcomeUnchanged {
		t.Errorf("Evaluate() after crash = %v, %v, want unchanged", o, err)
	}
}

func TestHandlerMissingExecutable(t *testing.T) {
	h := New(testLogger(), config.ModuleConfig{Name: "missing", Path: "/nonexistent/module"})
	defer h.Close()

	o, err := h.Evaluate(context.Background(), newInstance("x", nil))
	if o != engine.OutcomeFailed || err == nil {
		t.Errorf("Evaluate() = %v, %v, want failed", o, err)
	}
}
