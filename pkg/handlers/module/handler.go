package module

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/handlers"
)

// TypePrefix prefixes the promise types served by modules.
const TypePrefix = "module:"

const (
	defaultTimeout = 30 * time.Second
	startTimeout   = 10 * time.Second
	stopTimeout    = 5 * time.Second
)

// Handler keeps promises of type module:<name> through an external
// executable. The process is started on the first promise and kept until
// Close. A module that breaks the protocol is killed and restarted on the
// next promise.
type Handler struct {
	logger zerolog.Logger
	cfg    config.ModuleConfig

	mu     sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser
	client *Client
	exited chan struct{}
}

// New creates a handler for the module declared by cfg.
func New(logger zerolog.Logger, cfg config.ModuleConfig) *Handler {
	return &Handler{
		logger: logger.With().Str("handler", TypePrefix+cfg.Name).Logger(),
		cfg:    cfg,
	}
}

// Type implements engine.Handler.
func (h *Handler) Type() string { return TypePrefix + h.cfg.Name }

// Evaluate validates the promise with the module, then asks it to keep it.
func (h *Handler) Evaluate(ctx context.Context, inst *engine.Instance) (engine.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, err := h.start(ctx)
	if err != nil {
		return engine.OutcomeFailed, err
	}

	timeout := h.cfg.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := &CommandMessage{
		Operation:  OperationValidate,
		Type:       inst.Type,
		Bundle:     inst.Bundle,
		Promiser:   inst.Promiser,
		Attributes: handlers.AttributesJSON(inst),
		DryRun:     inst.DryRun,
		Timeout:    int(timeout.Seconds()),
	}

	cmd.ID = uuid.NewString()
	if _, err := client.Execute(ctx, cmd, h.logEvent); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return engine.OutcomeNotKept, engine.NewPolicyError("module rejected promise", err).
				WithCode(engine.ErrCodeBadAttribute)
		}
		h.stopBroken()
		return engine.OutcomeFailed, err
	}

	cmd.ID = uuid.NewString()
	cmd.Operation = OperationEvaluate
	done, err := client.Execute(ctx, cmd, h.logEvent)
	if err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			h.stopBroken()
		}
		return engine.OutcomeFailed, err
	}

	o, err := engine.ParseOutcome(done.Outcome)
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("module returned %w", err)
	}
	if inst.DryRun && o == engine.OutcomeRepaired {
		h.logger.Warn().Str("promiser", inst.Promiser).Msg("Module repaired a promise in dry-run mode")
	}
	return o, nil
}

func (h *Handler) logEvent(e *EventMessage) {
	var ev *zerolog.Event
	switch e.Level {
	case "debug":
		ev = h.logger.Debug()
	case "warn":
		ev = h.logger.Warn()
	case "error":
		ev = h.logger.Error()
	default:
		ev = h.logger.Info()
	}
	ev.Str("command_id", e.CommandID).Msg(e.Message)
}

// start launches the module process unless it is running.
func (h *Handler) start(ctx context.Context) (*Client, error) {
	if h.client != nil {
		if h.client.Broken() == nil {
			return h.client, nil
		}
		h.stopBroken()
	}

	proc := exec.Command(h.cfg.Path, h.cfg.Args...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start module %s: %w", h.cfg.Name, err)
	}

	exited := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			h.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()

	client := NewClient(h.logger, stdout, stdin)
	go func() {
		err := proc.Wait()
		h.logger.Debug().Err(err).Msg("Module process exited")
		close(exited)
	}()

	readyCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	ready, err := client.WaitReady(readyCtx)
	if err != nil {
		client.Close()
		_ = stdin.Close()
		_ = proc.Process.Kill()
		<-exited
		return nil, fmt.Errorf("module %s did not start: %w", h.cfg.Name, err)
	}

	h.logger.Info().
		Str("module", ready.Name).
		Str("version", ready.Version).
		Int("pid", proc.Process.Pid).
		Msg("Started promise module")
	h.proc, h.stdin, h.client, h.exited = proc, stdin, client, exited
	return client, nil
}

// stopBroken kills a module whose stream is no longer usable.
func (h *Handler) stopBroken() {
	if h.proc == nil {
		return
	}
	h.client.Close()
	_ = h.stdin.Close()
	_ = h.proc.Process.Kill()
	<-h.exited
	h.proc, h.stdin, h.client, h.exited = nil, nil, nil, nil
}

// Close asks the module to exit by closing its stdin, and kills it if it
// does not exit in time.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc == nil {
		return nil
	}
	h.client.Close()
	err := h.stdin.Close()

	select {
	case <-h.exited:
	case <-time.After(stopTimeout):
		h.logger.Warn().Msg("Module did not exit, killing it")
		_ = h.proc.Process.Kill()
		<-h.exited
	}
	h.proc, h.stdin, h.client, h.exited = nil, nil, nil, nil
	if err != nil {
		return fmt.Errorf("failed to close module stdin: %w", err)
	}
	return nil
}
