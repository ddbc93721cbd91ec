package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const attrServicePolicy = "service_policy"

// Services keeps systemd service promises. The promiser is the unit name.
type Services struct {
	logger zerolog.Logger
	runner Runner
}

// NewServices creates a services handler. A nil runner executes systemctl
// on the host.
func NewServices(logger zerolog.Logger, runner Runner) *Services {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Services{
		logger: logger.With().Str("handler", "services").Logger(),
		runner: runner,
	}
}

// Type implements engine.Handler.
func (h *Services) Type() string { return "services" }

// Evaluate brings the unit to the promised state. restart and reload are
// actions, not states: they always repair.
func (h *Services) Evaluate(ctx context.Context, inst *engine.Instance) (engine.Outcome, error) {
	name := strings.TrimSpace(inst.Promiser)
	if name == "" {
		return engine.OutcomeNotKept, engine.NewPolicyError("service name is required", nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	action := inst.String(attrServicePolicy, "start")
	log := h.logger.With().Str("service", name).Str("policy", action).Logger()

	active, enabled, err := h.status(ctx, name)
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to get service status: %w", err)
	}

	var compliant bool
	switch action {
	case "start":
		compliant = active
	case "stop":
		compliant = !active
	case "enable":
		compliant = enabled
	case "disable":
		compliant = !enabled
	case "restart", "reload":
	default:
		return engine.OutcomeNotKept, engine.NewPolicyError("invalid service_policy: "+action, nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	if compliant {
		return engine.OutcomeUnchanged, nil
	}
	if inst.DryRun {
		log.Warn().Bool("active", active).Bool("enabled", enabled).Msg("Service is not compliant")
		return engine.OutcomeDenied, nil
	}

	if _, err := runOK(ctx, h.runner, Cmd{Name: "systemctl", Args: []string{action, name}}); err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to %s service: %w", action, err)
	}
	log.Info().Msg("Repaired service")
	return engine.OutcomeRepaired, nil
}

// status reports whether the unit is active and enabled.
func (h *Services) status(ctx context.Context, name string) (active, enabled bool, err error) {
	res, err := h.runner.Run(ctx, Cmd{Name: "systemctl", Args: []string{"is-active", name}})
	if err != nil {
		return false, false, err
	}
	active = strings.TrimSpace(res.Stdout) == "active"

	res, err = h.runner.Run(ctx, Cmd{Name: "systemctl", Args: []string{"is-enabled", name}})
	if err != nil {
		return false, false, err
	}
	enabled = strings.TrimSpace(res.Stdout) == "enabled"
	return active, enabled, nil
}
