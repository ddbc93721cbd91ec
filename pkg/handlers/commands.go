package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
)

const (
	attrArgs       = "args"
	attrContain    = "contain"
	attrUseShell   = "useshell"
	attrChdir      = "chdir"
	attrTimeout    = "timeout"
	attrExecTimout = "exec_timeout"
	attrNoOutput   = "no_output"

	attrKeptCodes     = "kept_returncodes"
	attrRepairedCodes = "repaired_returncodes"
	attrFailedCodes   = "failed_returncodes"
)

// Commands runs command promises. A command is a repair: without return
// code lists, exit status 0 is REPAIRED and anything else FAILED.
type Commands struct {
	logger zerolog.Logger
	runner Runner
}

// NewCommands creates a commands handler. A nil runner executes commands
// on the host.
func NewCommands(logger zerolog.Logger, runner Runner) *Commands {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Commands{
		logger: logger.With().Str("handler", "commands").Logger(),
		runner: runner,
	}
}

// Type implements engine.Handler.
func (h *Commands) Type() string { return "commands" }

// Evaluate runs the command unless the run is a dry run.
func (h *Commands) Evaluate(ctx context.Context, inst *engine.Instance) (engine.Outcome, error) {
	cmd, err := buildCommand(inst)
	if err != nil {
		return engine.OutcomeNotKept, err
	}
	codes, err := readReturnCodes(inst)
	if err != nil {
		return engine.OutcomeNotKept, err
	}

	log := h.logger.With().Str("command", cmd.String()).Logger()
	if inst.DryRun {
		log.Warn().Msg("Command would run")
		return engine.OutcomeDenied, nil
	}

	timeout, err := commandTimeout(inst)
	if err != nil {
		return engine.OutcomeNotKept, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.OutcomeFailed, fmt.Errorf("command timed out after %s: %w", timeout, err)
		}
		return engine.OutcomeFailed, err
	}

	if !inst.Bodies[attrContain].Bool(attrNoOutput, inst.Bool(attrNoOutput, false)) {
		for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
			if line != "" {
				log.Info().Msg("Q: " + line)
			}
		}
	}

	o := codes.outcome(res.ExitCode)
	ev := log.Debug()
	if o == engine.OutcomeFailed {
		ev = log.Warn().Str("stderr", strings.TrimSpace(res.Stderr))
	}
	ev.Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Str("outcome", o.String()).Msg("Command finished")
	return o, nil
}

// buildCommand turns the promiser and args into a command. With useshell
// the whole line goes through the shell, otherwise the promiser is split
// on whitespace.
func buildCommand(inst *engine.Instance) (Cmd, error) {
	line := strings.TrimSpace(inst.Promiser)
	if line == "" {
		return Cmd{}, engine.NewPolicyError("empty command", nil).WithCode(engine.ErrCodeBadAttribute)
	}

	var args []string
	if v, ok := inst.Attributes[attrArgs]; ok {
		if s, ok := v.AsScalar(); ok {
			args = strings.Fields(s)
		} else {
			args = inst.List(attrArgs)
		}
	}

	contain := inst.Bodies[attrContain]
	useShell := true
	if s := contain.String(attrUseShell, inst.String(attrUseShell, "")); s != "" {
		switch strings.ToLower(s) {
		case "useshell", "true", "yes", "on":
			useShell = true
		case "noshell", "false", "no", "off":
			useShell = false
		default:
			return Cmd{}, engine.NewPolicyError("invalid useshell value: "+s, nil).WithCode(engine.ErrCodeBadAttribute)
		}
	}

	var cmd Cmd
	if useShell {
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
		cmd = shellCmd(line)
	} else {
		fields := strings.Fields(line)
		cmd = Cmd{Name: fields[0], Args: append(fields[1:], args...)}
	}
	cmd.Dir = contain.String(attrChdir, inst.String(attrChdir, ""))
	return cmd, nil
}

func commandTimeout(inst *engine.Instance) (time.Duration, error) {
	secs, err := inst.Int(attrTimeout, 0)
	if err != nil {
		return 0, engine.NewPolicyError("invalid timeout", err).WithCode(engine.ErrCodeBadAttribute)
	}
	if secs == 0 {
		secs, err = inst.Bodies[attrContain].Int(attrExecTimout, 0)
		if err != nil {
			return 0, engine.NewPolicyError("invalid exec_timeout", err).WithCode(engine.ErrCodeBadAttribute)
		}
	}
	return time.Duration(secs) * time.Second, nil
}

// returnCodes maps exit statuses to outcomes.
type returnCodes struct {
	kept, repaired, failed []int
}

// readReturnCodes reads the return code lists from the promise or its
// classes body.
func readReturnCodes(inst *engine.Instance) (returnCodes, error) {
	var rc returnCodes
	for _, f := range []struct {
		name string
		dst  *[]int
	}{
		{attrKeptCodes, &rc.kept},
		{attrRepairedCodes, &rc.repaired},
		{attrFailedCodes, &rc.failed},
	} {
		items := inst.List(f.name)
		if items == nil {
			items = inst.Bodies[policy.AttrClasses].List(f.name)
		}
		for _, s := range items {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return rc, engine.NewPolicyError(fmt.Sprintf("invalid %s entry %q", f.name, s), err).
					WithCode(engine.ErrCodeBadAttribute)
			}
			*f.dst = append(*f.dst, n)
		}
	}
	return rc, nil
}

func (rc returnCodes) outcome(code int) engine.Outcome {
	if rc.kept == nil && rc.repaired == nil && rc.failed == nil {
		if code == 0 {
			return engine.OutcomeRepaired
		}
		return engine.OutcomeFailed
	}
	switch {
	case slices.Contains(rc.kept, code):
		return engine.OutcomeUnchanged
	case slices.Contains(rc.repaired, code):
		return engine.OutcomeRepaired
	}
	return engine.OutcomeFailed
}
