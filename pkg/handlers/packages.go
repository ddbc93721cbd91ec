package handlers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const (
	attrPolicy         = "policy"
	attrVersion        = "version"
	attrPackageManager = "package_manager"
	attrOptions        = "options"

	packagePresent = "present"
	packageAbsent  = "absent"
	versionLatest  = "latest"
)

// Managers are the supported package managers, in detection order.
var Managers = []string{"apt", "dnf", "yum", "zypper"}

// Packages keeps package promises. The promiser is the package name.
type Packages struct {
	logger zerolog.Logger
	runner Runner

	// detect finds the package manager when a promise names none.
	detect func() (string, error)
}

// NewPackages creates a packages handler. A nil runner executes commands
// on the host.
func NewPackages(logger zerolog.Logger, runner Runner) *Packages {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Packages{
		logger: logger.With().Str("handler", "packages").Logger(),
		runner: runner,
		detect: detectPackageManager,
	}
}

// Type implements engine.Handler.
func (h *Packages) Type() string { return "packages" }

// Evaluate installs, upgrades or removes the package as promised.
func (h *Packages) Evaluate(ctx context.Context, inst *engine.Instance) (engine.Outcome, error) {
	name := strings.TrimSpace(inst.Promiser)
	if name == "" {
		return engine.OutcomeNotKept, engine.NewPolicyError("package name is required", nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	state := inst.String(attrPolicy, packagePresent)
	if state != packagePresent && state != packageAbsent {
		return engine.OutcomeNotKept, engine.NewPolicyError("invalid package policy: "+state, nil).
			WithCode(engine.ErrCodeBadAttribute)
	}
	version := inst.String(attrVersion, "")
	options := inst.List(attrOptions)

	manager := inst.String(attrPackageManager, "")
	if manager == "" {
		var err error
		if manager, err = h.detect(); err != nil {
			return engine.OutcomeFailed, fmt.Errorf("failed to detect package manager: %w", err)
		}
	}
	if !isManager(manager) {
		return engine.OutcomeNotKept, engine.NewPolicyError("unsupported package manager: "+manager, nil).
			WithCode(engine.ErrCodeBadAttribute)
	}

	log := h.logger.With().Str("package", name).Str("manager", manager).Logger()

	installed, current, err := h.installedVersion(ctx, manager, name)
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to check package status: %w", err)
	}

	var verb []string
	target := name
	switch {
	case state == packageAbsent && installed:
		verb = []string{"remove", "-y"}
	case state == packageAbsent:
		return engine.OutcomeUnchanged, nil
	case !installed, version != "" && version != versionLatest && version != current:
		verb = []string{"install", "-y"}
		target = packageSpec(manager, name, version)
	case version == versionLatest:
		verb = upgradeArgs(manager)
	default:
		return engine.OutcomeUnchanged, nil
	}

	if inst.DryRun {
		log.Warn().Str("policy", state).Str("current", current).Msg("Package is not compliant")
		return engine.OutcomeDenied, nil
	}

	args := append(append(verb, options...), target)
	if _, err := runOK(ctx, h.runner, Cmd{Name: manager, Args: args}); err != nil {
		return engine.OutcomeFailed, err
	}

	_, after, err := h.installedVersion(ctx, manager, name)
	if err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to check package status: %w", err)
	}
	if version == versionLatest && installed && after == current {
		return engine.OutcomeUnchanged, nil
	}
	log.Info().Str("previous", current).Str("installed", after).Msg("Repaired package")
	return engine.OutcomeRepaired, nil
}

// installedVersion reports whether a package is installed and its version.
func (h *Packages) installedVersion(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd Cmd
	switch manager {
	case "apt":
		cmd = Cmd{Name: "dpkg-query", Args: []string{"-W", "-f=${Version}", name}}
	default:
		cmd = Cmd{Name: "rpm", Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}}
	}
	res, err := h.runner.Run(ctx, cmd)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}
	return true, strings.TrimSpace(res.Stdout), nil
}

// packageSpec names a package at a version the way manager expects.
func packageSpec(manager, name, version string) string {
	if version == "" || version == versionLatest {
		return name
	}
	switch manager {
	case "apt", "zypper":
		return name + "=" + version
	}
	return name + "-" + version
}

func upgradeArgs(manager string) []string {
	switch manager {
	case "apt":
		return []string{"install", "--only-upgrade", "-y"}
	case "zypper":
		return []string{"update", "-y"}
	}
	return []string{"upgrade", "-y"}
}

func isManager(m string) bool {
	for _, known := range Managers {
		if m == known {
			return true
		}
	}
	return false
}

func detectPackageManager() (string, error) {
	for _, mgr := range Managers {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}
