package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultShell runs commands that are not given as an argument vector.
const DefaultShell = "/bin/sh"

// waitDelay bounds the wait for output pipes held open by children of a
// killed command.
const waitDelay = 2 * time.Second

// Cmd is one command to execute.
type Cmd struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the agent's.
	Dir string

	// Env replaces the environment when not empty, as KEY=VALUE pairs.
	Env []string
}

func (c Cmd) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Result is the result of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. Handlers never call os/exec directly, so that
// tests can replace the system.
type Runner interface {
	// Run executes cmd and waits for it. A non-zero exit status is
	// reported in Result, not as an error; the error is for commands that
	// could not be started or were killed.
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %q interrupted: %w", c.Name, ctx.Err())
		}
		return result, fmt.Errorf("failed to execute %q: %w", c.Name, err)
	}
	return result, nil
}

// shellCmd wraps a command line in the default shell.
func shellCmd(line string) Cmd {
	return Cmd{Name: DefaultShell, Args: []string{"-c", line}}
}

// runOK runs cmd and turns a non-zero exit status into an error carrying
// its stderr.
func runOK(ctx context.Context, r Runner, cmd Cmd) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited with status %d: %s", cmd, res.ExitCode, bytes.TrimSpace([]byte(res.Stderr)))
	}
	return res, nil
}
