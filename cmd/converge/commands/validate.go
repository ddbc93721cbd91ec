package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
)

// validationResult is the JSON form of a validate run.
type validationResult struct {
	Valid      bool                     `json:"valid"`
	Bundles    int                      `json:"bundles"`
	Bodies     int                      `json:"bodies"`
	Errors     []policy.ValidationError `json:"errors,omitempty"`
	Violations []engine.Violation       `json:"violations,omitempty"`
	Cycles     [][]string               `json:"cycles,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var graph bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate policy without evaluating it",
		Long: `Load the policy and check it without touching the host.

This command checks:
  - Syntax of YAML, JSON and CUE policy files
  - Promise types with no registered handler
  - Duplicate bundles and bodies
  - Bundles missing from the bundle sequence
  - Cycles between bundles called through methods
  - Malformed class guards
  - OPA guardrails`,
		Example: `  # Validate the configured inputs
  converge validate

  # Validate a directory and print the bundle call graph
  converge validate -i ./policy --graph | dot -Tsvg > calls.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			guardrails, err := env.newGuardrails(ctx)
			if err != nil {
				return err
			}
			reg, err := env.newRegistry(ctx, io.Discard)
			if err != nil {
				return err
			}
			defer func() {
				if err := reg.Close(); err != nil {
					env.logger.Warn().Err(err).Msg("Failed to close handlers")
				}
			}()

			agent := engine.NewAgent(env.logger, env.cfg, engine.AgentOptions{
				Registry:   reg,
				Guardrails: guardrails,
			})

			env.logger.Info().Strs("inputs", env.cfg.Inputs).Msg("Validating policy")

			report, verr := agent.Validate(ctx)
			result := validationResult{Valid: verr == nil}
			if report != nil {
				result.Violations = report.Violations
				if report.Policy != nil {
					result.Bundles = len(report.Policy.Bundles)
					result.Bodies = len(report.Policy.Bodies)
				}
				if report.Graph != nil {
					result.Cycles = report.Graph.DetectCycles()
				}
			}
			var loadErr *policy.LoadError
			if errors.As(verr, &loadErr) {
				result.Errors = loadErr.Errors
			}

			out := cmd.OutOrStdout()
			switch {
			case graph && report != nil:
				if _, err := fmt.Fprint(out, report.Graph.ToDOT()); err != nil {
					return err
				}
			case jsonOutput:
				if err := writeJSON(out, result); err != nil {
					return err
				}
			default:
				if err := printValidation(out, &result, verr); err != nil {
					return err
				}
			}

			if verr != nil {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&graph, "graph", false, "print the bundle call graph in DOT format")

	return cmd
}

func printValidation(w io.Writer, r *validationResult, err error) error {
	for _, e := range r.Errors {
		if _, werr := fmt.Fprintf(w, "error: %s\n", e.Error()); werr != nil {
			return werr
		}
	}
	if err != nil && len(r.Errors) == 0 {
		if _, werr := fmt.Fprintf(w, "error: %v\n", err); werr != nil {
			return werr
		}
	}
	for _, v := range r.Violations {
		loc := ""
		if v.Location != "" {
			loc = " (" + v.Location + ")"
		}
		if _, werr := fmt.Fprintf(w, "%s: %s: %s%s\n", v.Severity, v.Rule, v.Message, loc); werr != nil {
			return werr
		}
	}
	if err != nil {
		return nil
	}
	_, werr := fmt.Fprintf(w, "Policy is valid: %d bundles, %d bodies, %d guardrail violations\n",
		r.Bundles, r.Bodies, len(r.Violations))
	return werr
}
