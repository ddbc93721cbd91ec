package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/store"
)

type queryFunc func(w io.Writer, st *store.Store, pattern string) error

func newShowClassesCommand() *cobra.Command {
	return newShowCommand("show-classes [regex]", "List the defined classes",
		`List the classes defined on this host: hard classes discovered from
facts, persistent classes, augments and command line classes. With
--evaluate the policy is first evaluated in dry-run mode so that classes
set by classes promises appear too.`,
		`  # All classes
  converge show-classes

  # Classes mentioning the OS
  converge show-classes 'linux|debian'`,
		engine.ShowClasses,
		func(w io.Writer, st *store.Store, pattern string) error {
			records, err := engine.QueryClasses(st, pattern)
			if err != nil {
				return err
			}
			return writeJSON(w, records)
		})
}

func newShowVarsCommand() *cobra.Command {
	return newShowCommand("show-vars [regex]", "List the defined variables",
		`List the variables defined on this host with their values and tags.
Values wider than their column are truncated. With --evaluate the policy is
first evaluated in dry-run mode so that vars promises are included.`,
		`  # All sys variables
  converge show-vars '^default:sys\.'

  # Everything, as JSON
  converge show-vars --evaluate --json`,
		engine.ShowVariables,
		func(w io.Writer, st *store.Store, pattern string) error {
			records, err := engine.QueryVariables(st, pattern)
			if err != nil {
				return err
			}
			return writeJSON(w, records)
		})
}

func newShowCommand(use, short, long, example string, table, asJSON queryFunc) *cobra.Command {
	var evaluate bool

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		Example: example,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) > 0 {
				pattern = args[0]
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			if evaluate {
				env.cfg.DryRun = true
			}

			ctx := cmd.Context()
			st, closeSession, err := env.prepareStore(ctx, evaluate)
			if err != nil {
				return err
			}
			defer closeSession()

			if jsonOutput {
				return asJSON(cmd.OutOrStdout(), st, pattern)
			}
			return table(cmd.OutOrStdout(), st, pattern)
		},
	}

	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "evaluate the policy in dry-run mode before listing")

	return cmd
}

// prepareStore prepares a session and, when evaluate is set, runs it. The
// returned function closes the session.
func (e *environment) prepareStore(ctx context.Context, evaluate bool) (*store.Store, func(), error) {
	agent, err := e.newAgent(ctx, agentParams{out: io.Discard})
	if err != nil {
		return nil, nil, err
	}
	session, err := agent.Prepare(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeSession := func() {
		if err := session.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close session")
		}
	}

	if evaluate {
		if _, err := session.Evaluate(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Evaluation did not complete")
		}
	}
	return session.Context.Store, closeSession, nil
}
