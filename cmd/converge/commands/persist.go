package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func newPersistCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Inspect and clear the agent state",
		Long: `Inspect and clear the state kept in the work directory between runs:
persistent classes, promise locks and the run history.`,
	}

	cmd.AddCommand(newPersistListCommand())
	cmd.AddCommand(newPersistPurgeCommand())
	cmd.AddCommand(newPersistRunsCommand())

	return cmd
}

func newPersistListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unexpired persistent classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd.Context(), func(ctx context.Context, st stores.Store) error {
				classes, err := st.ListPersistentClasses(ctx, time.Now())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), classes)
				}
				return printPersistentClasses(cmd.OutOrStdout(), classes)
			})
		},
	}
}

func newPersistPurgeCommand() *cobra.Command {
	var (
		expiredOnly bool
		locks       bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove persistent classes",
		Long: `Remove every persistent class, or only the expired ones with --expired.
With --locks the promise locks are cleared too, so that ifelapsed throttling
starts afresh.`,
		Example: `  # Forget all persistent classes
  converge persist purge

  # Housekeeping only
  converge persist purge --expired`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd.Context(), func(ctx context.Context, st stores.Store) error {
				var (
					n   int64
					err error
				)
				if expiredOnly {
					n, err = st.DeleteExpiredClasses(ctx, time.Now())
				} else {
					n, err = st.PurgePersistentClasses(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if _, err := fmt.Fprintf(out, "Removed %d persistent classes\n", n); err != nil {
					return err
				}

				if locks {
					n, err := st.PurgeLocks(ctx)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(out, "Removed %d promise locks\n", n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "remove only expired classes")
	cmd.Flags().BoolVar(&locks, "locks", false, "also clear promise locks")

	return cmd
}

func newPersistRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent agent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd.Context(), func(ctx context.Context, st stores.Store) error {
				runs, err := st.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	return cmd
}

// withState opens the state store of the work directory under the run
// lock and calls fn with it.
func withState(ctx context.Context, fn func(context.Context, stores.Store) error) (err error) {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	dirs, err := engine.CheckWorkDirs(env.cfg.WorkDir)
	if err != nil {
		return err
	}

	lock, err := stores.AcquireLock(dirs.LockPath())
	if err != nil {
		if errors.Is(err, stores.ErrLocked) {
			return fmt.Errorf("an agent run is in progress: %w", err)
		}
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	st, err := stores.NewSQLiteStore(stores.Config{Path: dirs.StatePath()})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, st)
}

func printPersistentClasses(w io.Writer, classes []*stores.PersistentClass) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tPOLICY\tSET\tEXPIRES\tTAGS")
	for _, c := range classes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.Name, c.Policy,
			c.SetAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339),
			c.Tags)
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tKEPT\tREPAIRED\tNOT KEPT\tFAILED\tDENIED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.Status, r.StartedAt.Format(time.RFC3339),
			r.Kept, r.Repaired, r.NotKept, r.Failed, r.Denied)
	}
	return tw.Flush()
}
