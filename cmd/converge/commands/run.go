package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		bundleSequence  []string
		define          []string
		negate          []string
		dryRun          bool
		watch           bool
		timebox         string
		metricsTextfile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the policy and repair the host",
		Long: `Evaluate the bundle sequence of the policy against this host.

Every promise is checked and, unless --dry-run is given, repaired when the
host is out of compliance. The exit status is 0 when nothing failed, 1 when
a promise failed and 2 when the run could not complete.

With --watch the agent stays in the foreground and evaluates again whenever
a policy file changes or the configured interval elapses.`,
		Example: `  # Evaluate the configured policy
  converge run

  # Evaluate two bundles with an extra class
  converge run --bundlesequence base,web --define canary

  # Report what would change
  converge run --dry-run --json

  # Keep converging while editing policy
  converge run --watch -i ./policy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			if len(bundleSequence) > 0 {
				env.cfg.BundleSequence = bundleSequence
			}
			if cmd.Flags().Changed("dry-run") {
				env.cfg.DryRun = dryRun
			}
			if timebox != "" {
				if _, err := time.ParseDuration(timebox); err != nil {
					return fmt.Errorf("invalid timebox %q: %w", timebox, err)
				}
				env.cfg.Timebox = timebox
			}
			if metricsTextfile != "" {
				env.telemetry.Metrics.Textfile = metricsTextfile
			}

			ctx := cmd.Context()
			tracer, err := telemetry.NewTracer(ctx, env.telemetry.Tracing, env.telemetry.ServiceName, buildVersion, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					env.logger.Warn().Err(err).Msg("Failed to flush traces")
				}
			}()

			r := &runner{
				env:     env,
				logger:  env.logger.With().Str("component", "cli").Logger(),
				metrics: telemetry.NewMetrics(env.telemetry.Metrics),
				out:     cmd.OutOrStdout(),
			}
			r.params = agentParams{
				out:      r.out,
				recorder: r.metrics,
				define:   define,
				negate:   negate,
			}

			if watch {
				return r.watch(ctx)
			}

			summary, err := r.runOnce(ctx)
			if summary == nil {
				return &ExitError{Code: 2, Err: err}
			}
			if perr := r.printSummary(summary); perr != nil {
				return perr
			}
			if code := summary.ExitCode(); code != 0 {
				return &ExitError{Code: code, Err: err}
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&bundleSequence, "bundlesequence", "b", nil, "bundles to evaluate, overriding the policy")
	cmd.Flags().StringSliceVarP(&define, "define", "D", nil, "classes to define before evaluation")
	cmd.Flags().StringSliceVarP(&negate, "negate", "N", nil, "classes to undefine before evaluation")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report changes without making them")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-run when policy changes")
	cmd.Flags().StringVar(&timebox, "timebox", "", "abort the run after this duration, e.g. 5m")
	cmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "write metrics to this node_exporter textfile after each run")

	return cmd
}

// runner evaluates the policy once or repeatedly in watch mode.
type runner struct {
	env     *environment
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	out     io.Writer
	params  agentParams
}

func (r *runner) runOnce(ctx context.Context) (*engine.Summary, error) {
	agent, err := r.env.newAgent(ctx, r.params)
	if err != nil {
		return nil, err
	}
	summary, err := agent.Run(ctx)

	if path := r.env.telemetry.Metrics.Textfile; path != "" && summary != nil {
		if werr := r.metrics.WriteTextfile(path); werr != nil {
			r.logger.Warn().Err(werr).Str("path", path).Msg("Failed to write metrics textfile")
		}
	}
	return summary, err
}

// watch evaluates the policy, then again on every policy change or
// interval tick until ctx is cancelled. Failed runs are logged and do not
// stop the loop.
func (r *runner) watch(ctx context.Context) error {
	if r.env.telemetry.Metrics.Enabled {
		go func() {
			if err := r.metrics.Serve(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	loader := policy.NewLoader(r.env.logger)
	changes, err := loader.Watch(ctx, r.env.cfg.Inputs, r.env.cfg.Watch.DebounceDuration())
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if d := r.env.cfg.Watch.IntervalDuration(); d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		summary, err := r.runOnce(ctx)
		switch {
		case summary != nil:
			if perr := r.printSummary(summary); perr != nil {
				return perr
			}
			if err != nil {
				r.logger.Warn().Err(err).Msg("Run did not complete")
			}
		case err != nil:
			r.logger.Error().Err(err).Msg("Run failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case file, ok := <-changes:
			if !ok {
				return nil
			}
			r.logger.Info().Str("file", file).Msg("Policy changed, evaluating again")
		case <-tick:
			r.logger.Debug().Msg("Interval elapsed, evaluating again")
		}
	}
}

func (r *runner) printSummary(s *engine.Summary) error {
	if jsonOutput {
		return writeJSON(r.out, s)
	}
	return printSummary(r.out, s)
}

func printSummary(w io.Writer, s *engine.Summary) error {
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	c := s.Counters
	_, err := fmt.Fprintf(w, "Run %s %s%s in %s\n"+
		"  kept: %d  repaired: %d  not kept: %d  failed: %d  denied: %d  skipped: %d\n"+
		"  compliance: %.1f%%\n",
		s.RunID, s.Status, mode, s.Duration().Round(time.Millisecond),
		c.Kept, c.Repaired, c.NotKept, c.Failed, c.Denied, c.Skipped,
		s.Compliance)
	if err != nil {
		return err
	}
	if s.Error != "" {
		_, err = fmt.Fprintf(w, "  error: %s\n", s.Error)
	}
	return err
}
