package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	inputs     []string
	workDir    string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// ExitError makes the process exit with Code. Err, when set, is logged by
// main; a run that already reported its summary leaves it nil.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - promise-based configuration agent",
		Long: `converge evaluates a declarative policy of bundles and promises against
the local host and repairs whatever is out of compliance.

Features:
  - Policy in YAML, JSON or CUE with classes, variables and iteration
  - Built-in files, commands, packages, services and reports promises
  - Custom promise types as external modules or WASM
  - OPA guardrails over the loaded policy
  - Persistent classes and promise locks in a local sqlite state
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "agent configuration file (CUE)")
	rootCmd.PersistentFlags().StringSliceVarP(&inputs, "inputs", "i", nil, "policy files or directories, overriding the configuration")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", "", "work directory, overriding the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newShowClassesCommand())
	rootCmd.AddCommand(newShowVarsCommand())
	rootCmd.AddCommand(newPersistCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// environment is the configuration and logger shared by the commands that
// load policy.
type environment struct {
	cfg       *config.AgentConfig
	telemetry *telemetry.Config
	logger    zerolog.Logger
}

// loadEnvironment reads the configuration file, applies the global flags
// and configures the global logger from the telemetry section.
func loadEnvironment() (*environment, error) {
	var (
		cfg *config.AgentConfig
		err error
	)
	if configPath != "" {
		loader, err := config.NewLoader()
		if err != nil {
			return nil, err
		}
		if cfg, err = loader.Load(configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if len(inputs) > 0 {
		cfg.Inputs = inputs
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}

	tcfg := telemetry.FromAgentConfig(cfg.Telemetry, buildVersion)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		tcfg.Logging.Level = level
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if err = tcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, err
	}
	log.Logger = logger

	return &environment{cfg: cfg, telemetry: tcfg, logger: logger}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
