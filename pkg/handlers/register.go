package handlers

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Builtin returns the built-in handlers. Reports go to out and commands run
// through runner; nil selects os.Stdout and the host.
func Builtin(logger zerolog.Logger, out io.Writer, runner Runner) []engine.Handler {
	return []engine.Handler{
		NewReports(logger, out),
		NewFiles(logger),
		NewCommands(logger, runner),
		NewPackages(logger, runner),
		NewServices(logger, runner),
	}
}

// RegisterBuiltin registers the built-in handlers in reg.
func RegisterBuiltin(reg *engine.Registry, logger zerolog.Logger, out io.Writer, runner Runner) error {
	for _, h := range Builtin(logger, out, runner) {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", h.Type(), err)
		}
	}
	return nil
}
