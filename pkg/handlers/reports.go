package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const attrReportToFile = "report_to_file"

// Reports prints report promises. Reports never change the system, so the
// outcome is always UNCHANGED.
type Reports struct {
	logger zerolog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewReports creates a reports handler printing to out, os.Stdout when nil.
func NewReports(logger zerolog.Logger, out io.Writer) *Reports {
	if out == nil {
		out = os.Stdout
	}
	return &Reports{
		logger: logger.With().Str("handler", "reports").Logger(),
		out:    out,
	}
}

// Type implements engine.Handler.
func (r *Reports) Type() string { return "reports" }

// Evaluate prints the promiser. With report_to_file the line is appended to
// that file instead.
func (r *Reports) Evaluate(_ context.Context, inst *engine.Instance) (engine.Outcome, error) {
	if path := inst.String(attrReportToFile, ""); path != "" {
		if inst.DryRun {
			r.logger.Info().Str("file", path).Str("report", inst.Promiser).Msg("Would append report to file")
			return engine.OutcomeUnchanged, nil
		}
		if err := appendLine(path, inst.Promiser); err != nil {
			return engine.OutcomeFailed, err
		}
		return engine.OutcomeUnchanged, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := fmt.Fprintf(r.out, "R: %s\n", inst.Promiser); err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to write report: %w", err)
	}
	r.logger.Debug().Str("bundle", inst.Bundle).Str("report", inst.Promiser).Msg("Reported")
	return engine.OutcomeUnchanged, nil
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return f.Close()
}
