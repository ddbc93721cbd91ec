package config

import (
	"fmt"
	"time"
)

// AgentConfig is the agent configuration read from converge.cue.
type AgentConfig struct {
	// WorkDir holds state, modules and the run lock. It must exist.
	WorkDir string `json:"workdir" validate:"required"`

	// Inputs are the policy files or directories.
	Inputs []string `json:"inputs" validate:"required,min=1,dive,required"`

	// BundleSequence overrides the sequence declared in policy.
	BundleSequence []string `json:"bundlesequence,omitempty" validate:"dive,required"`

	// TypeOrder is the order promise types are evaluated in within a bundle.
	TypeOrder []string `json:"type_order,omitempty" validate:"dive,required"`

	// MaxPasses bounds the evaluation passes per bundle.
	MaxPasses int `json:"max_passes" validate:"min=1,max=10"`

	// Timebox aborts the run after this duration, e.g. "10m". Empty means
	// no limit.
	Timebox string `json:"timebox,omitempty" validate:"omitempty,duration"`

	// DryRun makes handlers report instead of change.
	DryRun bool `json:"dry_run"`

	// AllowDuplicates evaluates duplicate promise instances every time.
	AllowDuplicates bool `json:"allow_duplicates"`

	Augments       AugmentsConfig     `json:"augments"`
	Functions      FunctionsConfig    `json:"functions"`
	PromiseModules []ModuleConfig     `json:"promise_modules,omitempty" validate:"dive"`
	WasmModules    []WasmModuleConfig `json:"wasm_modules,omitempty" validate:"dive"`
	Guardrails     GuardrailsConfig   `json:"guardrails"`
	Telemetry      TelemetryConfig    `json:"telemetry"`
	Watch          WatchConfig        `json:"watch"`
}

// AugmentsConfig controls loading of def.json style augments files.
type AugmentsConfig struct {
	Enabled bool `json:"enabled"`

	// IgnorePreferred skips def_preferred.json.
	IgnorePreferred bool `json:"ignore_preferred"`

	// MaxDepth bounds nested augments files.
	MaxDepth int `json:"max_depth" validate:"min=1,max=32"`
}

// FunctionsConfig configures user-defined Starlark functions.
type FunctionsConfig struct {
	Dirs    []string `json:"dirs,omitempty"`
	Timeout string   `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// ModuleConfig declares an external promise module. Promises of type
// module:<Name> are evaluated by it.
type ModuleConfig struct {
	Name    string   `json:"name" validate:"required,excludesall= :"`
	Path    string   `json:"path" validate:"required"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// WasmModuleConfig declares a WebAssembly promise type wasm:<Name>.
type WasmModuleConfig struct {
	Name             string `json:"name" validate:"required"`
	Path             string `json:"path" validate:"required"`
	MemoryLimitPages uint32 `json:"memory_limit_pages,omitempty" validate:"omitempty,max=65536"`
	Timeout          string `json:"timeout,omitempty" validate:"omitempty,duration"`

	// SHA256 pins the module file to a hex digest when set.
	SHA256 string `json:"sha256,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// GuardrailsConfig configures the Rego rules checked against the policy
// before evaluation.
type GuardrailsConfig struct {
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"builtin"`
	Paths       []string `json:"paths,omitempty"`
	OnViolation string   `json:"on_violation" validate:"oneof=warn fail"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" validate:"oneof=console json"`

	TracingExporter string  `json:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty"`
	SamplingRate    float64 `json:"sampling_rate" validate:"min=0,max=1"`

	MetricsEnabled  bool   `json:"metrics_enabled"`
	MetricsAddr     string `json:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	MetricsTextfile string `json:"metrics_textfile,omitempty"`
}

// WatchConfig configures run --watch.
type WatchConfig struct {
	Debounce string `json:"debounce,omitempty" validate:"omitempty,duration"`
	Interval string `json:"interval,omitempty" validate:"omitempty,duration"`
}

// TimeboxDuration returns the parsed timebox, zero when unset.
func (c *AgentConfig) TimeboxDuration() time.Duration {
	return parseDuration(c.Timebox)
}

// Duration returns the parsed timeout, zero when unset.
func (c FunctionsConfig) Duration() time.Duration { return parseDuration(c.Timeout) }

// Duration returns the parsed timeout, zero when unset.
func (c ModuleConfig) Duration() time.Duration { return parseDuration(c.Timeout) }

// Duration returns the parsed timeout, zero when unset.
func (c WasmModuleConfig) Duration() time.Duration { return parseDuration(c.Timeout) }

// DebounceDuration returns the parsed debounce delay.
func (c WatchConfig) DebounceDuration() time.Duration { return parseDuration(c.Debounce) }

// IntervalDuration returns the parsed re-run interval.
func (c WatchConfig) IntervalDuration() time.Duration { return parseDuration(c.Interval) }

// parseDuration is only called on validated values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Issue is a configuration problem with its location.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.Line > 0:
		return fmt.Sprintf("%s:%d: %s", i.File, i.Line, i.Message)
	case i.Path != "":
		return fmt.Sprintf("%s: %s", i.Path, i.Message)
	}
	return i.Message
}
