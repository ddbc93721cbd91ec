package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// agentSchema holds the configuration schema and its defaults.
const agentSchema = `
#Module: {
	name:     string & =~"^[a-zA-Z0-9_-]+$"
	path:     string
	args?:    [...string]
	timeout?: string
}

#WasmModule: {
	name:                string & =~"^[a-zA-Z0-9_-]+$"
	path:                string
	memory_limit_pages?: int & >=1 & <=65536
	timeout?:            string
	sha256?:             string & =~"^[0-9a-f]{64}$"
}

#Agent: {
	workdir:          string | *"/var/lib/converge"
	inputs:           [...string] | *["/etc/converge/inputs"]
	bundlesequence?:  [...string]
	type_order?:      [...string]
	max_passes:       int & >=1 & <=10 | *3
	timebox?:         string
	dry_run:          bool | *false
	allow_duplicates: bool | *false

	augments: {
		enabled:          bool | *true
		ignore_preferred: bool | *false
		max_depth:        int & >=1 & <=32 | *8
	}

	functions: {
		dirs?:   [...string]
		timeout: string | *"5s"
	}

	promise_modules?: [...#Module]
	wasm_modules?:    [...#WasmModule]

	guardrails: {
		enabled:      bool | *true
		builtin:      bool | *true
		paths?:       [...string]
		on_violation: *"warn" | "fail"
	}

	telemetry: {
		log_level:         *"info" | "trace" | "debug" | "warn" | "error"
		log_format:        *"console" | "json"
		tracing_exporter:  *"none" | "stdout" | "otlp"
		tracing_endpoint?: string
		sampling_rate:     number & >=0 & <=1 | *1.0
		metrics_enabled:   bool | *false
		metrics_addr?:     string
		metrics_textfile?: string
	}

	watch: {
		debounce:  string | *"2s"
		interval?: string
	}
}
`

// Loader reads and validates agent configuration.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader compiles the configuration schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(agentSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register validation: %w", err)
	}

	return &Loader{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.MakePath(cue.Def("Agent"))),
		validate: v,
	}, nil
}

// Default returns the configuration used when no file is given.
func Default() *AgentConfig {
	l, err := NewLoader()
	if err != nil {
		panic(err)
	}
	cfg, err := l.LoadBytes("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults are invalid: %v", err))
	}
	return cfg
}

// ValidationError reports every problem found in a configuration file.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e.Issues[0].String()
	}
	return fmt.Sprintf("invalid configuration: %d problems, first: %s", len(e.Issues), e.Issues[0])
}

// Load reads a configuration file. Relative paths inside the file are
// resolved against the file's directory.
func (l *Loader) Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.LoadBytes(path, data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadBytes parses configuration from memory.
func (l *Loader) LoadBytes(name string, data []byte) (*AgentConfig, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &ValidationError{Issues: convertCUEErrors(err)}
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ValidationError{Issues: convertCUEErrors(err)}
	}

	var cfg AgentConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct-level constraints that the schema does not
// express, such as duration syntax.
func (l *Loader) Validate(cfg *AgentConfig) error {
	err := l.validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	issues := make([]Issue, len(verrs))
	for i, fe := range verrs {
		issues[i] = Issue{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ValidationError{Issues: issues}
}

func (c *AgentConfig) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.WorkDir = abs(c.WorkDir)
	for i := range c.Inputs {
		c.Inputs[i] = abs(c.Inputs[i])
	}
	for i := range c.Functions.Dirs {
		c.Functions.Dirs[i] = abs(c.Functions.Dirs[i])
	}
	for i := range c.Guardrails.Paths {
		c.Guardrails.Paths[i] = abs(c.Guardrails.Paths[i])
	}
	for i := range c.PromiseModules {
		c.PromiseModules[i].Path = abs(c.PromiseModules[i].Path)
	}
	for i := range c.WasmModules {
		c.WasmModules[i].Path = abs(c.WasmModules[i].Path)
	}
}

// convertCUEErrors converts CUE errors to issues with positions.
func convertCUEErrors(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issue := Issue{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			issue.File = pos[0].Filename()
			issue.Line = pos[0].Line()
		}
		issues = append(issues, issue)
	}
	return issues
}
