package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/augments"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/facts"
	"github.com/openfroyo/converge/pkg/functions"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/store"
	"github.com/openfroyo/converge/pkg/stores"
)

const (
	stateDirName   = "state"
	modulesDirName = "modules"
	stateDBName    = "converge.db"
	stateLockName  = "converge.lock"
)

// Summary is the result of one agent run.
type Summary struct {
	RunID          string           `json:"run_id"`
	Status         stores.RunStatus `json:"status"`
	BundleSequence []string         `json:"bundlesequence"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	DryRun         bool             `json:"dry_run"`
	Counters       Counters         `json:"counters"`
	Compliance     float64          `json:"compliance"`
	Bundles        []BundleSummary  `json:"bundles"`
	Error          string           `json:"error,omitempty"`
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExitCode returns the process exit status for the run: 0 when nothing
// failed, 1 when a promise failed and 2 when the run itself did not
// complete.
func (s *Summary) ExitCode() int {
	switch {
	case s.Status != stores.RunStatusCompleted:
		return 2
	case s.Counters.Failed > 0:
		return 1
	}
	return 0
}

// WorkDirs are the directories an agent run uses below its work directory.
type WorkDirs struct {
	Root    string
	State   string
	Modules string
}

// CheckWorkDirs verifies that root exists and creates the state and modules
// directories below it. The modules directory is private to the agent user.
func CheckWorkDirs(root string) (*WorkDirs, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, NewFatalError(fmt.Sprintf("work directory %s is not usable", root), err).WithCode(ErrCodeWorkdir)
	}
	if !info.IsDir() {
		return nil, NewFatalError(fmt.Sprintf("work directory %s is not a directory", root), nil).WithCode(ErrCodeWorkdir)
	}

	dirs := &WorkDirs{
		Root:    root,
		State:   filepath.Join(root, stateDirName),
		Modules: filepath.Join(root, modulesDirName),
	}
	if err := os.MkdirAll(dirs.State, 0o755); err != nil {
		return nil, NewFatalError("failed to create state directory", err).WithCode(ErrCodeWorkdir)
	}
	if err := os.MkdirAll(dirs.Modules, 0o700); err != nil {
		return nil, NewFatalError("failed to create modules directory", err).WithCode(ErrCodeWorkdir)
	}
	return dirs, nil
}

// StatePath is the sqlite database holding persistent classes, promise
// locks and run records.
func (d *WorkDirs) StatePath() string { return filepath.Join(d.State, stateDBName) }

// LockPath is the lock file held for the duration of a run.
func (d *WorkDirs) LockPath() string { return filepath.Join(d.State, stateLockName) }

// AgentOptions supplies the collaborators of an agent.
type AgentOptions struct {
	// Facts discovers hard classes and sys variables. Required.
	Facts facts.Provider

	// Registry holds the promise type handlers. Required.
	Registry *Registry

	// Guardrails, when set, are checked against the loaded policy.
	Guardrails Guardrails

	Recorder Recorder

	// State overrides the sqlite database in the work directory.
	State stores.Store

	// Define and Negate are classes set or removed on the command line.
	Define []string
	Negate []string
}

// Agent runs the bundle sequence of a policy against the local host.
type Agent struct {
	logger zerolog.Logger
	cfg    *config.AgentConfig
	opts   AgentOptions
	tracer trace.Tracer
	now    func() time.Time
}

// NewAgent creates an agent for cfg.
func NewAgent(logger zerolog.Logger, cfg *config.AgentConfig, opts AgentOptions) *Agent {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Agent{
		logger: logger.With().Str("component", "agent").Logger(),
		cfg:    cfg,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Run prepares a session, evaluates it and closes it.
func (a *Agent) Run(ctx context.Context) (*Summary, error) {
	s, err := a.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Failed to close session")
		}
	}()
	return s.Evaluate(ctx)
}

// Session is a prepared run: state opened and locked, facts and augments
// installed and policy loaded, but no promise evaluated yet.
type Session struct {
	ID         string
	Context    *EvalContext
	Policy     *policy.Policy
	Violations []Violation
	Dirs       *WorkDirs

	agent     *Agent
	state     stores.Store
	ownsState bool
	lock      *stores.FileLock
}

// Prepare runs everything up to promise evaluation. The returned session
// holds the state lock until it is closed.
func (a *Agent) Prepare(ctx context.Context) (_ *Session, err error) {
	dirs, err := CheckWorkDirs(a.cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:    uuid.New().String(),
		Dirs:  dirs,
		agent: a,
		state: a.opts.State,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	lock, err := stores.AcquireLock(dirs.LockPath())
	if err != nil {
		code := ErrCodeWorkdir
		if errors.Is(err, stores.ErrLocked) {
			code = ErrCodeLocked
		}
		return nil, NewFatalError("failed to acquire state lock", err).WithCode(code)
	}
	s.lock = lock

	if s.state == nil {
		st, err := stores.NewSQLiteStore(stores.Config{Path: dirs.StatePath()})
		if err != nil {
			return nil, NewFatalError("failed to open state store", err).WithCode(ErrCodeStateStore)
		}
		s.state, s.ownsState = st, true
		if err := st.Init(ctx); err != nil {
			return nil, NewFatalError("failed to initialize state store", err).WithCode(ErrCodeStateStore)
		}
	}
	if err := s.state.Migrate(ctx); err != nil {
		return nil, NewFatalError("failed to migrate state store", err).WithCode(ErrCodeStateStore)
	}

	ec := NewEvalContext(a.logger)
	s.Context = ec

	if err := a.installFacts(ctx, ec); err != nil {
		return nil, err
	}
	a.installPersistentClasses(ctx, s.state, ec)

	extra, err := a.loadAugments(ctx, ec)
	if err != nil {
		return nil, err
	}

	for _, name := range a.opts.Negate {
		name = store.Canonify(name)
		if ec.Store.RemoveClass(name) {
			a.logger.Debug().Str("class", name).Msg("Class negated on the command line")
		} else if c, ok := ec.Store.GetClass(name); ok && c.Hard {
			a.logger.Warn().Str("class", name).Msg("Hard classes cannot be negated")
		}
	}

	if err := a.loadFunctions(ec); err != nil {
		return nil, err
	}

	p, err := a.loadPolicy(append(append([]string{}, a.cfg.Inputs...), extra...))
	if err != nil {
		return nil, err
	}
	s.Policy = p

	if s.Violations, err = a.checkGuardrails(ctx, p); err != nil {
		return nil, err
	}
	return s, nil
}

// Report is the result of validating policy without evaluating it.
type Report struct {
	Policy     *policy.Policy
	Graph      *policy.CallGraph
	Violations []Violation
}

// Validate loads the configured inputs and checks them against the
// registered promise types and the guardrails. It needs no work directory.
func (a *Agent) Validate(ctx context.Context) (*Report, error) {
	p, err := a.loadPolicy(a.cfg.Inputs)
	if err != nil {
		return nil, err
	}
	r := &Report{Policy: p, Graph: policy.BuildCallGraph(p)}
	r.Violations, err = a.checkGuardrails(ctx, p)
	return r, err
}

func (a *Agent) installFacts(ctx context.Context, ec *EvalContext) error {
	if a.opts.Facts != nil {
		f, err := a.opts.Facts.Discover(ctx)
		if err != nil {
			return NewFatalError("failed to discover facts", err)
		}
		classes, vars := f.Install(ec.Store)
		a.logger.Debug().Int("classes", classes).Int("vars", vars).Msg("Installed facts")
	}

	tags := store.NewTags(store.TagSourceAgent, "source=command_line_option")
	for _, name := range a.opts.Define {
		ec.Store.PutClassHard(store.Canonify(name), tags, "")
	}
	return nil
}

// installPersistentClasses drops expired persistent classes and defines the
// rest as soft classes.
func (a *Agent) installPersistentClasses(ctx context.Context, st stores.Store, ec *EvalContext) {
	now := a.now()
	if n, err := st.DeleteExpiredClasses(ctx, now); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to delete expired persistent classes")
	} else if n > 0 {
		a.logger.Debug().Int64("count", n).Msg("Deleted expired persistent classes")
	}

	classes, err := st.ListPersistentClasses(ctx, now)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list persistent classes")
		return
	}
	for _, c := range classes {
		tags := store.ParseTags(c.Tags).With(store.TagSourcePersistent)
		ec.Store.PutClassSoft(c.Name, store.ScopeNamespace, tags, "")
	}
	if len(classes) > 0 {
		a.logger.Debug().Int("count", len(classes)).Msg("Installed persistent classes")
	}
}

// loadAugments installs def.json from the input directory and returns the
// extra policy inputs it names.
func (a *Agent) loadAugments(ctx context.Context, ec *EvalContext) ([]string, error) {
	if !a.cfg.Augments.Enabled {
		return nil, nil
	}
	dir := InputDir(a.cfg.Inputs)
	l := augments.NewLoader(a.logger, ec.Store, ec.Expander, ec.Classes, a.cfg.Augments.MaxDepth)
	res, err := l.LoadDefault(ctx, dir, a.cfg.Augments.IgnorePreferred)
	if err != nil {
		return nil, NewPolicyError("failed to load augments", err).WithCode(ErrCodeValidation)
	}
	if len(res.Files) > 0 {
		a.logger.Info().
			Strs("files", res.Files).
			Int("vars", res.Vars).
			Int("classes", res.Classes).
			Msg("Loaded augments")
	}

	inputs := make([]string, 0, len(res.Inputs))
	for _, in := range res.Inputs {
		if !filepath.IsAbs(in) {
			in = filepath.Join(dir, in)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (a *Agent) loadFunctions(ec *EvalContext) error {
	if len(a.cfg.Functions.Dirs) == 0 {
		return nil
	}
	loader := functions.NewStarlarkLoader(ec.Functions, a.cfg.Functions.Duration())
	for _, dir := range a.cfg.Functions.Dirs {
		names, err := loader.LoadDir(dir)
		if err != nil {
			return NewPolicyError(fmt.Sprintf("failed to load functions from %s", dir), err).WithCode(ErrCodeValidation)
		}
		if len(names) > 0 {
			a.logger.Debug().Str("dir", dir).Strs("functions", names).Msg("Loaded functions")
		}
	}
	return nil
}

func (a *Agent) loadPolicy(paths []string) (*policy.Policy, error) {
	p, err := policy.NewLoader(a.logger).LoadPaths(paths)
	if err != nil {
		return nil, NewPolicyError("failed to load policy", err).WithCode(ErrCodeValidation)
	}

	issues := policy.Validate(p, policy.ValidateOptions{
		KnownTypes:     a.opts.Registry.Types(),
		BundleSequence: a.cfg.BundleSequence,
	})
	if len(issues) > 0 {
		for _, issue := range issues {
			a.logger.Error().Str("location", issue.Location.String()).Msg(issue.Message)
		}
		return nil, NewPolicyError(fmt.Sprintf("policy has %d validation errors", len(issues)), &policy.LoadError{Errors: issues}).
			WithCode(ErrCodeValidation)
	}
	return p, nil
}

func (a *Agent) checkGuardrails(ctx context.Context, p *policy.Policy) ([]Violation, error) {
	if a.opts.Guardrails == nil {
		return nil, nil
	}
	violations, err := a.opts.Guardrails.Check(ctx, p)
	if err != nil {
		return nil, NewPolicyError("failed to evaluate guardrails", err).WithCode(ErrCodeGuardrail)
	}
	for _, v := range violations {
		a.logger.Warn().
			Str("rule", v.Rule).
			Str("severity", v.Severity).
			Str("location", v.Location).
			Msg(v.Message)
	}
	if len(violations) > 0 && a.cfg.Guardrails.OnViolation == "fail" {
		return violations, NewPolicyError(fmt.Sprintf("policy violates %d guardrails", len(violations)), nil).
			WithCode(ErrCodeGuardrail)
	}
	return violations, nil
}

// Evaluate runs the bundle sequence and records the run in the state store.
// An interrupted run still returns its summary together with the error.
func (s *Session) Evaluate(ctx context.Context) (*Summary, error) {
	a := s.agent
	ctx, span := a.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", s.ID),
		attribute.Bool("run.dry_run", a.cfg.DryRun),
	))
	defer span.End()

	ev := NewEvaluator(a.logger, s.Context, s.Policy, a.opts.Registry, s.state, a.opts.Recorder, Options{
		BundleSequence:  a.cfg.BundleSequence,
		TypeOrder:       a.cfg.TypeOrder,
		MaxPasses:       a.cfg.MaxPasses,
		DryRun:          a.cfg.DryRun,
		AllowDuplicates: a.cfg.AllowDuplicates,
		RunID:           s.ID,
	})

	summary := &Summary{
		RunID:          s.ID,
		Status:         stores.RunStatusRunning,
		BundleSequence: ev.Sequence(),
		StartedAt:      a.now(),
		DryRun:         a.cfg.DryRun,
	}
	run := &stores.Run{
		ID:        s.ID,
		Status:    stores.RunStatusRunning,
		Policy:    strings.Join(summary.BundleSequence, ","),
		StartedAt: summary.StartedAt,
		Metadata:  "{}",
	}
	if err := s.state.CreateRun(ctx, run); err != nil {
		return nil, NewFatalError("failed to record run", err).WithCode(ErrCodeStateStore)
	}

	if d := a.cfg.TimeboxDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	a.logger.Info().
		Str("run_id", s.ID).
		Strs("bundlesequence", summary.BundleSequence).
		Bool("dry_run", a.cfg.DryRun).
		Msg("Starting run")

	counters, runErr := ev.Run(ctx)

	summary.FinishedAt = a.now()
	summary.Counters = counters
	summary.Compliance = counters.Compliance()
	summary.Bundles = ev.Tracker().Bundles()
	summary.Status = stores.RunStatusCompleted
	if runErr != nil {
		summary.Status = stores.RunStatusFailed
		var ee *EvalError
		if errors.As(runErr, &ee) && (ee.Code == ErrCodeTimeout || ee.Code == ErrCodeCancelled) {
			summary.Status = stores.RunStatusCancelled
		}
		summary.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(
		attribute.String("run.status", string(summary.Status)),
		attribute.Float64("run.compliance", summary.Compliance),
	)

	s.finishRun(context.WithoutCancel(ctx), run, summary)
	a.opts.Recorder.RecordRun(summary)

	a.logger.Info().
		Str("run_id", s.ID).
		Str("status", string(summary.Status)).
		Int("kept", counters.Kept).
		Int("repaired", counters.Repaired).
		Int("not_kept", counters.NotKept).
		Int("failed", counters.Failed).
		Int("denied", counters.Denied).
		Float64("compliance", summary.Compliance).
		Dur("duration", summary.Duration()).
		Msg("Run finished")

	return summary, runErr
}

func (s *Session) finishRun(ctx context.Context, run *stores.Run, summary *Summary) {
	completed := summary.FinishedAt
	run.Status = summary.Status
	run.CompletedAt = &completed
	run.Kept = summary.Counters.Kept
	run.Repaired = summary.Counters.Repaired
	run.NotKept = summary.Counters.NotKept
	run.Failed = summary.Counters.Failed
	run.Denied = summary.Counters.Denied
	if summary.Error != "" {
		msg := summary.Error
		run.Error = &msg
	}
	if meta, err := json.Marshal(map[string]any{
		"dry_run":    summary.DryRun,
		"compliance": summary.Compliance,
		"skipped":    summary.Counters.Skipped,
		"bundles":    summary.Bundles,
	}); err == nil {
		run.Metadata = string(meta)
	}
	if err := s.state.FinishRun(ctx, run); err != nil {
		s.agent.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run result")
	}
}

// State returns the state store of the session.
func (s *Session) State() stores.Store {
	return s.state
}

// Close stops promise modules, releases the state lock and closes the state
// store when the session opened it.
func (s *Session) Close() error {
	var errs []error
	if s.agent.opts.Registry != nil {
		if err := s.agent.opts.Registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsState && s.state != nil {
		if err := s.state.Close(); err != nil {
			errs = append(errs, err)
		}
		s.state = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

// InputDir is the directory augments are looked up in: the first input, or
// its directory when it is a file.
func InputDir(inputs []string) string {
	if len(inputs) == 0 {
		return "."
	}
	first := inputs[0]
	if info, err := os.Stat(first); err == nil && info.IsDir() {
		return first
	}
	return filepath.Dir(first)
}
