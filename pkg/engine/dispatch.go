package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

const tracerName = "github.com/openfroyo/converge/pkg/engine"

// Attributes of an action body, also accepted directly on a promise.
const (
	actionIfElapsed   = "ifelapsed"
	actionExpireAfter = "expireafter"
	actionPolicy      = "action_policy"
)

// DispatchOptions configures a Dispatcher.
type DispatchOptions struct {
	RunID           string
	DryRun          bool
	AllowDuplicates bool
}

// Dispatcher hands expanded instances to their handlers. It checks the
// instance guard, suppresses duplicates, applies ifelapsed throttling
// through the lock store and forwards every outcome to the tracker.
type Dispatcher struct {
	logger   zerolog.Logger
	ec       *EvalContext
	registry *Registry
	builtin  map[string]Handler
	locks    stores.Store
	tracker  *Tracker
	recorder Recorder
	tracer   trace.Tracer
	opts     DispatchOptions
	now      func() time.Time

	// done holds the outcome of every action instance evaluated in the run.
	done map[string]Outcome

	// seen counts the occurrences of each instance in the current bundle
	// pass. Allowed duplicates are kept apart in done by occurrence.
	seen   map[string]int
	warned map[string]bool
}

// NewDispatcher creates a dispatcher. locks and recorder may be nil.
func NewDispatcher(logger zerolog.Logger, ec *EvalContext, registry *Registry, tracker *Tracker, locks stores.Store, recorder Recorder, opts DispatchOptions) *Dispatcher {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		logger:   logger.With().Str("component", "dispatch").Logger(),
		ec:       ec,
		registry: registry,
		builtin:  make(map[string]Handler),
		locks:    locks,
		tracker:  tracker,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
		opts:     opts,
		now:      time.Now,
		done:     make(map[string]Outcome),
		seen:     make(map[string]int),
		warned:   make(map[string]bool),
	}
}

// BeginPass starts a new bundle pass for duplicate detection.
func (d *Dispatcher) BeginPass() {
	d.seen = make(map[string]int)
}

// Done reports whether the instance was already evaluated in this run.
func (d *Dispatcher) Done(id string) (Outcome, bool) {
	o, ok := d.done[id]
	return o, ok
}

func (d *Dispatcher) handler(t string) (Handler, bool) {
	if h, ok := d.builtin[t]; ok {
		return h, true
	}
	return d.registry.Lookup(t)
}

// Execute evaluates one instance and returns its outcome. guard is the
// expanded class guard; an empty guard is true and a false guard returns
// NOT_KEPT without calling the handler or counting a failure. An instance
// already evaluated in this run returns its recorded outcome, or NOT_KEPT
// when the first occurrence was skipped. counters
// receives the outcome for the calling bundle invocation.
func (d *Dispatcher) Execute(ctx context.Context, inst *Instance, guard string, counters *Counters) (Outcome, error) {
	log := d.logger.With().Str("promise", inst.Handle()).Logger()

	key := inst.ID
	if n := d.seen[inst.ID]; n > 0 {
		if !d.allowDuplicates(inst) {
			if !d.warned[inst.ID] {
				d.warned[inst.ID] = true
				log.Warn().Str("location", inst.Location.String()).Msg("Duplicate promise instance in bundle, evaluating once")
			}
			if o, ok := d.done[inst.ID]; ok {
				return o, nil
			}
			return OutcomeNotKept, nil
		}
		key = fmt.Sprintf("%s#%d", inst.ID, n)
	}
	d.seen[inst.ID]++
	if o, ok := d.done[key]; ok {
		return o, nil
	}

	if guard != "" {
		ok, err := d.ec.Classes.Evaluate(guard, d.ec.Store)
		if err != nil || !ok {
			log.Debug().Str("guard", guard).Msg("Skipping promise, guard is false")
			d.tracker.Skip(inst.Bundle, counters)
			return OutcomeNotKept, nil
		}
	}

	h, ok := d.handler(inst.Type)
	if !ok {
		err := NewPolicyError(fmt.Sprintf("no handler for promise type %s", inst.Type), nil).
			WithPromise(inst.Handle()).
			WithLocation(inst.Location).
			WithCode(ErrCodeUnknownType)
		log.Error().Err(err).Msg("Promise not kept")
		d.finish(ctx, key, inst, OutcomeNotKept, err, counters, 0)
		return OutcomeNotKept, err
	}

	if o, ok := d.throttled(ctx, inst); ok {
		log.Debug().Str("outcome", o.String()).Msg("Promise evaluated recently, skipping")
		d.done[key] = o
		d.tracker.Record(ctx, inst, o, nil, counters)
		return o, nil
	}

	if d.opts.DryRun || inst.Bodies[policy.AttrAction].String(actionPolicy, inst.String(actionPolicy, "fix")) == "warn" {
		inst.DryRun = true
	}

	hctx := ctx
	if minutes, err := d.actionInt(inst, actionExpireAfter); err != nil {
		log.Warn().Err(err).Msg("Ignoring expireafter")
	} else if minutes > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		defer cancel()
	}

	hctx, span := d.tracer.Start(hctx, "promise "+inst.Type,
		trace.WithAttributes(
			attribute.String("promise.type", inst.Type),
			attribute.String("promise.bundle", inst.Bundle),
			attribute.String("promise.promiser", inst.Promiser),
			attribute.String("promise.id", inst.ID),
			attribute.Bool("promise.dry_run", inst.DryRun),
		),
	)
	defer span.End()

	start := d.now()
	o, err := evaluate(hctx, h, inst)
	duration := d.now().Sub(start)

	switch {
	case err == nil:
	case IsPolicy(err) || IsExpansion(err):
		o = OutcomeNotKept
		span.RecordError(err)
		log.Error().Err(err).Msg("Promise not kept")
	default:
		o = OutcomeFailed
		if hctx.Err() != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		err = NewHandlerError("promise handler failed", err).
			WithPromise(inst.Handle()).
			WithLocation(inst.Location)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("Promise failed")
	}
	span.SetAttributes(attribute.String("promise.outcome", o.String()))

	log.Debug().Str("outcome", o.String()).Dur("duration", duration).Msg("Promise evaluated")
	d.finish(ctx, key, inst, o, err, counters, duration)
	return o, err
}

// evaluate calls the handler, turning a panic into an error so that one
// instance cannot take down the run.
func evaluate(ctx context.Context, h Handler, inst *Instance) (o Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o, err = OutcomeFailed, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Evaluate(ctx, inst)
}

func (d *Dispatcher) finish(ctx context.Context, key string, inst *Instance, o Outcome, err error, counters *Counters, duration time.Duration) {
	d.done[key] = o
	d.tracker.Record(ctx, inst, o, err, counters)
	d.recorder.RecordPromise(inst.Type, o, duration)

	if d.locks == nil || inst.DryRun {
		return
	}
	lock := &stores.PromiseLock{
		ID:          inst.ID,
		PromiseType: inst.Type,
		Bundle:      inst.Bundle,
		Promiser:    inst.Promiser,
		Outcome:     o.String(),
		RunID:       d.opts.RunID,
		LastRunAt:   d.now(),
	}
	if err := d.locks.UpsertLock(ctx, lock); err != nil {
		d.logger.Error().Err(err).Str("promise", inst.Handle()).Msg("Failed to record promise lock")
	}
}

// throttled returns the last outcome of an instance whose ifelapsed period
// has not passed yet.
func (d *Dispatcher) throttled(ctx context.Context, inst *Instance) (Outcome, bool) {
	if d.locks == nil {
		return 0, false
	}
	minutes, err := d.actionInt(inst, actionIfElapsed)
	if err != nil {
		d.logger.Warn().Err(err).Str("promise", inst.Handle()).Msg("Ignoring ifelapsed")
		return 0, false
	}
	if minutes <= 0 {
		return 0, false
	}

	lock, err := d.locks.GetLock(ctx, inst.ID)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			d.logger.Error().Err(err).Str("promise", inst.Handle()).Msg("Failed to read promise lock")
		}
		return 0, false
	}
	if d.now().Sub(lock.LastRunAt) >= time.Duration(minutes)*time.Minute {
		return 0, false
	}
	o, err := ParseOutcome(lock.Outcome)
	if err != nil {
		return 0, false
	}
	return o, true
}

// actionInt reads an integer from the promise, falling back to its action
// body.
func (d *Dispatcher) actionInt(inst *Instance, name string) (int, error) {
	if _, ok := inst.Attributes[name]; ok {
		return inst.Int(name, 0)
	}
	return inst.Bodies[policy.AttrAction].Int(name, 0)
}

func (d *Dispatcher) allowDuplicates(inst *Instance) bool {
	return d.opts.AllowDuplicates || inst.Bool(policy.AttrAllowDuplicates, false)
}
