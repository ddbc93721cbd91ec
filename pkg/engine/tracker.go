package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/store"
	"github.com/openfroyo/converge/pkg/stores"
)

// Global classes reporting the outcome of any promise in the run.
const (
	ClassPromiseKept     = "promise_kept"
	ClassPromiseRepaired = "promise_repaired"
	ClassPromiseFailed   = "promise_failed"
)

// Attributes of a classes body.
const (
	bodyPromiseKept     = "promise_kept"
	bodyPromiseRepaired = "promise_repaired"
	bodyRepairFailed    = "repair_failed"
	bodyRepairDenied    = "repair_denied"
	bodyRepairTimeout   = "repair_timeout"
	bodyCancelKept      = "cancel_kept"
	bodyCancelRepaired  = "cancel_repaired"
	bodyCancelNotKept   = "cancel_notkept"
	bodyPersistTime     = "persist_time"
	bodyTimerPolicy     = "timer_policy"
	bodyScope           = "scope"
)

// BundleSummary holds the counters of one bundle over the run.
type BundleSummary struct {
	Name     string   `json:"name"`
	Calls    int      `json:"calls"`
	Counters Counters `json:"counters"`
}

// Tracker counts outcomes for a run and defines the classes that feed them
// back to later promises. It persists nothing itself: persistent classes
// requested by a promise are handed to the state store.
type Tracker struct {
	logger  zerolog.Logger
	ec      *EvalContext
	persist stores.Store
	now     func() time.Time

	total   Counters
	bundles map[string]*BundleSummary
	order   []string
}

// NewTracker creates a tracker. persist may be nil, in which case requests
// for persistent classes define ordinary soft classes.
func NewTracker(logger zerolog.Logger, ec *EvalContext, persist stores.Store) *Tracker {
	return &Tracker{
		logger:  logger.With().Str("component", "tracker").Logger(),
		ec:      ec,
		persist: persist,
		now:     time.Now,
		bundles: make(map[string]*BundleSummary),
	}
}

// Totals returns the run counters.
func (t *Tracker) Totals() Counters {
	return t.total
}

// Bundles returns the per bundle summaries in first-seen order.
func (t *Tracker) Bundles() []BundleSummary {
	out := make([]BundleSummary, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.bundles[name])
	}
	return out
}

func (t *Tracker) bundle(name string) *BundleSummary {
	b, ok := t.bundles[name]
	if !ok {
		b = &BundleSummary{Name: name}
		t.bundles[name] = b
		t.order = append(t.order, name)
	}
	return b
}

// Record counts the outcome of an instance into the run, its bundle and
// counters, then defines the outcome classes. err is the handler error, if
// any; a deadline error selects the repair_timeout classes.
func (t *Tracker) Record(ctx context.Context, inst *Instance, o Outcome, err error, counters *Counters) {
	t.total.Add(o)
	t.bundle(inst.Bundle).Counters.Add(o)
	if counters != nil {
		counters.Add(o)
	}

	tags := store.NewTags(store.TagSourcePromise, "outcome")
	if promiser := store.Canonify(inst.Promiser); promiser != "" {
		t.ec.Store.PutClassSoft(promiser+"_"+o.ClassSuffix(), store.ScopeNamespace, tags, "")
	}
	switch o {
	case OutcomeUnchanged:
		t.ec.Store.PutClassSoft(ClassPromiseKept, store.ScopeNamespace, tags, "")
	case OutcomeRepaired:
		t.ec.Store.PutClassSoft(ClassPromiseRepaired, store.ScopeNamespace, tags, "")
	case OutcomeFailed:
		t.ec.Store.PutClassSoft(ClassPromiseFailed, store.ScopeNamespace, tags, "")
	}

	if body, ok := inst.Body("classes"); ok {
		t.applyClassesBody(ctx, inst, body, o, errors.Is(err, context.DeadlineExceeded))
	}
}

// Count counts an outcome without defining outcome classes. It is used for
// vars and classes promises and for promises that never reached a handler.
func (t *Tracker) Count(bundle string, o Outcome, counters *Counters) {
	t.total.Add(o)
	t.bundle(bundle).Counters.Add(o)
	if counters != nil {
		counters.Add(o)
	}
}

// NotKept counts an instance that never reached a handler, such as a
// promise whose references stayed unresolved.
func (t *Tracker) NotKept(bundle string, counters *Counters) {
	t.Count(bundle, OutcomeNotKept, counters)
}

// Skip counts an instance whose guard was false. Skipped instances are not
// part of compliance.
func (t *Tracker) Skip(bundle string, counters *Counters) {
	t.total.Skipped++
	t.bundle(bundle).Counters.Skipped++
	if counters != nil {
		counters.Skipped++
	}
}

// FinishBundle defines the classes summarising one bundle invocation:
// <bundle>_reached always, <bundle>_repaired and <bundle>_failed when any
// promise was repaired or failed, and <bundle>_kept when nothing failed,
// was denied or was left not kept.
func (t *Tracker) FinishBundle(name string, c Counters) {
	t.bundle(name).Calls++

	prefix := store.Canonify(name)
	tags := store.NewTags(store.TagSourcePromise, "bundle_outcome")
	define := func(suffix string) {
		t.ec.Store.PutClassSoft(prefix+"_"+suffix, store.ScopeNamespace, tags, "")
	}

	define("reached")
	if c.Repaired > 0 {
		define("repaired")
	}
	if c.Failed > 0 {
		define("failed")
	}
	if c.Failed+c.NotKept+c.Denied == 0 {
		define("kept")
	}
}

func (t *Tracker) applyClassesBody(ctx context.Context, inst *Instance, body Attributes, o Outcome, timedOut bool) {
	var define, cancel []string
	switch o {
	case OutcomeUnchanged:
		define = body.List(bodyPromiseKept)
		cancel = body.List(bodyCancelKept)
	case OutcomeRepaired:
		define = body.List(bodyPromiseRepaired)
		cancel = body.List(bodyCancelRepaired)
	case OutcomeFailed:
		if timedOut {
			define = body.List(bodyRepairTimeout)
		} else {
			define = body.List(bodyRepairFailed)
		}
		cancel = body.List(bodyCancelNotKept)
	case OutcomeDenied:
		define = body.List(bodyRepairDenied)
		cancel = body.List(bodyCancelNotKept)
	case OutcomeNotKept:
		cancel = body.List(bodyCancelNotKept)
	}

	scope := store.ScopeNamespace
	if body.String(bodyScope, "") == "bundle" {
		scope = store.ScopeBundle
	}
	persistFor, err := body.Int(bodyPersistTime, 0)
	if err != nil {
		t.logger.Warn().Err(err).Str("promise", inst.Handle()).Msg("Ignoring persist_time")
	}
	policy := stores.PersistReset
	if body.String(bodyTimerPolicy, "") == "absolute" {
		policy = stores.PersistPreserve
	}

	tags := store.NewTags(store.TagSourcePromise)
	for _, name := range define {
		name = store.Canonify(name)
		if name == "" {
			continue
		}
		t.ec.Store.PutClassSoft(name, scope, tags, "")
		if persistFor > 0 {
			t.Persist(ctx, name, time.Duration(persistFor)*time.Minute, policy, tags)
		}
	}
	for _, name := range cancel {
		if t.ec.Store.RemoveClass(store.Canonify(name)) {
			t.logger.Debug().Str("class", name).Str("promise", inst.Handle()).Msg("Cancelled class")
		}
	}
}

// Persist records a class in the state store so that later runs define it
// until ttl has passed.
func (t *Tracker) Persist(ctx context.Context, name string, ttl time.Duration, policy stores.PersistPolicy, tags store.Tags) {
	if t.persist == nil {
		return
	}
	now := t.now()
	class := &stores.PersistentClass{
		Name:      qualifiedClassName(t.ec.Store.CurrentNamespace(), name),
		Tags:      strings.Join(tags, ","),
		Policy:    policy,
		SetAt:     now,
		ExpiresAt: now.Add(ttl),
	}
	if err := t.persist.PutPersistentClass(ctx, class); err != nil {
		t.logger.Error().Err(err).Str("class", class.Name).Msg("Failed to persist class")
		return
	}
	t.logger.Debug().
		Str("class", class.Name).
		Str("ttl", strconv.Itoa(int(ttl.Minutes()))+"m").
		Msg("Persisted class")
}

func qualifiedClassName(namespace, name string) string {
	if strings.Contains(name, ":") || namespace == "" || namespace == store.DefaultNamespace {
		return name
	}
	return namespace + ":" + name
}
