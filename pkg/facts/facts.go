// Package facts discovers properties of the local host and turns them into
// hard classes and sys variables.
package facts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// Facts is the result of discovery.
type Facts struct {
	// Classes are hard classes, already canonified.
	Classes []string

	// Vars are sys.* variables keyed by name.
	Vars map[string]rval.Rval

	CollectedAt time.Time
}

// Provider discovers facts.
type Provider interface {
	Discover(ctx context.Context) (*Facts, error)
}

// New returns an empty fact set.
func New() *Facts {
	return &Facts{Vars: make(map[string]rval.Rval), CollectedAt: time.Now()}
}

// AddClass adds a canonified hard class once.
func (f *Facts) AddClass(name string) {
	name = store.Canonify(name)
	if name == "" {
		return
	}
	for _, c := range f.Classes {
		if c == name {
			return
		}
	}
	f.Classes = append(f.Classes, name)
}

// SetVar sets a sys variable.
func (f *Facts) SetVar(name string, value rval.Rval) {
	f.Vars[name] = value
}

// SetString sets a scalar sys variable unless value is empty.
func (f *Facts) SetString(name, value string) {
	if value == "" {
		return
	}
	f.Vars[name] = rval.Scalar(value)
}

// VarNames returns the variable names in sorted order.
func (f *Facts) VarNames() []string {
	names := make([]string, 0, len(f.Vars))
	for n := range f.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Install writes the facts into st as hard classes tagged source=agent and
// sys variables. It returns the number of classes and variables written.
func (f *Facts) Install(st *store.Store) (int, int) {
	tags := store.NewTags(store.TagSourceAgent, "inventory")
	classes := 0
	for _, c := range f.Classes {
		if st.PutClassHard(c, tags, "discovered") {
			classes++
		}
	}
	vars := 0
	for _, name := range f.VarNames() {
		ref := store.VarRef{Namespace: store.DefaultNamespace, Scope: store.ScopeSys, Name: name}
		if st.PutVariable(ref, expand.EscapeRval(f.Vars[name]), rval.TypeNone, tags, "") {
			vars++
		}
	}
	return classes, vars
}

// timeClasses returns the time based classes for t, e.g. Monday, Hr14,
// Min30, Min30_35, Q3, Yr2026, October, Day19, Morning.
func timeClasses(t time.Time) []string {
	minute := t.Minute()
	lower := minute - minute%5
	classes := []string{
		t.Weekday().String(),
		fmt.Sprintf("Hr%02d", t.Hour()),
		fmt.Sprintf("Hr%02d_Q%d", t.Hour(), minute/15+1),
		fmt.Sprintf("Min%02d", minute),
		fmt.Sprintf("Min%02d_%02d", lower, (lower+5)%60),
		fmt.Sprintf("Q%d", minute/15+1),
		fmt.Sprintf("Yr%d", t.Year()),
		t.Month().String(),
		fmt.Sprintf("Day%d", t.Day()),
		shift(t.Hour()),
	}
	return classes
}

func shift(hour int) string {
	switch {
	case hour < 6:
		return "Night"
	case hour < 12:
		return "Morning"
	case hour < 18:
		return "Afternoon"
	}
	return "Evening"
}

// Static is a Provider returning fixed facts. It is used with --define and
// in tests.
type Static struct {
	Facts *Facts
}

// Discover returns a copy of the fixed facts.
func (s Static) Discover(_ context.Context) (*Facts, error) {
	out := New()
	if s.Facts == nil {
		return out, nil
	}
	out.Classes = append(out.Classes, s.Facts.Classes...)
	for k, v := range s.Facts.Vars {
		out.Vars[k] = v.Copy()
	}
	return out, nil
}

// Chain runs providers in order and merges their facts. Later providers add
// classes and override variables.
type Chain []Provider

// Discover merges the result of every provider.
func (c Chain) Discover(ctx context.Context) (*Facts, error) {
	out := New()
	for _, p := range c {
		f, err := p.Discover(ctx)
		if err != nil {
			return nil, err
		}
		for _, cl := range f.Classes {
			out.AddClass(cl)
		}
		for k, v := range f.Vars {
			out.Vars[k] = v
		}
	}
	return out, nil
}

func canonJoin(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return store.Canonify(strings.Join(kept, "_"))
}
