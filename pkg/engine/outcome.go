package engine

import (
	"fmt"
	"strings"
)

// Outcome is the result of evaluating one promise instance.
type Outcome int

const (
	// OutcomeUnchanged means the promise was already kept.
	OutcomeUnchanged Outcome = iota
	// OutcomeRepaired means the handler changed the system to keep the promise.
	OutcomeRepaired
	// OutcomeFailed means the handler tried and could not keep the promise.
	OutcomeFailed
	// OutcomeNotKept means the promise was not evaluated: guard false,
	// unresolved references or a policy error.
	OutcomeNotKept
	// OutcomeDenied means the handler refused to act, for example in dry-run mode.
	OutcomeDenied
)

var outcomeNames = [...]string{"unchanged", "repaired", "failed", "not_kept", "denied"}

// String returns the outcome name.
func (o Outcome) String() string {
	if int(o) < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// ClassSuffix returns the suffix of the class defined for a promiser with
// this outcome.
func (o Outcome) ClassSuffix() string {
	if o == OutcomeUnchanged {
		return "kept"
	}
	return o.String()
}

// ParseOutcome parses an outcome name, accepting "kept" for unchanged.
func ParseOutcome(s string) (Outcome, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "kept" {
		return OutcomeUnchanged, nil
	}
	for i, name := range outcomeNames {
		if name == s {
			return Outcome(i), nil
		}
	}
	return OutcomeNotKept, fmt.Errorf("unknown outcome %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Counters holds outcome counts.
type Counters struct {
	Kept     int `json:"kept"`
	Repaired int `json:"repaired"`
	NotKept  int `json:"not_kept"`
	Failed   int `json:"failed"`
	Denied   int `json:"denied"`
	Skipped  int `json:"skipped"`
}

// Add counts one outcome.
func (c *Counters) Add(o Outcome) {
	switch o {
	case OutcomeUnchanged:
		c.Kept++
	case OutcomeRepaired:
		c.Repaired++
	case OutcomeFailed:
		c.Failed++
	case OutcomeNotKept:
		c.NotKept++
	case OutcomeDenied:
		c.Denied++
	}
}

// Merge adds the counts of other.
func (c *Counters) Merge(other Counters) {
	c.Kept += other.Kept
	c.Repaired += other.Repaired
	c.NotKept += other.NotKept
	c.Failed += other.Failed
	c.Denied += other.Denied
	c.Skipped += other.Skipped
}

// Total returns the number of counted outcomes. Skipped instances are not
// counted.
func (c Counters) Total() int {
	return c.Kept + c.Repaired + c.NotKept + c.Failed + c.Denied
}

// Compliance returns the share of counted promises that ended kept or
// repaired, as a percentage. An empty run is fully compliant.
func (c Counters) Compliance() float64 {
	total := c.Total()
	if total == 0 {
		return 100
	}
	return 100 * float64(c.Kept+c.Repaired) / float64(total)
}
