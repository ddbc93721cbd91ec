package rules

import (
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// Severity is the severity of a guardrail violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that should block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that must be fixed immediately.
	SeverityCritical Severity = "critical"
)

// Rule is a Rego module whose deny set lists violations.
type Rule struct {
	// Name is the unique name of the rule.
	Name string `json:"name"`

	// Description is a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego source.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the rule is checked.
	Enabled bool `json:"enabled"`

	// Source is the file the rule was loaded from, empty for builtin rules.
	Source string `json:"source,omitempty"`
}

// NewInput converts a policy into the input document seen by rules:
//
//	{
//	  "bundlesequence": ["main"],
//	  "bundles": [{"name": "main", "namespace": "default", "type": "agent",
//	               "parameters": [], "location": "promises.yaml:3",
//	               "promises": [{"type": "files", "promiser": "/etc/motd",
//	                             "attributes": {"create": "true"},
//	                             "location": "promises.yaml:5"}]}],
//	  "bodies": [{"name": "p", "namespace": "default", "type": "perms",
//	              "attributes": {"mode": "0600"}, "location": "..."}]
//	}
//
// Scalars are strings, lists are arrays and function calls are rendered as
// source text.
func NewInput(p *policy.Policy) map[string]any {
	bundles := make([]any, 0, len(p.Bundles))
	for _, b := range p.Bundles {
		promises := make([]any, 0, len(b.Promises))
		for _, pr := range b.Promises {
			promises = append(promises, map[string]any{
				"type":       pr.Type,
				"promiser":   pr.Promiser,
				"attributes": attributes(pr.Attributes),
				"location":   pr.Location.String(),
			})
		}
		bundles = append(bundles, map[string]any{
			"name":       b.Name,
			"namespace":  namespace(b.Namespace),
			"type":       string(b.Type),
			"parameters": stringList(b.Parameters),
			"promises":   promises,
			"location":   b.Location.String(),
		})
	}

	bodies := make([]any, 0, len(p.Bodies))
	for _, b := range p.Bodies {
		bodies = append(bodies, map[string]any{
			"name":       b.Name,
			"namespace":  namespace(b.Namespace),
			"type":       b.Type,
			"parameters": stringList(b.Parameters),
			"attributes": attributes(b.Attributes),
			"location":   b.Location.String(),
		})
	}

	return map[string]any{
		"bundlesequence": stringList(p.BundleSequence),
		"bundles":        bundles,
		"bodies":         bodies,
	}
}

func attributes(attrs []policy.Attribute) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[a.Name] = value(a.Value)
	}
	return out
}

func value(v rval.Rval) any {
	if s, ok := v.AsScalar(); ok {
		return s
	}
	if items, ok := v.AsList(); ok {
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = value(item)
		}
		return list
	}
	if n, ok := v.AsContainer(); ok {
		return n.ToAny()
	}
	return v.String()
}

func stringList(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func namespace(ns string) string {
	if ns == "" {
		return store.DefaultNamespace
	}
	return ns
}
