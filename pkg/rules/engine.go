package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
)

// Engine checks policies against compiled Rego rules. It implements
// engine.Guardrails.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger zerolog.Logger
}

type compiledRule struct {
	rule  *Rule
	query rego.PreparedEvalQuery
}

// NewEngine creates an engine, loaded with the builtin rules when builtin
// is true.
func NewEngine(logger zerolog.Logger, builtin bool) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]*compiledRule),
		logger: logger.With().Str("component", "guardrails").Logger(),
	}
	if !builtin {
		return e, nil
	}

	ctx := context.Background()
	rules := BuiltinRules()
	for i := range rules {
		if err := e.Add(ctx, &rules[i]); err != nil {
			return nil, fmt.Errorf("failed to compile builtin rule %s: %w", rules[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(rules)).Msg("Builtin rules loaded")
	return e, nil
}

// Add compiles a rule and adds it, replacing any rule of the same name.
func (e *Engine) Add(ctx context.Context, rule *Rule) error {
	module, err := ast.ParseModule(rule.Name, rule.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}

	query, err := rego.New(
		rego.Module(rule.Name, rule.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.rules[rule.Name] = &compiledRule{rule: rule, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("rule", rule.Name).Msg("Rule compiled")
	return nil
}

// LoadRules loads and compiles the rules found under paths.
func (e *Engine) LoadRules(ctx context.Context, paths []string) error {
	rules, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for i := range rules {
		if err := e.Add(ctx, &rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(rules)).Msg("Rules loaded")
	return nil
}

// Rules returns the loaded rules sorted by name.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, *cr.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled enables or disables a rule by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("rule not found: %s", name)
	}
	cr.rule.Enabled = enabled
	return nil
}

// Check evaluates every enabled rule against p. A rule that fails to
// evaluate is logged and skipped.
func (e *Engine) Check(ctx context.Context, p *policy.Policy) ([]engine.Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := NewInput(p)
	var violations []engine.Violation
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := e.evaluate(ctx, cr, input)
		if err != nil {
			e.logger.Error().Err(err).Str("rule", cr.rule.Name).Msg("Rule evaluation failed")
			continue
		}
		violations = append(violations, found...)
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Rule != violations[j].Rule {
			return violations[i].Rule < violations[j].Rule
		}
		if violations[i].Location != violations[j].Location {
			return violations[i].Location < violations[j].Location
		}
		return violations[i].Message < violations[j].Message
	})

	e.logger.Debug().
		Int("rules", len(e.rules)).
		Int("violations", len(violations)).
		Msg("Guardrails checked")
	return violations, nil
}

func (e *Engine) evaluate(ctx context.Context, cr *compiledRule, input map[string]any) ([]engine.Violation, error) {
	results, err := cr.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("rule evaluation error: %w", err)
	}

	var violations []engine.Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cr.rule, d))
		}
	}
	return violations, nil
}

// newViolation builds a violation from a deny entry, which is either a
// message string or an object with message, severity and location keys.
func newViolation(rule *Rule, result any) engine.Violation {
	v := engine.Violation{
		Rule:     rule.Name,
		Severity: string(rule.Severity),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = sev
		}
		if loc, ok := r["location"].(string); ok {
			v.Location = loc
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}
