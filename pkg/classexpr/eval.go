package classexpr

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Membership is the class set an expression is evaluated against.
type Membership interface {
	HasClass(name string) bool
	ClassesMatching(pattern string) ([]string, error)
}

func (l *Leaf) eval(m Membership) (bool, error) {
	if l.Name == "any" {
		return true, nil
	}
	if !l.Wildcard {
		return m.HasClass(l.Name), nil
	}
	matches, err := m.ClassesMatching(GlobToRegexp(l.Name))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (n *Not) eval(m Membership) (bool, error) {
	v, err := n.X.eval(m)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (a *And) eval(m Membership) (bool, error) {
	for _, t := range a.Terms {
		v, err := t.eval(m)
		if err != nil {
			return false, err
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}

func (o *Or) eval(m Membership) (bool, error) {
	for _, t := range o.Terms {
		v, err := t.eval(m)
		if err != nil {
			return false, err
		}
		if v {
			return true, nil
		}
	}
	return false, nil
}

// Eval evaluates a parsed expression.
func Eval(expr Expr, m Membership) (bool, error) {
	return expr.eval(m)
}

// GlobToRegexp converts a class wildcard into the regular expression syntax
// understood by ClassesMatching: * matches any run, ? one character and
// [...] a character class.
func GlobToRegexp(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '[':
			end := strings.IndexByte(glob[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(glob[i:]))
				return b.String()
			}
			b.WriteString(glob[i : i+end+1])
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// Evaluator evaluates expression strings and reports each malformed
// expression once. Malformed expressions evaluate to false.
type Evaluator struct {
	logger zerolog.Logger

	mu       sync.Mutex
	parsed   map[string]Expr
	reported map[string]error
}

// NewEvaluator creates an evaluator with a parse cache.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		logger:   logger.With().Str("component", "classexpr").Logger(),
		parsed:   make(map[string]Expr),
		reported: make(map[string]error),
	}
}

// Evaluate parses (with caching) and evaluates expr against m. Any error
// yields false; the error is returned so callers can attach context.
func (e *Evaluator) Evaluate(expr string, m Membership) (bool, error) {
	parsed, err := e.parse(expr)
	if err != nil {
		return false, err
	}
	v, err := parsed.eval(m)
	if err != nil {
		e.report(expr, err)
		return false, err
	}
	return v, nil
}

func (e *Evaluator) parse(expr string) (Expr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.parsed[expr]; ok {
		return p, nil
	}
	if err, ok := e.reported[expr]; ok {
		return nil, err
	}
	p, err := Parse(expr)
	if err != nil {
		e.reported[expr] = err
		e.logger.Error().Err(err).Str("expression", expr).Msg("Malformed class expression, treating as false")
		return nil, err
	}
	e.parsed[expr] = p
	return p, nil
}

func (e *Evaluator) report(expr string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.reported[expr]; ok {
		return
	}
	e.reported[expr] = err
	e.logger.Error().Err(err).Str("expression", expr).Msg("Class expression evaluation failed, treating as false")
}
