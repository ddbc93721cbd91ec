package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads rules from .rego files and JSON rule definitions.
//
// A .rego file becomes a rule named after the file. Its leading comment
// block is the description, except for a "# severity: <level>" line which
// sets the severity (warning by default).
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadFromPaths loads rules from a list of file or directory paths.
// Directories are walked recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Rule, error) {
	var all []Rule
	for _, path := range paths {
		rules, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, rules...)
	}
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		rule, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Rule{*rule}, nil
	}

	var rules []Rule
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(p, ".rego") || strings.HasSuffix(p, ".json")) {
			return nil
		}
		rule, err := l.loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load rule file")
			return nil
		}
		rules = append(rules, *rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return rules, nil
}

func (l *Loader) loadFromFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rule *Rule
	switch {
	case strings.HasSuffix(path, ".rego"):
		rule = parseRegoFile(path, string(data))
	case strings.HasSuffix(path, ".json"):
		if rule, err = parseJSONFile(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	rule.Source = path

	l.logger.Debug().Str("path", path).Str("rule", rule.Name).Msg("Rule loaded from file")
	return rule, nil
}

func parseRegoFile(path, src string) *Rule {
	rule := &Rule{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     src,
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var desc []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && len(desc) > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			rule.Severity = Severity(strings.TrimSpace(sev))
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	rule.Description = strings.Join(desc, " ")
	return rule
}

func parseJSONFile(data []byte) (*Rule, error) {
	rule := Rule{Enabled: true}
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse JSON rule: %w", err)
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("JSON rule has no name")
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	return &rule, nil
}
