package engine

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/openfroyo/converge/pkg/store"
)

const (
	valueColumn    = 60
	nonPrintable   = "<non-printable>"
	truncateMarker = "..."
)

// ClassRecord is one class in a query result.
type ClassRecord struct {
	Name    string   `json:"name"`
	Hard    bool     `json:"hard"`
	Tags    []string `json:"tags"`
	Comment string   `json:"comment,omitempty"`
}

// VariableRecord is one variable in a query result.
type VariableRecord struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Value   string   `json:"value"`
	Tags    []string `json:"tags"`
	Comment string   `json:"comment,omitempty"`
}

// QueryClasses returns the defined classes whose qualified name contains a
// match for pattern, sorted by name. An empty pattern matches everything.
func QueryClasses(st *store.Store, pattern string) ([]ClassRecord, error) {
	rx, err := compileQuery(pattern)
	if err != nil {
		return nil, err
	}
	var out []ClassRecord
	for _, c := range st.Classes() {
		name := c.QualifiedName()
		if !rx.MatchString(name) {
			continue
		}
		out = append(out, ClassRecord{
			Name:    name,
			Hard:    c.Hard,
			Tags:    append([]string{}, c.Tags...),
			Comment: c.Comment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// QueryVariables returns the bound variables whose qualified name contains a
// match for pattern, sorted by name.
func QueryVariables(st *store.Store, pattern string) ([]VariableRecord, error) {
	rx, err := compileQuery(pattern)
	if err != nil {
		return nil, err
	}
	var out []VariableRecord
	for _, v := range st.Variables() {
		name := v.Ref.String()
		if !rx.MatchString(name) {
			continue
		}
		value := v.Value.String()
		if !isPrintable(value) {
			value = nonPrintable
		}
		out = append(out, VariableRecord{
			Name:    name,
			Type:    string(v.Type),
			Value:   value,
			Tags:    append([]string{}, v.Tags...),
			Comment: v.Comment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ShowClasses writes the classes matching pattern as a table.
func ShowClasses(w io.Writer, st *store.Store, pattern string) error {
	records, err := QueryClasses(st, pattern)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%-60s %-40s %-40s\n", "Class name", "Meta tags", "Comment"); err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%-60s %-40s %-40s", r.Name, strings.Join(r.Tags, ","), r.Comment)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// ShowVariables writes the variables matching pattern as a table. Values
// wider than their column are truncated.
func ShowVariables(w io.Writer, st *store.Store, pattern string) error {
	records, err := QueryVariables(st, pattern)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%-40s %-60s %-40s %-40s\n", "Variable name", "Variable value", "Meta tags", "Comment"); err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%-40s %-60s %-40s %-40s", r.Name, truncate(r.Value, valueColumn), strings.Join(r.Tags, ","), r.Comment)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func compileQuery(pattern string) (*regexp.Regexp, error) {
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", pattern, err)
	}
	return rx, nil
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-len(truncateMarker)]) + truncateMarker
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
