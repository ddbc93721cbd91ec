package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/rval"
)

// LoadError collects the problems found while loading policy files.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("policy has %d error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Loader reads policy documents written in YAML, JSON (comments allowed) or
// CUE.
type Loader struct {
	logger zerolog.Logger
	cue    *cue.Context
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cue:    cuecontext.New(),
	}
}

// IsPolicyFile reports whether path has a policy file extension.
func IsPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".cue":
		return true
	}
	return false
}

// LoadPaths loads every policy file named in paths. Directories are read
// non-recursively in lexical order. The returned policy merges all files.
func (l *Loader) LoadPaths(paths []string) (*Policy, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no policy sources provided")
	}

	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy source %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy directory %s: %w", path, err)
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && IsPolicyFile(e.Name()) && !isAugmentsFile(e.Name()) {
				found = append(found, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}

	merged := &Policy{}
	var errs []ValidationError
	for _, file := range files {
		p, fileErrs := l.LoadFile(file)
		errs = append(errs, fileErrs...)
		if p != nil {
			merged.Merge(p)
		}
	}

	l.logger.Debug().
		Strs("files", files).
		Int("bundles", len(merged.Bundles)).
		Int("bodies", len(merged.Bodies)).
		Msg("Loaded policy")

	if len(errs) > 0 {
		return merged, &LoadError{Errors: errs}
	}
	return merged, nil
}

// isAugmentsFile excludes augments files, which share the input directory.
func isAugmentsFile(name string) bool {
	return name == "def.json" || name == "def_preferred.json"
}

// LoadFile loads one policy file, choosing the format by extension.
func (l *Loader) LoadFile(path string) (*Policy, []ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			Location: Location{File: path},
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	var doc *rval.Node
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = decodeYAML(data)
	case ".json":
		doc, err = rval.FromJSON(jsonc.ToJSON(data))
	case ".cue":
		var errs []ValidationError
		doc, errs = l.decodeCUE(path, data)
		if len(errs) > 0 {
			return nil, errs
		}
	default:
		err = fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, []ValidationError{{
			Location: Location{File: path},
			Message:  err.Error(),
			Severity: "error",
		}}
	}

	return Decode(path, doc)
}

// LoadBytes decodes an in-memory document. format is yaml, json or cue.
func (l *Loader) LoadBytes(name, format string, data []byte) (*Policy, error) {
	var doc *rval.Node
	var err error
	switch format {
	case "yaml":
		doc, err = decodeYAML(data)
	case "json":
		doc, err = rval.FromJSON(jsonc.ToJSON(data))
	case "cue":
		var errs []ValidationError
		if doc, errs = l.decodeCUE(name, data); len(errs) > 0 {
			return nil, &LoadError{Errors: errs}
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	p, errs := Decode(name, doc)
	if len(errs) > 0 {
		return p, &LoadError{Errors: errs}
	}
	return p, nil
}

func (l *Loader) decodeCUE(path string, data []byte) (*rval.Node, []ValidationError) {
	val := l.cue.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(path, err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(path, err)
	}
	js, err := val.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(path, err)
	}
	doc, err := rval.FromJSON(js)
	if err != nil {
		return nil, []ValidationError{{Location: Location{File: path}, Message: err.Error(), Severity: "error"}}
	}
	return doc, nil
}

func convertCUEErrors(path string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		loc := Location{File: path}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			loc.File = pos[0].Filename()
			loc.Line = pos[0].Line()
		}
		out = append(out, ValidationError{
			Location: loc,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

// decodeYAML converts YAML into a document tree, keeping mapping order and
// recording the line of every promise.
func decodeYAML(data []byte) (*rval.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return rval.Object(), nil
	}
	return yamlToNode(&root)
}

func yamlToNode(n *yaml.Node) (*rval.Node, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return rval.Object(), nil
		}
		return yamlToNode(n.Content[0])

	case yaml.AliasNode:
		return yamlToNode(n.Alias)

	case yaml.MappingNode:
		obj := rval.Object()
		isPromise := false
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if key == "promiser" {
				isPromise = true
			}
			v, err := yamlToNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj.Set(key, v)
		}
		if isPromise {
			obj.Set("__line", rval.Number(float64(n.Line)))
		}
		return obj, nil

	case yaml.SequenceNode:
		arr := rval.Array()
		for _, c := range n.Content {
			v, err := yamlToNode(c)
			if err != nil {
				return nil, err
			}
			arr.Append(v)
		}
		return arr, nil

	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return rval.Null(), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return nil, err
			}
			return rval.Bool(b), nil
		case "!!int", "!!float":
			if isLiteralNumber(n.Value) {
				// octal modes such as 0644 keep their spelling
				return rval.String(n.Value), nil
			}
			var f float64
			if err := n.Decode(&f); err != nil {
				return nil, err
			}
			return rval.Number(f), nil
		}
		return rval.String(n.Value), nil
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

func isLiteralNumber(s string) bool {
	t := strings.TrimLeft(s, "+-")
	return len(t) > 1 && t[0] == '0' && t[1] != '.'
}
