// Package augments loads def.json style files that inject variables and
// classes before policy is evaluated.
//
// An augments file is a JSON object (comments allowed) with the keys vars,
// variables, classes, inputs and augments. String values are expanded
// against the store before they are installed, so later files can refer to
// variables defined by earlier ones.
package augments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"github.com/openfroyo/converge/pkg/classexpr"
	"github.com/openfroyo/converge/pkg/expand"
	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

const (
	// MaxFileSize bounds a single augments file.
	MaxFileSize = 5 * 1024 * 1024

	// DefaultMaxDepth bounds nested augments files.
	DefaultMaxDepth = 8

	// DefaultFile and PreferredFile are looked up in the input directory.
	DefaultFile   = "def.json"
	PreferredFile = "def_preferred.json"

	// InputsVar receives the inputs key as def.augments_inputs.
	InputsVar = "augments_inputs"
)

// ErrTooLarge is returned for files over MaxFileSize.
var ErrTooLarge = errors.New("augments file too large")

// Result summarizes what a load installed.
type Result struct {
	Files   []string
	Vars    int
	Classes int
	Inputs  []string
}

// Loader installs augments into a store.
type Loader struct {
	logger   zerolog.Logger
	store    *store.Store
	expander *expand.Expander
	classes  *classexpr.Evaluator
	maxDepth int
}

// NewLoader creates a loader. A maxDepth below one uses DefaultMaxDepth.
func NewLoader(logger zerolog.Logger, st *store.Store, exp *expand.Expander, classes *classexpr.Evaluator, maxDepth int) *Loader {
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	return &Loader{
		logger:   logger.With().Str("component", "augments").Logger(),
		store:    st,
		expander: exp,
		classes:  classes,
		maxDepth: maxDepth,
	}
}

// LoadDefault loads def_preferred.json from inputDir when present and not
// ignored, else def.json. A missing file is not an error.
func (l *Loader) LoadDefault(ctx context.Context, inputDir string, ignorePreferred bool) (*Result, error) {
	res := &Result{}

	var path string
	if ignorePreferred {
		l.store.PutClassHard("ignore_preferred_augments", store.NewTags(store.TagSourceAgent, "source=command_line_option"), "")
	} else if p := filepath.Join(inputDir, PreferredFile); isFile(p) {
		path = p
	}
	if path == "" {
		path = filepath.Join(inputDir, DefaultFile)
		if !isFile(path) {
			l.logger.Debug().Str("path", path).Msg("No augments file")
			return res, nil
		}
	}

	err := l.load(ctx, path, 0, make(map[string]bool), res)
	return res, err
}

// LoadFile loads one augments file and the files it names.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	res := &Result{}
	err := l.load(ctx, path, 0, make(map[string]bool), res)
	return res, err
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (l *Loader) scope() expand.Scope {
	return expand.Scope{Namespace: store.DefaultNamespace}
}

func (l *Loader) load(ctx context.Context, path string, depth int, visited map[string]bool, res *Result) error {
	if depth >= l.maxDepth {
		return fmt.Errorf("augments nested deeper than %d at %s", l.maxDepth, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if visited[abs] {
		l.logger.Warn().Str("path", abs).Msg("Augments file already loaded, skipping")
		return nil
	}
	visited[abs] = true

	doc, err := readFile(abs)
	if err != nil {
		return err
	}
	if doc.Kind() != rval.NodeObject {
		return fmt.Errorf("invalid augments file contents in %s, must be a JSON object", abs)
	}

	l.logger.Debug().Str("path", abs).Msg("Loaded augments file, installing contents")
	res.Files = append(res.Files, abs)

	keys, _ := doc.AsObject()
	for _, k := range keys {
		switch k {
		case "vars", "variables", "classes", "inputs", "augments":
		default:
			l.logger.Debug().Str("key", k).Str("path", abs).Msg("Unknown augments key, skipping it")
		}
	}

	if n, ok := doc.Get("vars"); ok && n.Kind() != rval.NodeNull {
		res.Vars += l.installVars(ctx, abs, l.expandNode(ctx, n), false)
	}
	if n, ok := doc.Get("variables"); ok && n.Kind() != rval.NodeNull {
		res.Vars += l.installVars(ctx, abs, l.expandNode(ctx, n), true)
	}
	if n, ok := doc.Get("classes"); ok && n.Kind() != rval.NodeNull {
		res.Classes += l.installClasses(abs, l.expandNode(ctx, n))
	}
	if n, ok := doc.Get("inputs"); ok && n.Kind() != rval.NodeNull {
		inputs, ok := primitiveStrings(l.expandNode(ctx, n))
		if !ok {
			l.logger.Error().Str("path", abs).Msg("Augments inputs must be a list of strings")
		} else {
			ref := store.VarRef{Namespace: store.DefaultNamespace, Scope: store.ScopeDef, Name: InputsVar}
			l.store.PutVariable(ref, rval.StringList(inputs), rval.TypeSlist, store.NewTags(store.TagSourceAugments), "")
			res.Inputs = append(res.Inputs, inputs...)
		}
	}
	if n, ok := doc.Get("augments"); ok && n.Kind() != rval.NodeNull {
		nested, ok := primitiveStrings(n)
		if !ok {
			l.logger.Error().Str("path", abs).Msg("Nested augments must be a list of file names")
			return nil
		}
		for _, name := range nested {
			name, _, err := l.expander.ExpandString(ctx, l.scope(), name)
			if err != nil {
				l.logger.Error().Err(err).Str("path", abs).Msg("Failed to expand nested augments file name")
				continue
			}
			if !filepath.IsAbs(name) {
				name = filepath.Join(filepath.Dir(abs), name)
			}
			if err := l.load(ctx, name, depth+1, visited, res); err != nil {
				l.logger.Error().Err(err).Str("path", name).Msg("Could not load requested further augments")
				continue
			}
			l.logger.Debug().Str("path", name).Msg("Completed augmenting from file")
		}
	}

	return nil
}

func readFile(path string) (*rval.Node, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat augments file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s: %w (%d bytes)", path, ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read augments file: %w", err)
	}
	doc, err := rval.FromJSON(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse augments file %s: %w", path, err)
	}
	return doc, nil
}

// expandNode expands references in every string and object key of n.
// Unresolved references stay as written.
func (l *Loader) expandNode(ctx context.Context, n *rval.Node) *rval.Node {
	switch n.Kind() {
	case rval.NodeString:
		s, _ := n.AsString()
		if !expand.HasRefs(s) {
			return n
		}
		out, _, err := l.expander.ExpandString(ctx, l.scope(), s)
		if err != nil {
			l.logger.Debug().Err(err).Str("value", s).Msg("Failed to expand augments value, keeping it verbatim")
			return n
		}
		return rval.String(out)
	case rval.NodeArray:
		items, _ := n.AsArray()
		out := rval.Array()
		for _, item := range items {
			out.Append(l.expandNode(ctx, item))
		}
		return out
	case rval.NodeObject:
		keys, _ := n.AsObject()
		out := rval.Object()
		for _, k := range keys {
			v, _ := n.Get(k)
			key := k
			if expand.HasRefs(k) {
				if expanded, _, err := l.expander.ExpandString(ctx, l.scope(), k); err == nil {
					key = expanded
				}
			}
			out.Set(key, l.expandNode(ctx, v))
		}
		return out
	}
	return n
}

// installVars installs the vars or variables object. In the variables form
// each value may be an object with value, tags and comment.
func (l *Loader) installVars(_ context.Context, file string, vars *rval.Node, withMeta bool) int {
	if vars.Kind() != rval.NodeObject {
		l.logger.Error().Str("path", file).Msg("Invalid augments vars, must be a JSON object")
		return 0
	}

	installed := 0
	keys, _ := vars.AsObject()
	for _, key := range keys {
		ref := store.ParseRef(key)
		if ref.Namespace != "" && ref.Scope == "" {
			l.logger.Error().
				Str("path", file).
				Str("variable", key).
				Msg("Invalid variable specification in augments data, bundle name has to be specified if namespace is specified")
			continue
		}
		if ref.Scope == "" {
			ref.Scope = store.ScopeDef
		}
		ref = ref.WithDefaults(store.DefaultNamespace, store.ScopeDef)

		data, _ := vars.Get(key)
		tags := store.NewTags(store.TagSourceAugments)
		comment := ""
		if withMeta && data.Kind() == rval.NodeObject {
			value, ok := data.Get("value")
			if !ok || value.Kind() == rval.NodeNull {
				l.logger.Error().Str("path", file).Str("variable", key).Msg("Missing value for augments variable, value field is required")
				continue
			}
			if t, ok := data.Get("tags"); ok && t.Kind() != rval.NodeNull {
				extra, ok := primitiveStrings(t)
				if !ok {
					l.logger.Error().Str("path", file).Str("variable", key).Msg("Invalid tags for augments variable, must be a JSON array of strings")
				}
				tags = store.NewTags(extra...).With(store.TagSourceAugments)
			}
			if c, ok := data.Get("comment"); ok {
				if s, ok := c.AsString(); ok {
					comment = s
				} else if c.Kind() != rval.NodeNull {
					l.logger.Error().Str("path", file).Str("variable", key).Msg("Invalid type of the comment field, must be a string")
				}
			}
			data = value
		}

		if !l.store.CanSetVariable(ref) {
			l.logger.Debug().Str("variable", ref.String()).Msg("Cannot set variable from augments, already defined from host-specific data")
			continue
		}

		value, typ := toRval(data)
		l.logger.Debug().Str("variable", ref.String()).Str("type", string(typ)).Str("path", file).Msg("Installing augments variable")
		if l.store.PutVariable(ref, value, typ, tags, comment) {
			installed++
		}
	}
	return installed
}

// toRval maps JSON to policy values: primitives become strings, arrays of
// primitives become string lists and everything else stays a container.
func toRval(n *rval.Node) (rval.Rval, rval.DataType) {
	if p, ok := n.Primitive(); ok {
		return rval.Scalar(p), rval.TypeString
	}
	if items, ok := primitiveStrings(n); ok {
		return rval.StringList(items), rval.TypeSlist
	}
	return rval.Container(n), rval.TypeData
}

func primitiveStrings(n *rval.Node) ([]string, bool) {
	items, ok := n.AsArray()
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		p, ok := item.Primitive()
		if !ok {
			return nil, false
		}
		out = append(out, p)
	}
	return out, true
}

// installClasses installs classes whose condition holds.
func (l *Loader) installClasses(file string, classes *rval.Node) int {
	if classes.Kind() != rval.NodeObject {
		l.logger.Error().Str("path", file).Msg("Invalid augments classes, must be a JSON object")
		return 0
	}

	installed := 0
	names, _ := classes.AsObject()
	for _, name := range names {
		data, _ := classes.Get(name)
		tags := store.NewTags(store.TagSourceAugments)
		comment := ""

		var checks []string
		switch {
		case data.IsPrimitive():
			p, _ := data.Primitive()
			checks = []string{p}
		case data.Kind() == rval.NodeArray:
			list, ok := primitiveStrings(data)
			if !ok {
				l.logger.Error().Str("path", file).Str("class", name).Msg("Invalid augments class data")
				continue
			}
			checks = list
		case data.Kind() == rval.NodeObject:
			exprs, hasExprs := data.Get("class_expressions")
			regexes, hasRegexes := data.Get("regular_expressions")
			if hasExprs == hasRegexes {
				l.logger.Error().
					Str("path", file).
					Str("class", name).
					Msg(`Invalid augments class data, either "class_expressions" or "regular_expressions" need to be specified`)
				continue
			}
			src := regexes
			if hasExprs {
				src = exprs
			}
			list, ok := primitiveStrings(src)
			if !ok {
				l.logger.Error().Str("path", file).Str("class", name).Msg("Invalid augments class data")
				continue
			}
			if hasExprs {
				for i, c := range list {
					if !strings.HasSuffix(c, "::") {
						list[i] = c + "::"
					}
				}
			}
			checks = list
			if t, ok := data.Get("tags"); ok {
				if extra, ok := primitiveStrings(t); ok {
					tags = store.NewTags(extra...).With(store.TagSourceAugments)
				}
			}
			if c, ok := data.Get("comment"); ok {
				comment, _ = c.AsString()
			}
		default:
			l.logger.Error().Str("path", file).Str("class", name).Msg("Invalid augments class data")
			continue
		}

		for _, check := range checks {
			if !l.classMatches(check) {
				continue
			}
			if !l.store.CanSetClass(name) {
				l.logger.Debug().Str("class", name).Msg("Cannot set class from augments, already defined from host-specific data")
				break
			}
			l.logger.Debug().Str("class", name).Str("check", check).Str("path", file).Msg("Installing augments class")
			if l.store.PutClassSoft(name, store.ScopeNamespace, tags, comment) {
				installed++
			}
			break
		}
	}
	return installed
}

// classMatches treats a check ending in :: as a class expression and
// anything else as an anchored regular expression over defined classes.
func (l *Loader) classMatches(check string) bool {
	if expr, ok := strings.CutSuffix(check, "::"); ok {
		if expr == "" {
			l.logger.Error().Str("check", check).Msg("Invalid class expression in augments")
			return false
		}
		v, _ := l.classes.Evaluate(expr, l.store)
		return v
	}
	matches, err := l.store.ClassesMatching(check)
	if err != nil {
		l.logger.Error().Err(err).Str("check", check).Msg("Invalid regular expression in augments")
		return false
	}
	return len(matches) > 0
}
