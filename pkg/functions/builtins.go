package functions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/openfroyo/converge/pkg/rval"
	"github.com/openfroyo/converge/pkg/store"
)

// maxReadFile bounds readfile when no size is given.
const maxReadFile = 4096

func registerBuiltins(r *Registry) {
	// strings
	r.Register("concat", fnConcat)
	r.Register("join", fnJoin)
	r.Register("canonify", fnCanonify)
	r.Register("strlen", fnStrlen)
	r.Register("upcase", fnUpcase)
	r.Register("downcase", fnDowncase)
	r.Register("format", fnFormat)
	r.Register("splitstring", fnSplitString)
	r.Register("regcmp", fnRegcmp)

	// classes
	r.Register("classmatch", fnClassMatch)
	r.Register("classify", fnClassify)
	r.Register("isvariable", fnIsVariable)
	r.Register("not", fnNot)
	r.Register("and", fnAnd)
	r.Register("or", fnOr)
	r.Register("ifelse", fnIfElse)

	// lists and data
	r.Register("length", fnLength)
	r.Register("nth", fnNth)
	r.Register("getindices", fnGetIndices)
	r.Register("getvalues", fnGetValues)
	r.Register("parsejson", fnParseJSON)
	r.Register("storejson", fnStoreJSON)
	r.Register("mergedata", fnMergeData)

	// system
	r.Register("readfile", fnReadFile)
	r.Register("fileexists", fnFileExists)
	r.Register("hash", fnHash)
	r.Register("now", fnNow)
	r.Register("getenv", fnGetenv)
}

func fnConcat(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	var b strings.Builder
	for i := range args {
		s, err := scalarArg(args, i)
		if err != nil {
			return rval.Rval{}, err
		}
		b.WriteString(s)
	}
	return rval.Scalar(b.String()), nil
}

func fnJoin(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 2, 2); err != nil {
		return rval.Rval{}, err
	}
	sep, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	items, err := listArg(env, args, 1)
	if err != nil {
		return rval.Rval{}, err
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.AsScalar()
		if !ok {
			return rval.Rval{}, fmt.Errorf("cannot join %s element", item.Kind())
		}
		parts = append(parts, s)
	}
	return rval.Scalar(strings.Join(parts, sep)), nil
}

func unaryString(f func(string) string) Func {
	return func(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
		if err := checkArgs(args, 1, 1); err != nil {
			return rval.Rval{}, err
		}
		s, err := scalarArg(args, 0)
		if err != nil {
			return rval.Rval{}, err
		}
		return rval.Scalar(f(s)), nil
	}
}

var (
	fnCanonify = unaryString(store.Canonify)
	fnUpcase   = unaryString(strings.ToUpper)
	fnDowncase = unaryString(strings.ToLower)
	fnStrlen   = unaryString(func(s string) string { return strconv.Itoa(len([]rune(s))) })
)

// fnFormat supports %s, %d and %% with one argument per verb.
func fnFormat(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, -1); err != nil {
		return rval.Rval{}, err
	}
	layout, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	var b strings.Builder
	next := 1
	for i := 0; i < len(layout); i++ {
		c := layout[i]
		if c != '%' || i+1 >= len(layout) {
			b.WriteByte(c)
			continue
		}
		i++
		switch layout[i] {
		case '%':
			b.WriteByte('%')
		case 's', 'd':
			if next >= len(args) {
				return rval.Rval{}, fmt.Errorf("not enough arguments for format %q", layout)
			}
			s, err := scalarArg(args, next)
			if err != nil {
				return rval.Rval{}, err
			}
			if layout[i] == 'd' {
				if _, err := strconv.ParseInt(s, 10, 64); err != nil {
					return rval.Rval{}, fmt.Errorf("%%d argument %q is not an integer", s)
				}
			}
			b.WriteString(s)
			next++
		default:
			return rval.Rval{}, fmt.Errorf("unsupported verb %%%c", layout[i])
		}
	}
	return rval.Scalar(b.String()), nil
}

func fnSplitString(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 2, 3); err != nil {
		return rval.Rval{}, err
	}
	s, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	pattern, err := scalarArg(args, 1)
	if err != nil {
		return rval.Rval{}, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return rval.Rval{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	limit := -1
	if len(args) == 3 {
		l, err := scalarArg(args, 2)
		if err != nil {
			return rval.Rval{}, err
		}
		if limit, err = strconv.Atoi(l); err != nil {
			return rval.Rval{}, fmt.Errorf("invalid limit %q", l)
		}
	}
	return rval.StringList(re.Split(s, limit)), nil
}

func fnRegcmp(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 2, 2); err != nil {
		return rval.Rval{}, err
	}
	pattern, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	s, err := scalarArg(args, 1)
	if err != nil {
		return rval.Rval{}, err
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return rval.Rval{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return classResult(re.MatchString(s)), nil
}

func fnClassMatch(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	pattern, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	matches, err := env.ClassesMatching(pattern)
	if err != nil {
		return rval.Rval{}, err
	}
	return classResult(len(matches) > 0), nil
}

// fnClassify reports whether the canonified argument is a defined class.
func fnClassify(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	s, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	return classResult(env.HasClass(store.Canonify(s))), nil
}

func fnIsVariable(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	name, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	_, ok := env.LookupVariable(name)
	return classResult(ok), nil
}

func fnNot(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	expr, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	return classResult(!env.EvaluateClassExpression(expr)), nil
}

func fnAnd(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	for i := range args {
		expr, err := scalarArg(args, i)
		if err != nil {
			return rval.Rval{}, err
		}
		if !env.EvaluateClassExpression(expr) {
			return classResult(false), nil
		}
	}
	return classResult(true), nil
}

func fnOr(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	for i := range args {
		expr, err := scalarArg(args, i)
		if err != nil {
			return rval.Rval{}, err
		}
		if env.EvaluateClassExpression(expr) {
			return classResult(true), nil
		}
	}
	return classResult(false), nil
}

// fnIfElse takes condition/value pairs followed by a default value.
func fnIfElse(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if len(args) == 0 || len(args)%2 == 0 {
		return rval.Rval{}, fmt.Errorf("expected an odd number of arguments, got %d", len(args))
	}
	for i := 0; i+1 < len(args); i += 2 {
		expr, err := scalarArg(args, i)
		if err != nil {
			return rval.Rval{}, err
		}
		if env.EvaluateClassExpression(expr) {
			return args[i+1], nil
		}
	}
	return args[len(args)-1], nil
}

func fnLength(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	items, err := listArg(env, args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	return rval.Scalar(strconv.Itoa(len(items))), nil
}

// fnNth indexes a list by position or a data object by key.
func fnNth(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 2, 2); err != nil {
		return rval.Rval{}, err
	}
	key, err := scalarArg(args, 1)
	if err != nil {
		return rval.Rval{}, err
	}

	if node, ok := resolveContainer(env, args[0]); ok {
		if _, isObject := node.AsObject(); isObject {
			member, found := node.Get(key)
			if !found {
				return rval.Rval{}, fmt.Errorf("key %q not found", key)
			}
			return nodeValue(member), nil
		}
	}

	items, err := listArg(env, args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	idx, err := strconv.Atoi(key)
	if err != nil {
		return rval.Rval{}, fmt.Errorf("invalid index %q", key)
	}
	if idx < 0 {
		idx += len(items)
	}
	if idx < 0 || idx >= len(items) {
		return rval.Rval{}, fmt.Errorf("index %s out of range for list of length %d", key, len(items))
	}
	return items[idx], nil
}

func fnGetIndices(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	if node, ok := resolveContainer(env, args[0]); ok {
		if keys, isObject := node.AsObject(); isObject {
			return rval.StringList(keys), nil
		}
	}
	items, err := listArg(env, args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	out := make([]string, len(items))
	for i := range items {
		out[i] = strconv.Itoa(i)
	}
	return rval.StringList(out), nil
}

func fnGetValues(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	items, err := listArg(env, args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	return rval.List(items...), nil
}

func fnParseJSON(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	s, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	node, err := rval.FromJSON([]byte(s))
	if err != nil {
		return rval.Rval{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return rval.Container(node), nil
}

func fnStoreJSON(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	node, ok := resolveContainer(env, args[0])
	if !ok {
		if items, err := listArg(env, args, 0); err == nil {
			arr := rval.Array()
			for _, item := range items {
				arr.Append(toNode(item))
			}
			node = arr
		} else {
			return rval.Rval{}, fmt.Errorf("argument must be data or a list")
		}
	}
	data, err := node.MarshalJSON()
	if err != nil {
		return rval.Rval{}, err
	}
	return rval.Scalar(string(data)), nil
}

// fnMergeData merges objects key by key, later arguments winning, or
// concatenates arrays.
func fnMergeData(_ context.Context, env Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, -1); err != nil {
		return rval.Rval{}, err
	}
	var out *rval.Node
	for i, arg := range args {
		node, ok := resolveContainer(env, arg)
		if !ok {
			return rval.Rval{}, fmt.Errorf("argument %d is not data", i+1)
		}
		switch {
		case out == nil:
			out = node.Copy()
		case out.Kind() == rval.NodeObject && node.Kind() == rval.NodeObject:
			keys, _ := node.AsObject()
			for _, k := range keys {
				v, _ := node.Get(k)
				out.Set(k, v.Copy())
			}
		case out.Kind() == rval.NodeArray && node.Kind() == rval.NodeArray:
			items, _ := node.AsArray()
			for _, item := range items {
				out.Append(item.Copy())
			}
		default:
			return rval.Rval{}, fmt.Errorf("cannot merge %s into %s", node.Kind(), out.Kind())
		}
	}
	return rval.Container(out), nil
}

func fnReadFile(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 2); err != nil {
		return rval.Rval{}, err
	}
	path, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	limit := maxReadFile
	if len(args) == 2 {
		l, err := scalarArg(args, 1)
		if err != nil {
			return rval.Rval{}, err
		}
		if limit, err = strconv.Atoi(l); err != nil || limit < 0 {
			return rval.Rval{}, fmt.Errorf("invalid size %q", l)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rval.Rval{}, fmt.Errorf("failed to read file: %w", err)
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return rval.Scalar(string(data)), nil
}

func fnFileExists(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 1); err != nil {
		return rval.Rval{}, err
	}
	path, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	_, statErr := os.Stat(path)
	return classResult(statErr == nil), nil
}

func fnHash(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 2); err != nil {
		return rval.Rval{}, err
	}
	s, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	algo := "sha256"
	if len(args) == 2 {
		if algo, err = scalarArg(args, 1); err != nil {
			return rval.Rval{}, err
		}
	}
	switch algo {
	case "sha256":
		sum := sha256.Sum256([]byte(s))
		return rval.Scalar(hex.EncodeToString(sum[:])), nil
	case "blake2b":
		sum := blake2b.Sum256([]byte(s))
		return rval.Scalar(hex.EncodeToString(sum[:])), nil
	}
	return rval.Rval{}, fmt.Errorf("unsupported hash algorithm %q", algo)
}

func fnNow(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 0, 0); err != nil {
		return rval.Rval{}, err
	}
	return rval.Scalar(strconv.FormatInt(time.Now().Unix(), 10)), nil
}

func fnGetenv(_ context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
	if err := checkArgs(args, 1, 2); err != nil {
		return rval.Rval{}, err
	}
	name, err := scalarArg(args, 0)
	if err != nil {
		return rval.Rval{}, err
	}
	v := os.Getenv(name)
	if len(args) == 2 {
		size, err := scalarArg(args, 1)
		if err != nil {
			return rval.Rval{}, err
		}
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return rval.Rval{}, fmt.Errorf("invalid size %q", size)
		}
		if n > 0 && len(v) > n {
			v = v[:n]
		}
	}
	return rval.Scalar(v), nil
}

// resolveContainer returns the container held by v or by the variable v names.
func resolveContainer(env Env, v rval.Rval) (*rval.Node, bool) {
	if name, ok := v.AsScalar(); ok {
		resolved, found := env.LookupVariable(name)
		if !found {
			return nil, false
		}
		v = resolved
	}
	return v.AsContainer()
}

func nodeValue(n *rval.Node) rval.Rval {
	if n.Kind() != rval.NodeNull {
		if p, ok := n.Primitive(); ok {
			return rval.Scalar(p)
		}
	}
	return rval.Container(n.Copy())
}

func toNode(v rval.Rval) *rval.Node {
	switch v.Kind() {
	case rval.KindContainer:
		n, _ := v.AsContainer()
		return n.Copy()
	case rval.KindList:
		items, _ := v.AsList()
		arr := rval.Array()
		for _, item := range items {
			arr.Append(toNode(item))
		}
		return arr
	}
	s, _ := v.AsScalar()
	return rval.String(s)
}

// sortedKeys is used by callers that need deterministic iteration over maps.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
