package functions

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/converge/pkg/rval"
)

// DefaultStarlarkTimeout bounds a single Starlark function call.
const DefaultStarlarkTimeout = 5 * time.Second

// StarlarkLoader turns top-level functions of Starlark scripts into policy
// functions. Names starting with an underscore stay private to the script.
type StarlarkLoader struct {
	registry *Registry
	timeout  time.Duration
}

// NewStarlarkLoader creates a loader registering into r.
func NewStarlarkLoader(r *Registry, timeout time.Duration) *StarlarkLoader {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkLoader{registry: r, timeout: timeout}
}

// LoadDir loads every *.star file in dir in lexical order. A missing
// directory is not an error.
func (l *StarlarkLoader) LoadDir(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, fmt.Errorf("failed to list starlark files: %w", err)
	}
	sort.Strings(matches)

	var names []string
	for _, path := range matches {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		loaded, err := l.Load(filepath.Base(path), string(src))
		if err != nil {
			return nil, err
		}
		names = append(names, loaded...)
	}
	return names, nil
}

// Load executes src and registers its public functions. It returns the
// registered names.
func (l *StarlarkLoader) Load(filename, src string) ([]string, error) {
	thread := newThread(filename)
	globals, err := starlark.ExecFile(thread, filename, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution of %s failed: %w", filename, err)
	}

	var names []string
	for _, name := range sortedKeys(globals) {
		if name[0] == '_' {
			continue
		}
		fn, ok := globals[name].(*starlark.Function)
		if !ok {
			continue
		}
		l.registry.Register(name, l.wrap(filename, fn))
		names = append(names, name)
	}
	l.registry.logger.Debug().
		Str("file", filename).
		Strs("functions", names).
		Msg("Loaded starlark functions")
	return names, nil
}

func (l *StarlarkLoader) wrap(filename string, fn *starlark.Function) Func {
	return func(ctx context.Context, _ Env, args []rval.Rval) (rval.Rval, error) {
		sargs := make(starlark.Tuple, len(args))
		for i, a := range args {
			v, err := toStarlarkValue(a)
			if err != nil {
				return rval.Rval{}, fmt.Errorf("argument %d: %w", i+1, err)
			}
			sargs[i] = v
		}

		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		thread := newThread(filename)
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-callCtx.Done():
				thread.Cancel(callCtx.Err().Error())
			case <-done:
			}
		}()

		result, err := starlark.Call(thread, fn, sargs, nil)
		if err != nil {
			if callCtx.Err() != nil {
				return rval.Rval{}, fmt.Errorf("starlark execution timeout after %v", l.timeout)
			}
			return rval.Rval{}, err
		}
		return fromStarlarkValue(result)
	}
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// print is suppressed
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

// toStarlarkValue converts a policy value to a Starlark value. Scalars become
// strings, lists become lists and containers keep their structure.
func toStarlarkValue(v rval.Rval) (starlark.Value, error) {
	switch v.Kind() {
	case rval.KindScalar:
		s, _ := v.AsScalar()
		return starlark.String(s), nil
	case rval.KindList:
		items, _ := v.AsList()
		list := make([]starlark.Value, len(items))
		for i, item := range items {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case rval.KindContainer:
		node, _ := v.AsContainer()
		return nodeToStarlark(node)
	}
	return nil, fmt.Errorf("unsupported value kind: %s", v.Kind())
}

func nodeToStarlark(n *rval.Node) (starlark.Value, error) {
	switch n.Kind() {
	case rval.NodeNull:
		return starlark.None, nil
	case rval.NodeBool:
		b, _ := n.AsBool()
		return starlark.Bool(b), nil
	case rval.NodeNumber:
		f, _ := n.AsNumber()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return starlark.MakeInt64(int64(f)), nil
		}
		return starlark.Float(f), nil
	case rval.NodeString:
		s, _ := n.AsString()
		return starlark.String(s), nil
	case rval.NodeArray:
		items, _ := n.AsArray()
		list := make([]starlark.Value, len(items))
		for i, item := range items {
			sv, err := nodeToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case rval.NodeObject:
		keys, _ := n.AsObject()
		dict := starlark.NewDict(len(keys))
		for _, k := range keys {
			member, _ := n.Get(k)
			sv, err := nodeToStarlark(member)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported node kind: %s", n.Kind())
}

// fromStarlarkValue converts a function result. Strings and numbers become
// scalars, booleans become class expressions, lists of strings become lists
// and everything else becomes a container.
func fromStarlarkValue(v starlark.Value) (rval.Rval, error) {
	switch val := v.(type) {
	case starlark.String:
		return rval.Scalar(string(val)), nil
	case starlark.Bool:
		return classResult(bool(val)), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return rval.Rval{}, fmt.Errorf("integer too large")
		}
		return rval.Scalar(fmt.Sprintf("%d", i)), nil
	case starlark.Float:
		p, _ := rval.Number(float64(val)).Primitive()
		return rval.Scalar(p), nil
	case *starlark.List:
		items := make([]string, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			s, ok := val.Index(i).(starlark.String)
			if !ok {
				node, err := starlarkToNode(v)
				if err != nil {
					return rval.Rval{}, err
				}
				return rval.Container(node), nil
			}
			items = append(items, string(s))
		}
		return rval.StringList(items), nil
	}
	node, err := starlarkToNode(v)
	if err != nil {
		return rval.Rval{}, err
	}
	return rval.Container(node), nil
}

func starlarkToNode(v starlark.Value) (*rval.Node, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return rval.Null(), nil
	case starlark.Bool:
		return rval.Bool(bool(val)), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return rval.Number(float64(i)), nil
	case starlark.Float:
		return rval.Number(float64(val)), nil
	case starlark.String:
		return rval.String(string(val)), nil
	case *starlark.List:
		arr := rval.Array()
		for i := 0; i < val.Len(); i++ {
			item, err := starlarkToNode(val.Index(i))
			if err != nil {
				return nil, err
			}
			arr.Append(item)
		}
		return arr, nil
	case starlark.Tuple:
		arr := rval.Array()
		for _, elem := range val {
			item, err := starlarkToNode(elem)
			if err != nil {
				return nil, err
			}
			arr.Append(item)
		}
		return arr, nil
	case *starlark.Dict:
		obj := rval.Object()
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			member, err := starlarkToNode(item[1])
			if err != nil {
				return nil, err
			}
			obj.Set(string(key), member)
		}
		return obj, nil
	case *starlarkstruct.Struct:
		obj := rval.Object()
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			member, err := starlarkToNode(attr)
			if err != nil {
				return nil, err
			}
			obj.Set(name, member)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
