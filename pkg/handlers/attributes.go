package handlers

import (
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/rval"
)

// AttributesJSON converts the attributes of an instance to JSON values for
// external handlers. Scalars become strings and lists arrays. Bodies are
// passed as objects under the attribute that references them.
func AttributesJSON(inst *engine.Instance) map[string]any {
	out := make(map[string]any, len(inst.Attributes))
	for name, v := range inst.Attributes {
		if body, ok := inst.Bodies[name]; ok {
			obj := make(map[string]any, len(body))
			for k, bv := range body {
				obj[k] = jsonValue(bv)
			}
			out[name] = obj
			continue
		}
		out[name] = jsonValue(v)
	}
	return out
}

func jsonValue(v rval.Rval) any {
	if s, ok := v.AsScalar(); ok {
		return s
	}
	if items, ok := v.AsList(); ok {
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = jsonValue(item)
		}
		return list
	}
	if n, ok := v.AsContainer(); ok {
		return n.ToAny()
	}
	return v.String()
}
