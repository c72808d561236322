package form

import (
	"github.com/tiendc/go-deepcopy"

	"github.com/pitabwire/formcard/model"
)

func clone(v model.FormValue) model.FormValue {
	var out model.FormValue
	if err := deepcopy.Copy(&out, &v); err != nil {
		return model.FormValue{Action: v.Action, Data: normalizeMap(v.Data)}
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out
}

// cloneAny copies through a typed map: an interface destination would
// receive a pointer to the value instead of the value.
func cloneAny(v any) any {
	var out map[string]any
	if err := deepcopy.Copy(&out, map[string]any{"v": v}); err != nil {
		return normalize(v)
	}
	return out["v"]
}

// normalize turns a value into a generic JSON tree so that values from
// YAML, JSON and Go callers compare equal when they mean the same thing.
func normalize(v any) any {
	t, err := model.ToTree(v)
	if err != nil {
		return v
	}
	return t
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
