package template

// Lookup reads the latest rendered value of a template. Implementations
// must only answer when the cached entry was rendered from the same
// template text.
type Lookup interface {
	Lookup(key Key, template string) (any, bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(key Key, template string) (any, bool)

// Lookup calls f.
func (f LookupFunc) Lookup(key Key, template string) (any, bool) {
	return f(key, template)
}

// Materialize returns a deep copy of raw with every template string replaced
// by its rendered value. Templates without a rendered value stay as their
// literal text. raw is never mutated and the result shares no maps or
// slices with it.
func (s *Scanner) Materialize(scope string, raw any, lookup Lookup) any {
	return s.materialize(scope, raw, nil, lookup)
}

func (s *Scanner) materialize(scope string, value any, path Path, lookup Lookup) any {
	switch v := value.(type) {
	case string:
		if !s.IsTemplate(v) || lookup == nil {
			return v
		}
		if rendered, ok := lookup.Lookup(KeyFor(scope, path), v); ok {
			return rendered
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			if s.skip(k) {
				out[k] = copyTree(el)
				continue
			}
			out[k] = s.materialize(scope, el, append(path, k), lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = s.materialize(scope, el, append(path, s.segment(i, el)), lookup)
		}
		return out
	default:
		return v
	}
}

func copyTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			out[k] = copyTree(el)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = copyTree(el)
		}
		return out
	default:
		return v
	}
}
