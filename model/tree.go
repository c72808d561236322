package model

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ToTree converts a typed value into its generic JSON tree of
// map[string]any, []any, string, float64, bool and nil. The result shares
// nothing with v.
func ToTree(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tree: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	return out, nil
}

// ToMap is ToTree for values that encode as JSON objects. Anything else
// yields an empty map.
func ToMap(v any) (map[string]any, error) {
	t, err := ToTree(v)
	if err != nil {
		return nil, err
	}
	m, ok := t.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

// FromTree decodes a generic tree into dst.
func FromTree(tree any, dst any) error {
	b, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encoding tree: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decoding tree: %w", err)
	}
	return nil
}

// Text renders a scalar for display. nil renders as "".
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
