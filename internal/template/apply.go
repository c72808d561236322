package template

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// StringFunc maps one string leaf to its replacement.
type StringFunc func(ctx context.Context, s string) (any, error)

// ApplyToStrings returns a copy of value with fn applied to every string
// leaf. Leaves are mapped concurrently. The first error cancels the rest
// and is returned.
func ApplyToStrings(ctx context.Context, value any, fn StringFunc) (any, error) {
	if s, ok := value.(string); ok {
		return fn(ctx, s)
	}

	var leaves []leaf
	out := collect(value, func(l leaf) { leaves = append(leaves, l) })
	if len(leaves) == 0 {
		return out, nil
	}

	results := make([]any, len(leaves))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range leaves {
		g.Go(func() error {
			v, err := fn(gctx, l.text)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, l := range leaves {
		l.set(results[i])
	}
	return out, nil
}

type leaf struct {
	text string
	set  func(any)
}

// collect copies value and records a setter for every string leaf. Setters
// are applied after all leaves are mapped so containers are never written
// concurrently.
func collect(value any, add func(leaf)) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			if s, ok := el.(string); ok {
				out[k] = s
				add(leaf{text: s, set: func(r any) { out[k] = r }})
				continue
			}
			out[k] = collect(el, add)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			if s, ok := el.(string); ok {
				out[i] = s
				add(leaf{text: s, set: func(r any) { out[i] = r }})
				continue
			}
			out[i] = collect(el, add)
		}
		return out
	default:
		return v
	}
}
