// Package template finds template strings inside generic configuration
// trees and rebuilds those trees with rendered values substituted.
//
// Trees are the generic shapes produced by JSON or YAML decoding:
// map[string]any, []any and scalars. Other Go types are treated as opaque
// scalars.
package template

import (
	"sort"
	"strconv"
	"strings"
)

// Path is an ordered sequence of member names and list segments.
type Path []string

// String dot-joins the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Site is one template string found by a scan.
type Site struct {
	Path     Path
	Template string
}

// Key identifies one live subscription. Scope is the owning field id, or ""
// for card-level templates.
type Key struct {
	Scope string
	Path  string
}

// KeyFor builds the key of a site path within scope.
func KeyFor(scope string, p Path) Key {
	return Key{Scope: scope, Path: p.String()}
}

// String renders the key as "scope:path", or "path" when scope is empty.
func (k Key) String() string {
	if k.Scope == "" {
		return k.Path
	}
	return k.Scope + ":" + k.Path
}

// Predicate reports whether a string contains template syntax.
type Predicate func(string) bool

// ContainsJinja matches the Jinja expression, statement and comment
// delimiters.
func ContainsJinja(s string) bool {
	return strings.Contains(s, "{{") ||
		strings.Contains(s, "{%") ||
		strings.Contains(s, "{#")
}

// ContainsBrace matches any string containing "{".
func ContainsBrace(s string) bool {
	return strings.ContainsRune(s, '{')
}

// PredicateByName returns a shipped predicate. Unknown names yield nil.
func PredicateByName(name string) Predicate {
	switch name {
	case "", "jinja":
		return ContainsJinja
	case "brace":
		return ContainsBrace
	}
	return nil
}

// Scanner walks configuration trees. The same Scanner must be used for
// scanning and materializing so both agree on paths.
type Scanner struct {
	// Predicate decides which strings are templates. Defaults to ContainsJinja.
	Predicate Predicate
	// SkipKeys lists map members that are never scanned.
	SkipKeys []string
	// ListKey names the identity member of list elements. An element that
	// carries a non-empty string under ListKey is addressed by it instead of
	// by its index.
	ListKey string
}

// Scan returns every template string in value together with its path.
// Map members are visited in sorted order so the result is deterministic.
func (s *Scanner) Scan(value any, prefix ...string) []Site {
	var sites []Site
	s.walk(value, append(Path(nil), prefix...), func(p Path, tmpl string) {
		sites = append(sites, Site{Path: append(Path(nil), p...), Template: tmpl})
	})
	return sites
}

// IsTemplate applies the scanner's predicate.
func (s *Scanner) IsTemplate(v string) bool {
	if s.Predicate == nil {
		return ContainsJinja(v)
	}
	return s.Predicate(v)
}

func (s *Scanner) walk(value any, path Path, visit func(Path, string)) {
	switch v := value.(type) {
	case string:
		if s.IsTemplate(v) {
			visit(path, v)
		}
	case map[string]any:
		for _, k := range sortedKeys(v) {
			if s.skip(k) {
				continue
			}
			s.walk(v[k], append(path, k), visit)
		}
	case []any:
		for i, el := range v {
			s.walk(el, append(path, s.segment(i, el)), visit)
		}
	}
}

func (s *Scanner) skip(key string) bool {
	for _, k := range s.SkipKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Scanner) segment(i int, el any) string {
	if s.ListKey != "" {
		if m, ok := el.(map[string]any); ok {
			if id, ok := m[s.ListKey].(string); ok && id != "" {
				return id
			}
		}
	}
	return strconv.Itoa(i)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff returns the sites of old whose path is gone from next or whose
// template text changed. Their subscriptions must be torn down.
func Diff(old, next []Site) []Site {
	current := make(map[string]string, len(next))
	for _, s := range next {
		current[s.Path.String()] = s.Template
	}
	var stale []Site
	for _, s := range old {
		tmpl, ok := current[s.Path.String()]
		if !ok || tmpl != s.Template {
			stale = append(stale, s)
		}
	}
	return stale
}
