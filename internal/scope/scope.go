// Package scope implements the scope engine: matching rows against scope
// patterns, enumerating the concrete scope keys a row belongs to, and
// filtering commit/change streams by a client's effective scope set.
package scope

import (
	"fmt"
	"strings"
)

// Pattern is a parsed scope template, e.g. "project:{project_id}" or
// "project:{project_id}:board:{board_id}".
type Pattern struct {
	raw    string
	Kind   string
	Params []string // param names in declared order, e.g. ["project_id"]
}

// ParsePattern parses "kind:{param_a}:{param_b}" style templates. The kind
// is the first colon-delimited segment and must be literal; later segments
// are either {param}s or literals (e.g. "board" in
// "project:{project_id}:board:{board_id}"), and at least one must be a
// {param}.
func ParsePattern(s string) (Pattern, error) {
	segs := strings.Split(s, ":")
	if len(segs) < 2 {
		return Pattern{}, fmt.Errorf("scope pattern %q: need at least kind:{param}", s)
	}
	p := Pattern{raw: s, Kind: segs[0]}
	if p.Kind == "" || strings.HasPrefix(p.Kind, "{") {
		return Pattern{}, fmt.Errorf("scope pattern %q: missing literal kind segment", s)
	}
	for _, seg := range segs[1:] {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}")
		if name == "" {
			return Pattern{}, fmt.Errorf("scope pattern %q: empty param name", s)
		}
		p.Params = append(p.Params, name)
	}
	if len(p.Params) == 0 {
		return Pattern{}, fmt.Errorf("scope pattern %q: no {param} segment", s)
	}
	return p, nil
}

// Key renders a concrete scope key for this pattern given literal values for
// each declared param, in the same order as Params. Literal segments of the
// template are kept in place.
func (p Pattern) Key(values ...string) (string, error) {
	if len(values) != len(p.Params) {
		return "", fmt.Errorf("pattern %q: want %d values, got %d", p.raw, len(p.Params), len(values))
	}
	segs := strings.Split(p.raw, ":")
	next := 0
	for i := 1; i < len(segs); i++ {
		if strings.HasPrefix(segs[i], "{") && strings.HasSuffix(segs[i], "}") {
			segs[i] = values[next]
			next++
		}
	}
	return strings.Join(segs, ":"), nil
}

// RowExpr derives the concrete param values a pattern's params take for a
// given row. Returns ok=false when the row does not carry every param the
// pattern needs (the row simply isn't in any scope of this pattern).
type RowExpr func(table string, row map[string]any, params []string) (values []string, ok bool)

// TableConfig binds a table to the patterns its rows can belong to and the
// expression that reads param values off a row.
type TableConfig struct {
	Table    string
	Patterns []Pattern
	Expr     RowExpr
}

// Engine holds the registered per-table scope configuration and computes
// concrete scope keys for rows and effective scope sets for subscriptions.
type Engine struct {
	tables map[string]TableConfig
}

// NewEngine creates an empty scope engine. Register table configuration with
// Register before use.
func NewEngine() *Engine {
	return &Engine{tables: make(map[string]TableConfig)}
}

// Register adds (or replaces) the scope configuration for a table.
func (e *Engine) Register(cfg TableConfig) {
	e.tables[cfg.Table] = cfg
}

// ScopeKeysForRow returns every concrete scope key a row belongs to, one per
// pattern registered for the row's table that the row has values for.
func (e *Engine) ScopeKeysForRow(table string, row map[string]any) []string {
	cfg, ok := e.tables[table]
	if !ok {
		return nil
	}
	var keys []string
	for _, p := range cfg.Patterns {
		values, ok := cfg.Expr(table, row, p.Params)
		if !ok {
			continue
		}
		key, err := p.Key(values...)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Binding is a subscription's chosen literal value (or "*" wildcard) for a
// single pattern param.
type Binding map[string]string

// Bind validates bindings against a table's registered patterns and
// resolves every concrete scope key the bound pattern expands to. An
// unrecognized table or pattern kind, or a binding missing a required
// param, is rejected — the engine never widens scopes silently.
func (e *Engine) Bind(table, patternKind string, bindings Binding) ([]string, error) {
	cfg, ok := e.tables[table]
	if !ok {
		return nil, fmt.Errorf("scope: unknown table %q", table)
	}
	var pat *Pattern
	for i := range cfg.Patterns {
		if cfg.Patterns[i].Kind == patternKind {
			pat = &cfg.Patterns[i]
			break
		}
	}
	if pat == nil {
		return nil, fmt.Errorf("scope: unknown pattern kind %q for table %q", patternKind, table)
	}

	values := make([]string, len(pat.Params))
	wildcard := -1
	for i, name := range pat.Params {
		v, ok := bindings[name]
		if !ok {
			return nil, fmt.Errorf("scope: pattern %q missing binding for param %q", patternKind, name)
		}
		if v == "*" {
			if wildcard != -1 {
				return nil, fmt.Errorf("scope: pattern %q supports at most one wildcard param", patternKind)
			}
			wildcard = i
		}
		values[i] = v
	}
	if wildcard == -1 {
		key, err := pat.Key(values...)
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	}
	// A wildcard binding matches every concrete value seen in live data;
	// the engine itself has no row enumeration, so the caller (which does
	// have table access) must expand it. Returning the literal "*" marker
	// segment lets callers special-case a match against the wildcard
	// position directly instead of listing values.
	key, err := pat.Key(values...)
	if err != nil {
		return nil, err
	}
	return []string{key}, nil
}

// EffectiveScopes is the union of concrete scope keys across a set of
// bindings, as stored verbatim in sync_client_cursors.scopes.
func EffectiveScopes(boundKeys [][]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, keys := range boundKeys {
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	return set
}

// Matches reports whether a change is visible to a client: its scope keys
// intersect the client's effective scope set.
func Matches(changeScopeKeys []string, effective map[string]struct{}) bool {
	for _, k := range changeScopeKeys {
		if _, ok := effective[k]; ok {
			return true
		}
		if matchesWildcard(k, effective) {
			return true
		}
	}
	return false
}

// matchesWildcard checks a concrete key like "project:p1" against any
// effective key that used a "*" binding, e.g. "project:*".
func matchesWildcard(key string, effective map[string]struct{}) bool {
	segs := strings.Split(key, ":")
	for i := range segs {
		candidate := append(append([]string{}, segs[:i]...), "*")
		candidate = append(candidate, segs[i+1:]...)
		if _, ok := effective[strings.Join(candidate, ":")]; ok {
			return true
		}
	}
	return false
}
