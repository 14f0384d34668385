// Package settings holds per-workspace and per-loop settings documents. A
// snapshot is the workspace document with the loop document merged over it.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeLoop      Scope = "loop"
)

var ErrInvalidScope = errors.New("invalid settings scope")

// SnapshotQuery selects the documents merged into a snapshot. Either id may be
// empty, in which case that layer is skipped.
type SnapshotQuery struct {
	WorkspaceID string
	LoopID      string
}

// Update deep-merges Settings into the document for (Scope, ScopeID).
type Update struct {
	Scope       Scope
	ScopeID     string
	WorkspaceID string
	LoopID      string
	Settings    map[string]any
}

// Store is the settings collaborator consumed by the trust resolver.
type Store interface {
	GetSnapshot(ctx context.Context, q SnapshotQuery) (map[string]any, error)
	Upsert(ctx context.Context, u Update) error
}

// Normalize validates the scope and fills ScopeID from the matching id when
// it was left blank.
func (u Update) Normalize() (Update, error) {
	u.WorkspaceID = strings.TrimSpace(u.WorkspaceID)
	u.LoopID = strings.ToLower(strings.TrimSpace(u.LoopID))
	u.ScopeID = strings.TrimSpace(u.ScopeID)
	switch u.Scope {
	case ScopeWorkspace:
		if u.ScopeID == "" {
			u.ScopeID = u.WorkspaceID
		}
	case ScopeLoop:
		if u.ScopeID == "" {
			u.ScopeID = u.LoopID
		}
		u.ScopeID = strings.ToLower(u.ScopeID)
	default:
		return u, fmt.Errorf("%w: %q", ErrInvalidScope, u.Scope)
	}
	if u.ScopeID == "" {
		return u, fmt.Errorf("%w: missing %s id", ErrInvalidScope, u.Scope)
	}
	return u, nil
}

// Merge returns base with overlay deep-merged over it. Nested objects merge
// key by key; any other overlay value replaces the base value. Neither input
// is modified.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range overlay {
		next, ok := v.(map[string]any)
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		if prev, ok := out[k].(map[string]any); ok {
			out[k] = Merge(prev, next)
		} else {
			out[k] = Merge(nil, next)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Merge(nil, typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	default:
		return v
	}
}

// Lookup walks nested objects along path.
func Lookup(doc map[string]any, path ...string) (any, bool) {
	var current any = doc
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Nest builds {path[0]: {path[1]: ... value}}.
func Nest(value any, path ...string) map[string]any {
	if len(path) == 0 {
		return map[string]any{}
	}
	out := map[string]any{path[len(path)-1]: value}
	for i := len(path) - 2; i >= 0; i-- {
		out = map[string]any{path[i]: out}
	}
	return out
}
