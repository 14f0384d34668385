// Package scope authorizes content paths against per-domain roots.
package scope

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrOutOfScope is returned by content sources asked for a path outside the
// roots they were given.
var ErrOutOfScope = errors.New("path out of scope")

type Operation string

const (
	OperationPreview Operation = "preview"
	OperationApply   Operation = "apply"
)

type Request struct {
	Operation     Operation
	Paths         []string
	Domain        string
	LoopID        string
	OverrideToken string
}

// DecisionContext describes what the decision allowed. AllowedRoots is passed
// on to content reads.
type DecisionContext struct {
	Domain       string   `json:"domain"`
	LoopID       string   `json:"loopId"`
	AllowedRoots []string `json:"allowedRoots"`
	Override     bool     `json:"override"`
}

// Decision is never an error: a denial is an expected, user-facing outcome.
type Decision struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message,omitempty"`
	OutOfScope []string        `json:"outOfScope,omitempty"`
	Context    DecisionContext `json:"context"`
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) Decision
}

// Guard allows paths under the roots configured for the request's domain. A
// valid override token lifts the root restriction but never the path safety
// checks.
type Guard struct {
	roots        map[string][]string
	overrideHash []byte
}

func NewGuard(roots map[string][]string, overrideHash string) *Guard {
	normalized := make(map[string][]string, len(roots))
	for domain, list := range roots {
		key := strings.ToLower(strings.TrimSpace(domain))
		for _, root := range list {
			if root = NormalizeRoot(root); root != "" {
				normalized[key] = append(normalized[key], root)
			}
		}
		sort.Strings(normalized[key])
	}
	return &Guard{roots: normalized, overrideHash: []byte(strings.TrimSpace(overrideHash))}
}

// ParseRoots reads "story=stories/,drafts/;notes=notes/".
func ParseRoots(value string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		domain, list, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(domain) == "" {
			return nil, fmt.Errorf("invalid scope roots entry %q", part)
		}
		for _, root := range strings.Split(list, ",") {
			if root = strings.TrimSpace(root); root != "" {
				out[strings.TrimSpace(domain)] = append(out[strings.TrimSpace(domain)], root)
			}
		}
	}
	return out, nil
}

// HashOverrideToken returns the bcrypt hash to configure for a token.
func HashOverrideToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash override token: %w", err)
	}
	return string(hash), nil
}

func (g *Guard) Authorize(ctx context.Context, req Request) Decision {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	decision := Decision{Context: DecisionContext{
		Domain: domain,
		LoopID: strings.ToLower(strings.TrimSpace(req.LoopID)),
	}}

	if len(req.Paths) == 0 {
		decision.Message = "No content paths to authorize."
		return decision
	}

	var unsafe []string
	cleaned := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		clean, ok := CleanPath(p)
		if !ok {
			unsafe = append(unsafe, p)
			continue
		}
		cleaned = append(cleaned, clean)
	}
	if len(unsafe) > 0 {
		decision.Message = fmt.Sprintf("Unsafe content path: %s.", strings.Join(unsafe, ", "))
		decision.OutOfScope = unsafe
		return decision
	}

	if token := strings.TrimSpace(req.OverrideToken); token != "" {
		if len(g.overrideHash) == 0 || bcrypt.CompareHashAndPassword(g.overrideHash, []byte(token)) != nil {
			decision.Message = "Scope override token rejected."
			return decision
		}
		decision.OK = true
		decision.Context.Override = true
		decision.Context.AllowedRoots = cleaned
		return decision
	}

	roots := g.roots[domain]
	if len(roots) == 0 {
		roots = g.roots["*"]
	}
	if len(roots) == 0 {
		decision.Message = fmt.Sprintf("No scope roots are configured for domain %q.", domain)
		decision.OutOfScope = cleaned
		return decision
	}

	var outside []string
	for _, p := range cleaned {
		if !Within(p, roots) {
			outside = append(outside, p)
		}
	}
	decision.Context.AllowedRoots = append([]string(nil), roots...)
	if len(outside) > 0 {
		decision.Message = fmt.Sprintf("Out of scope for domain %q: %s.", domain, strings.Join(outside, ", "))
		decision.OutOfScope = outside
		return decision
	}
	decision.OK = true
	return decision
}

// CleanPath rejects absolute paths and parent traversal and returns the
// slash-separated relative form.
func CleanPath(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", false
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", false
	}
	return clean, true
}

// NormalizeRoot strips leading "./" and slashes and ends directory roots with
// "/". The whole tree is "".
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(strings.ReplaceAll(root, "\\", "/"))
	root = strings.TrimPrefix(root, "./")
	root = strings.Trim(root, "/")
	if root == "" || root == "." {
		return ""
	}
	return path.Clean(root) + "/"
}

// Within reports whether p equals one of roots or sits below it. A root that
// names a file matches only that file.
func Within(p string, roots []string) bool {
	clean, ok := CleanPath(p)
	if !ok {
		return false
	}
	for _, root := range roots {
		trimmed := strings.Trim(strings.TrimPrefix(strings.TrimSpace(root), "./"), "/")
		if trimmed == "" || trimmed == "." || trimmed == "*" {
			return true
		}
		if clean == trimmed || strings.HasPrefix(clean, trimmed+"/") {
			return true
		}
	}
	return false
}
