package proposal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forge/api/internal/util"
)

// Input is a typed but unvalidated proposal, e.g. from an API body or a
// storage row. Sanitize is the only way to turn it into a Proposal.
type Input struct {
	ID                 string
	AssistantTarget    string
	LoopID             string
	Domain             string
	ScopeRoots         []string
	ScopeOverrideToken string
	ThreadID           string
	TurnID             string
	Kind               string
	Summary            string
	Files              []string
	Diff               string
	Metadata           map[string]any
	Status             string
	CreatedAt          string
	ResolvedAt         string
	ApprovalToken      string
}

// Sanitize fills every field with a safe default and never fails.
func Sanitize(in Input, now time.Time) Proposal {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = util.NewID("prop")
	}
	target := TargetForge
	if in.AssistantTarget == TargetCodex {
		target = TargetCodex
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		kind = KindChange
	}
	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		summary = DefaultSummary
	}
	status := ParseStatus(in.Status)

	createdAt, ok := normalizeTime(in.CreatedAt)
	if !ok {
		createdAt = FormatTime(now)
	}
	resolvedAt := ""
	if status.Terminal() {
		resolvedAt, _ = normalizeTime(in.ResolvedAt)
	}

	return Proposal{
		ID:                 id,
		AssistantTarget:    target,
		LoopID:             strings.ToLower(strings.TrimSpace(in.LoopID)),
		Domain:             strings.ToLower(strings.TrimSpace(in.Domain)),
		ScopeRoots:         uniqueStrings(in.ScopeRoots),
		ScopeOverrideToken: strings.TrimSpace(in.ScopeOverrideToken),
		ThreadID:           strings.TrimSpace(in.ThreadID),
		TurnID:             strings.TrimSpace(in.TurnID),
		Kind:               kind,
		Summary:            summary,
		Files:              uniqueStrings(in.Files),
		Diff:               in.Diff,
		Metadata:           copyMetadata(in.Metadata),
		Status:             status,
		CreatedAt:          createdAt,
		ResolvedAt:         resolvedAt,
		ApprovalToken:      strings.TrimSpace(in.ApprovalToken),
	}
}

// FromUntrusted coerces a loosely typed record (legacy JSON, decoded request
// bodies) into a Proposal. Unknown keys are ignored, mistyped values fall back
// to defaults, and it never fails.
func FromUntrusted(raw map[string]any, now time.Time) Proposal {
	metadata, _ := raw["metadata"].(map[string]any)
	return Sanitize(Input{
		ID:                 firstString(raw, "id", "proposalId"),
		AssistantTarget:    firstString(raw, "assistantTarget", "editorTarget"),
		LoopID:             firstString(raw, "loopId"),
		Domain:             firstString(raw, "domain"),
		ScopeRoots:         coerceStrings(raw["scopeRoots"]),
		ScopeOverrideToken: firstString(raw, "scopeOverrideToken"),
		ThreadID:           firstString(raw, "threadId"),
		TurnID:             firstString(raw, "turnId"),
		Kind:               firstString(raw, "kind"),
		Summary:            firstString(raw, "summary"),
		Files:              coerceStrings(raw["files"]),
		Diff:               firstString(raw, "diff"),
		Metadata:           metadata,
		Status:             firstString(raw, "status"),
		CreatedAt:          firstString(raw, "createdAt", "createdAtIso"),
		ResolvedAt:         firstString(raw, "resolvedAt"),
		ApprovalToken:      firstString(raw, "approvalToken"),
	}, now)
}

// ToInput converts back for refresh-style updates.
func (p Proposal) ToInput() Input {
	return Input{
		ID:                 p.ID,
		AssistantTarget:    p.AssistantTarget,
		LoopID:             p.LoopID,
		Domain:             p.Domain,
		ScopeRoots:         append([]string(nil), p.ScopeRoots...),
		ScopeOverrideToken: p.ScopeOverrideToken,
		ThreadID:           p.ThreadID,
		TurnID:             p.TurnID,
		Kind:               p.Kind,
		Summary:            p.Summary,
		Files:              append([]string(nil), p.Files...),
		Diff:               p.Diff,
		Metadata:           copyMetadata(p.Metadata),
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		ResolvedAt:         p.ResolvedAt,
		ApprovalToken:      p.ApprovalToken,
	}
}

func normalizeTime(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return "", false
	}
	return FormatTime(parsed), true
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			if coerced := coerceString(value); coerced != "" {
				return coerced
			}
		}
	}
	return ""
}

func coerceString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func coerceStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
