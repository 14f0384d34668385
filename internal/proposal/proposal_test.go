package proposal

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestSanitizeDefaults(t *testing.T) {
	p := Sanitize(Input{}, fixedNow)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, TargetForge, p.AssistantTarget)
	assert.Equal(t, DefaultSummary, p.Summary)
	assert.Equal(t, KindChange, p.Kind)
	assert.Empty(t, p.Files)
	assert.NotNil(t, p.Files)
	assert.Empty(t, p.ScopeRoots)
	assert.NotNil(t, p.ScopeRoots)
	assert.Equal(t, "2026-03-01T09:30:00.000Z", p.CreatedAt)
	assert.Empty(t, p.ResolvedAt)
}

func TestFromUntrustedEmptyRecord(t *testing.T) {
	p := FromUntrusted(map[string]any{}, fixedNow)

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, TargetForge, p.AssistantTarget)
	assert.Equal(t, DefaultSummary, p.Summary)
	assert.Empty(t, p.Files)
	assert.Empty(t, p.ScopeRoots)
}

func TestAssistantTargetNormalization(t *testing.T) {
	assert.Equal(t, TargetCodex, Sanitize(Input{AssistantTarget: "codex"}, fixedNow).AssistantTarget)
	assert.Equal(t, TargetForge, Sanitize(Input{AssistantTarget: "anything-else"}, fixedNow).AssistantTarget)
	assert.Equal(t, TargetForge, Sanitize(Input{AssistantTarget: "Codex"}, fixedNow).AssistantTarget)
	assert.Equal(t, TargetCodex, FromUntrusted(map[string]any{"editorTarget": "codex"}, fixedNow).AssistantTarget)
}

func TestSanitizeStatusOnlyAcceptsExactTerminalNames(t *testing.T) {
	cases := map[string]Status{
		"applied":  StatusApplied,
		"rejected": StatusRejected,
		"failed":   StatusFailed,
		"APPLIED":  StatusPending,
		"merged":   StatusPending,
		"":         StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, Sanitize(Input{Status: raw}, fixedNow).Status, "status %q", raw)
	}
}

func TestSanitizeNormalizesIdentifiersAndSets(t *testing.T) {
	p := Sanitize(Input{
		LoopID:     "  Loop-A ",
		Domain:     "Story",
		Files:      []string{"stories/a.md", " stories/a.md", "", "stories/b.md"},
		ScopeRoots: []string{"stories/", "stories/"},
		Summary:    "   ",
	}, fixedNow)

	assert.Equal(t, "loop-a", p.LoopID)
	assert.Equal(t, "story", p.Domain)
	assert.Equal(t, []string{"stories/a.md", "stories/b.md"}, p.Files)
	assert.Equal(t, []string{"stories/"}, p.ScopeRoots)
	assert.Equal(t, DefaultSummary, p.Summary)
}

func TestSanitizeKeepsResolvedAtOnlyForTerminalStatus(t *testing.T) {
	pending := Sanitize(Input{ResolvedAt: "2026-03-01T10:00:00Z"}, fixedNow)
	applied := Sanitize(Input{Status: "applied", ResolvedAt: "2026-03-01T10:00:00Z"}, fixedNow)

	assert.Empty(t, pending.ResolvedAt)
	assert.Equal(t, "2026-03-01T10:00:00.000Z", applied.ResolvedAt)
}

func TestFromUntrustedCoercesLooseValues(t *testing.T) {
	p := FromUntrusted(map[string]any{
		"proposalId":   "legacy-7",
		"files":        []any{"stories/a.md", 42.0, nil},
		"scopeRoots":   "stories/",
		"createdAtIso": "2025-12-31T23:00:00+01:00",
		"metadata":     map[string]any{"previewToken": "tok"},
		"summary":      12.0,
		"status":       "rejected",
	}, fixedNow)

	assert.Equal(t, "legacy-7", p.ID)
	assert.Equal(t, []string{"stories/a.md", "42"}, p.Files)
	assert.Equal(t, []string{"stories/"}, p.ScopeRoots)
	assert.Equal(t, "2025-12-31T22:00:00.000Z", p.CreatedAt)
	assert.Equal(t, "tok", p.PreviewToken())
	assert.Equal(t, "12", p.Summary)
	assert.Equal(t, StatusRejected, p.Status)
}

func TestCompareByDateDescOrdersLaterFirst(t *testing.T) {
	early := Sanitize(Input{ID: "early", CreatedAt: "2026-01-01T01:00:00Z"}, fixedNow)
	late := Sanitize(Input{ID: "late", CreatedAt: "2026-01-01T02:00:00Z"}, fixedNow)

	items := []Proposal{early, late}
	slices.SortFunc(items, CompareByDateDesc)

	require.Len(t, items, 2)
	assert.Equal(t, "late", items[0].ID)
	assert.Equal(t, "early", items[1].ID)
}

func TestTransitionMessages(t *testing.T) {
	assert.Equal(t, "Proposal applied.", TransitionMessage(StatusApplied))
	assert.Equal(t, "Proposal rejected.", TransitionMessage(StatusRejected))
	assert.Equal(t, "Proposal marked as failed.", TransitionMessage(StatusFailed))
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestSanitizeCopiesMetadata(t *testing.T) {
	metadata := map[string]any{"previewToken": "a"}
	p := Sanitize(Input{Metadata: metadata}, fixedNow)
	metadata["previewToken"] = "b"

	assert.Equal(t, "a", p.PreviewToken())
}
