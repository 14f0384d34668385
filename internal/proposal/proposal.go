// Package proposal defines the reviewable change record and the only
// constructors allowed to produce one.
package proposal

import (
	"strings"
	"time"
)

// Status is the review lifecycle state of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusFailed
}

// ParseStatus accepts only the exact lower-case terminal names; anything
// else is pending.
func ParseStatus(value string) Status {
	switch Status(value) {
	case StatusApplied, StatusRejected, StatusFailed:
		return Status(value)
	default:
		return StatusPending
	}
}

const (
	TargetForge = "forge"
	TargetCodex = "codex"
)

const (
	KindChange       = "change"
	KindStoryPublish = "story-publish"
)

const (
	DefaultSummary = "Proposal"

	// MetadataPreviewToken links a story-publish proposal to its preview.
	MetadataPreviewToken = "previewToken"
)

// TimeLayout is fixed-width UTC so timestamps order lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Proposal is an append-only audit record of a change under review.
type Proposal struct {
	ID                 string         `json:"id"`
	AssistantTarget    string         `json:"assistantTarget"`
	LoopID             string         `json:"loopId"`
	Domain             string         `json:"domain"`
	ScopeRoots         []string       `json:"scopeRoots"`
	ScopeOverrideToken string         `json:"scopeOverrideToken,omitempty"`
	ThreadID           string         `json:"threadId,omitempty"`
	TurnID             string         `json:"turnId,omitempty"`
	Kind               string         `json:"kind"`
	Summary            string         `json:"summary"`
	Files              []string       `json:"files"`
	Diff               string         `json:"diff"`
	Metadata           map[string]any `json:"metadata"`
	Status             Status         `json:"status"`
	CreatedAt          string         `json:"createdAt"`
	ResolvedAt         string         `json:"resolvedAt,omitempty"`
	ApprovalToken      string         `json:"approvalToken,omitempty"`
}

// PreviewToken returns metadata.previewToken when it is a non-blank string.
func (p Proposal) PreviewToken() string {
	value, _ := p.Metadata[MetadataPreviewToken].(string)
	return strings.TrimSpace(value)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// CompareByDateDesc orders later CreatedAt first. ISO-8601 strings in
// TimeLayout compare lexicographically in time order.
func CompareByDateDesc(a, b Proposal) int {
	return strings.Compare(b.CreatedAt, a.CreatedAt)
}

// TransitionMessage is the result text every transition path reports.
func TransitionMessage(status Status) string {
	switch status {
	case StatusApplied:
		return "Proposal applied."
	case StatusRejected:
		return "Proposal rejected."
	case StatusFailed:
		return "Proposal marked as failed."
	default:
		return "Proposal is pending review."
	}
}

// Filter narrows a proposal listing. Zero values match everything.
type Filter struct {
	LoopID string
	Status Status
	Limit  int
}

// Matches reports whether p passes the loop and status constraints.
func (f Filter) Matches(p Proposal) bool {
	if f.LoopID != "" && !strings.EqualFold(f.LoopID, p.LoopID) {
		return false
	}
	if f.Status != "" && f.Status != p.Status {
		return false
	}
	return true
}
