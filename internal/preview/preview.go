// Package preview holds publish previews: the parsed form of a content file
// waiting for approval, keyed by a token derived from its content.
package preview

import (
	"context"

	"forge/api/internal/markdown"
	"forge/api/internal/util"
)

// PageDraft is the page record an apply would write.
type PageDraft struct {
	Title    string         `json:"title"`
	Slug     string         `json:"slug"`
	Metadata map[string]any `json:"metadata"`
}

// ChangedSummary compares the preview against the persisted page.
type ChangedSummary struct {
	Changed             bool   `json:"changed"`
	ExistingContentHash string `json:"existingContentHash,omitempty"`
	NextContentHash     string `json:"nextContentHash"`
	PreviousBlockCount  int    `json:"previousBlockCount"`
	NextBlockCount      int    `json:"nextBlockCount"`
}

type Preview struct {
	Token              string           `json:"token"`
	CreatedAt          string           `json:"createdAt"`
	LoopID             string           `json:"loopId"`
	Domain             string           `json:"domain"`
	Path               string           `json:"path"`
	ScopeOverrideToken string           `json:"scopeOverrideToken,omitempty"`
	PageDraft          PageDraft        `json:"pageDraft"`
	BlocksDraft        []markdown.Block `json:"blocksDraft"`
	ContentHash        string           `json:"contentHash"`
	ChangedSummary     ChangedSummary   `json:"changedSummary"`
	Warnings           []string         `json:"warnings"`
}

// Token is a pure function of its inputs, so previewing unchanged content
// twice yields the same token.
func Token(loopID, path, contentHash string) string {
	return "pv_" + util.ShortHash(util.HashHex(loopID, path, contentHash), 32)
}

type Store interface {
	// Get returns false when the token is unknown or expired.
	Get(ctx context.Context, token string) (Preview, bool, error)
	Put(ctx context.Context, p Preview) error
}
