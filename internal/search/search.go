// Package search finds proposals in the review queue. Meilisearch is used
// while it is healthy; otherwise queries fall back to the SQL store.
package search

import "forge/api/internal/proposal"

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string   `json:"id"`
	Summary   string   `json:"summary"`
	Snippet   string   `json:"snippet"`
	LoopID    string   `json:"loopId"`
	Status    string   `json:"status"`
	Kind      string   `json:"kind"`
	Files     []string `json:"files"`
	CreatedAt string   `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	LoopID string
	Status proposal.Status
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// ProposalRecord is the document indexed for a proposal.
type ProposalRecord struct {
	ID        string   `json:"id"`
	LoopID    string   `json:"loopId"`
	Domain    string   `json:"domain"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Files     []string `json:"files"`
	CreatedAt string   `json:"createdAt"`
}

func RecordFor(p proposal.Proposal) ProposalRecord {
	files := p.Files
	if files == nil {
		files = []string{}
	}
	return ProposalRecord{
		ID:        p.ID,
		LoopID:    p.LoopID,
		Domain:    p.Domain,
		Kind:      p.Kind,
		Status:    string(p.Status),
		Summary:   p.Summary,
		Files:     files,
		CreatedAt: p.CreatedAt,
	}
}

func resultFor(r ProposalRecord) Result {
	return Result{
		ID:        r.ID,
		Summary:   r.Summary,
		Snippet:   r.Summary,
		LoopID:    r.LoopID,
		Status:    r.Status,
		Kind:      r.Kind,
		Files:     r.Files,
		CreatedAt: r.CreatedAt,
	}
}
