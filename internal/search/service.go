package search

import (
	"context"
	"sync"
	"time"

	"forge/api/internal/proposal"

	"github.com/rs/zerolog/log"
)

// timeZero is passed to Sanitize when rehydrating stored rows; every stored
// row already carries createdAt.
var timeZero = time.Unix(0, 0).UTC()

// Service tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback *SQLFallback
	pending  sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback *SQLFallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		log.Warn().Err(err).Msg("meilisearch error, falling back to sql search")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Warn().Err(err).Msg("sql search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "sql"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "sql"}
}

// IndexProposal pushes a proposal to Meilisearch without blocking the caller.
func (s *Service) IndexProposal(ctx context.Context, p proposal.Proposal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(p)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.meili.IndexProposal(record); err != nil {
			log.Warn().Err(err).Str("proposal_id", record.ID).Msg("index proposal")
		}
	}()
}

// ReindexAll pushes every given proposal in one batch.
func (s *Service) ReindexAll(proposals []proposal.Proposal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]ProposalRecord, 0, len(proposals))
	for _, p := range proposals {
		records = append(records, RecordFor(p))
	}
	if err := s.meili.IndexProposals(records); err != nil {
		log.Warn().Err(err).Int("count", len(records)).Msg("reindex proposals")
	}
}

// Close waits for in-flight index calls and stops the Meilisearch monitor.
func (s *Service) Close() {
	s.pending.Wait()
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
