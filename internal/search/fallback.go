package search

import (
	"context"
	"strings"

	"forge/api/internal/proposal"
)

// ProposalSearcher is the SQL side of the search, e.g. store.SQLStore.
type ProposalSearcher interface {
	SearchProposals(ctx context.Context, q string, limit int) ([]proposal.Input, error)
}

// SQLFallback answers queries with a LIKE scan when Meilisearch is down.
type SQLFallback struct {
	store ProposalSearcher
}

func NewSQLFallback(store ProposalSearcher) *SQLFallback {
	return &SQLFallback{store: store}
}

func (f *SQLFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	rows, err := f.store.SearchProposals(ctx, q.Text, 0)
	if err != nil {
		return nil, 0, err
	}

	filter := proposal.Filter{LoopID: q.LoopID, Status: q.Status}
	matched := make([]Result, 0, len(rows))
	for _, row := range rows {
		p := proposal.Sanitize(row, timeZero)
		if !filter.Matches(p) {
			continue
		}
		matched = append(matched, resultFor(RecordFor(p)))
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 || offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
