package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"forge/api/internal/proposal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeSearcher struct {
	rows []proposal.Input
	err  error
}

func (f fakeSearcher) SearchProposals(ctx context.Context, q string, limit int) ([]proposal.Input, error) {
	return f.rows, f.err
}

func sampleRows() []proposal.Input {
	return []proposal.Input{
		{ID: "p3", LoopID: "loop-2", Summary: "Dragon epilogue", Status: "applied", CreatedAt: "2026-01-03T00:00:00Z"},
		{ID: "p2", LoopID: "loop-1", Summary: "Dragon chapter", CreatedAt: "2026-01-02T00:00:00Z"},
		{ID: "p1", LoopID: "loop-1", Summary: "Dragon intro", CreatedAt: "2026-01-01T00:00:00Z"},
	}
}

func TestSQLFallbackFiltersAndPages(t *testing.T) {
	fb := NewSQLFallback(fakeSearcher{rows: sampleRows()})
	ctx := context.Background()

	results, total, err := fb.Search(ctx, Query{Text: "dragon", LoopID: "loop-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, "p2", results[0].ID)

	results, total, err = fb.Search(ctx, Query{Text: "dragon", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, results, 1)
	assert.Equal(t, "p2", results[0].ID)

	results, _, err = fb.Search(ctx, Query{Text: "dragon", Status: proposal.StatusApplied})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p3", results[0].ID)

	results, total, err = fb.Search(ctx, Query{Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestServiceWithoutMeiliUsesSQL(t *testing.T) {
	svc := NewService(nil, NewSQLFallback(fakeSearcher{rows: sampleRows()}))
	defer svc.Close()

	resp := svc.Search(context.Background(), Query{Text: "dragon"})
	assert.Equal(t, "sql", resp.Engine)
	assert.Equal(t, 3, resp.Total)

	// Indexing without Meilisearch is a no-op.
	svc.IndexProposal(context.Background(), proposal.Proposal{ID: "p1"})
}

func TestServiceSQLErrorReturnsEmpty(t *testing.T) {
	svc := NewService(nil, NewSQLFallback(fakeSearcher{err: errors.New("db down")}))
	resp := svc.Search(context.Background(), Query{Text: "dragon"})
	assert.Equal(t, []Result{}, resp.Results)
	assert.Zero(t, resp.Total)
}

// fakeMeili answers the handful of Meilisearch endpoints the client uses.
type fakeMeili struct {
	mu        sync.Mutex
	healthy   bool
	documents []ProposalRecord
}

func (f *fakeMeili) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/health":
		f.mu.Lock()
		healthy := f.healthy
		f.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"message":"down","code":"unavailable","type":"system","link":""}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"available"}`)
	case strings.HasSuffix(r.URL.Path, "/search"):
		_, _ = io.WriteString(w, `{
			"hits": [{
				"id": "p1", "summary": "Dragon chapter", "loopId": "loop-1", "status": "pending",
				"kind": "change", "files": ["stories/a.md"], "createdAt": "2026-01-01T00:00:00.000Z",
				"_formatted": {"summary": "<mark>Dragon</mark> chapter"}
			}],
			"estimatedTotalHits": 1, "query": "dragon", "limit": 20, "offset": 0, "processingTimeMs": 1
		}`)
	default:
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/documents") {
			var docs []ProposalRecord
			_ = json.NewDecoder(r.Body).Decode(&docs)
			f.mu.Lock()
			f.documents = append(f.documents, docs...)
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"forge_proposals","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2026-01-01T00:00:00Z"}`)
	}
}

func TestMeiliIndexAndSearch(t *testing.T) {
	fake := &fakeMeili{healthy: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewMeili(srv.URL, "master", time.Hour)
	svc := NewService(m, NewSQLFallback(fakeSearcher{}))
	require.True(t, m.Healthy())

	svc.IndexProposal(context.Background(), proposal.Proposal{ID: "p1", Summary: "Dragon chapter", Status: proposal.StatusPending})
	resp := svc.Search(context.Background(), Query{Text: "dragon", LoopID: "loop-1"})
	svc.Close()

	assert.Equal(t, "meilisearch", resp.Engine)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p1", resp.Results[0].ID)
	assert.Equal(t, "<mark>Dragon</mark> chapter", resp.Results[0].Snippet)
	assert.Equal(t, []string{"stories/a.md"}, resp.Results[0].Files)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.documents, 1)
	assert.Equal(t, "p1", fake.documents[0].ID)
}

func TestUnhealthyMeiliFallsBackToSQL(t *testing.T) {
	fake := &fakeMeili{healthy: false}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewMeili(srv.URL, "", time.Hour)
	svc := NewService(m, NewSQLFallback(fakeSearcher{rows: sampleRows()}))
	defer svc.Close()

	assert.False(t, m.Healthy())
	resp := svc.Search(context.Background(), Query{Text: "dragon"})
	assert.Equal(t, "sql", resp.Engine)
	assert.Equal(t, 3, resp.Total)
}

func TestReindexAllPushesBatch(t *testing.T) {
	fake := &fakeMeili{healthy: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewMeili(srv.URL, "master", time.Hour)
	svc := NewService(m, NewSQLFallback(fakeSearcher{}))
	svc.ReindexAll([]proposal.Proposal{
		{ID: "p1", Summary: "Dragon intro", Status: proposal.StatusPending},
		{ID: "p2", Summary: "Dragon chapter", Status: proposal.StatusApplied},
	})
	svc.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.documents, 2)
	assert.Equal(t, "p2", fake.documents[1].ID)
}
