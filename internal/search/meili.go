package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const idxProposals = "forge_proposals"

// Meili indexes and searches proposals in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error: the health loop picks it up later.
func NewMeili(url, apiKey string, healthInterval time.Duration) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	if healthInterval <= 0 {
		healthInterval = 10 * time.Second
	}
	m.wg.Add(1)
	go m.healthLoop(healthInterval)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProposals,
		PrimaryKey: "id",
	}); err != nil {
		log.Debug().Err(err).Str("index", idxProposals).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxProposals)
	filterable := []interface{}{"loopId", "status", "kind", "domain"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Warn().Err(err).Str("index", idxProposals).Msg("update filterable attributes")
	}
	searchable := []string{"summary", "files", "id"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Warn().Err(err).Str("index", idxProposals).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health monitor and waits for it to exit.
func (m *Meili) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"summary"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	var filters []string
	if q.LoopID != "" {
		filters = append(filters, fmt.Sprintf("loopId = %q", strings.ToLower(q.LoopID)))
	}
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}
	if len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.Index(idxProposals).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	var record ProposalRecord
	if raw, err := json.Marshal(hit); err == nil {
		_ = json.Unmarshal(raw, &record)
	}
	r := resultFor(record)
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "summary"), r.Summary)
	return r
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexProposal(record ProposalRecord) error {
	_, err := m.client.Index(idxProposals).AddDocuments([]ProposalRecord{record}, nil)
	return err
}

func (m *Meili) IndexProposals(records []ProposalRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProposals).AddDocuments(records, nil)
	return err
}
