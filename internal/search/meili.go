package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxDocuments = "lydie_documents"

// Meili searches and indexes document titles in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server leaves it unhealthy; the health loop picks it up later.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxDocuments, PrimaryKey: "id"}); err != nil {
		m.log.Debug().Err(err).Str("index", idxDocuments).Msg("create index (may already exist)")
	}
	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"tenantId", "deleted"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Str("index", idxDocuments).Msg("update filterable attributes")
	}
	searchable := []string{"title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Str("index", idxDocuments).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
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
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, tenantIDs []string, text string, limit int) ([]string, error) {
	if len(tenantIDs) == 0 {
		return []string{}, nil
	}
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxDocuments,
			Query:    text,
			Limit:    int64(limit),
			Filter:   tenantFilter(tenantIDs),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	ids := make([]string, 0, limit)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// tenantFilter restricts hits to tenantIDs and live documents.
func tenantFilter(tenantIDs []string) string {
	quoted := make([]string, len(tenantIDs))
	for i, id := range tenantIDs {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf("tenantId IN [%s] AND deleted = false", strings.Join(quoted, ", "))
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Index adds or replaces records.
func (m *Meili) Index(_ context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(records, nil)
	return err
}

func (m *Meili) Delete(_ context.Context, id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}
