package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxContents = "quill_contents"
	idxSources  = "quill_sources"

	healthInterval = 10 * time.Second
	defaultLimit   = 20
)

type indexSpec struct {
	uid        string
	rtyp       ResultType
	filterable []string
	searchable []string
}

var indexSpecs = []indexSpec{
	{
		uid:        idxContents,
		rtyp:       ResultContent,
		filterable: []string{"organizationId", "status"},
		searchable: []string{"title", "slug"},
	},
	{
		uid:        idxSources,
		rtyp:       ResultSource,
		filterable: []string{"organizationId"},
		searchable: []string{"title", "externalId", "excerpt"},
	},
}

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to a Meilisearch instance and ensures both indexes
// exist. An unreachable instance is tolerated: the health monitor flips the
// client back to healthy once it comes up.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
	} else {
		m.healthy.Store(true)
		m.ensureIndexes()
	}

	go m.monitor()
	return m
}

func (m *Meili) ensureIndexes() {
	for _, spec := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", spec.uid, err)
		}

		idx := m.client.Index(spec.uid)
		filterable := make([]interface{}, len(spec.filterable))
		for i, attr := range spec.filterable {
			filterable[i] = attr
		}
		if _, err := idx.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: filterable attrs for %s: %v", spec.uid, err)
		}
		searchable := spec.searchable
		if _, err := idx.UpdateSearchableAttributes(&searchable); err != nil {
			log.Printf("search: searchable attrs for %s: %v", spec.uid, err)
		}
	}
}

// monitor polls the health endpoint. After an outage the indexes are
// reconfigured, since settings updates issued while down were lost.
func (m *Meili) monitor() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			recovered := err == nil && !m.healthy.Load()
			m.healthy.Store(err == nil)
			if recovered {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.ensureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search fans one query out over both indexes (or the filtered one) in a
// single round trip and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	requests := m.buildRequests(q)
	if len(requests) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: requests})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := resultTypeFor(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, decodeHit(hit, rtyp))
		}
	}
	return results, total, nil
}

func (m *Meili) buildRequests(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit == 0 {
		limit = defaultLimit
	}

	var requests []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.rtyp {
			continue
		}
		requests = append(requests, &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                []string{fmt.Sprintf("organizationId = %q", q.OrganizationID)},
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}
	return requests
}

// IndexContent pushes one content record into the index.
func (m *Meili) IndexContent(record ContentRecord) error {
	_, err := m.client.Index(idxContents).AddDocuments([]ContentRecord{record}, nil)
	return err
}

// IndexSource pushes one source record into the index.
func (m *Meili) IndexSource(record SourceRecord) error {
	_, err := m.client.Index(idxSources).AddDocuments([]SourceRecord{record}, nil)
	return err
}

// DeleteContent removes a content record from the index.
func (m *Meili) DeleteContent(id string) error {
	_, err := m.client.Index(idxContents).DeleteDocument(id, nil)
	return err
}

func resultTypeFor(uid string) ResultType {
	switch uid {
	case idxContents:
		return ResultContent
	case idxSources:
		return ResultSource
	default:
		return ""
	}
}

// hitFields covers the union of both record shapes plus the _formatted
// block Meilisearch attaches when highlighting is on. Every indexed field
// is a string, so the formatted copies decode as strings too.
type hitFields struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	Title          string            `json:"title"`
	Slug           string            `json:"slug"`
	Excerpt        string            `json:"excerpt"`
	Formatted      map[string]string `json:"_formatted"`
}

// highlighted returns the <mark>-annotated form of a field when present,
// falling back to the plain value.
func (h hitFields) highlighted(key, plain string) string {
	if v := strings.TrimSpace(h.Formatted[key]); v != "" {
		return v
	}
	return plain
}

func decodeHit(hit meili.Hit, rtyp ResultType) Result {
	var fields hitFields
	if raw, err := json.Marshal(hit); err == nil {
		// Best effort: a malformed hit yields an empty result rather
		// than failing the whole search.
		_ = json.Unmarshal(raw, &fields)
	}

	r := Result{
		Type:           rtyp,
		ID:             fields.ID,
		OrganizationID: fields.OrganizationID,
		Slug:           fields.Slug,
		Title:          fields.highlighted("title", fields.Title),
	}
	if rtyp == ResultSource {
		r.Snippet = fields.highlighted("excerpt", fields.Excerpt)
	} else {
		r.Snippet = fields.highlighted("slug", fields.Slug)
	}
	return r
}
