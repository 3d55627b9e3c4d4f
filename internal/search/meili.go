package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxBeams       = "zuzalu_beams"
	idxReflections = "zuzalu_reflections"
)

var errMeiliUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server is not an error: the client stays unhealthy until a health probe succeeds.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log,
	}
	if _, err := m.client.Health(); err != nil {
		log.Warn("meilisearch_unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	for _, uid := range []string{idxBeams, idxReflections} {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug("meilisearch_create_index", zap.String("index", uid), zap.Error(err))
		}
		index := m.client.Index(uid)
		filterable := []interface{}{"appId", "beamId", "authorDid", "kind"}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn("meilisearch_filterable_update_failed", zap.String("index", uid), zap.Error(err))
		}
		searchable := []string{"title", "body"}
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.log.Warn("meilisearch_searchable_update_failed", zap.String("index", uid), zap.Error(err))
		}
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
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch_recovered")
				m.configureIndexes()
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

// Search queries both indexes (or the one selected by FilterType) and merges hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errMeiliUnhealthy
	}
	queries := buildSearchRequests(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, indexKind(sr.IndexUID)))
		}
	}
	return results, total, nil
}

func buildSearchRequests(q Query) []*meili.SearchRequest {
	var out []*meili.SearchRequest
	for _, kind := range []ResultType{ResultBeam, ResultReflection} {
		if q.FilterType != "" && q.FilterType != kind {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              indexFor(kind),
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"title", "body"},
			AttributesToCrop:      []string{"body"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterAppID != "" {
			sr.Filter = fmt.Sprintf("appId = %q", q.FilterAppID)
		}
		out = append(out, sr)
	}
	return out
}

func indexFor(kind ResultType) string {
	if kind == ResultReflection {
		return idxReflections
	}
	return idxBeams
}

func indexKind(uid string) ResultType {
	switch uid {
	case idxBeams:
		return ResultBeam
	case idxReflections:
		return ResultReflection
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, kind ResultType) Result {
	return Result{
		Type:      kind,
		ID:        decodeString(hit, "id"),
		BeamID:    decodeString(hit, "beamId"),
		AppID:     decodeString(hit, "appId"),
		AuthorDID: decodeString(hit, "authorDid"),
		Title:     firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:   firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecords adds or replaces records, routed to the index of their kind.
func (m *Meili) IndexRecords(records []Record) error {
	if !m.healthy.Load() {
		return errMeiliUnhealthy
	}
	byIndex := map[string][]Record{}
	for _, r := range records {
		uid := indexFor(r.Kind)
		byIndex[uid] = append(byIndex[uid], r)
	}
	for uid, batch := range byIndex {
		if _, err := m.client.Index(uid).AddDocuments(batch, nil); err != nil {
			return fmt.Errorf("index %s: %w", uid, err)
		}
	}
	return nil
}

// DeleteRecord removes one record from the index of its kind.
func (m *Meili) DeleteRecord(kind ResultType, id string) error {
	if !m.healthy.Load() {
		return errMeiliUnhealthy
	}
	_, err := m.client.Index(indexFor(kind)).DeleteDocument(id, nil)
	return err
}
