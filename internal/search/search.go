// Package search indexes readable beams and reflections. Meilisearch serves
// queries when healthy; the search_documents table in Postgres is kept current
// on every write and serves as the fallback and the reindex source.
package search

import (
	"context"
	"strings"
	"time"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/markdown"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultBeam       ResultType = "beam"
	ResultReflection ResultType = "reflection"
)

// ParseResultType accepts "", "beam" or "reflection".
func ParseResultType(s string) (ResultType, bool) {
	switch ResultType(s) {
	case "", ResultBeam, ResultReflection:
		return ResultType(s), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	BeamID    string     `json:"beamId"`
	AppID     string     `json:"appId"`
	AuthorDID string     `json:"authorDid"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterAppID string
	Limit       int
	Offset      int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a search backend that also accepts writes.
type Index interface {
	Searcher
	IndexRecords(records []Record) error
	DeleteRecord(kind ResultType, id string) error
}

// Record is the data indexed for one beam or reflection.
type Record struct {
	ID        string     `json:"id"`
	Kind      ResultType `json:"kind"`
	AppID     string     `json:"appId"`
	BeamID    string     `json:"beamId"`
	AuthorDID string     `json:"authorDid"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt int64      `json:"createdAt"`
}

// BeamRecord projects a readable beam onto a Record. It reports false when
// any item is still sealed; such beams are never indexed.
func BeamRecord(b extract.Readable) (Record, bool) {
	for _, block := range b.Blocks {
		if block != nil && anySealed(block.Content) {
			return Record{}, false
		}
	}
	md := markdown.BeamToMarkdown(b.Blocks)
	return Record{
		ID:        b.ID,
		Kind:      ResultBeam,
		AppID:     b.AppID,
		BeamID:    b.ID,
		AuthorDID: b.Author.DID,
		Title:     md.Title,
		Body:      strings.TrimSpace(md.Body),
		CreatedAt: unix(b.CreatedAt),
	}, true
}

// ReflectionRecord projects a readable reflection onto a Record, with the same
// sealed-content rule as BeamRecord.
func ReflectionRecord(r extract.ReadableReflection, appID string) (Record, bool) {
	if anySealed(r.Content) {
		return Record{}, false
	}
	md := markdown.BeamToMarkdown([]*extract.ReadableBlock{{BlockID: r.ID, Content: r.Content}})
	body := strings.TrimSpace(md.Body)
	if md.Title != "" {
		body = strings.TrimSpace(md.Title + "\n\n" + body)
	}
	return Record{
		ID:        r.ID,
		Kind:      ResultReflection,
		AppID:     appID,
		BeamID:    r.BeamID,
		AuthorDID: r.Author.DID,
		Body:      body,
		CreatedAt: unix(r.CreatedAt),
	}, true
}

func anySealed(items []blocks.Decoded) bool {
	for _, item := range items {
		if item.IsSealed() {
			return true
		}
	}
	return false
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
