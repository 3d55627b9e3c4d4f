package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/extract"
)

func readableBeam(items ...blocks.Decoded) extract.Readable {
	return extract.Readable{
		ID:        "beam_1",
		AppID:     "zuzalu",
		Author:    extract.Author{DID: "did:pkh:author"},
		CreatedAt: time.Unix(1700000000, 0),
		Blocks: []*extract.ReadableBlock{
			{Order: 0, Content: []blocks.Decoded{{Label: blocks.LabelBeamTitle, Value: blocks.Slate{blocks.Paragraph(blocks.Text("Network states"))}}}},
			{Order: 1, Content: items},
		},
	}
}

func TestBeamRecord(t *testing.T) {
	rec, ok := BeamRecord(readableBeam(blocks.Decoded{Label: "body", Value: blocks.Slate{blocks.Paragraph(blocks.Text("pop-up cities"))}}))
	if !ok {
		t.Fatal("plain beam should be indexable")
	}
	want := Record{ID: "beam_1", Kind: ResultBeam, AppID: "zuzalu", BeamID: "beam_1", AuthorDID: "did:pkh:author", Title: "Network states", Body: "pop-up cities", CreatedAt: 1700000000}
	if rec != want {
		t.Fatalf("got %+v, want %+v", rec, want)
	}

	if _, ok := BeamRecord(readableBeam(blocks.Decoded{Label: "body", Value: blocks.Sealed{Ciphertext: "c", DataToEncryptHash: "h"}})); ok {
		t.Fatal("sealed beam must not be indexed")
	}
}

func TestReflectionRecord(t *testing.T) {
	r := extract.ReadableReflection{
		ID:      "refl_1",
		BeamID:  "beam_1",
		Author:  extract.Author{DID: "did:pkh:r"},
		Content: []blocks.Decoded{{Label: "body", Value: blocks.TextValue("great talk")}},
	}
	rec, ok := ReflectionRecord(r, "zuzalu")
	if !ok || rec.Kind != ResultReflection || rec.Body != "great talk" || rec.AppID != "zuzalu" || rec.BeamID != "beam_1" {
		t.Fatalf("unexpected record %+v (ok=%v)", rec, ok)
	}
	r.Content = append(r.Content, blocks.Decoded{Value: blocks.Sealed{Ciphertext: "c", DataToEncryptHash: "h"}})
	if _, ok := ReflectionRecord(r, "zuzalu"); ok {
		t.Fatal("sealed reflection must not be indexed")
	}
}

func TestParseResultType(t *testing.T) {
	for _, s := range []string{"", "beam", "reflection"} {
		if _, ok := ParseResultType(s); !ok {
			t.Errorf("ParseResultType(%q) rejected", s)
		}
	}
	if _, ok := ParseResultType("document"); ok {
		t.Error("ParseResultType accepted document")
	}
}

func TestBuildSearchRequests(t *testing.T) {
	reqs := buildSearchRequests(Query{Text: "zk", FilterAppID: "zuzalu"})
	if len(reqs) != 2 || reqs[0].IndexUID != idxBeams || reqs[1].IndexUID != idxReflections {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	if reqs[0].Query != "zk" || reqs[0].Filter != `appId = "zuzalu"` || reqs[0].Limit != 20 {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
	only := buildSearchRequests(Query{Text: "zk", FilterType: ResultReflection, Limit: 5})
	if len(only) != 1 || only[0].IndexUID != idxReflections || only[0].Limit != 5 {
		t.Fatalf("unexpected filtered requests %+v", only)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"refl_1"`),
		"beamId":     json.RawMessage(`"beam_1"`),
		"body":       json.RawMessage(`"plain body"`),
		"_formatted": json.RawMessage(`{"body":"<mark>plain</mark> body","createdAt":"1700000000"}`),
	}
	got := hitToResult(hit, indexKind(idxReflections))
	if got.Type != ResultReflection || got.ID != "refl_1" || got.BeamID != "beam_1" || got.Snippet != "<mark>plain</mark> body" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func newPg(t *testing.T) (*PgFTS, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPgFTS(db), mock
}

func TestPgFTSSearch(t *testing.T) {
	p, mock := newPg(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM search_documents WHERE").
		WithArgs("zk", "beam", "zuzalu").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT kind, id, title").
		WithArgs("zk", "beam", "zuzalu").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "id", "title", "snippet", "beam_id", "app_id", "author_did"}).
			AddRow("beam", "beam_1", "Network states", "<b>zk</b> proofs", "beam_1", "zuzalu", "did:pkh:a"))

	results, total, err := p.Search(context.Background(), Query{Text: "zk", FilterType: ResultBeam, FilterAppID: "zuzalu"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(results) != 1 || results[0].Type != ResultBeam || results[0].Snippet != "<b>zk</b> proofs" {
		t.Fatalf("unexpected results %+v total=%d", results, total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgFTSSearchBlankQuery(t *testing.T) {
	p, mock := newPg(t)
	results, total, err := p.Search(context.Background(), Query{Text: "   "})
	if err != nil || results != nil || total != 0 {
		t.Fatalf("blank query should be a no-op, got %v %d %v", results, total, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}

func TestPgFTSWrites(t *testing.T) {
	p, mock := newPg(t)
	mock.ExpectExec("INSERT INTO search_documents").
		WithArgs("refl_1", "reflection", "zuzalu", "beam_1", "did:pkh:a", "", "hello", time.Unix(1700000000, 0).UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM search_documents WHERE id = \\$1 OR beam_id = \\$1").
		WithArgs("beam_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM search_documents WHERE id = \\$1$").
		WithArgs("refl_2").
		WillReturnError(errors.New("boom"))

	rec := Record{ID: "refl_1", Kind: ResultReflection, AppID: "zuzalu", BeamID: "beam_1", AuthorDID: "did:pkh:a", Body: "hello", CreatedAt: 1700000000}
	if err := p.IndexRecords([]Record{rec}); err != nil {
		t.Fatalf("IndexRecords: %v", err)
	}
	if err := p.DeleteRecord(ResultBeam, "beam_1"); err != nil {
		t.Fatalf("DeleteRecord beam: %v", err)
	}
	if err := p.DeleteRecord(ResultReflection, "refl_2"); err == nil {
		t.Fatal("expected delete error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgFTSLoadAllRecords(t *testing.T) {
	p, mock := newPg(t)
	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM search_documents").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "app_id", "beam_id", "author_did", "title", "body", "created_at"}).
			AddRow("beam_1", "beam", "zuzalu", "beam_1", "did:a", "T", "B", created))
	records, err := p.LoadAllRecords(context.Background())
	if err != nil {
		t.Fatalf("LoadAllRecords: %v", err)
	}
	if len(records) != 1 || records[0].Kind != ResultBeam || records[0].CreatedAt != 1700000000 {
		t.Fatalf("unexpected records %+v", records)
	}
}

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	indexed  []Record
	deleted  []string
	loadErr  error
	searches int
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexRecords(records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeIndex) DeleteRecord(_ ResultType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) LoadAllRecords(context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.indexed...), f.loadErr
}

func TestServiceSearchFallback(t *testing.T) {
	fallback := &fakeIndex{healthy: true, results: []Result{{ID: "from_pg"}}}

	tests := []struct {
		name    string
		primary Index
		want    string
	}{
		{"no primary", nil, "from_pg"},
		{"primary unhealthy", &fakeIndex{healthy: false, results: []Result{{ID: "from_meili"}}}, "from_pg"},
		{"primary error", &fakeIndex{healthy: true, err: errors.New("down")}, "from_pg"},
		{"primary ok", &fakeIndex{healthy: true, results: []Result{{ID: "from_meili"}}}, "from_meili"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewService(tt.primary, fallback, nil).Search(context.Background(), Query{Text: "zk"})
			if len(resp.Results) != 1 || resp.Results[0].ID != tt.want {
				t.Fatalf("got %+v, want %s", resp.Results, tt.want)
			}
		})
	}

	broken := &fakeIndex{err: errors.New("pg down")}
	resp := NewService(nil, broken, nil).Search(context.Background(), Query{Text: "zk"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("failed search should return an empty list, got %+v", resp.Results)
	}
}

func TestServiceIndexing(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	pg := &fakeIndex{healthy: true}
	svc := NewService(primary, pg, nil)
	ctx := context.Background()

	body := blocks.Decoded{Label: "body", Value: blocks.Slate{blocks.Paragraph(blocks.Text("hello"))}}
	svc.IndexBeam(ctx, readableBeam(body), false)
	svc.IndexBeam(ctx, readableBeam(body), true)
	svc.IndexBeam(ctx, readableBeam(blocks.Decoded{Value: blocks.Sealed{Ciphertext: "c", DataToEncryptHash: "h"}}), false)
	svc.IndexReflection(ctx, extract.ReadableReflection{ID: "refl_1", BeamID: "beam_1", Content: []blocks.Decoded{body}}, "zuzalu", false)
	svc.Delete(ResultReflection, "refl_old")
	svc.Wait()

	if len(pg.indexed) != 2 || len(primary.indexed) != 2 {
		t.Fatalf("expected 2 indexed records in each backend, got pg=%d primary=%d", len(pg.indexed), len(primary.indexed))
	}
	if len(pg.deleted) != 1 || len(primary.deleted) != 1 {
		t.Fatalf("expected delete in both backends")
	}
}

func TestServiceReindexAll(t *testing.T) {
	pg := &fakeIndex{indexed: []Record{{ID: "beam_1", Kind: ResultBeam}, {ID: "refl_1", Kind: ResultReflection}}}
	primary := &fakeIndex{healthy: true}
	if err := NewService(primary, pg, nil).ReindexAll(context.Background()); err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}
	if len(primary.indexed) != 2 {
		t.Fatalf("expected 2 records pushed, got %d", len(primary.indexed))
	}

	pg.loadErr = errors.New("pg down")
	if err := NewService(primary, pg, nil).ReindexAll(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if err := NewService(nil, pg, nil).ReindexAll(context.Background()); err != nil {
		t.Fatalf("reindex without primary should be a no-op, got %v", err)
	}
}

type countingReindexer struct {
	calls chan struct{}
}

func (c countingReindexer) ReindexAll(context.Context) error {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return nil
}

func TestStartReindexScheduler(t *testing.T) {
	if err := StartReindexScheduler(context.Background(), countingReindexer{}, "not a cron", nil); err == nil {
		t.Fatal("expected invalid cron error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := countingReindexer{calls: make(chan struct{}, 1)}
	// The next tick is at most a second away.
	base := time.Now().Add(-59 * time.Second).Truncate(time.Minute)
	go runScheduler(ctx, r, "* * * * *", zap.NewNop(), func() time.Time { return base })
	select {
	case <-r.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never fired")
	}
}
