package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Index over the search_documents table using PostgreSQL
// full-text search.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks search_documents against plainto_tsquery, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := []string{"search_vector @@ plainto_tsquery('english', $1)"}
	args := []any{q.Text}
	if q.FilterType != "" {
		args = append(args, string(q.FilterType))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if q.FilterAppID != "" {
		args = append(args, q.FilterAppID)
		where = append(where, fmt.Sprintf("app_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM search_documents WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT kind, id, title,
			ts_headline('english', body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			beam_id, app_id, author_did
		FROM search_documents
		WHERE %s
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC, created_at DESC
		LIMIT %d OFFSET %d`, cond, q.limit(), offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&kind, &r.ID, &r.Title, &r.Snippet, &r.BeamID, &r.AppID, &r.AuthorDID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(kind)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// IndexRecords upserts records into search_documents.
func (p *PgFTS) IndexRecords(records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Upsert(ctx, records...)
}

// Upsert writes records, replacing any existing row with the same ID.
func (p *PgFTS) Upsert(ctx context.Context, records ...Record) error {
	for _, r := range records {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO search_documents (id, kind, app_id, beam_id, author_did, title, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				app_id = EXCLUDED.app_id,
				beam_id = EXCLUDED.beam_id,
				author_did = EXCLUDED.author_did,
				title = EXCLUDED.title,
				body = EXCLUDED.body`,
			r.ID, string(r.Kind), r.AppID, r.BeamID, r.AuthorDID, r.Title, r.Body, createdAt(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("upsert search document %s: %w", r.ID, err)
		}
	}
	return nil
}

// DeleteRecord removes a record. Removing a beam also removes its reflections.
func (p *PgFTS) DeleteRecord(kind ResultType, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	query := "DELETE FROM search_documents WHERE id = $1"
	if kind == ResultBeam {
		query = "DELETE FROM search_documents WHERE id = $1 OR beam_id = $1"
	}
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete search document %s: %w", id, err)
	}
	return nil
}

// LoadAllRecords returns every indexed record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, app_id, beam_id, author_did, title, body, created_at
		FROM search_documents
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load search documents: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var kind string
		var created time.Time
		if err := rows.Scan(&r.ID, &kind, &r.AppID, &r.BeamID, &r.AuthorDID, &r.Title, &r.Body, &created); err != nil {
			return nil, fmt.Errorf("scan search document: %w", err)
		}
		r.Kind = ResultType(kind)
		r.CreatedAt = unix(created)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search documents: %w", err)
	}
	return records, nil
}

func createdAt(sec int64) time.Time {
	if sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
