package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/util"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetBeamByID(ctx context.Context, beamID string) (Beam, error) {
	var (
		item Beam
		tags []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.app_id, b.author_did, b.tags, b.active, b.created_at,
			(SELECT COUNT(*) FROM reflections r WHERE r.beam_id = b.id AND r.active)
		FROM beams b
		WHERE b.id=$1
	`, beamID).Scan(&item.ID, &item.AppID, &item.AuthorDID, &tags, &item.Active, &item.CreatedAt, &item.ReflectionsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Beam{}, ErrNotFound
	}
	if err != nil {
		return Beam{}, fmt.Errorf("get beam: %w", err)
	}
	if err := unmarshalJSONColumn(tags, &item.Tags); err != nil {
		return Beam{}, fmt.Errorf("decode beam tags: %w", err)
	}

	refs, err := s.beamBlocks(ctx, beamID)
	if err != nil {
		return Beam{}, err
	}
	item.Content = refs
	return item, nil
}

func (s *PostgresStore) beamBlocks(ctx context.Context, beamID string) ([]BlockRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, sort_order
		FROM beam_blocks
		WHERE beam_id=$1
		ORDER BY sort_order ASC
	`, beamID)
	if err != nil {
		return nil, fmt.Errorf("list beam blocks: %w", err)
	}
	defer rows.Close()

	refs := make([]BlockRef, 0)
	for rows.Next() {
		var ref BlockRef
		if err := rows.Scan(&ref.BlockID, &ref.Order); err != nil {
			return nil, fmt.Errorf("scan beam block: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beam blocks: %w", err)
	}
	return refs, nil
}

// ListBeams returns active beams of an app, newest first. An empty appID lists every app.
func (s *PostgresStore) ListBeams(ctx context.Context, appID string, limit, offset int) ([]Beam, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM beams
		WHERE active AND ($1 = '' OR app_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, appID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list beams: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan beam id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beams: %w", err)
	}

	items := make([]Beam, 0, len(ids))
	for _, id := range ids {
		item, err := s.GetBeamByID(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *PostgresStore) CreateBeam(ctx context.Context, in NewBeam) (string, error) {
	if strings.TrimSpace(in.AuthorDID) == "" {
		return "", errors.New("create beam: author is required")
	}
	tags, err := json.Marshal(nonNilStrings(in.Tags))
	if err != nil {
		return "", fmt.Errorf("encode beam tags: %w", err)
	}
	id := util.NewID("beam")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create beam: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO beams (id, app_id, author_did, tags)
		VALUES ($1, $2, $3, $4)
	`, id, in.AppID, in.AuthorDID, tags); err != nil {
		return "", fmt.Errorf("insert beam: %w", err)
	}
	for _, ref := range in.Content {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO beam_blocks (beam_id, block_id, sort_order)
			VALUES ($1, $2, $3)
		`, id, ref.BlockID, ref.Order); err != nil {
			return "", fmt.Errorf("insert beam block: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create beam: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SetBeamActive(ctx context.Context, beamID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE beams SET active=$2 WHERE id=$1`, beamID, active)
	if err != nil {
		return fmt.Errorf("set beam active: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetContentBlockByID(ctx context.Context, blockID string) (ContentBlock, error) {
	var (
		item    ContentBlock
		content []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, author_did, content, active, created_at
		FROM content_blocks
		WHERE id=$1
	`, blockID).Scan(&item.ID, &item.AppID, &item.AuthorDID, &content, &item.Active, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentBlock{}, ErrNotFound
	}
	if err != nil {
		return ContentBlock{}, fmt.Errorf("get content block: %w", err)
	}
	if err := unmarshalJSONColumn(content, &item.Content); err != nil {
		return ContentBlock{}, fmt.Errorf("decode content block: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) CreateContentBlock(ctx context.Context, in NewContentBlock) (string, error) {
	content, err := marshalContent(in.Content)
	if err != nil {
		return "", err
	}
	id := util.NewID("blk")
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO content_blocks (id, app_id, author_did, content)
		VALUES ($1, $2, $3, $4)
	`, id, in.AppID, in.AuthorDID, content); err != nil {
		return "", fmt.Errorf("insert content block: %w", err)
	}
	return id, nil
}

const reflectionColumns = `id, beam_id, parent_id, author_did, content, is_reply, active, created_at`

func scanReflection(scan func(dest ...any) error) (Reflection, error) {
	var (
		item     Reflection
		parentID sql.NullString
		isReply  sql.NullBool
		content  []byte
	)
	if err := scan(&item.ID, &item.BeamID, &parentID, &item.AuthorDID, &content, &isReply, &item.Active, &item.CreatedAt); err != nil {
		return Reflection{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if isReply.Valid {
		item.IsReply = &isReply.Bool
	}
	if err := unmarshalJSONColumn(content, &item.Content); err != nil {
		return Reflection{}, fmt.Errorf("decode reflection content: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetReflection(ctx context.Context, reflectionID string) (Reflection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reflectionColumns+` FROM reflections WHERE id=$1`, reflectionID)
	item, err := scanReflection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Reflection{}, ErrNotFound
	}
	if err != nil {
		return Reflection{}, fmt.Errorf("get reflection: %w", err)
	}
	return item, nil
}

// CreateReflection stores a reply. A parent makes it a reply (isReply true);
// the parent must exist and belong to the same beam.
func (s *PostgresStore) CreateReflection(ctx context.Context, in NewReflection) (string, error) {
	if strings.TrimSpace(in.AuthorDID) == "" {
		return "", errors.New("create reflection: author is required")
	}
	var parent any
	isReply := false
	if in.ParentID != "" {
		var parentBeam string
		err := s.db.QueryRowContext(ctx, `SELECT beam_id FROM reflections WHERE id=$1`, in.ParentID).Scan(&parentBeam)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("lookup parent reflection: %w", err)
		}
		if parentBeam != in.BeamID {
			return "", fmt.Errorf("create reflection: parent %s belongs to another beam", in.ParentID)
		}
		parent = in.ParentID
		isReply = true
	}
	content, err := marshalContent(in.Content)
	if err != nil {
		return "", err
	}
	id := util.NewID("refl")
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO reflections (id, beam_id, parent_id, author_did, content, is_reply)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, in.BeamID, parent, in.AuthorDID, content, isReply); err != nil {
		return "", fmt.Errorf("insert reflection: %w", err)
	}
	return id, nil
}

// GetReflectionsFromBeam pages through a beam's reflections.
func (s *PostgresStore) GetReflectionsFromBeam(ctx context.Context, beamID string, q ReflectionQuery) (BeamReflections, error) {
	filter := replyFilterSQL(q.Filter)

	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reflections WHERE beam_id=$1 AND active`+filter, beamID).Scan(&count); err != nil {
		return BeamReflections{}, fmt.Errorf("count reflections: %w", err)
	}
	conn, err := s.pageReflections(ctx, "beam_id=$1 AND active"+filter, beamID, q)
	if err != nil {
		return BeamReflections{}, err
	}
	return BeamReflections{ReflectionsCount: count, Reflections: conn}, nil
}

// GetReflectionsOfReflection pages through the direct children of a reflection, newest first.
func (s *PostgresStore) GetReflectionsOfReflection(ctx context.Context, reflectionID string, p Pagination) (ReflectionConnection, error) {
	return s.pageReflections(ctx, "parent_id=$1 AND active", reflectionID, ReflectionQuery{Pagination: p, Sort: SortNewest})
}

// ListReflections returns every active reflection of a beam, oldest first.
func (s *PostgresStore) ListReflections(ctx context.Context, beamID string) ([]Reflection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reflectionColumns+`
		FROM reflections
		WHERE beam_id=$1 AND active
		ORDER BY created_at ASC, id ASC
	`, beamID)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()

	items := make([]Reflection, 0)
	for rows.Next() {
		item, err := scanReflection(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reflections: %w", err)
	}
	return items, nil
}

// pageReflections runs a keyset query over (created_at, id). where binds $1.
func (s *PostgresStore) pageReflections(ctx context.Context, where string, key string, q ReflectionQuery) (ReflectionConnection, error) {
	backward := q.First <= 0 && (q.Last > 0 || q.Before != "")
	limit := q.First
	cursor := q.After
	if backward {
		limit = q.Last
		cursor = q.Before
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	// Walking backward scans the opposite direction and reverses afterwards.
	desc := q.Sort != SortOldest
	if backward {
		desc = !desc
	}
	order, cmp := "ASC", ">"
	if desc {
		order, cmp = "DESC", "<"
	}

	args := []any{key}
	if cursor != "" {
		createdAt, id, err := DecodeCursor(cursor)
		if err != nil {
			return ReflectionConnection{}, err
		}
		where += fmt.Sprintf(" AND (created_at, id) %s ($2, $3)", cmp)
		args = append(args, createdAt, id)
	}
	args = append(args, limit+1)
	query := fmt.Sprintf(`
		SELECT %s
		FROM reflections
		WHERE %s
		ORDER BY created_at %s, id %s
		LIMIT $%d
	`, reflectionColumns, where, order, order, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ReflectionConnection{}, fmt.Errorf("page reflections: %w", err)
	}
	defer rows.Close()

	edges := make([]ReflectionEdge, 0, limit)
	for rows.Next() {
		item, err := scanReflection(rows.Scan)
		if err != nil {
			return ReflectionConnection{}, fmt.Errorf("scan reflection: %w", err)
		}
		edges = append(edges, ReflectionEdge{Node: item, Cursor: EncodeCursor(item.CreatedAt, item.ID)})
	}
	if err := rows.Err(); err != nil {
		return ReflectionConnection{}, fmt.Errorf("iterate reflections: %w", err)
	}

	more := len(edges) > limit
	if more {
		edges = edges[:limit]
	}
	info := PageInfo{}
	if backward {
		for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
			edges[i], edges[j] = edges[j], edges[i]
		}
		info.HasPreviousPage = more
		info.HasNextPage = cursor != ""
	} else {
		info.HasNextPage = more
		info.HasPreviousPage = cursor != ""
	}
	if len(edges) > 0 {
		info.StartCursor = edges[0].Cursor
		info.EndCursor = edges[len(edges)-1].Cursor
	}
	return ReflectionConnection{Edges: edges, PageInfo: info}, nil
}

func replyFilterSQL(f ReplyFilter) string {
	switch f {
	case TopLevelOnly:
		return " AND is_reply IS NOT TRUE"
	case RepliesOnly:
		return " AND is_reply IS TRUE"
	default:
		return ""
	}
}

func (s *PostgresStore) GetProfileByDID(ctx context.Context, did string) (Profile, error) {
	var (
		item  Profile
		links []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT did, name, description, avatar_url, links, created_at, updated_at
		FROM profiles
		WHERE did=$1
	`, did).Scan(&item.DID, &item.Name, &item.Description, &item.AvatarURL, &links, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if err := unmarshalJSONColumn(links, &item.Links); err != nil {
		return Profile{}, fmt.Errorf("decode profile links: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, item Profile) error {
	links, err := json.Marshal(nonNilStrings(item.Links))
	if err != nil {
		return fmt.Errorf("encode profile links: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (did, name, description, avatar_url, links)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (did) DO UPDATE SET
			name=EXCLUDED.name,
			description=EXCLUDED.description,
			avatar_url=EXCLUDED.avatar_url,
			links=EXCLUDED.links,
			updated_at=NOW()
	`, item.DID, item.Name, item.Description, item.AvatarURL, links)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApp(ctx context.Context, appID string) (App, error) {
	var item App
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, display_name, release_meta, created_at
		FROM apps
		WHERE id=$1
	`, appID).Scan(&item.ID, &item.Name, &item.DisplayName, &item.ReleaseMeta, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return App{}, ErrNotFound
	}
	if err != nil {
		return App{}, fmt.Errorf("get app: %w", err)
	}
	return item, nil
}

// ListApps returns every registered app, oldest first.
func (s *PostgresStore) ListApps(ctx context.Context) ([]App, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, display_name, release_meta, created_at
		FROM apps
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	items := []App{}
	for rows.Next() {
		var item App
		if err := rows.Scan(&item.ID, &item.Name, &item.DisplayName, &item.ReleaseMeta, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertApp(ctx context.Context, item App) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, display_name, release_meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			display_name=EXCLUDED.display_name,
			release_meta=EXCLUDED.release_meta
	`, item.ID, item.Name, item.DisplayName, item.ReleaseMeta)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	return nil
}

func marshalContent(items []blocks.Content) ([]byte, error) {
	if items == nil {
		items = []blocks.Content{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return data, nil
}

func unmarshalJSONColumn(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
