package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/chains"
	"zuzalu/api/internal/config"
	"zuzalu/api/internal/export"
	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/search"
	"zuzalu/api/internal/store"
)

// memStore is an in-memory DataStore and BlockStore. The fn fields override
// single methods.
type memStore struct {
	mu          sync.Mutex
	seq         int
	base        time.Time
	beams       map[string]store.Beam
	blocks      map[string]store.ContentBlock
	reflections []store.Reflection
	apps        map[string]store.App
	profiles    map[string]store.Profile

	pingFn        func(context.Context) error
	getAppFn      func(context.Context, string) (store.App, error)
	createBlockFn func(context.Context, store.NewContentBlock) (string, error)
}

func newMemStore() *memStore {
	return &memStore{
		base:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		beams:    map[string]store.Beam{},
		blocks:   map[string]store.ContentBlock{},
		apps:     map[string]store.App{},
		profiles: map[string]store.Profile{},
	}
}

func (m *memStore) next(prefix string) (string, time.Time) {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq), m.base.Add(time.Duration(m.seq) * time.Minute)
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) GetBeamByID(_ context.Context, id string) (store.Beam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	beam, ok := m.beams[id]
	if !ok {
		return store.Beam{}, store.ErrNotFound
	}
	return beam, nil
}

func (m *memStore) ListBeams(_ context.Context, appID string, limit, offset int) ([]store.Beam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Beam
	for _, beam := range m.beams {
		if beam.AppID == appID {
			out = append(out, beam)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateBeam(_ context.Context, in store.NewBeam) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, at := m.next("beam")
	m.beams[id] = store.Beam{
		ID:        id,
		AppID:     in.AppID,
		AuthorDID: in.AuthorDID,
		Content:   in.Content,
		Tags:      in.Tags,
		Active:    true,
		CreatedAt: at,
	}
	return id, nil
}

func (m *memStore) SetBeamActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	beam, ok := m.beams[id]
	if !ok {
		return store.ErrNotFound
	}
	beam.Active = active
	m.beams[id] = beam
	return nil
}

func (m *memStore) GetContentBlockByID(_ context.Context, id string) (store.ContentBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return store.ContentBlock{}, store.ErrNotFound
	}
	return block, nil
}

func (m *memStore) CreateContentBlock(ctx context.Context, in store.NewContentBlock) (string, error) {
	if m.createBlockFn != nil {
		return m.createBlockFn(ctx, in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, at := m.next("blk")
	m.blocks[id] = store.ContentBlock{
		ID:        id,
		AppID:     in.AppID,
		AuthorDID: in.AuthorDID,
		Content:   in.Content,
		Active:    true,
		CreatedAt: at,
	}
	return id, nil
}

func (m *memStore) GetReflection(_ context.Context, id string) (store.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reflections {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Reflection{}, store.ErrNotFound
}

func (m *memStore) CreateReflection(_ context.Context, in store.NewReflection) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, at := m.next("rfl")
	isReply := in.ParentID != ""
	r := store.Reflection{
		ID:        id,
		BeamID:    in.BeamID,
		AuthorDID: in.AuthorDID,
		Content:   in.Content,
		IsReply:   &isReply,
		Active:    true,
		CreatedAt: at,
	}
	if isReply {
		parent := in.ParentID
		r.ParentID = &parent
	}
	m.reflections = append(m.reflections, r)
	beam := m.beams[in.BeamID]
	beam.ReflectionsCount++
	m.beams[in.BeamID] = beam
	return id, nil
}

func (m *memStore) ListReflections(_ context.Context, beamID string) ([]store.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reflection
	for _, r := range m.reflections {
		if r.BeamID == beamID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetReflectionsFromBeam(_ context.Context, beamID string, q store.ReflectionQuery) (store.BeamReflections, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []store.Reflection
	total := 0
	for _, r := range m.reflections {
		if r.BeamID != beamID {
			continue
		}
		total++
		reply := r.IsReply != nil && *r.IsReply
		if q.Filter == store.TopLevelOnly && reply {
			continue
		}
		matched = append(matched, r)
	}
	if q.Sort != store.SortOldest {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	}
	return store.BeamReflections{ReflectionsCount: total, Reflections: pageOf(matched, q.Pagination)}, nil
}

func (m *memStore) GetReflectionsOfReflection(_ context.Context, id string, p store.Pagination) (store.ReflectionConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []store.Reflection
	for _, r := range m.reflections {
		if r.ParentID != nil && *r.ParentID == id {
			matched = append(matched, r)
		}
	}
	return pageOf(matched, p), nil
}

func pageOf(items []store.Reflection, p store.Pagination) store.ReflectionConnection {
	start := 0
	if p.After != "" {
		for i, r := range items {
			if r.ID == p.After {
				start = i + 1
			}
		}
	}
	end := len(items)
	if p.First > 0 && start+p.First < end {
		end = start + p.First
	}
	conn := store.ReflectionConnection{Edges: []store.ReflectionEdge{}}
	for _, r := range items[start:end] {
		conn.Edges = append(conn.Edges, store.ReflectionEdge{Node: r, Cursor: r.ID})
	}
	conn.PageInfo.HasNextPage = end < len(items)
	conn.PageInfo.HasPreviousPage = start > 0
	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[len(conn.Edges)-1].Cursor
	}
	return conn
}

func (m *memStore) GetProfileByDID(_ context.Context, did string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[did]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) UpsertProfile(_ context.Context, item store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[item.DID] = item
	return nil
}

func (m *memStore) GetApp(ctx context.Context, id string) (store.App, error) {
	if m.getAppFn != nil {
		return m.getAppFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.apps[id]
	if !ok {
		return store.App{}, store.ErrNotFound
	}
	return item, nil
}

func (m *memStore) ListApps(context.Context) ([]store.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.App, 0, len(m.apps))
	for _, item := range m.apps {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpsertApp(_ context.Context, item store.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[item.ID] = item
	return nil
}

type indexCall struct {
	kind  search.ResultType
	id    string
	gated bool
}

type fakeIndexer struct {
	mu       sync.Mutex
	indexed  []indexCall
	deleted  []indexCall
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeIndexer) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndexer) IndexBeam(_ context.Context, beam extract.Readable, gated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, indexCall{kind: search.ResultBeam, id: beam.ID, gated: gated})
}

func (f *fakeIndexer) IndexReflection(_ context.Context, r extract.ReadableReflection, _ string, gated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, indexCall{kind: search.ResultReflection, id: r.ID, gated: gated})
}

func (f *fakeIndexer) Delete(kind search.ResultType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, indexCall{kind: kind, id: id})
}

type fakeExporter struct {
	exportFn func(context.Context, export.Request) (*export.Result, error)
	last     export.Request
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	f.last = req
	if f.exportFn != nil {
		return f.exportFn(ctx, req)
	}
	return &export.Result{Data: []byte("%PDF-1.4"), Filename: "beam.pdf", MimeType: "application/pdf"}, nil
}

type fakeUploader struct {
	max   int64
	putFn func(context.Context, string, []byte) (blocks.Image, error)
}

func (f *fakeUploader) PutImage(ctx context.Context, name string, data []byte) (blocks.Image, error) {
	if f.putFn != nil {
		return f.putFn(ctx, name, data)
	}
	return blocks.Image{Src: "https://cdn.zuzalu.city/media/images/" + name, Name: name, Size: blocks.ImageSize{Width: 2, Height: 1}}, nil
}

func (f *fakeUploader) MaxBytes() int64 {
	return f.max
}

func testRegistry() *chains.Registry {
	r, err := chains.New(
		chains.Chain{Identifier: "ethereum", Name: "Ethereum", Symbol: "ETH", ChainID: 1},
		chains.Chain{Identifier: "optimism", Name: "Optimism", Symbol: "ETH", ChainID: 10},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func testConfig() config.Config {
	return config.Config{
		DefaultAppID:     "zuzalu",
		DefaultAppName:   "Zuzalu City",
		NonceChain:       "ethereum",
		TopLevelPageSize: 10,
		ChildPageSize:    5,
	}
}

func newTestService(st *memStore, deps Deps) *Service {
	deps.Store = st
	if deps.Chains == nil {
		deps.Chains = testRegistry()
	}
	if deps.Export == nil {
		deps.Export = &fakeExporter{}
	}
	return New(testConfig(), deps)
}
