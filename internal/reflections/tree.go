// Package reflections assembles reply trees under a beam. Every level is
// paginated on its own; siblings are expanded concurrently while each branch
// descends one level at a time.
package reflections

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/obs"
	"zuzalu/api/internal/store"
)

const (
	DefaultTopLevelPageSize = 10
	DefaultChildPageSize    = 5
	defaultFanout           = 8
)

// Source pages through stored reflections.
type Source interface {
	GetReflectionsFromBeam(ctx context.Context, beamID string, q store.ReflectionQuery) (store.BeamReflections, error)
	GetReflectionsOfReflection(ctx context.Context, reflectionID string, p store.Pagination) (store.ReflectionConnection, error)
}

// Reader makes a stored reflection readable.
type Reader interface {
	Reflection(ctx context.Context, r store.Reflection, opts extract.Options) extract.ReadableReflection
}

// Node is a readable reflection. Children is nil when the node was not
// expanded or its fetch returned no children.
type Node struct {
	extract.ReadableReflection
	Children *Page `json:"children"`
}

type Edge struct {
	Node   Node   `json:"node"`
	Cursor string `json:"cursor"`
}

// Page is one page of a level. A failed fetch yields PageInfo nil and no edges.
type Page struct {
	PageInfo *store.PageInfo `json:"pageInfo"`
	Edges    []Edge          `json:"edges"`
}

func emptyPage() Page {
	return Page{Edges: []Edge{}}
}

type Options struct {
	Extract extract.Options
	// MaxDepth bounds recursion; 0 means unbounded. Depth 1 is the first level fetched.
	MaxDepth int
}

type Config struct {
	TopLevelPageSize int
	ChildPageSize    int
	Fanout           int
	Logger           *zap.Logger
}

type Builder struct {
	source Source
	reader Reader
	cfg    Config
	log    *zap.Logger
}

func NewBuilder(source Source, reader Reader, cfg Config) *Builder {
	if cfg.TopLevelPageSize <= 0 {
		cfg.TopLevelPageSize = DefaultTopLevelPageSize
	}
	if cfg.ChildPageSize <= 0 {
		cfg.ChildPageSize = DefaultChildPageSize
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = defaultFanout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{source: source, reader: reader, cfg: cfg, log: log}
}

// TopLevel returns one page of a beam's replies whose isReply is false or null.
// Children are not expanded.
func (b *Builder) TopLevel(ctx context.Context, beamID string, q store.ReflectionQuery, opts Options) Page {
	return b.topLevel(ctx, beamID, q, opts, false)
}

// BeamTree returns a page of top-level replies, each expanded recursively.
func (b *Builder) BeamTree(ctx context.Context, beamID string, q store.ReflectionQuery, opts Options) Page {
	return b.topLevel(ctx, beamID, q, opts, true)
}

// Children returns one page of a reflection's direct replies, unexpanded.
func (b *Builder) Children(ctx context.Context, reflectionID string, p store.Pagination, opts Options) Page {
	return b.level(ctx, reflectionID, b.childPagination(p), opts, 1, false)
}

// Tree returns one page of a reflection's replies with every node expanded
// until a subtree has no children.
func (b *Builder) Tree(ctx context.Context, reflectionID string, p store.Pagination, opts Options) Page {
	return b.level(ctx, reflectionID, b.childPagination(p), opts, 1, true)
}

func (b *Builder) topLevel(ctx context.Context, beamID string, q store.ReflectionQuery, opts Options, recurse bool) Page {
	q.Filter = store.TopLevelOnly
	if q.First <= 0 && q.Last <= 0 {
		q.First = b.cfg.TopLevelPageSize
	}
	if q.Sort == "" {
		q.Sort = store.SortNewest
	}
	res, err := b.source.GetReflectionsFromBeam(ctx, beamID, q)
	if err != nil {
		b.fetchFailed("beam_id", beamID, err)
		return emptyPage()
	}
	return b.expand(ctx, res.Reflections, opts, 1, recurse)
}

func (b *Builder) level(ctx context.Context, reflectionID string, p store.Pagination, opts Options, depth int, recurse bool) Page {
	conn, err := b.source.GetReflectionsOfReflection(ctx, reflectionID, p)
	if err != nil {
		b.fetchFailed("reflection_id", reflectionID, err)
		return emptyPage()
	}
	return b.expand(ctx, conn, opts, depth, recurse)
}

// expand makes every edge of conn readable and, when recurse is set and depth
// allows, fetches each node's children concurrently across siblings.
func (b *Builder) expand(ctx context.Context, conn store.ReflectionConnection, opts Options, depth int, recurse bool) Page {
	info := conn.PageInfo
	page := Page{PageInfo: &info, Edges: make([]Edge, len(conn.Edges))}
	descend := recurse && (opts.MaxDepth <= 0 || depth < opts.MaxDepth)

	var g errgroup.Group
	g.SetLimit(b.cfg.Fanout)
	for i, edge := range conn.Edges {
		g.Go(func() error {
			node := Node{ReadableReflection: b.reader.Reflection(ctx, edge.Node, opts.Extract)}
			if descend {
				sub := b.level(ctx, edge.Node.ID, store.Pagination{First: b.cfg.ChildPageSize}, opts, depth+1, true)
				if len(sub.Edges) > 0 {
					node.Children = &sub
				}
			}
			page.Edges[i] = Edge{Node: node, Cursor: edge.Cursor}
			return nil
		})
	}
	_ = g.Wait()
	return page
}

func (b *Builder) childPagination(p store.Pagination) store.Pagination {
	if p.First <= 0 && p.Last <= 0 {
		p.First = b.cfg.ChildPageSize
	}
	return p
}

func (b *Builder) fetchFailed(key, id string, err error) {
	obs.ReflectionFetchFailures.Inc()
	b.log.Warn("reflection_page_fetch_failed", zap.String(key, id), zap.Error(err))
}
