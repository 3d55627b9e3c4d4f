package reflections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/obs"
	"zuzalu/api/internal/store"
)

type fakeSource struct {
	mu       sync.Mutex
	beams    map[string][]store.Reflection
	children map[string][]store.Reflection
	fail     map[string]bool
	onChild  func(id string)
	queries  []store.ReflectionQuery
}

func page(items []store.Reflection, p store.Pagination) store.ReflectionConnection {
	start := 0
	if p.After != "" {
		n, _ := strconv.Atoi(p.After)
		start = n + 1
	}
	limit := p.First
	if limit <= 0 {
		limit = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	conn := store.ReflectionConnection{Edges: []store.ReflectionEdge{}}
	for i := start; i < end; i++ {
		conn.Edges = append(conn.Edges, store.ReflectionEdge{Node: items[i], Cursor: strconv.Itoa(i)})
	}
	conn.PageInfo.HasNextPage = end < len(items)
	conn.PageInfo.HasPreviousPage = start > 0
	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[len(conn.Edges)-1].Cursor
	}
	return conn
}

func (f *fakeSource) GetReflectionsFromBeam(_ context.Context, beamID string, q store.ReflectionQuery) (store.BeamReflections, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.fail[beamID] {
		return store.BeamReflections{}, errors.New("backend down")
	}
	var items []store.Reflection
	for _, r := range f.beams[beamID] {
		if q.Filter == store.TopLevelOnly && r.IsReply != nil && *r.IsReply {
			continue
		}
		items = append(items, r)
	}
	return store.BeamReflections{ReflectionsCount: len(items), Reflections: page(items, q.Pagination)}, nil
}

func (f *fakeSource) GetReflectionsOfReflection(_ context.Context, id string, p store.Pagination) (store.ReflectionConnection, error) {
	if f.onChild != nil {
		f.onChild(id)
	}
	if f.fail[id] {
		return store.ReflectionConnection{}, errors.New("backend down")
	}
	return page(f.children[id], p), nil
}

func reflection(id string, isReply *bool) store.Reflection {
	return store.Reflection{ID: id, BeamID: "beam_1", AuthorDID: "did:pkh:" + id, IsReply: isReply, Active: true}
}

func boolPtr(b bool) *bool { return &b }

func newBuilder(src Source, log *zap.Logger) *Builder {
	return NewBuilder(src, extract.New(nil, nil, nil), Config{Logger: log})
}

func TestTopLevelFirstPage(t *testing.T) {
	var items []store.Reflection
	for i := 0; i < 12; i++ {
		var flag *bool
		if i%3 == 0 {
			flag = boolPtr(false)
		}
		items = append(items, reflection(fmt.Sprintf("top_%02d", i), flag))
	}
	items = append(items, reflection("nested", boolPtr(true)))
	src := &fakeSource{
		beams:    map[string][]store.Reflection{"beam_1": items},
		children: map[string][]store.Reflection{"top_00": {reflection("child", boolPtr(true))}},
	}

	got := newBuilder(src, nil).TopLevel(context.Background(), "beam_1", store.ReflectionQuery{Pagination: store.Pagination{First: 5}}, Options{})
	if len(got.Edges) != 5 || got.PageInfo == nil || !got.PageInfo.HasNextPage {
		t.Fatalf("expected 5 edges with a next page, got %d edges, %+v", len(got.Edges), got.PageInfo)
	}
	for _, edge := range got.Edges {
		if edge.Node.Children != nil {
			t.Fatalf("top-level mode must not expand children (%s)", edge.Node.ID)
		}
	}
	q := src.queries[0]
	if q.Filter != store.TopLevelOnly || q.Sort != store.SortNewest {
		t.Fatalf("unexpected query %+v", q)
	}

	next := newBuilder(src, nil).TopLevel(context.Background(), "beam_1", store.ReflectionQuery{Pagination: store.Pagination{First: 10, After: got.PageInfo.EndCursor}}, Options{})
	if len(next.Edges) != 7 || next.PageInfo.HasNextPage {
		t.Fatalf("expected the remaining 7 top-level replies, got %d", len(next.Edges))
	}
}

func TestTopLevelDefaultPageSize(t *testing.T) {
	src := &fakeSource{beams: map[string][]store.Reflection{}}
	newBuilder(src, nil).TopLevel(context.Background(), "beam_1", store.ReflectionQuery{}, Options{})
	if src.queries[0].First != DefaultTopLevelPageSize {
		t.Fatalf("First = %d", src.queries[0].First)
	}
}

func treeSource() *fakeSource {
	return &fakeSource{
		beams: map[string][]store.Reflection{"beam_1": {reflection("r1", boolPtr(false)), reflection("r2", nil)}},
		children: map[string][]store.Reflection{
			"r1": {reflection("c1", boolPtr(true)), reflection("c2", boolPtr(true))},
			"c1": {reflection("g1", boolPtr(true))},
		},
	}
}

func TestTree(t *testing.T) {
	got := newBuilder(treeSource(), nil).Tree(context.Background(), "r1", store.Pagination{}, Options{})
	if len(got.Edges) != 2 {
		t.Fatalf("expected 2 children, got %d", len(got.Edges))
	}
	c1, c2 := got.Edges[0].Node, got.Edges[1].Node
	if c1.ID != "c1" || c1.Children == nil || len(c1.Children.Edges) != 1 {
		t.Fatalf("c1 should hold g1, got %+v", c1.Children)
	}
	if g1 := c1.Children.Edges[0].Node; g1.ID != "g1" || g1.Children != nil {
		t.Fatalf("leaf g1 should have nil children, got %+v", g1.Children)
	}
	if c2.Children != nil {
		t.Fatalf("c2 has no replies, children should be nil, got %+v", c2.Children)
	}
	if c1.Author.DID != "did:pkh:c1" {
		t.Fatalf("node not extracted: %+v", c1.ReadableReflection)
	}
}

func TestChildrenDoesNotRecurse(t *testing.T) {
	got := newBuilder(treeSource(), nil).Children(context.Background(), "r1", store.Pagination{First: 1}, Options{})
	if len(got.Edges) != 1 || !got.PageInfo.HasNextPage {
		t.Fatalf("expected one child and a next page, got %d %+v", len(got.Edges), got.PageInfo)
	}
	if got.Edges[0].Node.Children != nil {
		t.Fatal("Children must not expand grandchildren")
	}
}

func TestBeamTree(t *testing.T) {
	got := newBuilder(treeSource(), nil).BeamTree(context.Background(), "beam_1", store.ReflectionQuery{}, Options{})
	if len(got.Edges) != 2 {
		t.Fatalf("expected 2 top-level edges, got %d", len(got.Edges))
	}
	r1 := got.Edges[0].Node
	if r1.Children == nil || r1.Children.Edges[0].Node.Children == nil {
		t.Fatal("expected r1 expanded two levels deep")
	}
	if got.Edges[1].Node.Children != nil {
		t.Fatal("r2 has no replies")
	}
}

func TestMaxDepth(t *testing.T) {
	b := newBuilder(treeSource(), nil)
	got := b.BeamTree(context.Background(), "beam_1", store.ReflectionQuery{}, Options{MaxDepth: 2})
	r1 := got.Edges[0].Node
	if r1.Children == nil {
		t.Fatal("depth 2 should include r1's children")
	}
	if r1.Children.Edges[0].Node.Children != nil {
		t.Fatal("depth 2 should stop before grandchildren")
	}
}

func TestFetchFailureYieldsEmptyPage(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := treeSource()
	src.fail = map[string]bool{"beam_1": true}
	before := testutil.ToFloat64(obs.ReflectionFetchFailures)

	got := newBuilder(src, zap.New(core)).BeamTree(context.Background(), "beam_1", store.ReflectionQuery{}, Options{})
	if got.PageInfo != nil || got.Edges == nil || len(got.Edges) != 0 {
		t.Fatalf("expected empty page, got %+v", got)
	}
	data, _ := json.Marshal(got)
	if string(data) != `{"pageInfo":null,"edges":[]}` {
		t.Fatalf("unexpected JSON %s", data)
	}
	if logs.FilterMessage("reflection_page_fetch_failed").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
	if after := testutil.ToFloat64(obs.ReflectionFetchFailures); after != before+1 {
		t.Fatalf("failure counter moved from %v to %v", before, after)
	}
}

func TestChildFetchFailureIsLocal(t *testing.T) {
	src := treeSource()
	src.fail = map[string]bool{"c1": true}
	got := newBuilder(src, nil).Tree(context.Background(), "r1", store.Pagination{}, Options{})
	if len(got.Edges) != 2 {
		t.Fatalf("siblings should survive a failing subtree, got %d edges", len(got.Edges))
	}
	if got.Edges[0].Node.Children != nil {
		t.Fatal("failed subtree should leave children nil")
	}
}

func TestSiblingsExpandConcurrently(t *testing.T) {
	const siblings = 4
	var tops []store.Reflection
	for i := 0; i < siblings; i++ {
		tops = append(tops, reflection(fmt.Sprintf("t%d", i), nil))
	}
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	var once sync.Once
	src := &fakeSource{
		beams: map[string][]store.Reflection{"beam_1": tops},
		onChild: func(string) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if n == siblings {
				once.Do(func() { close(release) })
			}
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			inFlight.Add(-1)
		},
	}
	got := newBuilder(src, nil).BeamTree(context.Background(), "beam_1", store.ReflectionQuery{}, Options{})
	if len(got.Edges) != siblings {
		t.Fatalf("expected %d edges, got %d", siblings, len(got.Edges))
	}
	if peak.Load() != siblings {
		t.Fatalf("expected %d concurrent child fetches, peak was %d", siblings, peak.Load())
	}
}
