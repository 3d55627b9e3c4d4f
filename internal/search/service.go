package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"zuzalu/api/internal/extract"
)

// RecordStore is the durable index, written synchronously on every change.
type RecordStore interface {
	Index
	LoadAllRecords(ctx context.Context) ([]Record, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary Index
	pgfts   RecordStore
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured.
func NewService(primary Index, pgfts RecordStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, pgfts: pgfts, log: log}
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("search_primary_failed", zap.Error(err))
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("search_fallback_failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexBeam indexes a readable beam unless its app gates content or any item
// is still sealed.
func (s *Service) IndexBeam(ctx context.Context, beam extract.Readable, gated bool) {
	if gated {
		return
	}
	rec, ok := BeamRecord(beam)
	if !ok {
		s.log.Debug("search_skip_sealed", zap.String("beam_id", beam.ID))
		return
	}
	s.index(ctx, rec)
}

// IndexReflection indexes a readable reflection with the same rules as IndexBeam.
func (s *Service) IndexReflection(ctx context.Context, r extract.ReadableReflection, appID string, gated bool) {
	if gated {
		return
	}
	rec, ok := ReflectionRecord(r, appID)
	if !ok {
		s.log.Debug("search_skip_sealed", zap.String("reflection_id", r.ID))
		return
	}
	s.index(ctx, rec)
}

func (s *Service) index(ctx context.Context, rec Record) {
	if err := s.pgfts.IndexRecords([]Record{rec}); err != nil {
		s.log.Error("search_index_failed", zap.String("id", rec.ID), zap.Error(err))
	}
	if !s.primaryHealthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexRecords([]Record{rec}); err != nil {
			s.log.Warn("search_primary_index_failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// Delete removes an entity from both indexes.
func (s *Service) Delete(kind ResultType, id string) {
	if err := s.pgfts.DeleteRecord(kind, id); err != nil {
		s.log.Error("search_delete_failed", zap.String("id", id), zap.Error(err))
	}
	if !s.primaryHealthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.DeleteRecord(kind, id); err != nil {
			s.log.Warn("search_primary_delete_failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every record in Postgres into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.primaryHealthy() {
		return nil
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.primary.IndexRecords(records); err != nil {
		return err
	}
	s.log.Info("search_reindexed", zap.Int("records", len(records)))
	return nil
}

// Wait blocks until background index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
