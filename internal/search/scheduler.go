package search

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// DefaultReindexCron runs a full reindex nightly at 03:00 UTC.
const DefaultReindexCron = "0 3 * * *"

// Reindexer runs a full reindex.
type Reindexer interface {
	ReindexAll(ctx context.Context) error
}

// StartReindexScheduler runs r on the cron expression until ctx is done. An
// empty expression uses DefaultReindexCron.
func StartReindexScheduler(ctx context.Context, r Reindexer, cronExpr string, log *zap.Logger) error {
	if cronExpr == "" {
		cronExpr = DefaultReindexCron
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid reindex cron expression: %q", cronExpr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("search_reindex_scheduled", zap.String("cron", cronExpr))
	go runScheduler(ctx, r, cronExpr, log, time.Now)
	return nil
}

func runScheduler(ctx context.Context, r Reindexer, cronExpr string, log *zap.Logger, now func() time.Time) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			log.Error("search_reindex_nexttick_failed", zap.String("cron", cronExpr), zap.Error(err))
			wait = 30 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("search_reindex_scheduler_stopping")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if err := r.ReindexAll(ctx); err != nil {
			log.Error("search_reindex_failed", zap.Error(err))
		}
	}
}
