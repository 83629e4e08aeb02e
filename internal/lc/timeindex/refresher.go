package timeindex

import (
	"context"
	"time"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/common/scheduler"
)

// Refresher periodically picks up static versions and real-time batches
// written since the last scan, for every configured agency.
type Refresher struct {
	index    *Index
	agencies []string
	interval time.Duration
	logger   logger.Logger
}

// NewRefresher creates a refresher. A non-positive interval defaults to one minute.
func NewRefresher(index *Index, agencies []string, interval time.Duration, log logger.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		index:    index,
		agencies: agencies,
		interval: interval,
		logger:   log,
	}
}

func (r *Refresher) String() string {
	return "lc-index-refresher"
}

// Serve runs an initial refresh and then one per interval until ctx is done.
func (r *Refresher) Serve(ctx context.Context) error {
	r.Refresh(ctx)

	task := scheduler.NewTask("index-refresh", r.interval, r.Refresh, r.logger)
	if err := task.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	task.Stop()
	return nil
}

// Refresh scans every agency once. Failures are logged and the remaining
// agencies are still scanned.
func (r *Refresher) Refresh(ctx context.Context) {
	start := time.Now()
	static, realTime := 0, 0

	for _, agency := range r.agencies {
		if ctx.Err() != nil {
			return
		}
		n, err := r.index.RebuildStatic(ctx, agency)
		if err != nil {
			r.logger.Error("Failed to refresh static index", "agency", agency, "error", err)
		}
		static += n

		n, err = r.index.RebuildRealTime(ctx, agency)
		if err != nil {
			r.logger.Error("Failed to refresh real-time index", "agency", agency, "error", err)
		}
		realTime += n
	}

	r.logger.Debug("Refreshed time index",
		"agencies", len(r.agencies),
		"new_versions", static,
		"new_batches", realTime,
		"duration", time.Since(start))
}
