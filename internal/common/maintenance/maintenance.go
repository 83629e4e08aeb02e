package maintenance

import (
	"context"
	"time"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/common/scheduler"
	"github.com/lc-server/internal/lc/timeindex"
)

// Pruner deletes registry rows of partitions that are no longer indexed.
type Pruner interface {
	Prune(ctx context.Context, agency, kind string, keep []string) (int64, error)
}

// CleanupResult represents the result of pruning one agency and kind
type CleanupResult struct {
	Agency         string
	Kind           string
	RecordsDeleted int64
	Success        bool
	Error          string
}

// Cleaner keeps the partition registry in line with the time index: versions
// and update batches removed from disk are removed from the registry too.
type Cleaner struct {
	pruner   Pruner
	index    *timeindex.Index
	agencies []string
	interval time.Duration
	logger   logger.Logger
}

// NewCleaner creates a cleaner. A non-positive interval defaults to one hour.
func NewCleaner(pruner Pruner, index *timeindex.Index, agencies []string, interval time.Duration, log logger.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		pruner:   pruner,
		index:    index,
		agencies: agencies,
		interval: interval,
		logger:   log,
	}
}

func (c *Cleaner) String() string {
	return "lc-registry-cleaner"
}

// Serve prunes once per interval until ctx is done.
func (c *Cleaner) Serve(ctx context.Context) error {
	task := scheduler.NewTask("registry-cleanup", c.interval, func(ctx context.Context) { c.Cleanup(ctx) }, c.logger)
	if err := task.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	task.Stop()
	return nil
}

// Cleanup prunes every agency the index knows about. Agencies the index has
// not loaded yet are skipped so an empty snapshot never wipes the registry.
func (c *Cleaner) Cleanup(ctx context.Context) []CleanupResult {
	start := time.Now()
	snap := c.index.Snapshot()

	var results []CleanupResult
	for _, agency := range c.agencies {
		if !snap.HasAgency(agency) {
			continue
		}
		results = append(results,
			c.prune(ctx, agency, timeindex.KindStatic, snap.StaticVersions(agency)),
			c.prune(ctx, agency, timeindex.KindRealTime, snap.RealTimeBatches(agency)))
	}

	var deleted int64
	for _, r := range results {
		deleted += r.RecordsDeleted
	}
	c.logger.Info("Registry cleanup completed", "records_deleted", deleted, "duration", time.Since(start))
	return results
}

func (c *Cleaner) prune(ctx context.Context, agency, kind string, keep []string) CleanupResult {
	result := CleanupResult{Agency: agency, Kind: kind}

	n, err := c.pruner.Prune(ctx, agency, kind, keep)
	if err != nil {
		c.logger.Error("Registry cleanup failed", "agency", agency, "kind", kind, "error", err)
		result.Error = err.Error()
		return result
	}

	result.RecordsDeleted = n
	result.Success = true
	return result
}
