package connections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/avltree"
	"github.com/lc-server/internal/lc/locator"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

// Batch is one real-time update as published in the feed history.
type Batch struct {
	Key       string
	Updated   time.Time
	Members   []int64
	Fragments map[int64][]models.Connection
}

// Fragment returns the fragment of the batch at or below departure, and the
// neighbouring fragment keys for pagination.
func (b *Batch) Fragment(departure int64) (locator.Match, []models.Connection, error) {
	i, err := locator.FloorSearch(b.Members, departure)
	if err != nil {
		return locator.Match{}, nil, err
	}
	m := locator.Match{Partition: b.Key, Member: b.Members[i], Index: i, Members: b.Members}
	return m, b.Fragments[m.Member], nil
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	// Capacity is the number of most recent updates kept in memory.
	Capacity        int
	ReadConcurrency int
}

// Feed keeps the last Capacity real-time updates in an AVL tree keyed by
// update time. When full, the oldest update is evicted first.
type Feed struct {
	agency string
	layout storage.Layout
	index  *timeindex.Index
	cfg    FeedConfig
	logger logger.Logger

	writeMu sync.Mutex

	mu   sync.RWMutex
	tree *avltree.Tree[*Batch]
}

// NewFeed creates an empty feed for agency
func NewFeed(agency string, layout storage.Layout, index *timeindex.Index, cfg FeedConfig, log logger.Logger) *Feed {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	return &Feed{
		agency: agency,
		layout: layout,
		index:  index,
		cfg:    cfg,
		logger: log,
		tree:   avltree.New[*Batch](),
	}
}

// Build loads the most recent updates known to the index and swaps them in.
func (f *Feed) Build(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	start := time.Now()
	snap := f.index.Snapshot()
	keys := snap.RealTimeBatches(f.agency)
	if len(keys) > f.cfg.Capacity {
		keys = keys[len(keys)-f.cfg.Capacity:]
	}

	tree := avltree.New[*Batch]()
	for _, key := range keys {
		members, _ := snap.RealTime(f.agency, key)
		batch, err := f.loadBatch(ctx, key, members)
		if err != nil {
			return err
		}
		tree.Insert(batch.Updated.UnixMilli(), batch)
	}

	f.mu.Lock()
	f.tree = tree
	f.mu.Unlock()

	metrics.TreeSize.WithLabelValues(f.agency, "feed").Set(float64(tree.Size()))
	metrics.TreeRebuildDuration.WithLabelValues(f.agency, "feed").Observe(time.Since(start).Seconds())
	f.logger.Info("Built feed history", "agency", f.agency, "updates", tree.Size(), "duration", time.Since(start))
	return nil
}

// HandleUpdate loads the newest update directory into the tree and the
// time index, evicting the oldest update when the feed is full.
func (f *Feed) HandleUpdate(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	start := time.Now()
	dirs, err := storage.ListSubdirs(f.layout.FeedDir(f.agency))
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return nil
	}
	newest := dirs[len(dirs)-1]

	if _, ok := f.Get(newest); ok {
		return nil
	}

	members, err := f.index.InsertRealTimeBatch(ctx, f.agency, newest)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	batch, err := f.loadBatch(ctx, newest, members)
	if err != nil {
		return err
	}

	f.mu.Lock()
	evicted := f.insertBounded(batch)
	size := f.tree.Size()
	f.mu.Unlock()

	metrics.RealTimePatches.WithLabelValues(f.agency, "feed").Inc()
	metrics.TreeSize.WithLabelValues(f.agency, "feed").Set(float64(size))
	f.logger.Debug("Added update to feed history",
		"agency", f.agency,
		"update", newest,
		"fragments", len(members),
		"evicted", evicted,
		"duration", time.Since(start))
	return nil
}

// insertBounded evicts the oldest entry when the tree is full and inserts
// batch. Callers hold mu.
func (f *Feed) insertBounded(batch *Batch) string {
	var evicted string
	if f.tree.Size() >= f.cfg.Capacity {
		if oldest := f.tree.Min(); oldest != nil {
			evicted = oldest.Value.Key
			victim := oldest.Value
			f.tree.Remove(oldest.Key, func(b *Batch) bool { return b == victim })
		}
	}
	f.tree.Insert(batch.Updated.UnixMilli(), batch)
	return evicted
}

func (f *Feed) loadBatch(ctx context.Context, key string, members []int64) (*Batch, error) {
	updated, err := models.ParseTime(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", timeindex.ErrMalformedPartition, key)
	}

	frags := make([][]models.Connection, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ReadConcurrency)
	for i, ms := range members {
		path := f.layout.FeedFragment(f.agency, key, ms)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := storage.ReadFile(path)
			if err != nil {
				return err
			}
			conns, err := storage.ParseConnectionArray(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			frags[i] = conns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading update %s of %s: %w", key, f.agency, err)
	}

	batch := &Batch{
		Key:       key,
		Updated:   updated,
		Members:   members,
		Fragments: make(map[int64][]models.Connection, len(members)),
	}
	for i, ms := range members {
		batch.Fragments[ms] = frags[i]
	}
	return batch, nil
}

// Get returns the update stored under key.
func (f *Feed) Get(key string) (*Batch, bool) {
	t, err := models.ParseTime(key)
	if err != nil {
		return nil, false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.tree.Find(t.UnixMilli(), func(b *Batch) bool { return b.Key == key })
	if n == nil {
		return nil, false
	}
	return n.Value, true
}

// Size returns the number of updates held.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tree.Size()
}

// Keys returns the keys of the held updates, oldest first.
func (f *Feed) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, f.tree.Size())
	for n := f.tree.Min(); n != nil; n = f.tree.Next(n) {
		keys = append(keys, n.Value.Key)
	}
	return keys
}
