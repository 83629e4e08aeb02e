package timeindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

// ErrMalformedPartition marks a file or directory name that does not encode a timestamp.
var ErrMalformedPartition = errors.New("malformed partition name")

// Partition kinds, as reported to a Recorder.
const (
	KindStatic   = "static"
	KindRealTime = "realtime"
)

// Recorder is notified about every partition that enters the index.
type Recorder interface {
	RecordPartition(ctx context.Context, agency, kind, key string, members []int64) error
}

// Index keeps, per agency, the member timestamps of every static version and
// every real-time update batch found on disk. Readers work on immutable
// snapshots; writers build a new snapshot and publish it atomically.
type Index struct {
	layout   storage.Layout
	logger   logger.Logger
	recorder Recorder

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[string][]chan struct{}
}

// New creates an empty index over the given storage layout
func New(layout storage.Layout, log logger.Logger, recorder Recorder) *Index {
	idx := &Index{
		layout:   layout,
		logger:   log,
		recorder: recorder,
		subs:     map[string][]chan struct{}{},
	}
	idx.snap.Store(&Snapshot{agencies: map[string]*agencyIndex{}})
	return idx
}

// Snapshot returns the current published view of the index.
func (i *Index) Snapshot() *Snapshot {
	return i.snap.Load()
}

// SubscribeStatic returns a channel that is signalled after new static
// versions of agency are published. Signals coalesce like watcher events.
func (i *Index) SubscribeStatic(agency string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	i.subsMu.Lock()
	i.subs[agency] = append(i.subs[agency], ch)
	i.subsMu.Unlock()
	return ch
}

func (i *Index) notifyStatic(agency string) {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	for _, ch := range i.subs[agency] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RebuildStatic indexes every static version of agency that is not indexed
// yet. Versions still being written are left for a later call.
func (i *Index) RebuildStatic(ctx context.Context, agency string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	start := time.Now()
	current := i.snap.Load()

	versions, err := storage.ListSubdirs(i.layout.StaticDir(agency))
	if err != nil {
		return 0, fmt.Errorf("listing static versions of %s: %w", agency, err)
	}

	added := map[string][]int64{}
	for _, version := range versions {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if current.hasStatic(agency, version) {
			continue
		}

		members, inProgress, err := i.scanVersion(agency, version)
		if err != nil {
			return 0, err
		}
		if inProgress {
			i.logger.Debug("Skipping static version still being written", "agency", agency, "version", version)
			continue
		}
		if len(members) == 0 {
			continue
		}
		added[version] = members
	}

	next := current.withAgency(agency)
	for version, members := range added {
		next.agencies[agency].static[version] = members
	}
	i.snap.Store(next)

	for version, members := range added {
		i.record(ctx, agency, KindStatic, version, members)
	}
	if len(added) > 0 {
		i.notifyStatic(agency)
	}

	metrics.IndexRebuildDuration.WithLabelValues(KindStatic).Observe(time.Since(start).Seconds())
	if len(added) > 0 {
		i.logger.Info("Indexed static versions", "agency", agency, "new_versions", len(added), "duration", time.Since(start))
	}
	return len(added), nil
}

// scanVersion reads the fragment names of a version in directory order.
func (i *Index) scanVersion(agency, version string) ([]int64, bool, error) {
	names, err := storage.ListDir(i.layout.VersionDir(agency, version))
	if err != nil {
		return nil, false, fmt.Errorf("listing version %s/%s: %w", agency, version, err)
	}

	members := make([]int64, 0, len(names))
	for _, name := range names {
		if strings.HasSuffix(name, storage.InProgressExt) {
			return nil, true, nil
		}
		if !strings.HasSuffix(name, storage.StaticFragmentExt) {
			continue
		}
		ms, err := parseMember(name)
		if err != nil {
			i.logger.Warn("Skipping static fragment", "agency", agency, "version", version, "error", err)
			continue
		}
		members = append(members, ms)
	}
	sortMembers(members)
	return members, false, nil
}

// RebuildRealTime indexes every feed history batch of agency that is not
// indexed yet. The newest batch is rescanned every time since the converter
// may still have been writing it during the previous scan.
func (i *Index) RebuildRealTime(ctx context.Context, agency string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	start := time.Now()
	current := i.snap.Load()

	batches, err := storage.ListSubdirs(i.layout.FeedDir(agency))
	if err != nil {
		return 0, fmt.Errorf("listing real-time batches of %s: %w", agency, err)
	}

	added := map[string][]int64{}
	for n, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		newest := n == len(batches)-1
		known, indexed := current.RealTime(agency, batch)
		if indexed && !newest {
			continue
		}
		members, err := i.scanBatch(agency, batch)
		if err != nil {
			return 0, err
		}
		if len(members) == 0 || (indexed && equalMembers(known, members)) {
			continue
		}
		added[batch] = members
	}

	next := current.withAgency(agency)
	for batch, members := range added {
		next.agencies[agency].realTime[batch] = members
	}
	i.snap.Store(next)

	for batch, members := range added {
		i.record(ctx, agency, KindRealTime, batch, members)
	}

	metrics.IndexRebuildDuration.WithLabelValues(KindRealTime).Observe(time.Since(start).Seconds())
	if len(added) > 0 {
		i.logger.Debug("Indexed real-time batches", "agency", agency, "new_batches", len(added), "duration", time.Since(start))
	}
	return len(added), nil
}

// InsertRealTimeBatch indexes a single freshly written batch without
// rescanning the rest of the feed history.
func (i *Index) InsertRealTimeBatch(ctx context.Context, agency, batch string) ([]int64, error) {
	if _, err := models.ParseTime(batch); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPartition, batch)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	members, err := i.scanBatch(agency, batch)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	next := i.snap.Load().withAgency(agency)
	next.agencies[agency].realTime[batch] = members
	i.snap.Store(next)

	i.record(ctx, agency, KindRealTime, batch, members)
	return members, nil
}

func (i *Index) scanBatch(agency, batch string) ([]int64, error) {
	names, err := storage.ListDir(i.layout.FeedBatchDir(agency, batch))
	if err != nil {
		return nil, fmt.Errorf("listing batch %s/%s: %w", agency, batch, err)
	}

	members := make([]int64, 0, len(names))
	for _, name := range names {
		ms, err := parseMember(name)
		if err != nil {
			i.logger.Warn("Skipping real-time fragment", "agency", agency, "batch", batch, "error", err)
			continue
		}
		members = append(members, ms)
	}
	sortMembers(members)
	return members, nil
}

func (i *Index) record(ctx context.Context, agency, kind, key string, members []int64) {
	metrics.IndexedPartitions.WithLabelValues(agency, kind).Inc()
	if i.recorder == nil {
		return
	}
	if err := i.recorder.RecordPartition(ctx, agency, kind, key, members); err != nil {
		i.logger.Warn("Failed to record partition", "agency", agency, "kind", kind, "partition", key, "error", err)
	}
}

func parseMember(name string) (int64, error) {
	ms, err := models.ParseFragmentName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMalformedPartition, name)
	}
	return ms, nil
}

func equalMembers(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortMembers(members []int64) {
	sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
}
