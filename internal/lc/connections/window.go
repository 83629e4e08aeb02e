package connections

import (
	"context"
	"errors"
	"fmt"
	"os"
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

// ErrNotBuilt is returned by Window.Build when no static fragment covers now.
var ErrNotBuilt = errors.New("no static fragments cover the current time")

// WindowConfig configures a Window.
type WindowConfig struct {
	// Fragments is the number of static fragments loaded from now onwards.
	Fragments int
	// RealTime enables patching from the real-time latest.json file.
	RealTime bool
	// ReadConcurrency bounds parallel fragment reads during a build.
	ReadConcurrency int
}

// WindowStats is a summary for health reporting.
type WindowStats struct {
	Size         int       `json:"size"`
	Version      string    `json:"version,omitempty"`
	Low          time.Time `json:"low"`
	High         time.Time `json:"high"`
	LastModified time.Time `json:"lastModified"`
}

// Window keeps the connections of the next few hundred minutes in an AVL
// tree keyed by their current departure time.
//
// Build and ApplyLatest are writers and serialize on writeMu. Readers only
// take mu for reading, and the tree is only changed under mu's write lock.
type Window struct {
	agency string
	layout storage.Layout
	index  *timeindex.Index
	cfg    WindowConfig
	logger logger.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu           sync.RWMutex
	tree         *avltree.Tree[models.Connection]
	delays       map[string]int
	version      string
	low, high    int64
	lastModified time.Time
}

// NewWindow creates an empty window for agency
func NewWindow(agency string, layout storage.Layout, index *timeindex.Index, cfg WindowConfig, log logger.Logger) *Window {
	if cfg.Fragments <= 0 {
		cfg.Fragments = 100
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	return &Window{
		agency: agency,
		layout: layout,
		index:  index,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
		tree:   avltree.New[models.Connection](),
		delays: map[string]int{},
	}
}

// Build loads a fresh tree starting at the fragment that covers now and
// swaps it in. Readers keep using the previous tree until the swap.
func (w *Window) Build(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	start := time.Now()
	now := w.now().UnixMilli()

	snap := w.index.Snapshot()
	timeline := snap.StaticTimeline(w.agency)
	versions := locator.SortVersions(w.now(), timeline.Keys())
	match, err := locator.FindCoveringPartition(timeline, versions, now)
	if err != nil {
		return fmt.Errorf("%w (agency %s)", ErrNotBuilt, w.agency)
	}

	end := min(match.Index+w.cfg.Fragments, len(match.Members))
	fragments := match.Members[match.Index:end]

	loaded := make([][]models.Connection, len(fragments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ReadConcurrency)
	for i, ms := range fragments {
		path := w.layout.StaticFragment(w.agency, match.Partition, ms)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := storage.ReadFile(path)
			if err != nil {
				return err
			}
			conns, err := storage.ParseStaticFragment(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			loaded[i] = conns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("building window for %s: %w", w.agency, err)
	}

	tree := avltree.New[models.Connection]()
	for _, conns := range loaded {
		for _, c := range conns {
			tree.Insert(c.DepartureMillis(), c)
		}
	}
	delays := map[string]int{}
	low, high := fragments[0], fragments[len(fragments)-1]

	if w.cfg.RealTime {
		updates, err := w.readLatest()
		if err != nil {
			w.logger.Warn("Ignoring unreadable real-time update", "agency", w.agency, "error", err)
		} else {
			applyUpdates(tree, delays, low, high, updates)
		}
	}

	w.mu.Lock()
	w.tree = tree
	w.delays = delays
	w.version = match.Partition
	w.low, w.high = low, high
	w.lastModified = w.now().UTC()
	w.mu.Unlock()

	metrics.TreeSize.WithLabelValues(w.agency, "window").Set(float64(tree.Size()))
	metrics.TreeRebuildDuration.WithLabelValues(w.agency, "window").Observe(time.Since(start).Seconds())
	w.logger.Info("Built connection window",
		"agency", w.agency,
		"version", match.Partition,
		"fragments", len(fragments),
		"connections", tree.Size(),
		"span", time.Duration(high-low)*time.Millisecond,
		"duration", time.Since(start))
	return nil
}

// ApplyLatest patches the live tree with the connections in latest.json.
func (w *Window) ApplyLatest(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	updates, err := w.readLatest()
	if err != nil {
		return err
	}

	w.mu.Lock()
	applied := applyUpdates(w.tree, w.delays, w.low, w.high, updates)
	w.lastModified = w.now().UTC()
	size := w.tree.Size()
	w.mu.Unlock()

	metrics.RealTimePatches.WithLabelValues(w.agency, "window").Add(float64(applied))
	metrics.TreeSize.WithLabelValues(w.agency, "window").Set(float64(size))
	w.logger.Debug("Patched connection window",
		"agency", w.agency,
		"updates", len(updates),
		"applied", applied,
		"duration", time.Since(start))
	return nil
}

func (w *Window) readLatest() ([]models.Connection, error) {
	data, err := storage.ReadFile(w.layout.LatestRealTime(w.agency))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return storage.ParseConnectionArray(data)
}

// applyUpdates moves every updated connection inside [low, high) to its new
// departure key and removes connections delayed out of that range. The
// previous key is derived from the delay last seen for the connection. It
// returns the number of updates applied.
func applyUpdates(tree *avltree.Tree[models.Connection], delays map[string]int, low, high int64, updates []models.Connection) int {
	applied := 0
	for _, conn := range updates {
		if conn.DepartureTime.IsZero() {
			continue
		}
		curr := conn.DepartureMillis()
		prior := conn.ScheduledDepartureMillis() + int64(delays[conn.ID])*1000
		sameID := func(c models.Connection) bool { return c.ID == conn.ID }

		if curr < low || curr >= high {
			// Moved out of the window: drop it from its old key.
			if tree.Remove(prior, sameID) {
				applied++
			}
			delays[conn.ID] = conn.DepartureDelay
			continue
		}

		if curr != prior {
			tree.Remove(prior, sameID)
			tree.Insert(curr, conn)
		} else if n := tree.Find(prior, sameID); n != nil {
			n.Value = conn
		} else {
			tree.Insert(curr, conn)
		}
		delays[conn.ID] = conn.DepartureDelay
		applied++
	}
	return applied
}

// Covers reports whether [low, high) lies inside the loaded window.
func (w *Window) Covers(low, high int64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tree.Size() > 0 && low >= w.low && high <= w.high
}

// Range returns the connections of static version departing in [low, high)
// in departure order along with the time the tree last changed. ok is false
// when the window was built from another version or does not cover the range.
func (w *Window) Range(version string, low, high int64) (conns []models.Connection, lastModified time.Time, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.tree.Size() == 0 || version != w.version || low < w.low || high > w.high {
		return nil, time.Time{}, false
	}
	w.tree.Ascend(low, high, func(n *avltree.Node[models.Connection]) bool {
		conns = append(conns, n.Value.Clone())
		return true
	})
	return conns, w.lastModified, true
}

// Stats returns a summary of the current tree.
func (w *Window) Stats() WindowStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := WindowStats{Size: w.tree.Size(), Version: w.version, LastModified: w.lastModified}
	if s.Size > 0 {
		s.Low = models.FromMillis(w.low)
		s.High = models.FromMillis(w.high)
	}
	return s
}
