package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/common/scheduler"
	"github.com/lc-server/internal/lc/connections"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
)

// Config describes what a Manager maintains for one agency.
type Config struct {
	Agency string
	// RealTime enables the sliding window tree and its latest.json patches.
	RealTime bool
	// Feed enables the bounded feed history tree.
	Feed            bool
	RebuildInterval time.Duration
	Window          connections.WindowConfig
	FeedConfig      connections.FeedConfig
}

// Manager owns the trees of one agency. It is the only writer to them:
// update events are consumed by a single goroutine and the periodic window
// rebuild serializes with patches inside the Window itself.
type Manager struct {
	cfg    Config
	layout storage.Layout
	index  *timeindex.Index
	logger logger.Logger

	window *connections.Window
	feed   *connections.Feed

	mu        sync.RWMutex
	isRunning bool
}

// NewManager creates a manager; trees are built when it is served
func NewManager(cfg Config, layout storage.Layout, index *timeindex.Index, log logger.Logger) *Manager {
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = 10 * time.Minute
	}

	m := &Manager{
		cfg:    cfg,
		layout: layout,
		index:  index,
		logger: log,
	}
	if cfg.RealTime {
		wcfg := cfg.Window
		wcfg.RealTime = true
		m.window = connections.NewWindow(cfg.Agency, layout, index, wcfg, log)
	}
	if cfg.Feed {
		m.feed = connections.NewFeed(cfg.Agency, layout, index, cfg.FeedConfig, log)
	}
	return m
}

// Agency returns the agency this manager serves
func (m *Manager) Agency() string {
	return m.cfg.Agency
}

// Window returns the sliding window tree, nil when real-time is disabled
func (m *Manager) Window() *connections.Window {
	return m.window
}

// Feed returns the feed history tree, nil when disabled
func (m *Manager) Feed() *connections.Feed {
	return m.feed
}

// IsRunning returns whether Serve is active
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Manager) String() string {
	return "lc-manager-" + m.cfg.Agency
}

// Serve builds the trees, then applies update events and periodic rebuilds
// until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("manager for %s is already running", m.cfg.Agency)
	}
	m.isRunning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isRunning = false
		m.mu.Unlock()
	}()

	m.logger.Info("Starting agency manager",
		"agency", m.cfg.Agency,
		"real_time", m.cfg.RealTime,
		"feed", m.cfg.Feed,
		"rebuild_interval", m.cfg.RebuildInterval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// Watches are registered before the first build so that no update
	// written during the build is lost; its event waits for consume.
	var windowEvents, feedEvents, staticEvents <-chan struct{}
	var watchers []*Watcher
	if m.window != nil {
		w := NewWatcher(m.cfg.Agency, m.layout.LatestRealTime(m.cfg.Agency), m.logger)
		windowEvents = w.Events()
		staticEvents = m.index.SubscribeStatic(m.cfg.Agency)
		watchers = append(watchers, w)
	}
	if m.feed != nil {
		w := NewWatcher(m.cfg.Agency, m.layout.LatestFeed(m.cfg.Agency), m.logger)
		feedEvents = w.Events()
		watchers = append(watchers, w)
	}
	for _, w := range watchers {
		g.Go(func() error { return w.Run(gctx) })
	}
	for _, w := range watchers {
		select {
		case <-w.Ready():
		case <-gctx.Done():
			return g.Wait()
		}
	}

	if m.window != nil {
		m.rebuildWindow(gctx)

		task := scheduler.NewTask("window-"+m.cfg.Agency, m.cfg.RebuildInterval, m.rebuildWindow, m.logger, scheduler.Aligned())
		if err := task.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer task.Stop()
	}
	if m.feed != nil {
		m.buildFeed(gctx)
	}

	g.Go(func() error {
		m.consume(gctx, windowEvents, feedEvents, staticEvents)
		return nil
	})

	err := g.Wait()
	m.logger.Info("Agency manager stopped", "agency", m.cfg.Agency)
	return err
}

// consume is the single writer for update events.
func (m *Manager) consume(ctx context.Context, windowEvents, feedEvents, staticEvents <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-windowEvents:
			if err := m.window.ApplyLatest(ctx); err != nil {
				m.logger.Error("Failed to apply real-time update", "agency", m.cfg.Agency, "error", err)
			}

		case <-staticEvents:
			// A new static version may replace the one the window was built from.
			m.buildWindow(ctx)

		case <-feedEvents:
			if err := m.feed.HandleUpdate(ctx); err != nil {
				m.logger.Error("Failed to add update to feed history", "agency", m.cfg.Agency, "error", err)
			}
		}
	}
}

// rebuildWindow picks up new static versions and slides the window to now.
func (m *Manager) rebuildWindow(ctx context.Context) {
	if _, err := m.index.RebuildStatic(ctx, m.cfg.Agency); err != nil {
		m.logger.Error("Failed to rebuild static index", "agency", m.cfg.Agency, "error", err)
		return
	}
	m.buildWindow(ctx)
}

func (m *Manager) buildWindow(ctx context.Context) {
	if err := m.window.Build(ctx); err != nil {
		if errors.Is(err, connections.ErrNotBuilt) {
			m.logger.Warn("Connection window not built", "agency", m.cfg.Agency, "error", err)
			return
		}
		m.logger.Error("Failed to build connection window", "agency", m.cfg.Agency, "error", err)
	}
}

func (m *Manager) buildFeed(ctx context.Context) {
	if _, err := m.index.RebuildRealTime(ctx, m.cfg.Agency); err != nil {
		m.logger.Error("Failed to rebuild real-time index", "agency", m.cfg.Agency, "error", err)
		return
	}
	if err := m.feed.Build(ctx); err != nil {
		m.logger.Error("Failed to build feed history", "agency", m.cfg.Agency, "error", err)
	}
}
