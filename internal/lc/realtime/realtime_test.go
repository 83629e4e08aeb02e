package realtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

// eventually polls cond, calling touch between attempts to re-trigger
// file events that may have raced the watcher setup.
func eventually(t *testing.T, cond func() bool, touch func()) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if touch != nil {
			touch()
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.json")
	w := NewWatcher("a", path, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// Other files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := false
	eventually(t, func() bool {
		select {
		case <-w.Events():
			got = true
		default:
		}
		return got
	}, func() {
		_ = os.WriteFile(path, []byte("[]"), 0o644)
	})

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWatcherCoalesces(t *testing.T) {
	w := NewWatcher("coalesce", "unused", logger.Nop())
	before := testutil.ToFloat64(metrics.RealTimeEventsDropped.WithLabelValues("coalesce"))

	w.notify()
	w.notify()
	w.notify()

	if len(w.events) != 1 {
		t.Errorf("pending events = %d, want 1", len(w.events))
	}
	if got := testutil.ToFloat64(metrics.RealTimeEventsDropped.WithLabelValues("coalesce")) - before; got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.WriteFile(path, data); err != nil {
		t.Fatal(err)
	}
}

func TestManagerAppliesUpdates(t *testing.T) {
	const agency = "a"
	layout := storage.NewLayout(t.TempDir())

	// Static fragments around now so the window covers the current time.
	base := time.Now().UTC().Truncate(10 * time.Minute)
	version := models.FormatISO(base.Add(-48 * time.Hour))
	for f := -1; f < 3; f++ {
		start := base.Add(time.Duration(f) * 10 * time.Minute)
		data, err := storage.EncodeStaticFragment([]models.Connection{{
			ID:            fmt.Sprintf("c%d", f+1),
			Type:          models.TypeConnection,
			DepartureTime: start.Add(time.Minute),
			ArrivalTime:   start.Add(3 * time.Minute),
		}})
		if err != nil {
			t.Fatal(err)
		}
		if err := storage.WriteFile(layout.StaticFragment(agency, version, start.UnixMilli()), data); err != nil {
			t.Fatal(err)
		}
	}

	idx := timeindex.New(layout, logger.Nop(), nil)
	m := NewManager(Config{Agency: agency, RealTime: true, Feed: true}, layout, idx, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	eventually(t, func() bool { return m.Window().Stats().Size > 0 }, nil)
	if !m.IsRunning() {
		t.Error("manager should report running")
	}

	// c1 departs at base+1m and is delayed by ten minutes.
	delayed := models.Connection{
		ID:             "c1",
		Type:           models.TypeConnection,
		DepartureTime:  base.Add(11 * time.Minute),
		ArrivalTime:    base.Add(13 * time.Minute),
		DepartureDelay: 600,
		ArrivalDelay:   600,
	}
	moved := func() bool {
		conns, _, ok := m.Window().Range(m.Window().Stats().Version, base.Add(10*time.Minute).UnixMilli(), base.Add(20*time.Minute).UnixMilli())
		if !ok {
			return false
		}
		for _, c := range conns {
			if c.ID == "c1" {
				return true
			}
		}
		return false
	}
	eventually(t, moved, func() {
		writeJSON(t, layout.LatestRealTime(agency), []models.Connection{delayed})
	})

	// A new feed history batch is announced through the feed sentinel.
	batch := models.FormatISO(base)
	writeJSON(t, layout.FeedFragment(agency, batch, base.UnixMilli()), []models.Connection{delayed})
	eventually(t, func() bool { return m.Feed().Size() == 1 }, func() {
		writeJSON(t, layout.LatestFeed(agency), []string{batch})
	})
}

func TestManagerWithoutTrees(t *testing.T) {
	m := NewManager(Config{Agency: "static"}, storage.NewLayout(t.TempDir()), nil, logger.Nop())
	if m.Window() != nil || m.Feed() != nil {
		t.Error("static-only agencies keep no trees")
	}
	if m.String() != "lc-manager-static" {
		t.Errorf("String() = %s", m.String())
	}
}

func TestWatcherReadyBeforeFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.json")
	w := NewWatcher("a", path, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	// A single write right after Ready must not be lost.
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("write after Ready produced no event")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func writeStaticVersion(t *testing.T, layout storage.Layout, agency, version, prefix string, base time.Time) {
	t.Helper()
	for f := -1; f < 3; f++ {
		start := base.Add(time.Duration(f) * 10 * time.Minute)
		data, err := storage.EncodeStaticFragment([]models.Connection{{
			ID:            fmt.Sprintf("%s%d", prefix, f+1),
			Type:          models.TypeConnection,
			DepartureTime: start.Add(time.Minute),
			ArrivalTime:   start.Add(3 * time.Minute),
		}})
		if err != nil {
			t.Fatal(err)
		}
		if err := storage.WriteFile(layout.StaticFragment(agency, version, start.UnixMilli()), data); err != nil {
			t.Fatal(err)
		}
	}
}

func TestManagerRebuildsOnNewStaticVersion(t *testing.T) {
	const agency = "a"
	layout := storage.NewLayout(t.TempDir())
	base := time.Now().UTC().Truncate(10 * time.Minute)
	v1 := models.FormatISO(base.Add(-48 * time.Hour))
	writeStaticVersion(t, layout, agency, v1, "c", base)

	idx := timeindex.New(layout, logger.Nop(), nil)
	m := NewManager(Config{Agency: agency, RealTime: true}, layout, idx, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	eventually(t, func() bool { return m.Window().Stats().Version == v1 }, nil)

	// Publishing a newer version through the index swaps the window over
	// without waiting for the scheduled rebuild.
	v2 := models.FormatISO(base.Add(-24 * time.Hour))
	writeStaticVersion(t, layout, agency, v2, "n", base)
	if _, err := idx.RebuildStatic(context.Background(), agency); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return m.Window().Stats().Version == v2 }, nil)

	conns, _, ok := m.Window().Range(v2, base.UnixMilli(), base.Add(10*time.Minute).UnixMilli())
	if !ok || len(conns) != 1 || conns[0].ID != "n1" {
		t.Errorf("Range(v2) = %v, %v", conns, ok)
	}
	if _, _, ok := m.Window().Range(v1, base.UnixMilli(), base.Add(10*time.Minute).UnixMilli()); ok {
		t.Error("window still answers for the replaced version")
	}
}
