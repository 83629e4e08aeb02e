// Package fragments resolves fragment requests to their content: from the
// in-memory window when possible, otherwise from disk with real-time data
// merged in.
package fragments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/aggregator"
	"github.com/lc-server/internal/lc/connections"
	"github.com/lc-server/internal/lc/freshness"
	"github.com/lc-server/internal/lc/locator"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

var (
	// ErrAgencyNotFound is returned for agencies that are not configured.
	ErrAgencyNotFound = errors.New("agency not found")
	// ErrInvalidMemento is returned for an unparseable Accept-Datetime.
	ErrInvalidMemento = errors.New("invalid accept-datetime")
	// ErrMementoOutOfRange is returned when a memento departure time lies
	// outside the requested version.
	ErrMementoOutOfRange = errors.New("departure time outside of the requested version")
)

// RedirectError asks the client to request the canonical fragment instead.
type RedirectError struct {
	Agency    string
	Departure time.Time
	// Version is set for memento redirects.
	Version string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to %s", e.Location())
}

// Location is the path and query the client is redirected to.
func (e *RedirectError) Location() string {
	q := url.Values{}
	q.Set("departureTime", models.FormatISO(e.Departure))
	if e.Version == "" {
		return "/" + e.Agency + "/connections?" + q.Encode()
	}
	q.Set("version", e.Version)
	return "/" + e.Agency + "/connections/memento?" + q.Encode()
}

// Agency describes one configured dataset and its in-memory trees.
type Agency struct {
	Name     string
	RealTime bool
	// FragmentSpan is the time span of one real-time fragment file.
	FragmentSpan time.Duration
	Window       *connections.Window
	Feed         *connections.Feed
}

// Location is a resolved fragment whose content has not been loaded yet.
// It carries enough to answer a conditional request.
type Location struct {
	Agency    string
	Version   string
	Departure time.Time
	Match     locator.Match
	Memento   time.Time
	Source    string

	// Resource feeds the freshness controller.
	Resource freshness.Resource

	low, high  int64
	hasHigh    bool
	staticPath string
	realTime   []string
	removes    []string
	tree       []models.Connection
}

// Previous returns the start of the preceding fragment of the same version.
func (l *Location) Previous() (time.Time, bool) {
	ms, ok := l.Match.Previous()
	return models.FromMillis(ms), ok
}

// Next returns the start of the following fragment of the same version.
func (l *Location) Next() (time.Time, bool) {
	ms, ok := l.Match.Next()
	return models.FromMillis(ms), ok
}

// Resolver answers fragment lookups for the configured agencies.
type Resolver struct {
	layout          storage.Layout
	index           *timeindex.Index
	agencies        map[string]Agency
	logger          logger.Logger
	now             func() time.Time
	readConcurrency int
}

// New creates a resolver
func New(layout storage.Layout, index *timeindex.Index, agencies []Agency, log logger.Logger) *Resolver {
	byName := make(map[string]Agency, len(agencies))
	for _, a := range agencies {
		if a.FragmentSpan <= 0 {
			a.FragmentSpan = 10 * time.Minute
		}
		byName[a.Name] = a
	}
	return &Resolver{
		layout:          layout,
		index:           index,
		agencies:        byName,
		logger:          log,
		now:             time.Now,
		readConcurrency: 8,
	}
}

// Agencies returns the configured agencies
func (r *Resolver) Agencies() []Agency {
	out := make([]Agency, 0, len(r.agencies))
	for _, a := range r.agencies {
		out = append(out, a)
	}
	return out
}

func (r *Resolver) agency(name string) (Agency, error) {
	a, ok := r.agencies[name]
	if !ok {
		return Agency{}, fmt.Errorf("%w: %s", ErrAgencyNotFound, name)
	}
	return a, nil
}

// Locate finds the fragment that starts exactly at departure. Any other
// departure time yields a RedirectError to the fragment covering it, taken
// from the static version closest to now.
func (r *Resolver) Locate(agencyName string, departure time.Time) (*Location, error) {
	a, err := r.agency(agencyName)
	if err != nil {
		return nil, err
	}

	now := r.now()
	timeline := r.index.Snapshot().StaticTimeline(a.Name)
	versions := locator.SortVersions(now, timeline.Keys())
	target := departure.UnixMilli()

	match, err := locator.FindCoveringPartition(timeline, versions, target)
	if err != nil {
		return nil, err
	}
	if !match.Exact(target) {
		return nil, &RedirectError{Agency: a.Name, Departure: models.FromMillis(match.Member)}
	}

	loc := r.newLocation(a, match, time.Time{})

	if a.Window != nil && loc.hasHigh {
		if conns, lastModified, ok := a.Window.Range(loc.Version, loc.low, loc.high); ok {
			loc.Source = metrics.SourceTree
			loc.tree = conns
			loc.Resource = freshness.Resource{
				Path:         loc.staticPath,
				LastModified: lastModified,
				Live:         true,
				Departure:    loc.Departure,
			}
			return loc, nil
		}
	}

	if err := r.statDisk(a, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// TimeGate picks the fragment covering departure in the version closest to
// acceptDatetime and returns the memento URL of it as a RedirectError.
func (r *Resolver) TimeGate(agencyName string, departure time.Time, acceptDatetime string) (*RedirectError, error) {
	a, err := r.agency(agencyName)
	if err != nil {
		return nil, err
	}
	memento, err := models.ParseTime(acceptDatetime)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemento, acceptDatetime)
	}

	timeline := r.index.Snapshot().StaticTimeline(a.Name)
	versions := locator.SortVersions(memento, timeline.Keys())
	match, err := locator.FindCoveringPartition(timeline, versions, departure.UnixMilli())
	if err != nil {
		return nil, err
	}
	return &RedirectError{
		Agency:    a.Name,
		Departure: models.FromMillis(match.Member),
		Version:   match.Partition,
	}, nil
}

// LocateMemento finds a fragment of a specific version as it was known at
// acceptDatetime. Departure times inside the version that are not a
// fragment start are redirected to the covering fragment.
func (r *Resolver) LocateMemento(agencyName, version string, departure time.Time, acceptDatetime string) (*Location, error) {
	a, err := r.agency(agencyName)
	if err != nil {
		return nil, err
	}
	memento, err := models.ParseTime(acceptDatetime)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemento, acceptDatetime)
	}

	timeline := r.index.Snapshot().StaticTimeline(a.Name)
	if _, ok := timeline.Members(version); !ok {
		return nil, fmt.Errorf("version %s of %s: %w", version, a.Name, locator.ErrNotFound)
	}

	target := departure.UnixMilli()
	match, err := locator.FindInPartition(timeline, version, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMementoOutOfRange, models.FormatISO(departure))
	}
	if !match.Exact(target) {
		return nil, &RedirectError{Agency: a.Name, Departure: models.FromMillis(match.Member), Version: version}
	}

	loc := r.newLocation(a, match, memento)
	if err := r.statDisk(a, loc); err != nil {
		return nil, err
	}
	loc.Resource.Memento = memento
	return loc, nil
}

func (r *Resolver) newLocation(a Agency, match locator.Match, memento time.Time) *Location {
	loc := &Location{
		Agency:     a.Name,
		Version:    match.Partition,
		Departure:  models.FromMillis(match.Member),
		Match:      match,
		Memento:    memento,
		low:        match.Member,
		staticPath: r.layout.StaticFragment(a.Name, match.Partition, match.Member),
	}
	loc.high, loc.hasHigh = match.Next()
	return loc
}

// statDisk fills in the real-time files overlapping the fragment and the
// validators of the file the response depends on. The last fragment of a
// version has no upper bound and is served without real-time data.
func (r *Resolver) statDisk(a Agency, loc *Location) error {
	loc.Source = metrics.SourceDisk
	path := loc.staticPath

	if a.RealTime && loc.hasHigh {
		loc.realTime, loc.removes = locator.FindRTData(r.layout, a.Name, loc.low, loc.high, a.FragmentSpan)
		if len(loc.realTime) > 0 {
			path = loc.realTime[len(loc.realTime)-1]
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	loc.Resource = freshness.Resource{
		Path:         path,
		LastModified: info.ModTime(),
		Live:         len(loc.realTime) > 0,
		Departure:    loc.Departure,
	}
	return nil
}

// Load returns the connections of a located fragment.
func (r *Resolver) Load(ctx context.Context, loc *Location) ([]models.Connection, error) {
	if loc.Source == metrics.SourceTree {
		return loc.tree, nil
	}

	start := time.Now()
	data, err := storage.ReadFile(loc.staticPath)
	if err != nil {
		return nil, err
	}
	static, err := storage.ParseStaticFragment(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc.staticPath, err)
	}
	r.logger.Debug("Read static fragment", "path", loc.staticPath, "connections", len(static), "duration", time.Since(start))

	if len(loc.realTime) == 0 && len(loc.removes) == 0 {
		return static, nil
	}

	realTime, removes, err := r.readRealTime(ctx, loc)
	if err != nil {
		return nil, err
	}

	asOf := loc.Memento
	if asOf.IsZero() {
		asOf = r.now()
	}

	start = time.Now()
	conns := aggregator.Aggregate(aggregator.Input{
		Static:   static,
		RealTime: realTime,
		Removes:  removes,
		Low:      loc.low,
		High:     loc.high,
		AsOf:     asOf,
	})
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	r.logger.Debug("Aggregated real-time data",
		"agency", loc.Agency,
		"fragment", models.FormatISO(loc.Departure),
		"real_time_files", len(realTime),
		"remove_files", len(removes),
		"duration", time.Since(start))
	return conns, nil
}

// readRealTime reads every overlapping real-time and remove file in
// parallel. Any failure fails the whole fragment.
func (r *Resolver) readRealTime(ctx context.Context, loc *Location) ([][]models.Connection, [][]models.RemoveRecord, error) {
	realTime := make([][]models.Connection, len(loc.realTime))
	removes := make([][]models.RemoveRecord, len(loc.removes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.readConcurrency)

	for i, path := range loc.realTime {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := storage.ReadFile(path)
			if err != nil {
				return err
			}
			conns, err := storage.ParseRealTime(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			realTime[i] = conns
			return nil
		})
	}
	for i, path := range loc.removes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := storage.ReadFile(path)
			if err != nil {
				return err
			}
			records, err := storage.ParseRemoveLog(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			removes[i] = records
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return realTime, removes, nil
}
