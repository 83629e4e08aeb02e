package fragments

import (
	"fmt"
	"os"
	"time"

	"github.com/lc-server/internal/lc/locator"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

// FeedPage is one fragment of the real-time update (or, before the first
// update, the static version) in effect at the requested time.
type FeedPage struct {
	Agency string
	// Update is the feed history batch or static version the page comes from.
	Update   string
	RealTime bool
	Latest   bool
	// PreviousUpdate and NextUpdate are the neighbouring partition keys.
	PreviousUpdate string
	NextUpdate     string

	Departure    time.Time
	LastModified time.Time
	Source       string
	Connections  []models.Connection
}

// Feed returns the fragment at or below departure of the update that was
// current at departure. Recent updates come from the feed tree, older ones
// from the feed history on disk.
func (r *Resolver) Feed(agencyName string, departure time.Time) (*FeedPage, error) {
	a, err := r.agency(agencyName)
	if err != nil {
		return nil, err
	}
	if a.Feed == nil {
		return nil, fmt.Errorf("%w: feed of %s is disabled", ErrAgencyNotFound, a.Name)
	}

	snap := r.index.Snapshot()
	realTime := snap.RealTimeTimeline(a.Name)
	static := snap.StaticTimeline(a.Name)
	target := departure.UnixMilli()

	fm, err := locator.FindFeedPartition(realTime, static, target)
	if err != nil {
		return nil, err
	}

	page := &FeedPage{
		Agency:   a.Name,
		Update:   fm.Partition,
		RealTime: fm.RealTime,
		Latest:   fm.Latest,
	}
	timeline := static
	if fm.RealTime {
		timeline = realTime
	}
	page.PreviousUpdate, page.NextUpdate = neighbours(timeline, fm.Partition)

	if fm.RealTime {
		if batch, ok := a.Feed.Get(fm.Partition); ok && len(batch.Members) > 0 {
			i := clampFloor(batch.Members, target)
			ms := batch.Members[i]
			page.Departure = models.FromMillis(ms)
			page.LastModified = batch.Updated
			page.Source = metrics.SourceTree
			page.Connections = batch.Fragments[ms]
			return page, nil
		}
	}

	members, _ := timeline.Members(fm.Partition)
	if len(members) == 0 {
		return nil, locator.ErrNotFound
	}
	ms := members[clampFloor(members, target)]

	var path string
	if fm.RealTime {
		path = r.layout.FeedFragment(a.Name, fm.Partition, ms)
	} else {
		path = r.layout.StaticFragment(a.Name, fm.Partition, ms)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := storage.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conns []models.Connection
	if fm.RealTime {
		conns, err = storage.ParseConnectionArray(data)
	} else {
		conns, err = storage.ParseStaticFragment(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	page.Departure = models.FromMillis(ms)
	page.LastModified = info.ModTime()
	page.Source = metrics.SourceDisk
	page.Connections = conns
	return page, nil
}

// clampFloor is FloorSearch that falls back to the first or last member
// for targets outside the partition.
func clampFloor(members []int64, target int64) int {
	if i, err := locator.FloorSearch(members, target); err == nil {
		return i
	}
	if target < members[0] {
		return 0
	}
	return len(members) - 1
}

func neighbours(tl timeindex.Timeline, key string) (prev, next string) {
	keys := tl.Keys()
	for i, k := range keys {
		if k != key {
			continue
		}
		if i > 0 {
			prev = keys[i-1]
		}
		if i+1 < len(keys) {
			next = keys[i+1]
		}
		break
	}
	return prev, next
}
