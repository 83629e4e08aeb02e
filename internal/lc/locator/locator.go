package locator

import (
	"errors"
	"sort"
	"time"

	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/pkg/lc/models"
)

// ErrNotFound is returned when no partition or member covers the target.
var ErrNotFound = errors.New("no fragment covers the requested time")

// Timeline is a set of partitions (static versions or real-time batches)
// with their sorted member timestamps.
type Timeline interface {
	// Keys returns the partition keys in ascending order.
	Keys() []string
	Members(key string) ([]int64, bool)
}

// Match is a member located inside a partition.
type Match struct {
	Partition string
	Member    int64
	Index     int
	Members   []int64
}

// Previous returns the member before the match, if any.
func (m Match) Previous() (int64, bool) {
	if m.Index <= 0 {
		return 0, false
	}
	return m.Members[m.Index-1], true
}

// Next returns the member after the match, if any.
func (m Match) Next() (int64, bool) {
	if m.Index+1 >= len(m.Members) {
		return 0, false
	}
	return m.Members[m.Index+1], true
}

// Exact reports whether target is the matched member itself.
func (m Match) Exact(target int64) bool {
	return m.Member == target
}

// FloorSearch returns the index of target in members, or of the closest
// member below it. members must be sorted ascending. Targets outside
// [first, last] yield ErrNotFound.
func FloorSearch(members []int64, target int64) (int, error) {
	if len(members) == 0 || target < members[0] || target > members[len(members)-1] {
		return -1, ErrNotFound
	}

	lo, hi := 0, len(members)-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		switch {
		case members[mid] == target:
			return mid, nil
		case members[mid] < target:
			if mid+1 < len(members) && members[mid+1] > target {
				return mid, nil
			}
			lo = mid + 1
		default:
			if mid > 0 && members[mid-1] <= target {
				return mid - 1, nil
			}
			hi = mid - 1
		}
	}
	// Only reachable when target equals the last member.
	return len(members) - 1, nil
}

// FindInPartition locates target inside one partition of tl.
func FindInPartition(tl Timeline, partition string, target int64) (Match, error) {
	members, ok := tl.Members(partition)
	if !ok {
		return Match{}, ErrNotFound
	}
	i, err := FloorSearch(members, target)
	if err != nil {
		return Match{}, err
	}
	return Match{Partition: partition, Member: members[i], Index: i, Members: members}, nil
}

// FindCoveringPartition tries the partitions in the given order and returns
// the first one whose range contains target.
func FindCoveringPartition(tl Timeline, partitions []string, target int64) (Match, error) {
	for _, p := range partitions {
		m, err := FindInPartition(tl, p, target)
		if err == nil {
			return m, nil
		}
	}
	return Match{}, ErrNotFound
}

// SortVersions orders partition keys by their distance to ref, closest
// first. Keys that are not timestamps go last, in their original order.
func SortVersions(ref time.Time, keys []string) []string {
	type keyed struct {
		key  string
		dist time.Duration
		ok   bool
	}

	items := make([]keyed, len(keys))
	for i, k := range keys {
		t, err := models.ParseTime(k)
		items[i] = keyed{key: k, ok: err == nil}
		if err == nil {
			d := ref.Sub(t)
			if d < 0 {
				d = -d
			}
			items[i].dist = d
		}
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].ok != items[b].ok {
			return items[a].ok
		}
		return items[a].dist < items[b].dist
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}

// FeedMatch is the outcome of FindFeedPartition.
type FeedMatch struct {
	// RealTime is false when the target predates every real-time update and
	// the static timeline was used instead.
	RealTime  bool
	Partition string
	// Latest is set when the target is newer than every known partition.
	Latest bool
}

// FindFeedPartition picks the timeline for target (real-time once the
// first update exists, static before that) and returns the partition whose
// key is at or below target.
func FindFeedPartition(realTime, static Timeline, target int64) (FeedMatch, error) {
	rtKeys, rtMillis := keyMillis(realTime.Keys())
	if len(rtMillis) > 0 && target >= rtMillis[0] {
		return floorPartition(rtKeys, rtMillis, target, true)
	}

	stKeys, stMillis := keyMillis(static.Keys())
	return floorPartition(stKeys, stMillis, target, false)
}

func floorPartition(keys []string, millis []int64, target int64, realTime bool) (FeedMatch, error) {
	if len(keys) == 0 {
		return FeedMatch{}, ErrNotFound
	}
	i, err := FloorSearch(millis, target)
	if err != nil {
		if target > millis[len(millis)-1] {
			return FeedMatch{RealTime: realTime, Partition: keys[len(keys)-1], Latest: true}, nil
		}
		return FeedMatch{}, err
	}
	return FeedMatch{RealTime: realTime, Partition: keys[i], Latest: i == len(keys)-1}, nil
}

// keyMillis parses partition keys, dropping any that are not timestamps.
func keyMillis(keys []string) ([]string, []int64) {
	outKeys := make([]string, 0, len(keys))
	millis := make([]int64, 0, len(keys))
	for _, k := range keys {
		t, err := models.ParseTime(k)
		if err != nil {
			continue
		}
		outKeys = append(outKeys, k)
		millis = append(millis, t.UnixMilli())
	}
	return outKeys, millis
}

// FindRTData returns the real-time fragment files and remove logs whose
// span overlaps [low, high]. Spans are aligned on multiples of span.
func FindRTData(layout storage.Layout, agency string, low, high int64, span time.Duration) (fragments, removes []string) {
	step := span.Milliseconds()
	if step <= 0 {
		return nil, nil
	}

	for t := low - mod(low, step); t <= high-mod(high, step); t += step {
		if p, ok := layout.RealTimeFragment(agency, t); ok {
			fragments = append(fragments, p)
		}
		if p, ok := layout.RemoveLog(agency, t); ok {
			removes = append(removes, p)
		}
	}
	return fragments, removes
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
