package locator

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/pkg/lc/models"
)

type mapTimeline map[string][]int64

func (m mapTimeline) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m mapTimeline) Members(key string) ([]int64, bool) {
	v, ok := m[key]
	return v, ok
}

func TestFloorSearch(t *testing.T) {
	members := []int64{10, 20, 30, 40, 50}

	tests := []struct {
		target  int64
		want    int
		wantErr bool
	}{
		{target: 10, want: 0},
		{target: 15, want: 0},
		{target: 20, want: 1},
		{target: 39, want: 2},
		{target: 49, want: 3},
		{target: 50, want: 4},
		{target: 9, wantErr: true},
		{target: 51, wantErr: true},
	}

	for _, tt := range tests {
		got, err := FloorSearch(members, tt.target)
		if tt.wantErr {
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("FloorSearch(%d) error = %v, want ErrNotFound", tt.target, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("FloorSearch(%d) = %d, %v; want %d", tt.target, got, err, tt.want)
		}
	}
}

func TestFloorSearchProperty(t *testing.T) {
	for n := 1; n <= 17; n++ {
		members := make([]int64, n)
		for i := range members {
			members[i] = int64(i*i*7 + i*3)
		}
		for target := members[0]; target <= members[n-1]; target++ {
			i, err := FloorSearch(members, target)
			if err != nil {
				t.Fatalf("n=%d target=%d: %v", n, target, err)
			}
			if members[i] > target {
				t.Fatalf("n=%d target=%d: members[%d]=%d above target", n, target, i, members[i])
			}
			if i+1 < n && members[i+1] <= target {
				t.Fatalf("n=%d target=%d: members[%d]=%d is not the floor", n, target, i, members[i])
			}
		}
	}

	if _, err := FloorSearch(nil, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty array should be ErrNotFound, got %v", err)
	}
}

func TestFindInPartition(t *testing.T) {
	tl := mapTimeline{"v": {100, 200, 300}}

	m, err := FindInPartition(tl, "v", 250)
	if err != nil {
		t.Fatal(err)
	}
	if m.Member != 200 || m.Exact(250) || !m.Exact(200) {
		t.Errorf("match = %+v", m)
	}
	if prev, ok := m.Previous(); !ok || prev != 100 {
		t.Errorf("Previous() = %d, %v", prev, ok)
	}

	m, err = FindInPartition(tl, "v", 300)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Next(); ok {
		t.Error("last member has no next")
	}

	for _, tc := range []struct {
		partition string
		target    int64
	}{{"v", 99}, {"v", 301}, {"missing", 200}} {
		if _, err := FindInPartition(tl, tc.partition, tc.target); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindInPartition(%s, %d) error = %v, want ErrNotFound", tc.partition, tc.target, err)
		}
	}
}

func TestFindCoveringPartition(t *testing.T) {
	tl := mapTimeline{
		"old": {100, 200, 300},
		"new": {250, 350, 450},
	}

	m, err := FindCoveringPartition(tl, []string{"new", "old"}, 260)
	if err != nil {
		t.Fatal(err)
	}
	if m.Partition != "new" || m.Member != 250 || m.Index != 0 {
		t.Errorf("match = %+v", m)
	}
	if next, ok := m.Next(); !ok || next != 350 {
		t.Errorf("Next() = %d, %v", next, ok)
	}
	if _, ok := m.Previous(); ok {
		t.Error("first member has no previous")
	}

	m, err = FindCoveringPartition(tl, []string{"new", "old"}, 120)
	if err != nil || m.Partition != "old" || m.Member != 100 {
		t.Errorf("match = %+v, %v", m, err)
	}

	if _, err := FindCoveringPartition(tl, []string{"new", "old"}, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSortVersions(t *testing.T) {
	ref := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	keys := []string{
		"2024-01-01T00:00:00.000Z",
		"2024-05-30T00:00:00.000Z",
		"bogus",
		"2024-06-03T00:00:00.000Z",
	}

	got := SortVersions(ref, keys)
	want := []string{
		"2024-05-30T00:00:00.000Z",
		"2024-06-03T00:00:00.000Z",
		"2024-01-01T00:00:00.000Z",
		"bogus",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortVersions() = %v, want %v", got, want)
		}
	}
}

func TestFindFeedPartition(t *testing.T) {
	ms := func(s string) int64 {
		tm, err := models.ParseTime(s)
		if err != nil {
			t.Fatal(err)
		}
		return tm.UnixMilli()
	}

	static := mapTimeline{
		"2024-01-01T00:00:00.000Z": {1},
		"2024-01-02T00:00:00.000Z": {1},
	}
	rt := mapTimeline{
		"2024-01-03T10:00:00.000Z": {1},
		"2024-01-03T10:00:30.000Z": {1},
	}

	tests := []struct {
		name      string
		target    string
		realTime  bool
		partition string
		latest    bool
		wantErr   bool
	}{
		{name: "before everything", target: "2023-12-31T00:00:00.000Z", wantErr: true},
		{name: "static timeline", target: "2024-01-01T12:00:00.000Z", partition: "2024-01-01T00:00:00.000Z"},
		{name: "latest static before real-time", target: "2024-01-03T09:00:00.000Z", partition: "2024-01-02T00:00:00.000Z", latest: true},
		{name: "first update", target: "2024-01-03T10:00:10.000Z", realTime: true, partition: "2024-01-03T10:00:00.000Z"},
		{name: "exact last update", target: "2024-01-03T10:00:30.000Z", realTime: true, partition: "2024-01-03T10:00:30.000Z", latest: true},
		{name: "newer than everything", target: "2024-01-04T00:00:00.000Z", realTime: true, partition: "2024-01-03T10:00:30.000Z", latest: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindFeedPartition(rt, static, ms(tt.target))
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("error = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.RealTime != tt.realTime || got.Partition != tt.partition || got.Latest != tt.latest {
				t.Errorf("FindFeedPartition() = %+v", got)
			}
		})
	}
}

func TestFindRTData(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	const agency = "test"
	span := 10 * time.Minute
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	write := func(name string) {
		if err := storage.WriteFile(filepath.Join(layout.RealTimeDir(agency), name), []byte("\n")); err != nil {
			t.Fatal(err)
		}
	}
	write("2024-01-01T10:00:00.000Z.jsonld.gz")
	write("2024-01-01T10:10:00.000Z.jsonld")
	write("2024-01-01T10:10:00.000Z.jsonld.gz")
	write("2024-01-01T10:10:00.000Z.remove")
	write("2024-01-01T10:30:00.000Z.jsonld.gz")

	low := base.Add(3 * time.Minute).UnixMilli()
	high := base.Add(17 * time.Minute).UnixMilli()
	frags, removes := FindRTData(layout, agency, low, high, span)

	if len(frags) != 2 {
		t.Fatalf("fragments = %v, want 2", frags)
	}
	if filepath.Base(frags[1]) != "2024-01-01T10:10:00.000Z.jsonld" {
		t.Errorf("uncompressed fragment should be preferred, got %s", frags[1])
	}
	if len(removes) != 1 {
		t.Errorf("removes = %v, want 1", removes)
	}
}
