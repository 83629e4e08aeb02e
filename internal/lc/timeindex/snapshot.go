package timeindex

import "sort"

type agencyIndex struct {
	static   map[string][]int64
	realTime map[string][]int64
}

// Snapshot is an immutable view of the index. Member slices must not be modified.
type Snapshot struct {
	agencies map[string]*agencyIndex
}

// HasAgency reports whether agency has been scanned at least once.
func (s *Snapshot) HasAgency(agency string) bool {
	_, ok := s.agencies[agency]
	return ok
}

// Static returns the members of a static version.
func (s *Snapshot) Static(agency, version string) ([]int64, bool) {
	a, ok := s.agencies[agency]
	if !ok {
		return nil, false
	}
	members, ok := a.static[version]
	return members, ok
}

// StaticVersions returns the indexed static versions of agency, oldest first.
func (s *Snapshot) StaticVersions(agency string) []string {
	a, ok := s.agencies[agency]
	if !ok {
		return nil
	}
	return sortedKeys(a.static)
}

// RealTime returns the members of a real-time update batch.
func (s *Snapshot) RealTime(agency, batch string) ([]int64, bool) {
	a, ok := s.agencies[agency]
	if !ok {
		return nil, false
	}
	members, ok := a.realTime[batch]
	return members, ok
}

// RealTimeBatches returns the indexed update batches of agency, oldest first.
func (s *Snapshot) RealTimeBatches(agency string) []string {
	a, ok := s.agencies[agency]
	if !ok {
		return nil
	}
	return sortedKeys(a.realTime)
}

func (s *Snapshot) hasStatic(agency, version string) bool {
	_, ok := s.Static(agency, version)
	return ok
}

// withAgency returns a copy of s in which agency's maps are private to the
// copy and can be written before publishing.
func (s *Snapshot) withAgency(agency string) *Snapshot {
	next := &Snapshot{agencies: make(map[string]*agencyIndex, len(s.agencies)+1)}
	for name, a := range s.agencies {
		next.agencies[name] = a
	}

	fresh := &agencyIndex{static: map[string][]int64{}, realTime: map[string][]int64{}}
	if old, ok := s.agencies[agency]; ok {
		for k, v := range old.static {
			fresh.static[k] = v
		}
		for k, v := range old.realTime {
			fresh.realTime[k] = v
		}
	}
	next.agencies[agency] = fresh
	return next
}

// ISO-8601 names in a single layout sort chronologically.
func sortedKeys(m map[string][]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Timeline is a read-only view over one agency's static versions or
// real-time batches.
type Timeline struct {
	partitions map[string][]int64
}

// StaticTimeline returns the static versions of agency.
func (s *Snapshot) StaticTimeline(agency string) Timeline {
	if a, ok := s.agencies[agency]; ok {
		return Timeline{partitions: a.static}
	}
	return Timeline{}
}

// RealTimeTimeline returns the real-time update batches of agency.
func (s *Snapshot) RealTimeTimeline(agency string) Timeline {
	if a, ok := s.agencies[agency]; ok {
		return Timeline{partitions: a.realTime}
	}
	return Timeline{}
}

// Keys returns the partition keys, oldest first.
func (t Timeline) Keys() []string {
	return sortedKeys(t.partitions)
}

// Members returns the member timestamps of a partition.
func (t Timeline) Members(key string) ([]int64, bool) {
	m, ok := t.partitions[key]
	return m, ok
}
