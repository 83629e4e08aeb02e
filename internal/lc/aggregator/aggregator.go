// Package aggregator merges a static fragment with the real-time updates and
// remove logs that were observed up to a given instant.
package aggregator

import (
	"sort"
	"time"

	"github.com/lc-server/pkg/lc/models"
)

// Input is everything needed to build one fragment as of AsOf.
type Input struct {
	// Static is the static fragment in departure order. It is not modified.
	Static []models.Connection
	// RealTime holds the parsed real-time fragments covering [Low, High).
	RealTime [][]models.Connection
	// Removes holds the parsed remove logs of the same spans.
	Removes [][]models.RemoveRecord

	// Low and High bound the fragment's departure window in epoch millis.
	Low, High int64

	// AsOf hides every update observed after it.
	AsOf time.Time
}

// Aggregate returns the fragment described by in, sorted by departure time
// with the connection id as tie break.
func Aggregate(in Input) []models.Connection {
	work := make([]models.Connection, len(in.Static))
	staticIndex := make(map[string]int, len(in.Static))
	for i := range in.Static {
		work[i] = in.Static[i].Clone()
		staticIndex[work[i].ID] = i
	}

	rtIndex, movedOut := realTimeIndex(in)
	toRemove := removeIndex(in.Removes, in.AsOf)

	// Map iteration order is random; apply in a fixed order so appended
	// connections are deterministic before the final sort.
	for _, id := range sortedIDs(rtIndex) {
		rt := rtIndex[id]
		if pos, ok := staticIndex[id]; ok {
			applyUpdate(&work[pos], rt)
			continue
		}
		c := rt.Clone()
		c.MementoVersion = time.Time{}
		work = append(work, c)
		staticIndex[id] = len(work) - 1
	}

	drop := make(map[string]struct{}, len(toRemove)+len(movedOut))
	for id, removedAt := range toRemove {
		if rt, ok := rtIndex[id]; ok && rt.MementoVersion.After(removedAt) {
			continue
		}
		drop[id] = struct{}{}
	}
	for id := range movedOut {
		drop[id] = struct{}{}
	}

	out := work[:0]
	for _, c := range work {
		if _, gone := drop[c.ID]; gone {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(a, b int) bool {
		da, db := out[a].DepartureMillis(), out[b].DepartureMillis()
		if da != db {
			return da < db
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// realTimeIndex keeps the newest visible record per connection. Records
// whose newest position lies outside [Low, High) are returned separately:
// the connection has left this fragment.
func realTimeIndex(in Input) (map[string]models.Connection, map[string]time.Time) {
	latest := map[string]models.Connection{}
	for _, batch := range in.RealTime {
		for _, rec := range batch {
			if rec.MementoVersion.After(in.AsOf) {
				continue
			}
			prev, seen := latest[rec.ID]
			if seen && prev.MementoVersion.After(rec.MementoVersion) {
				continue
			}
			latest[rec.ID] = rec
		}
	}

	inRange := make(map[string]models.Connection, len(latest))
	movedOut := map[string]time.Time{}
	for id, rec := range latest {
		dep := rec.DepartureMillis()
		if !rec.DepartureTime.IsZero() && dep >= in.Low && dep < in.High {
			inRange[id] = repairArrival(rec)
		} else {
			movedOut[id] = rec.MementoVersion
		}
	}
	return inRange, movedOut
}

// removeIndex returns, per connection id, the newest removal visible at asOf.
func removeIndex(logs [][]models.RemoveRecord, asOf time.Time) map[string]time.Time {
	out := map[string]time.Time{}
	for _, log := range logs {
		for _, rec := range log {
			if rec.Memento.After(asOf) {
				continue
			}
			for _, id := range rec.IDs {
				if prev, ok := out[id]; !ok || rec.Memento.After(prev) {
					out[id] = rec.Memento
				}
			}
		}
	}
	return out
}

// repairArrival fixes records where only the departure delay was reported
// and the delayed departure ends up after the scheduled arrival.
func repairArrival(rec models.Connection) models.Connection {
	if rec.DepartureDelay > 0 && rec.ArrivalDelay == 0 &&
		!rec.ArrivalTime.IsZero() && rec.DepartureTime.After(rec.ArrivalTime) {
		rec.ArrivalDelay = rec.DepartureDelay
		rec.ArrivalTime = rec.ArrivalTime.Add(time.Duration(rec.ArrivalDelay) * time.Second)
	}
	return rec
}

func applyUpdate(dst *models.Connection, rt models.Connection) {
	if rt.Type != "" {
		dst.Type = rt.Type
	}
	dst.DepartureDelay = rt.DepartureDelay
	dst.ArrivalDelay = rt.ArrivalDelay
	dst.DepartureTime = rt.DepartureTime
	if !rt.ArrivalTime.IsZero() {
		dst.ArrivalTime = rt.ArrivalTime
	}
}

func sortedIDs(m map[string]models.Connection) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
