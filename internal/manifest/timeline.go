package manifest

import (
	"sort"
	"time"
)

// TimelineEntry mirrors a DASH SegmentTimeline `<S t= d= r=>` entry: a run
// of r+1 segments of duration d, with an optional explicit start time t.
// This is the same shape as the teacher's dash.S, generalized away from
// XML-attribute field names.
type TimelineEntry struct {
	T uint64 // explicit start time; 0 means "continue from cursor"
	D uint64 // duration
	R int    // repeat count (R+1 segments in this run)
}

// Timeline is a lazy SegmentIndex backed by a flat list of TimelineEntry,
// the common case for SegmentTemplate+SegmentTimeline DASH representations.
type Timeline struct {
	RepresentationID string
	Timescale        uint64
	Entries          []TimelineEntry
	Init             *Segment
}

var _ SegmentIndex = (*Timeline)(nil)

// expand flattens the run-length-encoded entries into concrete (start,
// duration) pairs, in ascending order. Mirrors teacher's
// findSegmentTimeForPlayhead but materializes the whole list, since
// SegmentsIntersecting needs to scan potentially more than one hit.
func (t *Timeline) expand() []Segment {
	segs := make([]Segment, 0, len(t.Entries))
	var cursor uint64
	for _, e := range t.Entries {
		if e.T > 0 {
			cursor = e.T
		}
		for i := 0; i <= e.R; i++ {
			segs = append(segs, Segment{
				RepresentationID: t.RepresentationID,
				Start:            cursor,
				Duration:         e.D,
				Timescale:        t.Timescale,
			})
			cursor += e.D
		}
	}
	return segs
}

// SegmentsIntersecting implements SegmentIndex.
func (t *Timeline) SegmentsIntersecting(from, to time.Duration) []Segment {
	if t.Timescale == 0 {
		return nil
	}
	fromUnits := secondsToUnits(from, t.Timescale)
	toUnits := secondsToUnits(to, t.Timescale)

	var out []Segment
	for _, s := range t.expand() {
		segEnd := s.Start + s.Duration
		if segEnd <= fromUnits {
			continue
		}
		if s.Start >= toUnits {
			break
		}
		out = append(out, s)
	}
	return out
}

// InitSegment implements SegmentIndex.
func (t *Timeline) InitSegment() (Segment, bool) {
	if t.Init == nil {
		return Segment{}, false
	}
	return *t.Init, true
}

func secondsToUnits(d time.Duration, timescale uint64) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Seconds() * float64(timescale))
}

// MergeTimeline combines two sets of timeline entries, expanding both to
// concrete segment starts, deduplicating by start time (the newer entry
// wins on overlap, matching the teacher's "new timeline is more up to date"
// assumption), and re-sorting. Entries are re-encoded with R=0 (one entry
// per segment); this is less compact than the source MPD but keeps the
// merge logic simple and is only used for the in-memory timeline, never
// re-serialized.
func MergeTimeline(oldEntries, newEntries []TimelineEntry, timescale uint64) []TimelineEntry {
	old := (&Timeline{Entries: oldEntries, Timescale: timescale}).expand()
	fresh := (&Timeline{Entries: newEntries, Timescale: timescale}).expand()

	byStart := make(map[uint64]Segment, len(old)+len(fresh))
	for _, s := range old {
		byStart[s.Start] = s
	}
	for _, s := range fresh {
		byStart[s.Start] = s
	}

	starts := make([]uint64, 0, len(byStart))
	for start := range byStart {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	merged := make([]TimelineEntry, 0, len(starts))
	for _, start := range starts {
		s := byStart[start]
		merged = append(merged, TimelineEntry{T: s.Start, D: s.Duration})
	}
	return merged
}
