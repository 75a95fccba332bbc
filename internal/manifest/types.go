// Package manifest holds the data model shared by every streaming
// orchestration component: Periods, Adaptations, Representations and
// Segments, plus the interfaces the orchestration layer consumes from
// collaborators that are out of scope here (the manifest parser, the
// transport pipelines, the media sink).
//
// Types in this package are read-only after construction except for the
// Representation.Decipherable flag, which is updated atomically by a single
// supervisor (see DecipherabilityUpdater) and observed by everyone else.
package manifest

import (
	"sync/atomic"
	"time"
)

// TrackKind enumerates the buffer types a Period can carry.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
	TrackText  TrackKind = "text"
)

// PeriodID and AdaptationID are opaque handles used instead of owning
// back-pointers, so that components referring across the Period/Adaptation
// boundary don't need a cyclic reference; they resolve through the
// Manifest's accessor methods instead.
type PeriodID string
type AdaptationID string

// Segment is a single time-contiguous media chunk within a Representation.
// Within a Representation, Segments have non-decreasing Start values.
type Segment struct {
	// RepresentationID identifies the owning Representation.
	RepresentationID string
	// Start and Duration are expressed in the Representation's Timescale.
	Start    uint64
	Duration uint64
	Timescale uint64
	// ByteRangeStart/ByteRangeEnd are set when the segment is a byte-range
	// slice of a shared media file; ByteRangeEnd == 0 means "to EOF".
	ByteRangeStart uint64
	ByteRangeEnd   uint64
	HasByteRange   bool
	// IsInit marks an initialization segment (no media samples).
	IsInit bool
	// TimestampOffset is added to decode timestamps on append, in seconds.
	TimestampOffset time.Duration
}

// ID is the composite request/sink identity for a segment: a
// (representation, segment-start) pair. Two Segments with the same ID must
// never both be in flight at once (see fetch.PendingStore) and must never
// both be committed to the same sink (see sink invariants).
type ID struct {
	RepresentationID string
	Start            uint64
}

func (s Segment) ID() ID {
	return ID{RepresentationID: s.RepresentationID, Start: s.Start}
}

// StartTime returns the segment's presentation start time in seconds.
func (s Segment) StartTime() time.Duration {
	if s.Timescale == 0 {
		return 0
	}
	return time.Duration(float64(s.Start) / float64(s.Timescale) * float64(time.Second))
}

// EndTime returns the segment's presentation end time in seconds.
func (s Segment) EndTime() time.Duration {
	if s.Timescale == 0 {
		return 0
	}
	return time.Duration(float64(s.Start+s.Duration) / float64(s.Timescale) * float64(time.Second))
}

// SegmentIndex is the lazy sequence of Segments belonging to a
// Representation. The orchestration layer never materializes the whole
// index; it only queries for segments intersecting a time range.
type SegmentIndex interface {
	// SegmentsIntersecting returns, in ascending start-time order, the
	// segments whose [start,start+duration) interval intersects
	// [from,to). Implementations backed by a SegmentTemplate+Timeline (the
	// common DASH case) compute this on the fly from the timeline.
	SegmentsIntersecting(from, to time.Duration) []Segment
	// InitSegment returns the representation's initialization segment, if
	// any (some container/codec combinations need none).
	InitSegment() (Segment, bool)
}

// Representation is a single encoding (bitrate/codec) of an Adaptation.
type Representation struct {
	ID        string
	Bandwidth int // bits per second
	Codecs    string
	MimeType  string
	Width     int
	Height    int
	FrameRate float64
	Index     SegmentIndex

	// decipherable is updated atomically by DecipherabilityUpdater; read it
	// with Decipherable().
	decipherable atomic.Bool
}

// NewRepresentation builds a Representation, decipherable by default (most
// content is not DRM-protected; protected content starts decipherable=false
// until a key arrives, via DecipherabilityUpdater.Update).
func NewRepresentation(id string, bandwidth int, codecs, mime string) *Representation {
	r := &Representation{ID: id, Bandwidth: bandwidth, Codecs: codecs, MimeType: mime}
	r.decipherable.Store(true)
	return r
}

// Decipherable reports whether this representation can currently be
// decrypted and played. Safe for concurrent use.
func (r *Representation) Decipherable() bool { return r.decipherable.Load() }

// SetDecipherable atomically updates the flag. Called by
// DecipherabilityUpdater.Update, and by dashsource's UpdatePeriod to carry
// the flag over to a refreshed Representation.
func (r *Representation) SetDecipherable(v bool) { r.decipherable.Store(v) }

// Adaptation is a track variant family (e.g. "English audio"), holding
// alternative Representations ordered by ascending bitrate.
type Adaptation struct {
	ID              AdaptationID
	Kind            TrackKind
	Lang            string // BCP-47, normalized by manifest.NormalizeLang
	Representations []*Representation
}

// SortedByBitrate returns the Representations sorted ascending by bitrate.
// The caller owns the returned slice.
func (a *Adaptation) SortedByBitrate() []*Representation {
	out := make([]*Representation, len(a.Representations))
	copy(out, a.Representations)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Bandwidth > out[j].Bandwidth; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Period is a time interval of the presentation with a fixed set of
// Adaptations, keyed by track kind.
type Period struct {
	ID    PeriodID
	Start time.Duration
	// End is nil for the last (possibly still-growing) period of a dynamic
	// presentation.
	End         *time.Duration
	Adaptations map[TrackKind][]*Adaptation
}

// Duration returns the period length, or false if the period is open-ended.
func (p *Period) Duration() (time.Duration, bool) {
	if p.End == nil {
		return 0, false
	}
	return *p.End - p.Start, true
}

// Manifest is an ordered sequence of Periods. It is read-only after
// construction except for Representation.decipherable flags.
type Manifest struct {
	Periods []*Period
	// Dynamic is true for live presentations that may be refreshed.
	Dynamic bool
	// MinimumUpdatePeriod is the suggested manifest refresh interval for
	// dynamic presentations.
	MinimumUpdatePeriod time.Duration
}

// Duration returns the total presentation duration if known (static
// presentations, or dynamic ones with a known end).
func (m *Manifest) Duration() (time.Duration, bool) {
	if len(m.Periods) == 0 {
		return 0, false
	}
	last := m.Periods[len(m.Periods)-1]
	if last.End == nil {
		return 0, false
	}
	return *last.End, true
}

// AdaptationByID resolves an AdaptationID within a Period without requiring
// a back-pointer from Adaptation to Period.
func (p *Period) AdaptationByID(id AdaptationID) (*Adaptation, bool) {
	for _, list := range p.Adaptations {
		for _, a := range list {
			if a.ID == id {
				return a, true
			}
		}
	}
	return nil, false
}
