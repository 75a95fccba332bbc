package dashsource

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericcug/streamengine/internal/manifest"
)

// timelineEntry is one expanded <S> run member: a single segment's (start,
// duration) pair in the representation's timescale.
type timelineEntry struct {
	start    uint64
	duration uint64
}

// templateIndex implements manifest.SegmentIndex over a SegmentTemplate +
// SegmentTimeline, resolved against the period's effective base URL at
// parse time. Adapted from internal/dash/client.go's
// BuildInitSegmentURL/BuildSegmentURL (URL templating) and
// internal/dash/timeline.go's timeline-to-segment-list expansion; unlike the
// teacher's models.Segment list it stays lazy over a bounded query window
// rather than materializing every segment up front, per manifest.SegmentIndex's
// contract.
type templateIndex struct {
	repID         string
	timescale     uint64
	initURL       string
	hasInit       bool
	mediaTemplate string // absolute URL, $RepresentationID$ substituted, $Time$ remaining
	entries       []timelineEntry
}

func buildTemplateIndex(base *url.URL, tmpl segmentTemplateXML, repID string) (*templateIndex, error) {
	idx := &templateIndex{repID: repID, timescale: tmpl.Timescale}
	if idx.timescale == 0 {
		idx.timescale = 1
	}

	if tmpl.Initialization != "" {
		initPath := strings.Replace(tmpl.Initialization, "$RepresentationID$", repID, 1)
		u, err := resolveURL(base, initPath)
		if err != nil {
			return nil, err
		}
		idx.initURL = u.String()
		idx.hasInit = true
	}

	if tmpl.Media != "" {
		mediaPath := strings.Replace(tmpl.Media, "$RepresentationID$", repID, 1)
		u, err := resolveURL(base, mediaPath)
		if err != nil {
			return nil, err
		}
		idx.mediaTemplate = u.String()
	}

	idx.entries = expandTimeline(tmpl.Timeline)
	return idx, nil
}

// expandTimeline turns a SegmentTimeline's <S t= d= r=> runs into individual
// (start, duration) entries. An omitted t continues immediately after the
// previous entry, matching the MPD spec's default.
func expandTimeline(tl segmentTimelineXML) []timelineEntry {
	var entries []timelineEntry
	var cursor uint64
	for _, s := range tl.Segments {
		start := cursor
		if s.T != nil {
			start = *s.T
		}
		repeat := s.R
		if repeat < 0 {
			repeat = 0
		}
		for i := 0; i <= repeat; i++ {
			entries = append(entries, timelineEntry{start: start, duration: s.D})
			start += s.D
		}
		cursor = start
	}
	return entries
}

func (t *templateIndex) InitSegment() (manifest.Segment, bool) {
	if !t.hasInit {
		return manifest.Segment{}, false
	}
	return manifest.Segment{RepresentationID: t.repID, IsInit: true, Timescale: t.timescale}, true
}

func (t *templateIndex) SegmentsIntersecting(from, to time.Duration) []manifest.Segment {
	out := make([]manifest.Segment, 0, len(t.entries))
	for _, e := range t.entries {
		seg := manifest.Segment{RepresentationID: t.repID, Start: e.start, Duration: e.duration, Timescale: t.timescale}
		if seg.EndTime() <= from || seg.StartTime() >= to {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// segmentURL resolves the absolute URL for seg, substituting $Time$ in the
// media template. Used by Transport.ResolveSegmentURL via a type assertion
// on Representation.Index, since manifest.SegmentIndex itself has no URL
// concept (that's a dash-specific detail, not part of the shared model).
func (t *templateIndex) segmentURL(seg manifest.Segment) (string, bool) {
	if seg.IsInit {
		return t.initURL, t.hasInit
	}
	if t.mediaTemplate == "" {
		return "", false
	}
	return strings.Replace(t.mediaTemplate, "$Time$", strconv.FormatUint(seg.Start, 10), 1), true
}
