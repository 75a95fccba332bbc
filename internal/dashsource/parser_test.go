package dashsource

import (
	"strings"
	"testing"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMPD = `<?xml version="1.0"?>
<MPD type="static" mediaPresentationDuration="PT20S">
  <Period id="p1" start="PT0S">
    <AdaptationSet id="v1" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1000" initialization="init-$RepresentationID$.mp4" media="chunk-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="2000" r="1"/>
          <S d="1000"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="low" bandwidth="500000" codecs="avc1.42001e"/>
      <Representation id="high" bandwidth="3000000" codecs="avc1.64001f"/>
    </AdaptationSet>
    <AdaptationSet id="a1" contentType="audio" mimeType="audio/mp4" lang="en">
      <SegmentTemplate timescale="48000" initialization="init-$RepresentationID$.mp4" media="chunk-$RepresentationID$-$Time$.m4s"/>
      <Representation id="audio-eng" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParser_ParseManifestBuildsPeriodsAndRepresentations(t *testing.T) {
	p := NewParser("", logger.Noop())
	m, err := p.ParseManifest(strings.NewReader(sampleMPD), "https://cdn.example/stream/manifest.mpd")
	require.NoError(t, err)
	require.Len(t, m.Periods, 1)

	period := m.Periods[0]
	assert.Equal(t, manifest.PeriodID("p1"), period.ID)
	require.NotNil(t, period.End)
	assert.Equal(t, 20*time.Second, *period.End)

	videoAdapts := period.Adaptations[manifest.TrackVideo]
	require.Len(t, videoAdapts, 1)
	reps := videoAdapts[0].SortedByBitrate()
	require.Len(t, reps, 2)
	assert.Equal(t, "low", reps[0].ID)
	assert.Equal(t, "high", reps[1].ID)
	assert.True(t, reps[0].Decipherable())

	audioAdapts := period.Adaptations[manifest.TrackAudio]
	require.Len(t, audioAdapts, 1)
	assert.Equal(t, "en", audioAdapts[0].Lang)
}

func TestParser_SegmentIndexExpandsTimelineRepeats(t *testing.T) {
	p := NewParser("", logger.Noop())
	m, err := p.ParseManifest(strings.NewReader(sampleMPD), "https://cdn.example/stream/manifest.mpd")
	require.NoError(t, err)

	rep := m.Periods[0].Adaptations[manifest.TrackVideo][0].Representations[0]
	segs := rep.Index.SegmentsIntersecting(0, 10*time.Second)
	require.Len(t, segs, 3)
	assert.Equal(t, uint64(0), segs[0].Start)
	assert.Equal(t, uint64(2000), segs[1].Start)
	assert.Equal(t, uint64(4000), segs[2].Start)

	init, ok := rep.Index.InitSegment()
	require.True(t, ok)
	assert.True(t, init.IsInit)
}

func TestTransport_ResolveSegmentURLSubstitutesTime(t *testing.T) {
	p := NewParser("", logger.Noop())
	m, err := p.ParseManifest(strings.NewReader(sampleMPD), "https://cdn.example/stream/manifest.mpd")
	require.NoError(t, err)

	rep := m.Periods[0].Adaptations[manifest.TrackVideo][0].Representations[0]
	seg := rep.Index.SegmentsIntersecting(0, 10*time.Second)[1]

	tr := NewTransport("", time.Second)
	u, ok := tr.ResolveSegmentURL(nil, seg, rep)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/stream/chunk-low-2000.m4s", u)
}

func TestParseISODuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT6S":      6 * time.Second,
		"PT1H30M":   90 * time.Minute,
		"PT0S":      0,
		"P1DT2H":    26 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseISODuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
