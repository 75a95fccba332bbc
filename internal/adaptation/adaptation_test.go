package adaptation

import (
	"context"
	"testing"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/fetch"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/observable"
	"github.com/ericcug/streamengine/internal/prioritizer"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyIndex struct{}

func (emptyIndex) InitSegment() (manifest.Segment, bool) { return manifest.Segment{}, false }
func (emptyIndex) SegmentsIntersecting(from, to time.Duration) []manifest.Segment {
	return nil
}

type fakeTransport struct{}

func (fakeTransport) ResolveSegmentURL(ctx context.Context, seg manifest.Segment, rep *manifest.Representation) (string, bool) {
	return "https://cdn.example/seg", true
}
func (fakeTransport) LoadSegment(ctx context.Context, url string, seg manifest.Segment, onProgress func(manifest.Progress), onChunk func([]byte)) (manifest.LoadedSegment, error) {
	return manifest.LoadedSegment{Data: []byte("payload"), StatusCode: 200}, nil
}
func (fakeTransport) ParseSegment(loaded manifest.LoadedSegment, seg manifest.Segment, initTimescale uint64) (manifest.ParsedSegment, error) {
	return manifest.ParsedSegment{}, nil
}
func (fakeTransport) SupportsChunkedStreaming() bool { return false }

type fakeBackend struct {
	buffered rangeset.Set
}

func (b *fakeBackend) Append(data []byte, opts sink.AppendOptions) (rangeset.Set, error) {
	b.buffered = rangeset.Insert(b.buffered, rangeset.Range{Start: opts.AppendWindow.Start, End: opts.AppendWindow.End})
	return b.buffered, nil
}
func (b *fakeBackend) Remove(start, end time.Duration) (rangeset.Set, error) { return b.buffered, nil }
func (b *fakeBackend) EndOfStream() error                                    { return nil }
func (b *fakeBackend) BufferedRanges() rangeset.Set                          { return b.buffered }

func newTestStream(t *testing.T, bufferType manifest.TrackKind) (*Stream, *sink.Sink, context.Context, context.CancelFunc) {
	t.Helper()
	f := fetch.New(fakeTransport{}, config.RetryConfig{MaxRetry: 3, RequestTimeout: time.Second}, false, false, nil, logger.Noop())
	p := prioritizer.New(prioritizer.Thresholds{High: 2, Low: 6}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{}
	sk := sink.New(ctx, backend, logger.Noop())

	s := New("p1", bufferType, f, p, 10*time.Second, nil, logger.Noop())
	return s, sk, ctx, cancel
}

func rep(id string, bandwidth int, mime, codecs string) *manifest.Representation {
	r := manifest.NewRepresentation(id, bandwidth, codecs, mime)
	r.Index = emptyIndex{}
	return r
}

func TestStream_ReconcileSameRepresentationIsNoop(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackVideo)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackVideo}
	r := rep("low", 300_000, "video/mp4", "avc1.42")
	observations := observable.NewBroadcast[clock.Observation]()

	s.Reconcile(ctx, sk, a, r, 0, observations)
	first := s.current

	s.Reconcile(ctx, sk, a, r, 0, observations)
	assert.Same(t, first, s.current, "same representation must not tear down the running stream")
}

func TestStream_ReconcileContinueSwapsOnBitrateMatch(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackVideo)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackVideo}
	low := rep("low", 300_000, "video/mp4", "avc1.42")
	sameBitrateOtherID := rep("low-alt", 300_000, "video/mp4", "avc1.42")
	observations := observable.NewBroadcast[clock.Observation]()

	s.Reconcile(ctx, sk, a, low, 0, observations)
	s.Reconcile(ctx, sk, a, sameBitrateOtherID, 0, observations)

	require.NotNil(t, s.currentRep)
	assert.Equal(t, "low-alt", s.currentRep.ID)
}

func TestStream_ReconcileBitrateChangeCleansBuffer(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackVideo)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackVideo}
	low := rep("low", 300_000, "video/mp4", "avc1.42")
	high := rep("high", 4_000_000, "video/mp4", "avc1.42")
	observations := observable.NewBroadcast[clock.Observation]()

	s.Reconcile(ctx, sk, a, low, 0, observations)
	s.Reconcile(ctx, sk, a, high, 5*time.Second, observations)

	ev := <-s.Events()
	assert.Equal(t, EventNeedsBufferFlush, ev.Kind)

	ev2 := <-s.Events()
	assert.Equal(t, EventRepresentationChange, ev2.Kind)
	assert.Equal(t, "high", ev2.Representation.ID)
}

func TestStream_ReconcileCodecChangeNeedsReload(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackVideo)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackVideo}
	avc := rep("avc", 1_000_000, "video/mp4", "avc1.42")
	hevc := rep("hevc", 1_000_000, "video/mp4", "hev1.1")
	observations := observable.NewBroadcast[clock.Observation]()

	s.Reconcile(ctx, sk, a, avc, 0, observations)
	before := s.current

	s.Reconcile(ctx, sk, a, hevc, 0, observations)

	ev := <-s.Events()
	assert.Equal(t, EventNeedsMediaSourceReload, ev.Kind)
	assert.Same(t, before, s.current, "needs-reload must not tear down the current stream itself")
}

func TestStream_AdaptationChangeTearsDownAndStartsNew(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackAudio)
	defer cancel()

	a1 := &manifest.Adaptation{ID: "english", Kind: manifest.TrackAudio}
	a2 := &manifest.Adaptation{ID: "spanish", Kind: manifest.TrackAudio}
	r1 := rep("en-mid", 128_000, "audio/mp4", "mp4a.40.2")
	r2 := rep("es-mid", 128_000, "audio/mp4", "mp4a.40.2")
	observations := observable.NewBroadcast[clock.Observation]()

	s.Reconcile(ctx, sk, a1, r1, 0, observations)
	first := s.current

	s.Reconcile(ctx, sk, a2, r2, 0, observations)

	ev := <-s.Events()
	assert.Equal(t, EventAdaptationChange, ev.Kind)
	assert.Equal(t, "spanish", ev.Adaptation.ID)
	assert.NotSame(t, first, s.current)
}

func TestStream_HandleFatalSinkErrorDemotedForTextTrack(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackText)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackText}
	r := rep("subs", 1_000, "application/mp4", "wvtt")
	observations := observable.NewBroadcast[clock.Observation]()
	s.Reconcile(ctx, sk, a, r, 0, observations)

	demoted := s.HandleFatalSinkError(assertErr("boom"))
	assert.True(t, demoted)
	assert.Nil(t, s.current)

	ev := <-s.Events()
	assert.Equal(t, EventWarning, ev.Kind)
}

func TestStream_HandleFatalSinkErrorPropagatedForNativeTrack(t *testing.T) {
	s, sk, ctx, cancel := newTestStream(t, manifest.TrackVideo)
	defer cancel()

	a := &manifest.Adaptation{ID: "a1", Kind: manifest.TrackVideo}
	r := rep("v1", 1_000_000, "video/mp4", "avc1.42")
	observations := observable.NewBroadcast[clock.Observation]()
	s.Reconcile(ctx, sk, a, r, 0, observations)

	demoted := s.HandleFatalSinkError(assertErr("boom"))
	assert.False(t, demoted)
	assert.NotNil(t, s.current)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestCodecCompatible(t *testing.T) {
	avc := rep("a", 1, "video/mp4", "avc1.42e01e")
	avcOther := rep("b", 1, "video/mp4", "avc1.4d4015")
	hevc := rep("c", 1, "video/mp4", "hev1.1.6.L93.B0")
	text := rep("d", 1, "application/mp4", "avc1.42e01e")

	assert.True(t, codecCompatible(avc, avcOther))
	assert.False(t, codecCompatible(avc, hevc))
	assert.False(t, codecCompatible(avc, text))
}
