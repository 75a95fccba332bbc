package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticIndex struct {
	init manifest.Segment
}

func (i staticIndex) InitSegment() (manifest.Segment, bool) { return i.init, true }
func (i staticIndex) SegmentsIntersecting(from, to time.Duration) []manifest.Segment {
	return nil
}

func rep(id string, bandwidth int) *manifest.Representation {
	r := manifest.NewRepresentation(id, bandwidth, "avc1.42", "video/mp4")
	r.Index = staticIndex{init: manifest.Segment{RepresentationID: id, IsInit: true, Timescale: 1}}
	return r
}

type fakeParser struct {
	m *manifest.Manifest
}

func (p *fakeParser) LoadManifest(ctx context.Context, url string) (io.Reader, error) {
	return strings.NewReader("fake"), nil
}
func (p *fakeParser) ParseManifest(raw io.Reader, baseURL string) (*manifest.Manifest, error) {
	return p.m, nil
}
func (p *fakeParser) GetDuration(m *manifest.Manifest) (time.Duration, bool) { return 0, false }
func (p *fakeParser) UpdatePeriod(m *manifest.Manifest, id manifest.PeriodID, raw io.Reader) (*manifest.Period, error) {
	return nil, nil
}

type fakeTransport struct{}

func (fakeTransport) ResolveSegmentURL(ctx context.Context, seg manifest.Segment, rep *manifest.Representation) (string, bool) {
	return "https://cdn.example/seg", true
}
func (fakeTransport) LoadSegment(ctx context.Context, url string, seg manifest.Segment, onProgress func(manifest.Progress), onChunk func([]byte)) (manifest.LoadedSegment, error) {
	return manifest.LoadedSegment{Data: []byte("x"), StatusCode: 200}, nil
}
func (fakeTransport) ParseSegment(loaded manifest.LoadedSegment, seg manifest.Segment, initTimescale uint64) (manifest.ParsedSegment, error) {
	return manifest.ParsedSegment{}, nil
}
func (fakeTransport) SupportsChunkedStreaming() bool { return false }

type fakeMediaElement struct{}

func (fakeMediaElement) Snapshot() clock.Snapshot {
	return clock.Snapshot{ReadyState: clock.ReadyStateCurrentData, Duration: 100 * time.Second}
}
func (fakeMediaElement) Subscribe() (<-chan clock.MediaEvent, func()) {
	ch := make(chan clock.MediaEvent)
	return ch, func() {}
}

type fakeController struct {
	mu   sync.Mutex
	seen int
}

func (c *fakeController) AttachSource(ctx context.Context, url string) error { return nil }
func (c *fakeController) SetCurrentTime(t time.Duration)                    {}
func (c *fakeController) Play(ctx context.Context) error                    { return nil }
func (c *fakeController) SetPlaybackRate(rate float64)                      {}

type fakeBackend struct {
	mu       sync.Mutex
	buffered rangeset.Set
}

func (b *fakeBackend) Append(data []byte, opts sink.AppendOptions) (rangeset.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffered = rangeset.Insert(b.buffered, rangeset.Range{Start: opts.AppendWindow.Start, End: opts.AppendWindow.End})
	return b.buffered, nil
}
func (b *fakeBackend) Remove(start, end time.Duration) (rangeset.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered, nil
}
func (b *fakeBackend) EndOfStream() error { return nil }
func (b *fakeBackend) BufferedRanges() rangeset.Set {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

func testManifest() *manifest.Manifest {
	period := &manifest.Period{
		ID:    "p1",
		Start: 0,
		Adaptations: map[manifest.TrackKind][]*manifest.Adaptation{
			manifest.TrackVideo: {
				{ID: "v", Kind: manifest.TrackVideo, Representations: []*manifest.Representation{
					rep("low", 500_000),
					rep("high", 3_000_000),
				}},
			},
		},
	}
	return &manifest.Manifest{Periods: []*manifest.Period{period}}
}

func testConfig() *config.Config {
	return &config.Config{
		ManifestURL: "https://example/manifest.mpd",
		Buffer:      config.BufferConfig{WantedBufferAhead: 10 * time.Second},
		ABR:         config.ABRConfig{ManualBitrate: -1},
		Retry:       config.RetryConfig{MaxRetry: 2, RequestTimeout: time.Second},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	coll := Collaborators{
		Parser:     &fakeParser{m: testManifest()},
		Transport:  fakeTransport{},
		Media:      fakeMediaElement{},
		Controller: &fakeController{},
		NewBackend: func(bufferType manifest.TrackKind) (sink.Backend, error) {
			return &fakeBackend{}, nil
		},
	}
	return New(testConfig(), coll, logger.Noop())
}

func TestEngine_StartWiresOneStreamPerBufferType(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	e.mu.Lock()
	count := len(e.streams)
	e.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEngine_StartFailsOnEmptyManifest(t *testing.T) {
	coll := Collaborators{
		Parser:     &fakeParser{m: &manifest.Manifest{}},
		Transport:  fakeTransport{},
		Media:      fakeMediaElement{},
		Controller: &fakeController{},
		NewBackend: func(bufferType manifest.TrackKind) (sink.Backend, error) {
			return &fakeBackend{}, nil
		},
	}
	e := New(testConfig(), coll, logger.Noop())
	err := e.Start(context.Background())
	assert.Error(t, err)
}

func TestEngine_ForwardsAddedSegmentEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventAddedSegment, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an added-segment event")
	}
}

func TestEngine_ReadySetterCalledOnStart(t *testing.T) {
	coll := Collaborators{
		Parser:     &fakeParser{m: testManifest()},
		Transport:  fakeTransport{},
		Media:      fakeMediaElement{},
		Controller: &fakeController{},
		NewBackend: func(bufferType manifest.TrackKind) (sink.Backend, error) {
			return &fakeBackend{}, nil
		},
		Ready: &fakeReady{},
	}
	e := New(testConfig(), coll, logger.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	assert.True(t, coll.Ready.(*fakeReady).ready)
}

type fakeReady struct{ ready bool }

func (r *fakeReady) SetReady(v bool) { r.ready = v }

func TestBufferedSeconds(t *testing.T) {
	set := rangeset.Set{{Start: 0, End: 2 * time.Second}, {Start: 3 * time.Second, End: 5 * time.Second}}
	assert.Equal(t, 4.0, bufferedSeconds(set))
}
