package repstream

import (
	"context"
	"errors"
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

// fixedIndex is a minimal SegmentIndex with one init segment and one media
// segment spanning [0,2)s.
type fixedIndex struct {
	init  manifest.Segment
	media []manifest.Segment
}

func (f fixedIndex) InitSegment() (manifest.Segment, bool) { return f.init, true }
func (f fixedIndex) SegmentsIntersecting(from, to time.Duration) []manifest.Segment {
	var out []manifest.Segment
	for _, s := range f.media {
		if s.StartTime() < to && s.EndTime() > from {
			out = append(out, s)
		}
	}
	return out
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
func (b *fakeBackend) BufferedRanges() rangeset.Set                         { return b.buffered }

func TestStream_ReconcileFetchesInitThenMediaSegment(t *testing.T) {
	rep := manifest.NewRepresentation("rep1", 1_000_000, "avc1", "video/mp4")
	rep.Index = fixedIndex{
		init:  manifest.Segment{RepresentationID: "rep1", IsInit: true},
		media: []manifest.Segment{{RepresentationID: "rep1", Start: 0, Duration: 2, Timescale: 1}},
	}

	f := fetch.New(fakeTransport{}, config.RetryConfig{MaxRetry: 3, RequestTimeout: time.Second}, false, false, nil, logger.Noop())
	p := prioritizer.New(prioritizer.Thresholds{High: 2, Low: 6}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &fakeBackend{}
	sk := sink.New(ctx, backend, logger.Noop())

	s := New("p1", manifest.TrackVideo, rep, sk, f, p, 10*time.Second, nil, logger.Noop(), nil)
	ch := s.Events()

	s.reconcile(ctx, clock.Observation{Position: 0})

	// Expect at least the init segment's added-segment event, then the
	// media segment's.
	var gotInit, gotMedia bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			if ev.Kind == EventAddedSegment {
				if ev.Segment.IsInit {
					gotInit = true
				} else {
					gotMedia = true
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
		}
	}
	assert.True(t, gotInit || gotMedia, "expected at least one added-segment event")
	_ = require.New(t)
}

// quotaThenOKBackend fails its first Append with a quota-exceeded error and
// succeeds on every call after, so tests can exercise the evict-and-retry
// path of handleAppendError.
type quotaThenOKBackend struct {
	calls    int
	buffered rangeset.Set
	removed  []rangeset.Range
}

func (b *quotaThenOKBackend) Append(data []byte, opts sink.AppendOptions) (rangeset.Set, error) {
	b.calls++
	if b.calls == 1 {
		return b.buffered, &sink.Error{Kind: sink.KindQuotaExceeded, Cause: errors.New("quota")}
	}
	b.buffered = rangeset.Insert(b.buffered, rangeset.Range{Start: opts.AppendWindow.Start, End: opts.AppendWindow.End})
	return b.buffered, nil
}
func (b *quotaThenOKBackend) Remove(start, end time.Duration) (rangeset.Set, error) {
	b.removed = append(b.removed, rangeset.Range{Start: start, End: end})
	b.buffered = rangeset.Exclude(b.buffered, rangeset.Set{{Start: start, End: end}})
	return b.buffered, nil
}
func (b *quotaThenOKBackend) EndOfStream() error           { return nil }
func (b *quotaThenOKBackend) BufferedRanges() rangeset.Set { return b.buffered }

func TestStream_AppendChunkRetriesAfterQuotaEviction(t *testing.T) {
	rep := manifest.NewRepresentation("rep1", 1_000_000, "avc1", "video/mp4")

	backend := &quotaThenOKBackend{buffered: rangeset.Set{{Start: 0, End: 2 * time.Second}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sk := sink.New(ctx, backend, logger.Noop())

	f := fetch.New(fakeTransport{}, config.RetryConfig{MaxRetry: 3, RequestTimeout: time.Second}, false, false, nil, logger.Noop())
	p := prioritizer.New(prioritizer.Thresholds{High: 2, Low: 6}, 4)

	s := New("p1", manifest.TrackVideo, rep, sk, f, p, 10*time.Second, nil, logger.Noop(), nil)
	s.mu.Lock()
	s.position = 100 * time.Second
	s.mu.Unlock()

	seg := manifest.Segment{RepresentationID: "rep1", Start: 100, Duration: 2, Timescale: 1}
	s.appendChunk(ctx, seg, []byte("chunk"))

	assert.Equal(t, 2, backend.calls, "append should have been retried once after eviction")
	require.Len(t, backend.removed, 1)
	assert.Equal(t, rangeset.Range{Start: 0, End: 2 * time.Second}, backend.removed[0], "the range outside the live window should have been evicted, not the live one")

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventAddedSegment, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for added-segment event after retry")
	}
}

// alwaysFatalBackend fails every Append with the given ErrorKind.
type alwaysFatalBackend struct {
	kind sink.ErrorKind
}

func (b alwaysFatalBackend) Append(data []byte, opts sink.AppendOptions) (rangeset.Set, error) {
	return nil, &sink.Error{Kind: b.kind, Cause: errors.New("fatal")}
}
func (b alwaysFatalBackend) Remove(start, end time.Duration) (rangeset.Set, error) { return nil, nil }
func (b alwaysFatalBackend) EndOfStream() error                                   { return nil }
func (b alwaysFatalBackend) BufferedRanges() rangeset.Set                         { return nil }

func TestStream_AppendChunkEscalatesFatalSinkError(t *testing.T) {
	rep := manifest.NewRepresentation("rep1", 1_000_000, "avc1", "video/mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sk := sink.New(ctx, alwaysFatalBackend{kind: sink.KindSourceClosed}, logger.Noop())

	f := fetch.New(fakeTransport{}, config.RetryConfig{MaxRetry: 3, RequestTimeout: time.Second}, false, false, nil, logger.Noop())
	p := prioritizer.New(prioritizer.Thresholds{High: 2, Low: 6}, 4)

	var gotErr error
	onFatal := func(err error) bool {
		gotErr = err
		return false
	}

	s := New("p1", manifest.TrackVideo, rep, sk, f, p, 10*time.Second, nil, logger.Noop(), onFatal)
	seg := manifest.Segment{RepresentationID: "rep1", Start: 0, Duration: 2, Timescale: 1}
	s.appendChunk(ctx, seg, []byte("chunk"))

	require.Error(t, gotErr)
	var sinkErr *sink.Error
	require.True(t, errors.As(gotErr, &sinkErr))
	assert.Equal(t, sink.KindSourceClosed, sinkErr.Kind)
}

func TestPriorityLevel_ClosestIsHighestPriority(t *testing.T) {
	assert.Equal(t, 0, priorityLevel(time.Second))
	assert.Equal(t, 2, priorityLevel(5*time.Second))
	assert.Equal(t, 4, priorityLevel(15*time.Second))
	assert.Equal(t, 8, priorityLevel(time.Minute))
}
