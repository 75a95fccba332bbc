package clock

import (
	"context"
	"testing"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMedia lets tests drive the observer through a scripted sequence of
// snapshots without a real media element.
type fakeMedia struct {
	snap   Snapshot
	events chan MediaEvent
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{events: make(chan MediaEvent, 16)}
}

func (f *fakeMedia) Snapshot() Snapshot { return f.snap }
func (f *fakeMedia) Subscribe() (<-chan MediaEvent, func()) {
	return f.events, func() {}
}

func drainOne(t *testing.T, ch <-chan Observation) Observation {
	t.Helper()
	select {
	case obs := <-ch:
		return obs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observation")
		return Observation{}
	}
}

func TestObserver_RebufferEnterAndExit(t *testing.T) {
	media := newFakeMedia()
	profile := DefaultProfile()
	profile.ResumeGap[RebufferBuffering] = 3 * time.Second

	obs := NewObserver(media, profile, logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	gaps := []float64{3.0, 1.5, 0.8, 0.4, 0.6, 1.2, 2.5, 4.0}
	var lastObs Observation
	for _, g := range gaps {
		media.snap = Snapshot{
			Position:   time.Second, // unchanged position is fine; gap drives rebuffer here
			Buffered:   rangeset.Set{{Start: 0, End: time.Second + time.Duration(g*float64(time.Second))}},
			ReadyState: ReadyStateFutureData,
			Duration:   100 * time.Second,
		}
		media.events <- EventTick
		lastObs = drainOne(t, ch)
	}

	require.NotNil(t, lastObs)
	_ = lastObs

	// After the 0.8s gap sample, rebuffering should have been entered and
	// should have cleared again only once the gap exceeds resumeGap (3s)
	// at the final 4.0s sample.
	assert.Nil(t, lastObs.Rebuffering, "rebuffering should have cleared by the final sample")
}

func TestObserver_RebufferEntersAtThreshold(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, DefaultProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	media.snap = Snapshot{Position: time.Second, Buffered: rangeset.Set{{Start: 0, End: time.Second + 800*time.Millisecond}}, ReadyState: ReadyStateFutureData}
	media.events <- EventTick
	o := drainOne(t, ch)
	require.NotNil(t, o.Rebuffering)
	assert.Equal(t, RebufferBuffering, o.Rebuffering.Reason)
}

func TestObserver_FreezeDetectedWithSufficientBufferButStuckPosition(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, DefaultProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	snap := Snapshot{
		Position:     5 * time.Second,
		Buffered:     rangeset.Set{{Start: 0, End: 30 * time.Second}},
		ReadyState:   ReadyStateFutureData,
		PlaybackRate: 1,
	}
	media.snap = snap
	media.events <- EventTick
	drainOne(t, ch) // first sample establishes lastPosition

	media.events <- EventTick
	o := drainOne(t, ch)
	require.NotNil(t, o.Freezing)
}

func TestObserver_InternalSeekFlag(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, DefaultProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	obs.SetCurrentTime()

	media.snap = Snapshot{Position: 10 * time.Second, Seeking: true, ReadyState: ReadyStateFutureData, Buffered: rangeset.Set{{Start: 0, End: 40 * time.Second}}}
	media.events <- EventSeeking
	o := drainOne(t, ch)
	assert.True(t, o.InternalSeek)

	// A second seeking event without a matching SetCurrentTime call is a
	// user seek, not internal.
	media.events <- EventSeeking
	o2 := drainOne(t, ch)
	assert.False(t, o2.InternalSeek)
}

func TestObserver_NoMediaSourceEntersOnUnchangedTimeUpdate(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, NoMediaSourceProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	media.snap = Snapshot{Position: 5 * time.Second, ReadyState: ReadyStateFutureData}
	media.events <- EventTimeUpdate
	o := drainOne(t, ch)
	assert.Nil(t, o.Rebuffering, "a single timeupdate is not yet two successive unchanged samples")

	// Same position again on a second timeupdate while not paused enters
	// rebuffering, since there's no buffered range to measure a gap against.
	media.events <- EventTimeUpdate
	o = drainOne(t, ch)
	require.NotNil(t, o.Rebuffering)
	assert.Equal(t, RebufferBuffering, o.Rebuffering.Reason)

	// Position advancing exits rebuffering.
	media.snap = Snapshot{Position: 6 * time.Second, ReadyState: ReadyStateFutureData}
	media.events <- EventTimeUpdate
	o = drainOne(t, ch)
	assert.Nil(t, o.Rebuffering)
}

func TestObserver_NoMediaSourceEntersOnSeekWithInfiniteGap(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, NoMediaSourceProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	media.snap = Snapshot{Position: 5 * time.Second, Seeking: true, ReadyState: ReadyStateFutureData}
	media.events <- EventSeeking
	o := drainOne(t, ch)
	require.NotNil(t, o.Rebuffering)
	assert.Equal(t, RebufferSeeking, o.Rebuffering.Reason)
}

func TestObserver_SetProfileSwitchesAlgorithm(t *testing.T) {
	media := newFakeMedia()
	obs := NewObserver(media, NoMediaSourceProfile(), logger.Noop(), nil)
	ch, unsub := obs.Observations().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Start(ctx)

	obs.SetProfile(DefaultProfile())

	media.snap = Snapshot{
		Position:   time.Second,
		Buffered:   rangeset.Set{{Start: 0, End: time.Second + 800*time.Millisecond}},
		ReadyState: ReadyStateFutureData,
	}
	media.events <- EventTick
	o := drainOne(t, ch)
	require.NotNil(t, o.Rebuffering, "switched to the with-media-source profile, so a small bufferGap should enter rebuffering on one sample")
}
