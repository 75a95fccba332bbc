package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/observable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	mu          sync.Mutex
	attachedURL string
	seekedTo    []time.Duration
	playErr     error
	playCalls   int
	rates       []float64
}

func (m *fakeMedia) AttachSource(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachedURL = url
	return nil
}
func (m *fakeMedia) SetCurrentTime(t time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seekedTo = append(m.seekedTo, t)
}
func (m *fakeMedia) Play(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playCalls++
	return m.playErr
}
func (m *fakeMedia) SetPlaybackRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, rate)
}
func (m *fakeMedia) seekCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seekedTo)
}
func (m *fakeMedia) seekTarget(i int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seekedTo[i]
}
func (m *fakeMedia) playCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playCalls
}
func (m *fakeMedia) rateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rates)
}
func (m *fakeMedia) rateAt(i int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 {
		i += len(m.rates)
	}
	return m.rates[i]
}

func TestOrchestrator_SeeksOnceMetadataLoaded(t *testing.T) {
	media := &fakeMedia{}
	o := New(media, config.StartAt{Kind: config.StartAtPercentage, Percentage: 50}, false, logger.Noop())

	obs := observable.NewBroadcast[clock.Observation]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, obs, time.Time{})

	obs.Set(clock.Observation{ReadyState: clock.ReadyStateMetadata, Duration: 100 * time.Second})
	obs.Set(clock.Observation{ReadyState: clock.ReadyStateMetadata, Duration: 100 * time.Second})

	waitUntil(t, func() bool { return media.seekCount() >= 1 })
	time.Sleep(20 * time.Millisecond) // let a would-be second seek land, if any
	require.Equal(t, 1, media.seekCount(), "must seek exactly once")
	assert.Equal(t, 50*time.Second, media.seekTarget(0))
}

func TestOrchestrator_AutoplaysWhenPlayable(t *testing.T) {
	media := &fakeMedia{}
	o := New(media, config.StartAt{}, true, logger.Noop())

	obs := observable.NewBroadcast[clock.Observation]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, obs, time.Time{})

	obs.Set(clock.Observation{ReadyState: clock.ReadyStateCurrentData})

	waitUntil(t, func() bool { return media.playCount() > 0 })
	assert.Equal(t, 1, media.playCount())
}

func TestOrchestrator_BlockedAutoplayEmitsWarning(t *testing.T) {
	media := &fakeMedia{playErr: fmt.Errorf("wrap: %w", ErrAutoplayNotAllowed)}
	o := New(media, config.StartAt{}, true, logger.Noop())

	obs := observable.NewBroadcast[clock.Observation]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, obs, time.Time{})

	obs.Set(clock.Observation{ReadyState: clock.ReadyStateCurrentData})

	select {
	case ev := <-o.Events():
		assert.Equal(t, EventBlockedAutoplay, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked-autoplay event")
	}
}

func TestOrchestrator_ForcesZeroRateDuringRebufferAndRestores(t *testing.T) {
	media := &fakeMedia{}
	o := New(media, config.StartAt{}, false, logger.Noop())

	obs := observable.NewBroadcast[clock.Observation]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, obs, time.Time{})

	obs.Set(clock.Observation{PlaybackRate: 1.5, Rebuffering: &clock.Rebuffering{Reason: clock.RebufferBuffering}})
	waitEvent(t, o, EventRebufferRateForced)

	time.Sleep(10 * time.Millisecond)
	obs.Set(clock.Observation{PlaybackRate: 0, Rebuffering: nil})
	waitEvent(t, o, EventRebufferRateRestored)

	require.True(t, media.rateCount() >= 2)
	assert.Equal(t, float64(0), media.rateAt(0))
	assert.Equal(t, 1.5, media.rateAt(-1))
}

func waitEvent(t *testing.T, o *Orchestrator, want EventKind) {
	t.Helper()
	select {
	case ev := <-o.Events():
		assert.Equal(t, want, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event kind %v", want)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
