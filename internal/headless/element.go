// Package headless provides a simulated playback clock and media controller
// for running the engine outside a browser: cmd/engine's reference binary
// has no real <video> element to drive clock.Observer and
// orchestrator.Orchestrator, so this package plays the same role a browser's
// HTMLMediaElement would, advancing position over wall-clock time instead of
// real audio/video rendering. Grounded on the teacher's ticker-driven
// goroutine style (internal/dash/downloader.go's worker loop,
// internal/cache's eviction worker) rather than any specific teacher
// media-clock code, since the teacher never had a client-side playhead.
package headless

import (
	"context"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/orchestrator"
	"github.com/ericcug/streamengine/internal/rangeset"
)

const tickInterval = 200 * time.Millisecond

// Element simulates an HTMLMediaElement: it implements both
// clock.MediaElement (the read side the Playback Observer samples) and
// orchestrator.MediaController (the write side the Init Orchestrator
// drives), backed by buffered-range reports fed in from each buffer type's
// sink via SetBuffered.
type Element struct {
	log logger.Logger

	mu         sync.Mutex
	position   time.Duration
	duration   time.Duration
	rate       float64
	paused     bool
	seeking    bool
	ready      clock.ReadyState
	ended      bool
	attached   bool
	buffers    map[manifest.TrackKind]rangeset.Set

	subs   []chan clock.MediaEvent
	subsMu sync.Mutex
}

// New builds an Element. duration is the known presentation duration (0 if
// unknown/live), used only to clamp simulated advancement and detect "ended".
func New(duration time.Duration, log logger.Logger) *Element {
	return &Element{
		duration: duration,
		rate:     1,
		paused:   true,
		ready:    clock.ReadyStateNothing,
		buffers:  make(map[manifest.TrackKind]rangeset.Set),
		log:      log,
	}
}

// SetBuffered records a buffer type's current buffered ranges; Snapshot's
// Buffered field is the intersection across every registered buffer type,
// mirroring how a browser's MediaSource derives HTMLMediaElement.buffered
// from the intersection of its SourceBuffers.
func (e *Element) SetBuffered(kind manifest.TrackKind, set rangeset.Set) {
	e.mu.Lock()
	e.buffers[kind] = set
	if e.ready < clock.ReadyStateCurrentData && len(set) > 0 {
		e.ready = clock.ReadyStateCurrentData
	}
	e.mu.Unlock()
}

func (e *Element) intersectedBuffered() rangeset.Set {
	var out rangeset.Set
	first := true
	for _, set := range e.buffers {
		if first {
			out = set
			first = false
			continue
		}
		out = rangeset.Intersect(out, set)
	}
	return out
}

func (e *Element) Snapshot() clock.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clock.Snapshot{
		Position:     e.position,
		Buffered:     e.intersectedBuffered(),
		Duration:     e.duration,
		PlaybackRate: e.rate,
		ReadyState:   e.ready,
		Paused:       e.paused,
		Seeking:      e.seeking,
		Ended:        e.ended,
	}
}

func (e *Element) Subscribe() (<-chan clock.MediaEvent, func()) {
	ch := make(chan clock.MediaEvent, 16)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()

	unsubscribe := func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		for i, c := range e.subs {
			if c == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (e *Element) emit(ev clock.MediaEvent) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, c := range e.subs {
		select {
		case c <- ev:
		default:
			e.log.Warnf("headless: dropping %s event, subscriber channel full", ev)
		}
	}
}

// AttachSource implements orchestrator.MediaController.
func (e *Element) AttachSource(ctx context.Context, url string) error {
	e.mu.Lock()
	e.attached = true
	if e.ready < clock.ReadyStateMetadata {
		e.ready = clock.ReadyStateMetadata
	}
	e.mu.Unlock()
	e.emit(clock.EventLoadedMetadata)
	return nil
}

// SetCurrentTime implements orchestrator.MediaController.
func (e *Element) SetCurrentTime(t time.Duration) {
	e.mu.Lock()
	e.position = t
	e.seeking = true
	e.mu.Unlock()
	e.emit(clock.EventSeeking)
	e.mu.Lock()
	e.seeking = false
	e.mu.Unlock()
	e.emit(clock.EventSeeked)
}

// Play implements orchestrator.MediaController.
func (e *Element) Play(ctx context.Context) error {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.emit(clock.EventPlay)
	return nil
}

// SetPlaybackRate implements orchestrator.MediaController.
func (e *Element) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	e.rate = rate
	e.mu.Unlock()
	e.emit(clock.EventRateChange)
}

var _ clock.MediaElement = (*Element)(nil)
var _ orchestrator.MediaController = (*Element)(nil)

// Run advances the simulated playhead until ctx is cancelled: while not
// paused and the current position is covered by the intersected buffered
// ranges, position advances by tickInterval*rate; otherwise it holds still,
// simulating a stall, letting clock.Observer's rebuffer detection fire the
// same way it would for real playback starved of buffer.
func (e *Element) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.advance()
		}
	}
}

func (e *Element) advance() {
	e.mu.Lock()
	if e.paused || e.seeking {
		e.mu.Unlock()
		return
	}
	buffered := e.intersectedBuffered()
	if !rangeset.IsTimeIn(buffered, e.position) {
		e.mu.Unlock()
		return
	}
	e.position += time.Duration(float64(tickInterval) * e.rate)
	if e.duration > 0 && e.position >= e.duration {
		e.position = e.duration
		e.ended = true
	}
	e.mu.Unlock()
	e.emit(clock.EventTimeUpdate)
}
