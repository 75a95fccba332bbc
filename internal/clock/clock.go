// Package clock implements the Playback Observer (spec §4.2, component C2):
// it samples the host media element on an interval plus on media events,
// and derives rebuffering/freezing status from the samples. There is no
// teacher equivalent (the DASH proxy has no client-side playhead); this is
// built from spec.md directly, following the teacher's small-struct,
// ticker-driven-goroutine style (internal/cache, internal/session).
package clock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/observable"
	"github.com/ericcug/streamengine/internal/rangeset"
)

// ReadyState mirrors the HTMLMediaElement readyState ladder named in spec §3.
type ReadyState int

const (
	ReadyStateNothing ReadyState = iota
	ReadyStateMetadata
	ReadyStateCurrentData
	ReadyStateFutureData
	ReadyStateEnoughData
)

// MediaEvent enumerates the events the clock samples on, in addition to its
// periodic ticker (spec §4.2).
type MediaEvent string

const (
	EventTick            MediaEvent = "tick"
	EventCanPlay         MediaEvent = "canplay"
	EventPlay            MediaEvent = "play"
	EventSeeking         MediaEvent = "seeking"
	EventSeeked          MediaEvent = "seeked"
	EventLoadedMetadata  MediaEvent = "loadedmetadata"
	EventRateChange      MediaEvent = "ratechange"
	EventTimeUpdate      MediaEvent = "timeupdate"
)

// Snapshot is the raw, instantaneous state read from the host media
// element (an external collaborator, out of scope per spec §1).
type Snapshot struct {
	Position     time.Duration
	Buffered     rangeset.Set
	Duration     time.Duration
	PlaybackRate float64
	ReadyState   ReadyState
	Paused       bool
	Seeking      bool
	Ended        bool
}

// MediaElement is the consumed interface onto the host media element.
// Subscribe returns a channel of events fired by the element; the observer
// reads Snapshot() on each one.
type MediaElement interface {
	Snapshot() Snapshot
	Subscribe() (<-chan MediaEvent, func())
}

// RebufferReason tags why playback is currently rebuffering.
type RebufferReason string

const (
	RebufferSeeking   RebufferReason = "seeking"
	RebufferNotReady  RebufferReason = "not-ready"
	RebufferBuffering RebufferReason = "buffering"
)

// Rebuffering describes an active rebuffer episode.
type Rebuffering struct {
	Reason RebufferReason
	Since  time.Time
	// Target is the position playback is expected to resume near, if known
	// (e.g. the seek target).
	Target *time.Duration
}

// Freezing describes an active freeze (buffer looks sufficient but
// playback is not actually advancing).
type Freezing struct {
	Since time.Time
}

// Observation is the value emitted on every sample (spec §3).
type Observation struct {
	Position     time.Duration
	BufferGap    time.Duration // +Inf encoded as math.MaxInt64 duration
	Buffered     rangeset.Set
	Duration     time.Duration
	PlaybackRate float64
	ReadyState   ReadyState
	Paused       bool
	Seeking      bool
	Ended        bool
	Event        MediaEvent
	Rebuffering  *Rebuffering
	Freezing     *Freezing
	InternalSeek bool
	Timestamp    time.Time // monotonic, from a steady clock
}

// InfiniteGap is the sentinel BufferGap value representing +Inf.
const InfiniteGap = time.Duration(math.MaxInt64)

// Profile bundles the sampling interval and rebuffer/resume gap thresholds
// that vary between low-latency, with-media-source and no-media-source
// operation (spec §4.2).
type Profile struct {
	SampleInterval time.Duration
	RebufferGap    time.Duration
	ResumeGap      map[RebufferReason]time.Duration
	FreezeGap      time.Duration
	// NoMediaSource selects the alternate rebuffer state machine used
	// before a media source is attached (spec §4.2 "H" profile): enter on
	// an unchanged position across two successive timeupdates while not
	// paused, or on seeking with an infinite buffer gap; exit once
	// position advances. The bufferGap-threshold algorithm used by
	// updateRebuffering otherwise does not apply, since there is no
	// buffered range to measure against yet.
	NoMediaSource bool
}

// DefaultProfile is the "with media source" (M) profile.
func DefaultProfile() Profile {
	return Profile{
		SampleInterval: time.Second,
		RebufferGap:    time.Second,
		ResumeGap: map[RebufferReason]time.Duration{
			RebufferSeeking:   3 * time.Second,
			RebufferNotReady:  3 * time.Second,
			RebufferBuffering: 5 * time.Second,
		},
		FreezeGap: 10 * time.Second,
	}
}

// LowLatencyProfile is the tightened low-latency (L) profile.
func LowLatencyProfile() Profile {
	return Profile{
		SampleInterval: 100 * time.Millisecond,
		RebufferGap:    500 * time.Millisecond,
		ResumeGap: map[RebufferReason]time.Duration{
			RebufferSeeking:   1500 * time.Millisecond,
			RebufferNotReady:  1500 * time.Millisecond,
			RebufferBuffering: 2 * time.Second,
		},
		FreezeGap: 10 * time.Second,
	}
}

// NoMediaSourceProfile (H) is used before a media source is attached.
func NoMediaSourceProfile() Profile {
	p := DefaultProfile()
	p.SampleInterval = 500 * time.Millisecond
	p.NoMediaSource = true
	return p
}

// Observer is the Playback Observer (C2): it drives MediaElement sampling
// and publishes Observations on a Broadcast for every interested
// subscriber (ABR, Representation/Adaptation Streams, Init Orchestrator).
type Observer struct {
	media   MediaElement
	profile Profile
	log     logger.Logger

	out *observable.Broadcast[Observation]

	mu                     sync.Mutex
	rebuffering            *Rebuffering
	freezing               *Freezing
	lastPosition           time.Duration
	lastPositionAtTick     bool
	internalSeekCount      int
	everLoaded             bool
	fullyLoaded            func(Snapshot) bool
	lastTimeUpdatePosition time.Duration
	hasLastTimeUpdate      bool
}

// NewObserver constructs an Observer. fullyLoaded lets the caller define
// "is the presentation fully loaded" (e.g. buffered range reaches
// duration); nil defaults to comparing LeftSize to +Inf never being true,
// i.e. never considering content fully loaded (conservative default).
func NewObserver(media MediaElement, profile Profile, log logger.Logger, fullyLoaded func(Snapshot) bool) *Observer {
	if fullyLoaded == nil {
		fullyLoaded = func(Snapshot) bool { return false }
	}
	return &Observer{
		media:       media,
		profile:     profile,
		log:         log,
		out:         observable.NewBroadcast[Observation](),
		fullyLoaded: fullyLoaded,
	}
}

// Observations returns the broadcast of Observations to subscribe to.
func (o *Observer) Observations() *observable.Broadcast[Observation] { return o.out }

// SetProfile swaps the active sampling profile, e.g. once a media source is
// attached and the no-media-source profile no longer applies, or when
// low-latency mode is toggled (spec §4.2). Takes effect on the next sample;
// it does not restart the sampling ticker.
func (o *Observer) SetProfile(p Profile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.profile = p
}

// SetCurrentTime marks the next "seeking" event as an internal seek (one
// the engine itself triggered, e.g. to reconcile the live edge) rather than
// a user seek, per spec §4.2. Decrements on the next seeking observation.
func (o *Observer) SetCurrentTime() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.internalSeekCount++
}

// Start begins sampling until ctx is cancelled. Start performs no I/O by
// itself beyond reading MediaElement snapshots (construction never starts
// the loop, per spec §9 "construction must not perform I/O").
func (o *Observer) Start(ctx context.Context) {
	events, unsubscribe := o.media.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(o.profile.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sample(EventTick)
		case evt, ok := <-events:
			if !ok {
				return
			}
			o.sample(evt)
		}
	}
}

func (o *Observer) sample(event MediaEvent) {
	snap := o.media.Snapshot()
	now := time.Now()

	bufferGap := rangeset.LeftSize(snap.Buffered, snap.Position)

	o.mu.Lock()
	defer o.mu.Unlock()

	internalSeek := false
	if event == EventSeeking && o.internalSeekCount > 0 {
		o.internalSeekCount--
		internalSeek = true
	}

	fullyLoaded := o.fullyLoaded(snap)
	o.updateRebuffering(snap, bufferGap, event, fullyLoaded, now)
	o.updateFreezing(snap, bufferGap, now)

	o.lastPosition = snap.Position

	obs := Observation{
		Position:     snap.Position,
		BufferGap:    bufferGap,
		Buffered:     snap.Buffered,
		Duration:     snap.Duration,
		PlaybackRate: snap.PlaybackRate,
		ReadyState:   snap.ReadyState,
		Paused:       snap.Paused,
		Seeking:      snap.Seeking,
		Ended:        snap.Ended,
		Event:        event,
		Rebuffering:  o.rebuffering,
		Freezing:     o.freezing,
		InternalSeek: internalSeek,
		Timestamp:    now,
	}
	o.out.Set(obs)
}

// updateRebuffering dispatches to the no-media-source or with-media-source
// rebuffer state machine (spec §4.2). Caller holds o.mu.
func (o *Observer) updateRebuffering(snap Snapshot, bufferGap time.Duration, event MediaEvent, fullyLoaded bool, now time.Time) {
	if o.profile.NoMediaSource {
		o.updateRebufferingNoMediaSource(snap, bufferGap, event, now)
		return
	}
	o.updateRebufferingWithMediaSource(snap, bufferGap, event, fullyLoaded, now)
}

// updateRebufferingNoMediaSource implements the no-media-source ("H"
// profile) rebuffer rules of spec §4.2: there is no buffered range to
// measure a gap threshold against yet, so rebuffering is instead inferred
// from the playhead itself. Entered when position holds steady across two
// successive timeupdate events while playback isn't paused, or immediately
// on a seek that reports an infinite buffer gap; exited as soon as position
// advances past where it was on entry. Caller holds o.mu.
func (o *Observer) updateRebufferingNoMediaSource(snap Snapshot, bufferGap time.Duration, event MediaEvent, now time.Time) {
	if o.rebuffering == nil {
		switch event {
		case EventSeeking:
			if bufferGap == InfiniteGap {
				target := snap.Position
				o.rebuffering = &Rebuffering{Reason: RebufferSeeking, Since: now, Target: &target}
			}
		case EventTimeUpdate:
			if o.hasLastTimeUpdate && snap.Position == o.lastTimeUpdatePosition && !snap.Paused {
				o.rebuffering = &Rebuffering{Reason: RebufferBuffering, Since: now}
			}
		}
	} else if snap.Position != o.lastPosition || snap.Ended {
		o.rebuffering = nil
	}

	if event == EventTimeUpdate {
		o.lastTimeUpdatePosition = snap.Position
		o.hasLastTimeUpdate = true
	}
}

// updateRebufferingWithMediaSource implements the with-media-source
// enter/exit rules of spec §4.2. Caller holds o.mu.
func (o *Observer) updateRebufferingWithMediaSource(snap Snapshot, bufferGap time.Duration, event MediaEvent, fullyLoaded bool, now time.Time) {
	if o.rebuffering == nil {
		if snap.ReadyState < ReadyStateMetadata || snap.Ended || fullyLoaded {
			return
		}
		if !o.everLoaded && event != EventSeeking {
			// Treat the very first sample after metadata as initial load,
			// not a rebuffer episode, unless it's an explicit seek.
			o.everLoaded = true
			if bufferGap > o.profile.RebufferGap && bufferGap != InfiniteGap {
				return
			}
		}
		if bufferGap <= o.profile.RebufferGap || bufferGap == InfiniteGap {
			reason := RebufferBuffering
			var target *time.Duration
			if snap.Seeking {
				reason = RebufferSeeking
				t := snap.Position
				target = &t
			} else if snap.ReadyState < ReadyStateCurrentData {
				reason = RebufferNotReady
			}
			o.rebuffering = &Rebuffering{Reason: reason, Since: now, Target: target}
		}
		return
	}

	// Currently rebuffering: check exit conditions.
	if snap.ReadyState <= ReadyStateMetadata {
		return
	}
	resumeGap := o.profile.ResumeGap[o.rebuffering.Reason]
	if fullyLoaded || snap.Ended || (bufferGap > resumeGap && bufferGap != InfiniteGap) {
		o.rebuffering = nil
	}
}

// updateFreezing implements spec §4.2's freeze detection: only evaluated
// while not rebuffering.
func (o *Observer) updateFreezing(snap Snapshot, bufferGap time.Duration, now time.Time) {
	if o.rebuffering != nil {
		o.freezing = nil
		return
	}

	positionUnchanged := snap.Position == o.lastPosition
	shouldFreeze := snap.ReadyState >= ReadyStateMetadata &&
		!snap.Paused && !snap.Ended &&
		snap.PlaybackRate != 0 &&
		bufferGap > o.profile.FreezeGap &&
		positionUnchanged

	if shouldFreeze {
		if o.freezing == nil {
			o.freezing = &Freezing{Since: now}
		}
		return
	}
	o.freezing = nil
}
