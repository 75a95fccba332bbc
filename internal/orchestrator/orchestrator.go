// Package orchestrator implements the Init Orchestrator (spec §4.10,
// component C10): attaches the media source, performs the one-time initial
// seek once metadata is available, autoplays once playable, translates
// blocked-autoplay errors into warnings, and forces playbackRate to 0 for
// the duration of a rebuffer episode. No teacher equivalent exists (the DASH
// proxy never drove a client-side media element); grounded on the clock
// package's own subscribe-and-react Start loop, which this package mirrors
// one layer up.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/observable"
)

// ErrAutoplayNotAllowed is the sentinel a MediaController's Play must wrap
// when the host environment refused to autoplay (e.g. the browser's
// NotAllowedError), so the orchestrator can demote it to a warning rather
// than a fatal error (spec §7 item 8, §4.10 item d).
var ErrAutoplayNotAllowed = errors.New("autoplay not allowed")

// MediaController is the consumed seam onto the host media element's
// mutating operations (seek, play, playback rate); clock.MediaElement only
// covers the read side.
type MediaController interface {
	// AttachSource attaches the given media source URL to the element.
	AttachSource(ctx context.Context, url string) error
	// SetCurrentTime performs a seek to t.
	SetCurrentTime(t time.Duration)
	// Play requests playback start. Implementations must return an error
	// wrapping ErrAutoplayNotAllowed when the host refused autoplay.
	Play(ctx context.Context) error
	// SetPlaybackRate sets the element's playback rate.
	SetPlaybackRate(rate float64)
}

// EventKind tags an Orchestrator lifecycle event.
type EventKind int

const (
	EventBlockedAutoplay EventKind = iota
	EventRebufferRateForced
	EventRebufferRateRestored
)

// Event is emitted on the Orchestrator's event channel.
type Event struct {
	Kind EventKind
	Err  error
}

// Orchestrator drives the one-time startup sequence and the
// rebuffer/playback-rate coupling of spec §4.10.
type Orchestrator struct {
	media   MediaController
	autoPlay bool
	startAt config.StartAt
	log     logger.Logger

	mu                  sync.Mutex
	seeked              bool
	autoPlayAttempted   bool
	rateForced          bool
	userPlaybackRate    float64

	events chan Event
}

// New builds an Orchestrator. A wallClockTime startAt is resolved later, by
// Run, against the availability start time passed to it.
func New(media MediaController, startAt config.StartAt, autoPlay bool, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		media:            media,
		autoPlay:         autoPlay,
		startAt:          startAt,
		log:              log,
		userPlaybackRate: 1,
		events:           make(chan Event, 16),
	}
}

// Events returns the lifecycle event channel.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Attach performs step (a): attaching the media source URL. Call once
// before Run.
func (o *Orchestrator) Attach(ctx context.Context, url string) error {
	return o.media.AttachSource(ctx, url)
}

// Run reacts to clock Observations until ctx is cancelled or the broadcast
// closes, driving the initial seek, autoplay, and rebuffer rate forcing
// (spec §4.10 steps b-e). availabilityStartTime resolves a wallClockTime
// startAt; pass the zero time.Time for static content.
func (o *Orchestrator) Run(ctx context.Context, observations *observable.Broadcast[clock.Observation], availabilityStartTime time.Time) {
	ch, unsubscribe := observations.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-ch:
			if !ok {
				return
			}
			o.reconcile(ctx, obs, availabilityStartTime)
		}
	}
}

func (o *Orchestrator) reconcile(ctx context.Context, obs clock.Observation, availabilityStartTime time.Time) {
	o.mu.Lock()
	needsSeek := !o.seeked && obs.ReadyState >= clock.ReadyStateMetadata
	needsAutoplay := !o.autoPlayAttempted && o.autoPlay && isPlayable(obs)
	if needsSeek {
		o.seeked = true
	}
	if needsAutoplay {
		o.autoPlayAttempted = true
	}
	o.mu.Unlock()

	if needsSeek {
		target := resolveStart(o.startAt, obs.Duration, availabilityStartTime)
		o.media.SetCurrentTime(target)
	}

	if needsAutoplay {
		if err := o.media.Play(ctx); err != nil {
			if errors.Is(err, ErrAutoplayNotAllowed) {
				o.log.Warnf("orchestrator: autoplay blocked: %v", err)
				o.emit(Event{Kind: EventBlockedAutoplay, Err: err})
			} else {
				o.log.Warnf("orchestrator: play failed: %v", err)
			}
		}
	}

	o.reconcileRebufferRate(obs)
}

// reconcileRebufferRate implements spec §4.10 step (e): force playbackRate
// to 0 while rebuffering, restoring the user's chosen rate on exit.
func (o *Orchestrator) reconcileRebufferRate(obs clock.Observation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if obs.Rebuffering != nil {
		if !o.rateForced {
			if obs.PlaybackRate != 0 {
				o.userPlaybackRate = obs.PlaybackRate
			}
			o.rateForced = true
			o.media.SetPlaybackRate(0)
			o.emit(Event{Kind: EventRebufferRateForced})
		}
		return
	}

	if o.rateForced {
		o.rateForced = false
		o.media.SetPlaybackRate(o.userPlaybackRate)
		o.emit(Event{Kind: EventRebufferRateRestored})
	}
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.log.Warnf("orchestrator: event buffer full, dropping %v", ev.Kind)
	}
}

// isPlayable implements spec §4.10 step (c): readyState >= 1 (metadata),
// not currently rebuffering, and not already ended (spec §8: autoplay on
// already-ended media resolves as skipped, not a replay).
func isPlayable(obs clock.Observation) bool {
	return obs.ReadyState >= clock.ReadyStateMetadata && obs.Rebuffering == nil && !obs.Ended
}

// resolveStart extends config.ResolveStartPosition with the wallClockTime
// variant, which needs the presentation's availability start time to
// convert a wall-clock instant into a presentation-relative position.
func resolveStart(s config.StartAt, duration time.Duration, availabilityStartTime time.Time) time.Duration {
	if s.Kind == config.StartAtWallClockTime {
		if availabilityStartTime.IsZero() {
			return 0
		}
		pos := s.WallClockTime.Sub(availabilityStartTime)
		if pos < 0 {
			return 0
		}
		if pos > duration && duration > 0 {
			return duration
		}
		return pos
	}
	return config.ResolveStartPosition(s, duration)
}
