// Package adaptation implements the Adaptation / Period Stream (spec §4.9,
// component C9): for one (period, buffer type) it maintains exactly one
// Representation Stream, reacting to ABR decisions and track changes by
// computing a switch strategy and tearing down/instantiating Representation
// Streams as needed. No teacher equivalent exists; grounded on repstream's
// own event-channel/Stop shape, which this package wraps one layer up, and
// on the teacher's session.go for the "own a child, tear it down on
// handoff" pattern (internal/session/session.go's channel lifecycle).
package adaptation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/fetch"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/observable"
	"github.com/ericcug/streamengine/internal/prioritizer"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/repstream"
	"github.com/ericcug/streamengine/internal/sink"
)

// SwitchStrategy classifies how a Representation Stream must transition when
// the ABR decision changes representation (spec §4.9).
type SwitchStrategy int

const (
	// SwitchContinue swaps representations at the next segment boundary,
	// no buffer surgery needed.
	SwitchContinue SwitchStrategy = iota
	// SwitchCleanBuffer removes a buffered range ahead of position before
	// swapping, so the new representation's segments don't collide with
	// stale ones of a different quality.
	SwitchCleanBuffer
	// SwitchNeedsReload means the sink cannot accommodate the new
	// representation at all (codec/container change); the host must
	// reload the media source.
	SwitchNeedsReload
)

// EventKind tags an adaptation.Stream lifecycle event (spec §6 "Emitted
// events": adaptation-change, representation-change, needs-media-source-reload,
// needs-buffer-flush, plus the Representation Stream's own added-segment and
// stream-complete, forwarded unchanged).
type EventKind int

const (
	EventRepresentationChange EventKind = iota
	EventAdaptationChange
	EventNeedsMediaSourceReload
	EventNeedsBufferFlush
	EventAddedSegment
	EventStreamComplete
	EventWarning
)

// Event is emitted on a Stream's event channel.
type Event struct {
	Kind           EventKind
	Representation *manifest.Representation
	Adaptation     *manifest.Adaptation
	RemoveRanges   rangeset.Set
	ReloadAt       time.Duration
	ResumeOnPause  bool
	Segment        manifest.Segment
	Buffered       rangeset.Set
	BufferType     manifest.TrackKind
	Err            error
}

// Stream owns a Period's current Representation Stream for one buffer type
// and drives it through representation and adaptation switches. nativeBuffer
// is false for buffer types (text) whose fatal sink errors are demoted to
// warnings with an empty-stream substitution rather than propagated (spec
// §4.9 last paragraph).
type Stream struct {
	period       manifest.PeriodID
	bufferType   manifest.TrackKind
	nativeBuffer bool

	fetcher     *fetch.Fetcher
	prioritizer *prioritizer.Prioritizer
	log         logger.Logger

	wantedBufferAhead time.Duration
	periodEnd         *time.Duration

	mu                sync.Mutex
	sink              *sink.Sink
	current           *repstream.Stream
	currentRep        *manifest.Representation
	currentAdaptation *manifest.Adaptation
	cancelCurrent     context.CancelFunc
	empty             bool // true after a demoted fatal error on a non-native buffer

	events chan Event
}

// New builds a Stream with no active Representation Stream; call Reconcile
// with the first ABR decision to start one.
func New(period manifest.PeriodID, bufferType manifest.TrackKind, fetcher *fetch.Fetcher, p *prioritizer.Prioritizer, wantedBufferAhead time.Duration, periodEnd *time.Duration, log logger.Logger) *Stream {
	return &Stream{
		period:            period,
		bufferType:        bufferType,
		nativeBuffer:      bufferType != manifest.TrackText,
		fetcher:           fetcher,
		prioritizer:       p,
		wantedBufferAhead: wantedBufferAhead,
		periodEnd:         periodEnd,
		log:               log,
		events:            make(chan Event, 64),
	}
}

// Events returns the lifecycle event channel. Closed by Stop.
func (s *Stream) Events() <-chan Event { return s.events }

// Stop tears down the current Representation Stream, if any.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	close(s.events)
}

// Reconcile is called with every new ABR decision (and, for the first call,
// the adaptation to stream from). It starts the first Representation
// Stream, no-ops on an unchanged representation, or computes and applies a
// switch strategy (spec §4.9).
func (s *Stream) Reconcile(ctx context.Context, sk *sink.Sink, adaptation *manifest.Adaptation, rep *manifest.Representation, position time.Duration, observations *observable.Broadcast[clock.Observation]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.sink = sk
		s.startLocked(ctx, adaptation, rep, observations)
		return
	}

	if s.currentRep.ID == rep.ID && s.currentAdaptation.ID == adaptation.ID {
		return
	}

	if s.currentAdaptation.ID != adaptation.ID {
		s.switchAdaptationLocked(ctx, sk, adaptation, rep, position, observations)
		return
	}

	strategy := switchStrategy(s.currentRep, rep)
	switch strategy {
	case SwitchNeedsReload:
		s.emit(Event{Kind: EventNeedsMediaSourceReload, Representation: rep, ReloadAt: position, ResumeOnPause: true})
	case SwitchCleanBuffer:
		buffered := s.sink.GetBufferedRanges()
		removeFrom := position
		if r, ok := rangeset.GetRange(buffered, position); ok {
			removeFrom = r.End
		}
		removeTo := clock.InfiniteGap
		if s.periodEnd != nil {
			removeTo = *s.periodEnd
		}
		toRemove := rangeset.Set{{Start: removeFrom, End: removeTo}}
		s.emit(Event{Kind: EventNeedsBufferFlush, RemoveRanges: toRemove, Representation: rep})
		s.swapRepresentationLocked(ctx, rep, observations)
	default: // SwitchContinue
		s.swapRepresentationLocked(ctx, rep, observations)
	}
}

func (s *Stream) startLocked(ctx context.Context, adaptation *manifest.Adaptation, rep *manifest.Representation, observations *observable.Broadcast[clock.Observation]) {
	rs := repstream.New(s.period, s.bufferType, rep, s.sink, s.fetcher, s.prioritizer, s.wantedBufferAhead, s.periodEnd, s.log, s.HandleFatalSinkError)
	runCtx, cancel := context.WithCancel(ctx)
	s.current = rs
	s.currentRep = rep
	s.currentAdaptation = adaptation
	s.cancelCurrent = cancel
	s.empty = false

	go s.forwardEvents(rs)
	go rs.Run(runCtx, observations)
}

func (s *Stream) swapRepresentationLocked(ctx context.Context, rep *manifest.Representation, observations *observable.Broadcast[clock.Observation]) {
	adaptation := s.currentAdaptation
	s.teardownLocked()
	s.startLocked(ctx, adaptation, rep, observations)
	s.emit(Event{Kind: EventRepresentationChange, Representation: rep})
}

func (s *Stream) switchAdaptationLocked(ctx context.Context, sk *sink.Sink, adaptation *manifest.Adaptation, rep *manifest.Representation, position time.Duration, observations *observable.Broadcast[clock.Observation]) {
	s.teardownLocked()
	s.sink = sk
	s.startLocked(ctx, adaptation, rep, observations)
	s.emit(Event{Kind: EventAdaptationChange, Adaptation: adaptation, Representation: rep})
}

func (s *Stream) teardownLocked() {
	if s.current == nil {
		return
	}
	s.current.Stop()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.current = nil
	s.currentRep = nil
}

// forwardEvents relays a Representation Stream's events onto this Stream's
// own channel until the child channel closes (Stop called, either directly
// or through the fatal-error teardown below).
func (s *Stream) forwardEvents(rs *repstream.Stream) {
	for ev := range rs.Events() {
		switch ev.Kind {
		case repstream.EventAddedSegment:
			s.emit(Event{Kind: EventAddedSegment, Segment: ev.Segment, Buffered: ev.Buffered, BufferType: ev.BufferType})
		case repstream.EventStreamComplete:
			s.emit(Event{Kind: EventStreamComplete, BufferType: ev.BufferType})
		}
	}
}

// HandleFatalSinkError implements spec §4.9's last paragraph and §7 item 5:
// a fatal sink error (codec-rejected or source-closed) on a non-native
// buffer type (text) is demoted to a warning and this Stream continues with
// an empty stream (no further fetches, position still advances since
// nothing blocks the clock on a text track); on a native buffer type
// (audio/video) it is instead surfaced as needs-media-source-reload, since
// the sink itself cannot be recovered in place, leaving the current
// Representation Stream running until the host actually reloads.
func (s *Stream) HandleFatalSinkError(err error) (demoted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nativeBuffer {
		s.log.Warnf("adaptation: fatal sink error on buffer type %s, requesting media source reload: %v", s.bufferType, err)
		s.emit(Event{Kind: EventNeedsMediaSourceReload, ResumeOnPause: true, Err: err, BufferType: s.bufferType})
		return false
	}
	s.log.Warnf("adaptation: demoting fatal sink error on non-native buffer type %s: %v", s.bufferType, err)
	s.teardownLocked()
	s.empty = true
	s.emit(Event{Kind: EventWarning, Err: err, BufferType: s.bufferType})
	return true
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("adaptation: event buffer full for period %s buffer type %s, dropping %v", s.period, s.bufferType, ev.Kind)
	}
}

// switchStrategy implements spec §4.9's classification: a codec or
// container change the sink cannot accommodate needs a reload; a bitrate
// change is a soft clean-buffer switch, since an in-place segment-boundary
// continue risks overlapping stale content from a different bitrate at the
// same time range if the old representation is already buffered ahead; a
// switch between representations of equal bitrate continues in place.
func switchStrategy(old, newRep *manifest.Representation) SwitchStrategy {
	if !codecCompatible(old, newRep) {
		return SwitchNeedsReload
	}
	if newRep.Bandwidth != old.Bandwidth {
		return SwitchCleanBuffer
	}
	return SwitchContinue
}

// codecCompatible reports whether two representations can share one sink
// without a media source reload: same container (MimeType) and same codec
// family (the part of the codecs string before the first dot, e.g. "avc1"
// vs "hev1").
func codecCompatible(a, b *manifest.Representation) bool {
	if a.MimeType != b.MimeType {
		return false
	}
	return codecFamily(a.Codecs) == codecFamily(b.Codecs)
}

func codecFamily(codecs string) string {
	first := codecs
	if idx := strings.IndexAny(codecs, ",;"); idx >= 0 {
		first = codecs[:idx]
	}
	if idx := strings.IndexByte(first, '.'); idx >= 0 {
		first = first[:idx]
	}
	return strings.TrimSpace(first)
}
