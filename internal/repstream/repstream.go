// Package repstream implements the Representation Stream (spec §4.8,
// component C8): for one (period, adaptation, representation) and a
// dedicated sink, it continuously computes the wanted range, finds holes
// against the buffered ranges, fetches and appends the segments that fill
// them, and emits stream lifecycle events. No teacher equivalent exists;
// grounded on the clock package's broadcast-subscribe-loop shape
// (internal/clock/clock.go) and wired directly to C1 (rangeset), C5
// (prioritizer), C6 (fetch) and C7 (sink).
package repstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/fetch"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/metrics"
	"github.com/ericcug/streamengine/internal/observable"
	"github.com/ericcug/streamengine/internal/prioritizer"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/sink"
)

// EventKind tags a Stream lifecycle event (spec §4.8 step 7).
type EventKind int

const (
	EventRepresentationChange EventKind = iota
	EventAddedSegment
	EventStreamComplete
)

// StreamEvent is emitted on the Stream's event channel. Unlike clock
// Observations or ABR Decisions, these are discrete events spec §4.8
// requires every one of (added-segment per segment, a single
// stream-complete) to be observed, so they are delivered over a buffered
// channel rather than observable.Broadcast's latest-value-wins semantics.
type StreamEvent struct {
	Kind       EventKind
	Segment    manifest.Segment
	Buffered   rangeset.Set
	BufferType manifest.TrackKind
}

// priorityLevel buckets distance-from-playhead into the Task Prioritizer's
// priority scale (spec §4.8 step 4: "closer = lower number = higher
// priority"). Buckets mirror the urgency tiers a live player cares about:
// next couple of seconds is highest priority, then a near-term buffer
// window, then everything further ahead at low priority.
func priorityLevel(distance time.Duration) int {
	switch {
	case distance <= 2*time.Second:
		return 0
	case distance <= 8*time.Second:
		return 2
	case distance <= 20*time.Second:
		return 4
	default:
		return 8
	}
}

// cancelMargin bounds how far position may jump past the already-fetched
// range before outstanding fetches for segments now behind it are
// cancelled (spec §4.8 step 6).
const cancelMargin = 5 * time.Second

// Stream drives one Representation's segment fetch/append loop.
type Stream struct {
	period      manifest.PeriodID
	bufferType  manifest.TrackKind
	rep         *manifest.Representation
	sink        *sink.Sink
	fetcher     *fetch.Fetcher
	prioritizer *prioritizer.Prioritizer
	log         logger.Logger

	wantedBufferAhead time.Duration
	periodEnd         *time.Duration // nil if open-ended

	// onFatalError reports a codec-rejected or source-closed sink error up
	// to the owning Adaptation Stream (spec §7 item 5), which decides
	// whether to demote it (non-native buffer) or surface a reload.
	onFatalError func(error) bool

	events chan StreamEvent

	mu       sync.Mutex
	position time.Duration

	inFlight map[manifest.ID]inFlightFetch
}

type inFlightFetch struct {
	taskID prioritizer.TaskID
	end    time.Duration
}

// New builds a Stream. periodEnd is nil for an open-ended (live) period.
// onFatalError is called with a codec-rejected or source-closed append
// error; it returns whether the owning Adaptation Stream demoted it (true)
// rather than surfacing a reload (false). May be nil in tests that don't
// exercise the fatal-error path.
func New(period manifest.PeriodID, bufferType manifest.TrackKind, rep *manifest.Representation, sk *sink.Sink, fetcher *fetch.Fetcher, p *prioritizer.Prioritizer, wantedBufferAhead time.Duration, periodEnd *time.Duration, log logger.Logger, onFatalError func(error) bool) *Stream {
	return &Stream{
		period:            period,
		bufferType:        bufferType,
		rep:               rep,
		sink:              sk,
		fetcher:           fetcher,
		prioritizer:       p,
		log:               log,
		wantedBufferAhead: wantedBufferAhead,
		periodEnd:         periodEnd,
		onFatalError:      onFatalError,
		events:            make(chan StreamEvent, 64),
		inFlight:          make(map[manifest.ID]inFlightFetch),
	}
}

// Events returns the lifecycle event channel (added-segment,
// representation-change, stream-complete). It is closed by Stop.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Stop cancels every outstanding fetch for this Stream (spec §4.8 step 6:
// "the representation is switched away"), used by the Adaptation Stream
// when tearing this Stream down.
func (s *Stream) Stop() {
	for id, in := range s.inFlight {
		s.prioritizer.Cancel(in.taskID)
		delete(s.inFlight, id)
	}
	close(s.events)
}

// Run reacts to clock observations until ctx is cancelled, keeping the
// wanted range filled (spec §4.8 steps 1-6).
func (s *Stream) Run(ctx context.Context, observations *observable.Broadcast[clock.Observation]) {
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
			s.reconcile(ctx, obs)
		}
	}
}

// reconcile implements one pass of spec §4.8 steps 1-7 for a single clock
// Observation.
func (s *Stream) reconcile(ctx context.Context, obs clock.Observation) {
	position := obs.Position
	s.mu.Lock()
	s.position = position
	s.mu.Unlock()

	wantedEnd := position + s.wantedBufferAhead
	if s.periodEnd != nil && wantedEnd > *s.periodEnd {
		wantedEnd = *s.periodEnd
	}
	if wantedEnd <= position {
		return
	}

	s.cancelStaleFetches(position)

	if !s.sink.HasInit() {
		if initSeg, ok := s.rep.Index.InitSegment(); ok {
			s.enqueue(ctx, initSeg, position)
		}
	}

	buffered := s.sink.GetBufferedRanges()
	holes := rangeset.Exclude(rangeset.Set{{Start: position, End: wantedEnd}}, buffered)
	if len(holes) == 0 {
		s.maybeEmitComplete(position, buffered)
		return
	}

	firstHole := holes[0]
	segments := s.rep.Index.SegmentsIntersecting(firstHole.Start, firstHole.End)
	for _, seg := range segments {
		if _, already := s.inFlight[seg.ID()]; already {
			continue
		}
		s.enqueue(ctx, seg, position)
	}
}

func (s *Stream) enqueue(ctx context.Context, seg manifest.Segment, position time.Duration) {
	distance := seg.StartTime() - position
	if distance < 0 {
		distance = 0
	}
	priority := priorityLevel(distance)

	task := fetch.NewTask(s.fetcher, s.rep, seg, nil, 0,
		func(ev fetch.Event) {
			if ev.Kind == fetch.EventChunk {
				s.appendChunk(ctx, seg, ev.Chunk.Data)
			}
		},
		func(result fetch.Result) {
			delete(s.inFlight, seg.ID())
			if result.Err != nil {
				s.log.Warnf("repstream: fetch failed for representation %s segment %d: %v", s.rep.ID, seg.Start, result.Err)
				return
			}
			if result.Data != nil {
				s.appendChunk(ctx, seg, result.Data)
			}
		},
	)
	tid := s.prioritizer.Submit(task, priority)
	s.inFlight[seg.ID()] = inFlightFetch{taskID: tid, end: seg.EndTime()}
}

func (s *Stream) appendChunk(ctx context.Context, seg manifest.Segment, data []byte) {
	opts := sink.AppendOptions{
		AppendWindow:    sink.AppendWindow{Start: seg.StartTime(), End: seg.EndTime()},
		TimestampOffset: seg.TimestampOffset,
	}
	buffered, err := s.sink.AppendBuffer(ctx, data, opts)
	if err != nil {
		s.handleAppendError(ctx, seg, data, opts, err)
		return
	}
	if seg.IsInit {
		s.sink.MarkInitAppended()
	}
	s.emit(StreamEvent{Kind: EventAddedSegment, Segment: seg, Buffered: buffered, BufferType: s.bufferType})
}

// handleAppendError implements spec §7 items 4-5: a quota-exceeded append
// evicts the oldest buffered range outside the live window and is retried
// once; a codec-rejected or source-closed append is fatal to this sink and
// escalated to the owning Adaptation Stream via onFatalError. Any other
// error (including ctx cancellation) is just logged, as before.
func (s *Stream) handleAppendError(ctx context.Context, seg manifest.Segment, data []byte, opts sink.AppendOptions, err error) {
	var sinkErr *sink.Error
	if !errors.As(err, &sinkErr) {
		s.log.Warnf("repstream: append failed for representation %s segment %d: %v", s.rep.ID, seg.Start, err)
		return
	}

	switch sinkErr.Kind {
	case sink.KindQuotaExceeded:
		metrics.IncSinkQuotaExceeded(string(s.bufferType))
		if !s.evictOldestOutsideLiveWindow(ctx) {
			s.log.Warnf("repstream: quota exceeded for representation %s segment %d, nothing evictable outside the live window", s.rep.ID, seg.Start)
			return
		}
		buffered, retryErr := s.sink.AppendBuffer(ctx, data, opts)
		if retryErr != nil {
			s.log.Warnf("repstream: append retry after eviction failed for representation %s segment %d: %v", s.rep.ID, seg.Start, retryErr)
			return
		}
		if seg.IsInit {
			s.sink.MarkInitAppended()
		}
		s.emit(StreamEvent{Kind: EventAddedSegment, Segment: seg, Buffered: buffered, BufferType: s.bufferType})
	case sink.KindCodecRejected, sink.KindSourceClosed:
		s.log.Warnf("repstream: fatal sink error for representation %s segment %d: %v", s.rep.ID, seg.Start, err)
		if s.onFatalError != nil {
			s.onFatalError(sinkErr)
		}
	default:
		s.log.Warnf("repstream: append failed for representation %s segment %d: %v", s.rep.ID, seg.Start, err)
	}
}

// evictOldestOutsideLiveWindow removes the earliest buffered range that
// falls entirely outside [position, position+wantedBufferAhead], the live
// window a quota-exceeded append should make room against. Reports whether
// anything was evicted.
func (s *Stream) evictOldestOutsideLiveWindow(ctx context.Context) bool {
	s.mu.Lock()
	liveStart := s.position
	s.mu.Unlock()
	liveEnd := liveStart + s.wantedBufferAhead

	for _, r := range s.sink.GetBufferedRanges() {
		if r.End <= liveStart || r.Start >= liveEnd {
			if _, err := s.sink.RemoveBuffer(ctx, r.Start, r.End); err != nil {
				s.log.Warnf("repstream: eviction remove failed for representation %s: %v", s.rep.ID, err)
				return false
			}
			return true
		}
	}
	return false
}

// emit delivers ev without blocking the reconcile loop; a full buffer means
// the consumer has fallen far behind, which is logged rather than risking
// a deadlock against the fetch/append pipeline.
func (s *Stream) emit(ev StreamEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("repstream: event buffer full for representation %s, dropping %v", s.rep.ID, ev.Kind)
	}
}

// cancelStaleFetches cancels in-flight fetches for segments that ended
// before position - cancelMargin (spec §4.8 step 6: position jumped past
// the fetched range).
func (s *Stream) cancelStaleFetches(position time.Duration) {
	cutoff := position - cancelMargin
	for id, in := range s.inFlight {
		if in.end < cutoff {
			s.prioritizer.Cancel(in.taskID)
			delete(s.inFlight, id)
		}
	}
}

// maybeEmitComplete implements the spec §4.8 completion rule: emitted only
// when the wanted range reaches period end and all its segments are
// buffered within epsilon.
func (s *Stream) maybeEmitComplete(position time.Duration, buffered rangeset.Set) {
	if s.periodEnd == nil {
		return
	}
	if !rangeset.Contains(buffered, rangeset.Range{Start: position, End: *s.periodEnd}) {
		return
	}
	s.emit(StreamEvent{Kind: EventStreamComplete, BufferType: s.bufferType})
}
