// Package sink implements the Segment Sink Interface (spec §4.7, component
// C7): appendBuffer/removeBuffer/endOfStream/getBufferedRanges with a
// strict FIFO-per-sink processing order. The single-worker channel queue
// is the teacher's Downloader worker-pool pattern
// (internal/dash/downloader.go) narrowed to exactly one worker, which is
// what turns "a pool of concurrent workers" into "a serialized FIFO".
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/rangeset"
)

// ErrorKind classifies a sink operation failure (spec §4.7, §7.4-.5).
type ErrorKind string

const (
	KindQuotaExceeded ErrorKind = "quota_exceeded" // retryable after eviction
	KindCodecRejected ErrorKind = "codec_rejected" // fatal to this sink
	KindSourceClosed  ErrorKind = "source_closed"  // terminal sink error
)

// Error is the error shape a sink operation reports.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Cause.Error() }
func (e *Error) Unwrap() error { return e.Cause }

// AppendWindow bounds the portion of appended media that is actually
// retained, per spec §4.7.
type AppendWindow struct {
	Start, End time.Duration
}

// AppendOptions configures one appendBuffer call.
type AppendOptions struct {
	AppendWindow    AppendWindow
	TimestampOffset time.Duration
	Codec           string
}

// Backend is the underlying media-buffer primitive a Sink drives (e.g. a
// MediaSource SourceBuffer in a browser, or a test double here). Real
// backends are platform-specific and out of scope; Sink only depends on
// this seam.
type Backend interface {
	// Append must return *Error with KindQuotaExceeded, KindCodecRejected,
	// or KindSourceClosed on failure.
	Append(data []byte, opts AppendOptions) (buffered rangeset.Set, err error)
	Remove(start, end time.Duration) (buffered rangeset.Set, err error)
	EndOfStream() error
	BufferedRanges() rangeset.Set
}

type opKind int

const (
	opAppend opKind = iota
	opRemove
	opEndOfStream
)

type operation struct {
	kind   opKind
	data   []byte
	opts   AppendOptions
	start  time.Duration
	end    time.Duration
	result chan opResult
}

type opResult struct {
	buffered rangeset.Set
	err      error
}

// Sink serializes operations against one Backend in submission order
// (spec §4.7's FIFO invariant).
type Sink struct {
	backend Backend
	log     logger.Logger
	queue   chan operation

	mu     sync.Mutex
	closed bool
	// hasInit tracks whether the init segment has been appended, so
	// Representation Streams (C8) know whether one is still owed.
	hasInit bool
}

// New creates a Sink backed by backend and starts its serializing worker.
// The worker stops when ctx is done.
func New(ctx context.Context, backend Backend, log logger.Logger) *Sink {
	s := &Sink{
		backend: backend,
		log:     log,
		queue:   make(chan operation, 64),
	}
	go s.worker(ctx)
	return s
}

func (s *Sink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(op)
		}
	}
}

func (s *Sink) process(op operation) {
	var res opResult
	switch op.kind {
	case opAppend:
		buffered, err := s.backend.Append(op.data, op.opts)
		res = opResult{buffered: buffered, err: wrapBackendErr(err)}
	case opRemove:
		buffered, err := s.backend.Remove(op.start, op.end)
		res = opResult{buffered: buffered, err: wrapBackendErr(err)}
	case opEndOfStream:
		err := s.backend.EndOfStream()
		res = opResult{buffered: s.backend.BufferedRanges(), err: wrapBackendErr(err)}
	}
	op.result <- res
}

func wrapBackendErr(err error) error {
	if err == nil {
		return nil
	}
	var sinkErr *Error
	if errors.As(err, &sinkErr) {
		return sinkErr
	}
	return &Error{Kind: KindSourceClosed, Cause: err}
}

func (s *Sink) submit(ctx context.Context, op operation) (rangeset.Set, error) {
	op.result = make(chan opResult, 1)
	select {
	case s.queue <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-op.result:
		return res.buffered, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AppendBuffer enqueues a chunk for append, returning the sink's buffered
// ranges after it lands (or the error spec §4.7/§7 requires).
func (s *Sink) AppendBuffer(ctx context.Context, data []byte, opts AppendOptions) (rangeset.Set, error) {
	return s.submit(ctx, operation{kind: opAppend, data: data, opts: opts})
}

// MarkInitAppended records that the representation's init segment has
// landed in this sink, so Representation Streams don't request it twice.
func (s *Sink) MarkInitAppended() {
	s.mu.Lock()
	s.hasInit = true
	s.mu.Unlock()
}

// HasInit reports whether MarkInitAppended has been called.
func (s *Sink) HasInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasInit
}

// RemoveBuffer enqueues a removal of [start,end).
func (s *Sink) RemoveBuffer(ctx context.Context, start, end time.Duration) (rangeset.Set, error) {
	return s.submit(ctx, operation{kind: opRemove, start: start, end: end})
}

// EndOfStream enqueues the end-of-stream signal.
func (s *Sink) EndOfStream(ctx context.Context) (rangeset.Set, error) {
	return s.submit(ctx, operation{kind: opEndOfStream})
}

// GetBufferedRanges reads the backend's current buffered ranges directly;
// unlike the mutating operations it does not need FIFO ordering against
// them to be useful to a caller that just wants a recent snapshot.
func (s *Sink) GetBufferedRanges() rangeset.Set {
	return s.backend.BufferedRanges()
}

// Close stops accepting new operations. In-flight operations already
// queued are still processed before the worker exits via ctx.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
