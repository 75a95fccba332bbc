package fetch

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the lazy sequence of events createRequest emits (spec
// §4.6): request-begin, progress, chunk, chunk-complete, request-end, and a
// terminal success-or-error.
type EventKind int

const (
	EventRequestBegin EventKind = iota
	EventProgress
	EventChunk
	EventChunkComplete
	EventRequestEnd
	EventSuccess
	EventError
)

// Progress carries the bytes-loaded/total/elapsed triple of spec §4.6.
type Progress struct {
	Loaded  int64
	Total   int64 // 0 if unknown (e.g. chunked transfer encoding)
	Elapsed time.Duration
}

// Chunk is one piece of segment data a chunked-streaming transport passed to
// onChunk. Chunks are emitted only in low-latency chunked mode; a buffered
// fetch emits none and delivers the whole body on EventSuccess.
type Chunk struct {
	Data []byte
}

// Event is one element of a Request's lazy sequence.
type Event struct {
	Kind     EventKind
	Progress Progress
	Chunk    Chunk
	Data     []byte // full segment bytes, set on EventSuccess
	Err      *Error
}

// Request is the handle returned by Fetcher.CreateRequest: a cancellable,
// lazily-produced sequence of Events terminating in exactly one of
// EventSuccess or EventError. ID correlates a request's log lines and
// events across the coalescing path in pending.go, where several callers
// can share one underlying attempt.
type Request struct {
	ID     uuid.UUID
	events chan Event
	cancel func()
}

// Events returns the channel of events; it is closed after the terminal
// event is sent.
func (r *Request) Events() <-chan Event { return r.events }

// Cancel aborts the in-flight request; any in-flight attempt's context is
// cancelled and no further events are guaranteed beyond what's already
// buffered on the channel.
func (r *Request) Cancel() { r.cancel() }
