package fetch

import (
	"context"
	"sync"

	"github.com/ericcug/streamengine/internal/manifest"
)

// Task adapts a Fetcher's CreateRequest to the prioritizer.Task interface
// (spec §4.6 "enqueues a fetch at a priority"; spec §4.5's generic
// start/abort/completion hooks), deferring the actual fetch until the
// Task Prioritizer decides to run it.
type Task struct {
	fetcher       *Fetcher
	rep           *manifest.Representation
	seg           manifest.Segment
	candidateURLs []string
	initTimescale uint64
	onEvent       func(Event)
	onDone        func(Result)

	mu     sync.Mutex
	req    *Request
}

// NewTask builds a Task. onEvent is called for every event the underlying
// Request produces (progress, chunk, etc.); onDone is called exactly once
// with the terminal outcome.
func NewTask(f *Fetcher, rep *manifest.Representation, seg manifest.Segment, candidateURLs []string, initTimescale uint64, onEvent func(Event), onDone func(Result)) *Task {
	return &Task{
		fetcher:       f,
		rep:           rep,
		seg:           seg,
		candidateURLs: candidateURLs,
		initTimescale: initTimescale,
		onEvent:       onEvent,
		onDone:        onDone,
	}
}

// Start implements prioritizer.Task: it runs the fetch to completion or
// until ctx is cancelled (a pause/cancel from the prioritizer).
func (t *Task) Start(ctx context.Context) {
	req := t.fetcher.CreateRequest(ctx, t.rep, t.seg, t.candidateURLs, t.initTimescale)
	t.mu.Lock()
	t.req = req
	t.mu.Unlock()

	var result Result
	for ev := range req.Events() {
		if t.onEvent != nil {
			t.onEvent(ev)
		}
		switch ev.Kind {
		case EventSuccess:
			result = Result{Data: ev.Data}
		case EventError:
			result = Result{Err: ev.Err}
		}
	}
	if t.onDone != nil {
		t.onDone(result)
	}
}

// Abort implements prioritizer.Task: cancelling the Request causes Start's
// event loop to drain to its terminal (canceled) event and return.
func (t *Task) Abort() {
	t.mu.Lock()
	req := t.req
	t.mu.Unlock()
	if req != nil {
		req.Cancel()
	}
}
