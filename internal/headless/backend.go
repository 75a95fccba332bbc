package headless

import (
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/sink"
)

// Backend wraps a sink.MemoryBackend and mirrors its buffered ranges into an
// Element, so the simulated media clock's buffered/rebuffer detection
// reacts to what the engine has actually appended for kind, the same way a
// browser's HTMLMediaElement.buffered reacts to its SourceBuffers.
type Backend struct {
	inner   *sink.MemoryBackend
	element *Element
	kind    manifest.TrackKind
}

// NewBackend builds a Backend for one (engine, buffer type) pair.
func NewBackend(kind manifest.TrackKind, element *Element, log logger.Logger) *Backend {
	return &Backend{
		inner:   sink.NewMemoryBackend(string(kind), log),
		element: element,
		kind:    kind,
	}
}

func (b *Backend) Append(data []byte, opts sink.AppendOptions) (rangeset.Set, error) {
	buffered, err := b.inner.Append(data, opts)
	b.element.SetBuffered(b.kind, buffered)
	return buffered, err
}

func (b *Backend) Remove(start, end time.Duration) (rangeset.Set, error) {
	buffered, err := b.inner.Remove(start, end)
	b.element.SetBuffered(b.kind, buffered)
	return buffered, err
}

func (b *Backend) EndOfStream() error {
	return b.inner.EndOfStream()
}

func (b *Backend) BufferedRanges() rangeset.Set {
	return b.inner.BufferedRanges()
}

var _ sink.Backend = (*Backend)(nil)
