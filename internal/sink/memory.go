package sink

import (
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/rangeset"
)

// MemoryBackend is a Backend that holds appended media in process memory,
// tracking buffered ranges with rangeset instead of a real demuxer/decoder.
// It's the concrete Backend cmd/engine wires up in place of a browser
// MediaSource SourceBuffer, for running the engine headlessly against a
// real manifest. Adapted from internal/cache/segment_cache.go's
// key->bytes map and logging, replacing its active-segments-driven eviction
// worker with the Sink's own explicit RemoveBuffer calls, since buffer
// eviction policy now lives in the Representation Stream (spec §4.7/§4.8)
// rather than a background sweep.
type MemoryBackend struct {
	mu       sync.RWMutex
	segments map[rangeset.Range][]byte
	buffered rangeset.Set
	ended    bool
	log      logger.Logger
	name     string
}

// NewMemoryBackend builds a MemoryBackend. name is used only for logging
// (e.g. "video", "audio") to disambiguate multiple backends in one process.
func NewMemoryBackend(name string, log logger.Logger) *MemoryBackend {
	return &MemoryBackend{
		segments: make(map[rangeset.Range][]byte),
		log:      log,
		name:     name,
	}
}

func (b *MemoryBackend) Append(data []byte, opts AppendOptions) (rangeset.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := rangeset.Range{Start: opts.AppendWindow.Start, End: opts.AppendWindow.End}
	b.segments[r] = data
	b.buffered = rangeset.Insert(b.buffered, r)
	b.log.Debugf("sink[%s]: appended %d bytes spanning %s-%s", b.name, len(data), r.Start, r.End)
	return b.buffered, nil
}

func (b *MemoryBackend) Remove(start, end time.Duration) (rangeset.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for r := range b.segments {
		if r.Start >= start && r.End <= end {
			delete(b.segments, r)
		}
	}
	b.buffered = rangeset.Exclude(b.buffered, rangeset.Set{{Start: start, End: end}})
	return b.buffered, nil
}

func (b *MemoryBackend) EndOfStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = true
	b.log.Infof("sink[%s]: end of stream", b.name)
	return nil
}

func (b *MemoryBackend) BufferedRanges() rangeset.Set {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buffered
}

var _ Backend = (*MemoryBackend)(nil)
