package manifest

import (
	"context"
	"io"
	"time"
)

// Parser is the consumed manifest-parser interface (spec §6). Parsing DASH
// XML / SMIL / text-track formats is explicitly out of scope here; the
// orchestration layer only depends on this seam.
type Parser interface {
	// LoadManifest fetches raw manifest bytes from url.
	LoadManifest(ctx context.Context, url string) (raw io.Reader, err error)
	// ParseManifest turns raw bytes into a Manifest.
	ParseManifest(raw io.Reader, baseURL string) (*Manifest, error)
	// GetDuration returns the known presentation duration, if any.
	GetDuration(m *Manifest) (time.Duration, bool)
	// UpdatePeriod re-parses a single period (e.g. on manifest refresh) and
	// returns the updated Period, merging SegmentTimeline entries the way
	// MergeTimeline does.
	UpdatePeriod(m *Manifest, id PeriodID, raw io.Reader) (*Period, error)
}

// DecipherabilityEvent is emitted whenever a Representation's decipherable
// flag changes, so ABR (re-filter) and Representation Streams
// (no-playable-representation) can react.
type DecipherabilityEvent struct {
	RepresentationID string
	Decipherable     bool
	At               time.Time
}

// ProtectionUpdate is surfaced by transport pipelines when a parsed chunk
// carries new DRM initialization data (§6 ParsedSegment variants). The
// orchestration layer treats its contents opaquely and forwards it to the
// key-system collaborator.
type ProtectionUpdate struct {
	InitData  []byte
	SystemID  string
}

// LoadedSegment is the result of Transport.LoadSegment before parsing.
type LoadedSegment struct {
	Data       []byte
	StatusCode int
}

// Progress reports transfer progress for a single segment fetch.
type Progress struct {
	Loaded  int64
	Total   int64 // 0 means unknown
	Elapsed time.Duration
}

// ChunkInfo describes one ISOBMFF moof+mdat pair emitted by a chunked
// streaming loader before the full segment has been received.
type ChunkInfo struct {
	Time      time.Duration
	Duration  time.Duration
	Timescale uint64
}

// ParsedSegment is the tagged union `Init | Media` from spec §6.
type ParsedSegment struct {
	IsInit bool

	// Init fields.
	InitializationData []byte
	InitTimescale       uint64

	// Media fields.
	ChunkData       []byte
	ChunkInfos      []ChunkInfo
	ChunkOffset     time.Duration
	AppendWindow    [2]time.Duration

	Protection *ProtectionUpdate
}

// Transport is the per-buffer-type trait consumed from the segment-loading
// collaborator (spec §6). Implementations may support chunked delivery via
// onChunk; callers that don't care about chunking simply ignore calls to it
// until the Future resolves.
type Transport interface {
	// ResolveSegmentURL returns the URL for a segment, or false if this
	// transport has nothing to fetch (e.g. no init segment needed).
	ResolveSegmentURL(ctx context.Context, seg Segment, rep *Representation) (string, bool)

	// LoadSegment fetches a segment. onProgress and onChunk may be called
	// zero or more times before the returned LoadedSegment is ready;
	// onChunk fires only when chunked streaming is in effect. The call
	// must return promptly once ctx is cancelled, propagating
	// cancellation to any underlying request.
	LoadSegment(ctx context.Context, url string, seg Segment, onProgress func(Progress), onChunk func([]byte)) (LoadedSegment, error)

	// ParseSegment turns a fully- or partially-loaded segment into a
	// ParsedSegment. initTimescale is known once the init segment for the
	// representation has been parsed.
	ParseSegment(loaded LoadedSegment, seg Segment, initTimescale uint64) (ParsedSegment, error)

	// SupportsChunkedStreaming reports whether LoadSegment can stream
	// partial ISOBMFF box boundaries via onChunk for this container. The
	// fetcher only engages the chunked path when this is true AND
	// low-latency mode is enabled (spec §4.6 step 3).
	SupportsChunkedStreaming() bool
}
