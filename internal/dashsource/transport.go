package dashsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericcug/streamengine/internal/manifest"
)

// Transport implements manifest.Transport with a single-attempt HTTP GET per
// segment. Grounded on internal/dash/downloader.go's Downloader.download,
// minus its own retry loop: the Segment Fetcher (internal/fetch) already
// owns retry/backoff and cancellation across attempts, so duplicating that
// here would double the backoff and fight the Fetcher's own jitter.
// ParseSegment does not demux ISOBMFF boxes; it hands the whole downloaded
// segment through as one chunk, since this module's Sink/MediaSource-style
// backend is expected to do its own appending of raw fragmented-MP4 bytes
// (the same shape the teacher's downloader already dealt in via
// models.Segment.Data).
type Transport struct {
	httpClient *http.Client
	userAgent  string
}

// NewTransport builds a Transport. timeout bounds each individual HTTP
// request; the Fetcher also bounds each attempt with its own request
// timeout and sets no overall deadline across retries.
func NewTransport(userAgent string, timeout time.Duration) *Transport {
	return &Transport{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
	}
}

func (t *Transport) ResolveSegmentURL(ctx context.Context, seg manifest.Segment, rep *manifest.Representation) (string, bool) {
	idx, ok := rep.Index.(*templateIndex)
	if !ok {
		return "", false
	}
	return idx.segmentURL(seg)
}

func (t *Transport) LoadSegment(ctx context.Context, url string, seg manifest.Segment, onProgress func(manifest.Progress), onChunk func([]byte)) (manifest.LoadedSegment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifest.LoadedSegment{}, fmt.Errorf("dashsource: build segment request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if seg.HasByteRange {
		if seg.ByteRangeEnd > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.ByteRangeStart, seg.ByteRangeEnd))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", seg.ByteRangeStart))
		}
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return manifest.LoadedSegment{}, fmt.Errorf("dashsource: fetch segment %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return manifest.LoadedSegment{StatusCode: resp.StatusCode}, fmt.Errorf("dashsource: segment %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return manifest.LoadedSegment{StatusCode: resp.StatusCode}, fmt.Errorf("dashsource: read segment body: %w", err)
	}

	if onChunk != nil {
		onChunk(data)
	}
	if onProgress != nil {
		onProgress(manifest.Progress{Loaded: int64(len(data)), Total: int64(len(data)), Elapsed: time.Since(start)})
	}

	return manifest.LoadedSegment{Data: data, StatusCode: resp.StatusCode}, nil
}

func (t *Transport) ParseSegment(loaded manifest.LoadedSegment, seg manifest.Segment, initTimescale uint64) (manifest.ParsedSegment, error) {
	if seg.IsInit {
		return manifest.ParsedSegment{
			IsInit:              true,
			InitializationData:  loaded.Data,
			InitTimescale:       seg.Timescale,
		}, nil
	}

	timescale := seg.Timescale
	if timescale == 0 {
		timescale = initTimescale
	}

	return manifest.ParsedSegment{
		ChunkData: loaded.Data,
		ChunkInfos: []manifest.ChunkInfo{{
			Time:      seg.StartTime(),
			Duration:  seg.EndTime() - seg.StartTime(),
			Timescale: timescale,
		}},
		ChunkOffset:  0,
		AppendWindow: [2]time.Duration{seg.StartTime(), seg.EndTime()},
	}, nil
}

func (t *Transport) SupportsChunkedStreaming() bool { return false }
