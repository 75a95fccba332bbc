// Package fetch implements the Segment Fetcher (spec §4.6, component C6):
// createRequest's lazy event sequence, CDN selection with cooldown,
// backoff-retry, and ISOBMFF integrity checking. The retry loop is
// grounded on the teacher's internal/dash/downloader.go attempt loop,
// generalized from "one URL fixed retries" to "ordered CDN candidates,
// exponential jittered backoff, non-retryable fast-fail". Request
// coalescing is grounded on internal/cache/segment_cache.go (see pending.go).
package fetch

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/estimator"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/google/uuid"
)

// maxBackoff caps the retry delay per spec §7 ("capped, e.g. ~3s").
const maxBackoff = 3 * time.Second

// baseBackoff is the first retry delay per spec §7 ("starting at ~200ms").
const baseBackoff = 200 * time.Millisecond

// SampleFunc receives a completed fetch's throughput sample, feeding C3's
// bandwidth estimator (spec §4.6 step 4).
type SampleFunc func(representationID string, s estimator.Sample)

// Fetcher issues segment fetches through a manifest.Transport, applying
// CDN selection, retry, and integrity checking around it.
type Fetcher struct {
	transport      manifest.Transport
	retry          config.RetryConfig
	checkIntegrity bool
	lowLatency     bool
	cdn            *CDNPrioritizer
	pending        *PendingStore
	onSample       SampleFunc
	log            logger.Logger
}

// New builds a Fetcher. onSample may be nil if bandwidth sampling isn't
// needed (e.g. in tests).
func New(transport manifest.Transport, retry config.RetryConfig, checkIntegrity, lowLatency bool, onSample SampleFunc, log logger.Logger) *Fetcher {
	return &Fetcher{
		transport:      transport,
		retry:          retry,
		checkIntegrity: checkIntegrity,
		lowLatency:     lowLatency,
		cdn:            NewCDNPrioritizer(10 * time.Second),
		pending:        NewPendingStore(),
		onSample:       onSample,
		log:            log,
	}
}

// CreateRequest returns a lazy event sequence for fetching seg from rep,
// trying candidateURLs (or falling back to transport.ResolveSegmentURL if
// empty) in CDN-priority order, with retry-with-backoff on transient
// failures (spec §4.6, §4.6.1, §7).
func (f *Fetcher) CreateRequest(ctx context.Context, rep *manifest.Representation, seg manifest.Segment, candidateURLs []string, initTimescale uint64) *Request {
	ctx, cancel := context.WithCancel(ctx)
	req := &Request{ID: uuid.New(), events: make(chan Event, 8), cancel: cancel}

	go f.run(ctx, req, rep, seg, candidateURLs, initTimescale)

	return req
}

func (f *Fetcher) run(ctx context.Context, req *Request, rep *manifest.Representation, seg manifest.Segment, candidateURLs []string, initTimescale uint64) {
	defer close(req.events)

	id := seg.ID()
	waitCh, leader := f.pending.Join(id)
	if !leader {
		f.log.Debugf("fetch: request %s joined in-flight fetch for %s@%s", req.ID, rep.ID, seg.StartTime())
		req.events <- Event{Kind: EventRequestBegin}
		select {
		case result := <-waitCh:
			f.emitTerminal(req, result)
		case <-ctx.Done():
			req.events <- Event{Kind: EventError, Err: newError("canceled", KindCanceled, ctx.Err())}
		}
		return
	}

	f.log.Debugf("fetch: request %s begin for %s@%s", req.ID, rep.ID, seg.StartTime())
	req.events <- Event{Kind: EventRequestBegin}
	result := f.attemptWithRetry(ctx, req, rep, seg, candidateURLs, initTimescale)
	f.pending.Complete(id, result)
	f.emitTerminal(req, result)
}

func (f *Fetcher) emitTerminal(req *Request, result Result) {
	if result.Err != nil {
		req.events <- Event{Kind: EventRequestEnd}
		req.events <- Event{Kind: EventError, Err: result.Err}
		return
	}
	req.events <- Event{Kind: EventRequestEnd}
	req.events <- Event{Kind: EventSuccess, Data: result.Data}
}

func (f *Fetcher) attemptWithRetry(ctx context.Context, req *Request, rep *manifest.Representation, seg manifest.Segment, candidateURLs []string, initTimescale uint64) Result {
	urls := candidateURLs
	if len(urls) == 0 {
		if url, ok := f.transport.ResolveSegmentURL(ctx, seg, rep); ok {
			urls = []string{url}
		}
	}
	ordered := f.cdn.Order(urls)
	if len(ordered) == 0 {
		return Result{Err: newError("no_candidate_url", KindNonRetryable, nil)}
	}

	attempt := 0
	urlIdx := 0
	integrityRetriesLeft := 1 // spec §7.3: integrity errors get one retry to the same CDN

	for {
		if ctx.Err() != nil {
			return Result{Err: newError("canceled", KindCanceled, ctx.Err())}
		}

		url := ordered[urlIdx%len(ordered)]
		start := time.Now()
		data, err := f.fetchOnce(ctx, req, url, seg)
		elapsed := time.Since(start)

		if err == nil {
			if f.checkIntegrity {
				if integrityErr := CheckISOBMFFIntegrity(data); integrityErr != nil {
					f.cdn.RecordFailure(url)
					if integrityRetriesLeft > 0 {
						integrityRetriesLeft--
						f.log.Warnf("fetch: integrity check failed for %s, retrying same CDN: %v", seg.RepresentationID, integrityErr)
						continue
					}
					attempt++
					if f.retryExhausted(attempt) {
						return Result{Err: newError("integrity_exhausted", KindIntegrity, integrityErr)}
					}
					urlIdx++
					f.sleepBackoff(ctx, attempt)
					continue
				}
			}
			f.cdn.RecordSuccess(url, elapsed)
			if f.onSample != nil {
				f.onSample(rep.ID, estimator.Sample{Bytes: int64(len(data)), Duration: elapsed})
			}
			return Result{Data: data}
		}

		f.cdn.RecordFailure(url)
		if fe, ok := err.(*Error); ok && fe.Kind == KindNonRetryable {
			// Non-retryable (4xx other than 408/429): fail fast, without
			// trying the remaining CDN candidates (spec §4.6.1).
			return Result{Err: fe}
		}

		attempt++
		if f.retryExhausted(attempt) {
			return Result{Err: err.(*Error)}
		}
		urlIdx++
		f.sleepBackoff(ctx, attempt)
	}
}

func (f *Fetcher) retryExhausted(attempt int) bool {
	return f.retry.MaxRetry > 0 && attempt >= f.retry.MaxRetry
}

func (f *Fetcher) sleepBackoff(ctx context.Context, attempt int) {
	delay := baseBackoff << uint(attempt-1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	select {
	case <-time.After(jittered):
	case <-ctx.Done():
	}
}

// fetchOnce issues a single request attempt via the configured transport,
// forwarding progress/chunk events, and classifies any failure per spec §7.
func (f *Fetcher) fetchOnce(ctx context.Context, req *Request, url string, seg manifest.Segment) ([]byte, error) {
	if err := f.cdn.Wait(ctx); err != nil {
		return nil, newError("canceled", KindCanceled, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, f.requestTimeout())
	defer cancel()

	// Chunked streaming only engages for low-latency mode against a
	// transport that supports it and a non-init segment (spec §4.6 step 3);
	// init segments always take the simpler, non-chunked path.
	var onChunk func([]byte)
	if f.lowLatency && !seg.IsInit && f.transport.SupportsChunkedStreaming() {
		onChunk = func(chunk []byte) {
			req.events <- Event{Kind: EventChunk, Chunk: Chunk{Data: chunk}}
			req.events <- Event{Kind: EventChunkComplete}
		}
	}

	loaded, err := f.transport.LoadSegment(timeoutCtx, url, seg,
		func(p manifest.Progress) {
			req.events <- Event{Kind: EventProgress, Progress: Progress{Loaded: p.Loaded, Total: p.Total, Elapsed: p.Elapsed}}
		},
		onChunk,
	)
	if err != nil {
		return nil, classifyTransportError(err, loaded.StatusCode)
	}
	if loaded.StatusCode != 0 && loaded.StatusCode != http.StatusOK {
		return nil, classifyStatus(loaded.StatusCode)
	}
	return loaded.Data, nil
}

func (f *Fetcher) requestTimeout() time.Duration {
	if f.retry.RequestTimeout > 0 {
		return f.retry.RequestTimeout
	}
	return 15 * time.Second
}

func classifyTransportError(err error, statusCode int) *Error {
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests {
		return newError("http_"+strconv.Itoa(statusCode), KindNonRetryable, err)
	}
	return newError("transport_error", KindTransientNetwork, err)
}

func classifyStatus(statusCode int) *Error {
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests {
		return newError("http_"+strconv.Itoa(statusCode), KindNonRetryable, nil)
	}
	return newError("http_"+strconv.Itoa(statusCode), KindTransientNetwork, nil)
}
