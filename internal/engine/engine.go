// Package engine wires the Playback Observer, Bandwidth/Score Estimators,
// ABR Estimator, Task Prioritizer, Segment Fetcher, Segment Sinks,
// Representation/Adaptation Streams and Init Orchestrator into one running
// streaming session. Grounded on the teacher's SessionManager/StreamSession
// (internal/session/session.go) for the top-level Start/Stop-plus-background-
// goroutines shape, generalized from "one DASH->HLS repackaging session per
// channel" to "one client-side playback session wired from engine components";
// it replaces the teacher's dash/hls/cache/models/key stack entirely, since
// this engine plays media rather than re-muxing and re-serving it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericcug/streamengine/internal/abr"
	"github.com/ericcug/streamengine/internal/adaptation"
	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/config"
	"github.com/ericcug/streamengine/internal/estimator"
	"github.com/ericcug/streamengine/internal/fetch"
	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
	"github.com/ericcug/streamengine/internal/metrics"
	"github.com/ericcug/streamengine/internal/orchestrator"
	"github.com/ericcug/streamengine/internal/prioritizer"
	"github.com/ericcug/streamengine/internal/rangeset"
	"github.com/ericcug/streamengine/internal/sink"
	"golang.org/x/sync/errgroup"
)

// priorityThresholds bands the Task Prioritizer the same way repstream's own
// priorityLevel buckets distance from the playhead (spec §4.5, §4.8 step 4).
var priorityThresholds = prioritizer.Thresholds{High: 2, Low: 6}

// highBandConcurrency bounds how many top-priority (imminent) fetches may run
// at once across every stream this engine drives.
const highBandConcurrency = 6

// ReadySetter is the seam the engine flips once the first period's streams
// are wired and running, so an HTTP readiness probe (internal/api) can
// reflect it without this package depending on api directly.
type ReadySetter interface {
	SetReady(bool)
}

// BackendFactory builds the platform-specific sink.Backend for one buffer
// type (e.g. a MediaSource SourceBuffer in a browser host). Real backends
// are out of scope here; the engine only depends on this seam.
type BackendFactory func(bufferType manifest.TrackKind) (sink.Backend, error)

// Collaborators bundles every external seam the engine needs beyond
// configuration: manifest parsing, segment transport, the host media
// element, and per-buffer-type sink backends.
type Collaborators struct {
	Parser     manifest.Parser
	Transport  manifest.Transport
	Media      clock.MediaElement
	Controller orchestrator.MediaController
	NewBackend BackendFactory
	Ready      ReadySetter // optional
}

// EventKind tags an Engine-level lifecycle event: every Adaptation Stream and
// Orchestrator event kind, forwarded verbatim, plus Fatal for unrecoverable
// engine-level failures (spec §7 item 6: "no playable period/representation").
type EventKind int

const (
	EventRepresentationChange EventKind = iota
	EventAdaptationChange
	EventNeedsMediaSourceReload
	EventNeedsBufferFlush
	EventAddedSegment
	EventStreamComplete
	EventWarning
	EventBlockedAutoplay
	EventRebufferRateForced
	EventRebufferRateRestored
	EventFatal
)

// Event is emitted on the Engine's event channel.
type Event struct {
	Kind           EventKind
	BufferType     manifest.TrackKind
	Representation *manifest.Representation
	Segment        manifest.Segment
	Buffered       rangeset.Set
	RemoveRanges   rangeset.Set
	ReloadAt       time.Duration
	Err            error
}

// Engine owns one streaming session: one manifest, its periods, and the
// per-(period, buffer type) Adaptation Streams, Sinks, and ABR estimators
// that keep it filled.
type Engine struct {
	cfg  *config.Config
	log  logger.Logger
	coll Collaborators

	bandwidth       *estimator.BandwidthEstimator
	score           *estimator.ScoreCalculator
	prioritizer     *prioritizer.Prioritizer
	decipherability *manifest.DecipherabilityUpdater
	observer        *clock.Observer
	orch            *orchestrator.Orchestrator

	events chan Event

	mu      sync.Mutex
	streams []*periodBufferStream
	cancel  context.CancelFunc
}

// periodBufferStream bundles the components running for one (period, buffer
// type) pair: its own ABR Estimator instance (forceBandwidthMode hysteresis
// is per-stream, spec §4.4 step 2), sink, and Adaptation Stream.
type periodBufferStream struct {
	bufferType manifest.TrackKind
	adaptation *manifest.Adaptation
	ladder     []*manifest.Representation
	abrEst     *abr.Estimator
	sk         *sink.Sink
	stream     *adaptation.Stream
	current    int // current bandwidth, bits/s, updated from the ABR loop goroutine under engine.mu
}

// New builds an Engine around cfg and coll. No I/O is performed until Start.
func New(cfg *config.Config, coll Collaborators, log logger.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		log:             log,
		coll:            coll,
		bandwidth:       estimator.NewBandwidthEstimator(4*time.Second, 15*time.Second, 50*time.Millisecond, cfg.ABR.InitialBitrate),
		score:           estimator.NewScoreCalculator(),
		prioritizer:     prioritizer.New(priorityThresholds, highBandConcurrency),
		decipherability: manifest.NewDecipherabilityUpdater(),
		events:          make(chan Event, 128),
	}
}

// Events returns the engine's aggregated lifecycle event channel.
func (e *Engine) Events() <-chan Event { return e.events }

// Start loads the manifest, wires the clock Observer and Init Orchestrator,
// and starts one Adaptation Stream per (period, buffer type). It returns
// once startup has completed; streaming continues in background goroutines
// until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	raw, err := e.coll.Parser.LoadManifest(runCtx, e.cfg.ManifestURL)
	if err != nil {
		cancel()
		return fmt.Errorf("loading manifest: %w", err)
	}
	m, err := e.coll.Parser.ParseManifest(raw, e.cfg.ManifestURL)
	if err != nil {
		cancel()
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Periods) == 0 {
		cancel()
		return fmt.Errorf("manifest has no periods")
	}
	e.trackDecipherability(m)
	e.decipherability.Subscribe(e.onDecipherabilityChange)

	// The observer starts on the no-media-source profile (spec §4.2's "H"
	// profile), since no MediaSource/buffered ranges exist until Attach
	// below succeeds; it switches to the default/low-latency profile only
	// once a media source is actually attached.
	e.observer = clock.NewObserver(e.coll.Media, clock.NoMediaSourceProfile(), e.log, nil)
	go e.observer.Start(runCtx)

	e.orch = orchestrator.New(e.coll.Controller, e.cfg.StartAt, e.cfg.AutoPlay, e.log)
	if err := e.orch.Attach(runCtx, e.cfg.ManifestURL); err != nil {
		cancel()
		return fmt.Errorf("attaching media source: %w", err)
	}
	profile := clock.DefaultProfile()
	if e.cfg.LowLatencyMode {
		profile = clock.LowLatencyProfile()
	}
	e.observer.SetProfile(profile)
	go e.orch.Run(runCtx, e.observer.Observations(), time.Time{})
	go e.forwardOrchestratorEvents()

	// Every period's streams are wired concurrently: startPeriod's own
	// errors are logged and swallowed (one unplayable period shouldn't
	// abort the others), so the group is used purely to parallelize
	// startup, never to cancel sibling periods on a sibling's failure.
	g, gctx := errgroup.WithContext(runCtx)
	for _, period := range m.Periods {
		period := period
		g.Go(func() error {
			if err := e.startPeriod(gctx, period); err != nil {
				e.log.Warnf("engine: failed to start period %s: %v", period.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.coll.Ready != nil {
		e.coll.Ready.SetReady(true)
	}
	return nil
}

// Stop tears down every running stream and cancels the engine's context.
func (e *Engine) Stop() {
	e.mu.Lock()
	streams := e.streams
	e.streams = nil
	e.mu.Unlock()

	for _, ps := range streams {
		ps.stream.Stop()
		ps.sk.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) trackDecipherability(m *manifest.Manifest) {
	for _, period := range m.Periods {
		for _, list := range period.Adaptations {
			for _, a := range list {
				for _, r := range a.Representations {
					e.decipherability.Track(r)
				}
			}
		}
	}
}

// onDecipherabilityChange implements spec §7 item 7: when a representation's
// decipherability flips (e.g. a DRM key is revoked mid-stream), every
// running stream's ABR ladder is re-filtered, and a stream left with no
// decipherable representation at all raises a fatal no-playable-representation
// error rather than silently stalling its fetches.
func (e *Engine) onDecipherabilityChange(evt manifest.DecipherabilityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ps := range e.streams {
		ps.ladder = manifest.DefaultFilter(ps.adaptation.Representations)
		if !manifest.AnyDecipherable(ps.adaptation.Representations) {
			e.log.Warnf("engine: no decipherable representations remain for buffer type %s after representation %s became undecipherable", ps.bufferType, evt.RepresentationID)
			e.emit(Event{
				Kind:       EventFatal,
				BufferType: ps.bufferType,
				Err:        fmt.Errorf("no playable representation remains for buffer type %s", ps.bufferType),
			})
		}
	}
}

// startPeriod wires one Adaptation Stream per buffer type present in
// period, selecting the initial Adaptation (preferred-language for audio,
// first otherwise) and initial Representation (via the ABR Estimator).
func (e *Engine) startPeriod(ctx context.Context, period *manifest.Period) error {
	for bufferType, adaptations := range period.Adaptations {
		if len(adaptations) == 0 {
			continue
		}
		chosenAdaptation := selectAdaptation(adaptations, bufferType, e.cfg.PreferredAudioLanguage)

		ladder := manifest.DefaultFilter(chosenAdaptation.Representations)
		if len(ladder) == 0 {
			e.log.Warnf("engine: no decipherable representations for period %s buffer type %s", period.ID, bufferType)
			continue
		}

		backend, err := e.coll.NewBackend(bufferType)
		if err != nil {
			return fmt.Errorf("building backend for %s: %w", bufferType, err)
		}
		sk := sink.New(ctx, backend, e.log)

		onSample := func(representationID string, s estimator.Sample) {
			e.bandwidth.AddSample(s)
			outcome := "success"
			metrics.ObserveFetch(representationID, outcome, s.Duration, int(s.Bytes))
		}
		fetcher := fetch.New(e.coll.Transport, e.cfg.Retry, e.cfg.CheckMediaSegmentIntegrity, e.cfg.LowLatencyMode, onSample, e.log)

		abrEst := abr.New(e.bandwidth, e.score)
		decision := abrEst.Estimate(abr.Inputs{
			Representations: ladder,
			BufferGap:       0,
			Speed:           1,
			MinAutoBitrate:  e.cfg.ABR.MinAutoBitrate,
			MaxAutoBitrate:  e.cfg.ABR.MaxAutoBitrate,
			ManualBitrate:   e.cfg.ABR.ManualBitrate,
		})
		if decision.Representation == nil {
			return fmt.Errorf("ABR produced no representation for %s", bufferType)
		}

		adaptStream := adaptation.New(period.ID, bufferType, fetcher, e.prioritizer, e.cfg.Buffer.WantedBufferAhead, period.End, e.log)
		adaptStream.Reconcile(ctx, sk, chosenAdaptation, decision.Representation, 0, e.observer.Observations())
		metrics.ObserveABRDecision(decision.Representation.ID, decision.Manual, e.bandwidth.Estimate())

		ps := &periodBufferStream{
			bufferType: bufferType,
			adaptation: chosenAdaptation,
			ladder:     ladder,
			abrEst:     abrEst,
			sk:         sk,
			stream:     adaptStream,
			current:    decision.Representation.Bandwidth,
		}
		e.mu.Lock()
		e.streams = append(e.streams, ps)
		e.mu.Unlock()

		go e.forwardAdaptationEvents(ps)
		go e.runABRLoop(ctx, ps)
	}
	return nil
}

// selectAdaptation picks the Adaptation to stream for one buffer type: for
// audio, the first one matching the configured preferred language (falling
// back to the first available); for video and text, the first one listed
// (spec §4.9 leaves initial-track selection to the host; this mirrors the
// teacher's own single-representation default in selectRepresentations).
func selectAdaptation(adaptations []*manifest.Adaptation, bufferType manifest.TrackKind, preferredLang string) *manifest.Adaptation {
	if bufferType == manifest.TrackAudio && preferredLang != "" {
		for _, a := range adaptations {
			if manifest.MatchesLang(a.Lang, preferredLang) {
				return a
			}
		}
	}
	return adaptations[0]
}

// runABRLoop subscribes to clock Observations and re-runs the ABR Estimator
// on every sample, feeding its decision to the Adaptation Stream (spec
// §4.4's continuous re-evaluation, §4.9's Reconcile entry point). In-flight
// request tracking (spec §4.4's bandwidth-derived cap and urgency signal)
// is left to the Fetcher/bandwidth EWMA rather than threaded through here:
// Inputs.InFlight is never populated.
func (e *Engine) runABRLoop(ctx context.Context, ps *periodBufferStream) {
	ch, unsubscribe := e.observer.Observations().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-ch:
			if !ok {
				return
			}
			e.mu.Lock()
			currentBitrate := ps.current
			ladder := ps.ladder
			e.mu.Unlock()

			decision := ps.abrEst.Estimate(abr.Inputs{
				Representations: ladder,
				BufferGap:       obs.BufferGap,
				Speed:           obs.PlaybackRate,
				MinAutoBitrate:  e.cfg.ABR.MinAutoBitrate,
				MaxAutoBitrate:  e.cfg.ABR.MaxAutoBitrate,
				ManualBitrate:   e.cfg.ABR.ManualBitrate,
				CurrentBitrate:  currentBitrate,
			})
			if decision.Representation == nil {
				continue
			}
			metrics.ObserveABRDecision(decision.Representation.ID, decision.Manual, e.bandwidth.Estimate())

			ps.stream.Reconcile(ctx, ps.sk, ps.adaptation, decision.Representation, obs.Position, e.observer.Observations())

			e.mu.Lock()
			ps.current = decision.Representation.Bandwidth
			e.mu.Unlock()
		}
	}
}

// forwardAdaptationEvents relays one Adaptation Stream's events onto the
// engine's own channel, recording Prometheus metrics along the way.
func (e *Engine) forwardAdaptationEvents(ps *periodBufferStream) {
	for ev := range ps.stream.Events() {
		switch ev.Kind {
		case adaptation.EventRepresentationChange:
			metrics.IncRepresentationSwitch("continue")
		case adaptation.EventNeedsBufferFlush:
			metrics.IncRepresentationSwitch("clean_buffer")
		case adaptation.EventNeedsMediaSourceReload:
			metrics.IncRepresentationSwitch("needs_reload")
		case adaptation.EventAddedSegment:
			metrics.SetSinkBuffered(string(ev.BufferType), bufferedSeconds(ev.Buffered))
		}
		e.emit(Event{
			Kind:           EventKind(ev.Kind),
			BufferType:     ev.BufferType,
			Representation: ev.Representation,
			Segment:        ev.Segment,
			Buffered:       ev.Buffered,
			RemoveRanges:   ev.RemoveRanges,
			ReloadAt:       ev.ReloadAt,
			Err:            ev.Err,
		})
	}
}

// forwardOrchestratorEvents relays Init Orchestrator events onto the
// engine's own channel, offset past the Adaptation Stream's own EventKind
// range (adaptation.EventKind and orchestrator.EventKind are distinct small
// enums; this mapping keeps Engine's EventKind a single flat space for
// callers that don't care which subsystem raised an event).
func (e *Engine) forwardOrchestratorEvents() {
	var rebufferSince time.Time
	for ev := range e.orch.Events() {
		var kind EventKind
		switch ev.Kind {
		case orchestrator.EventBlockedAutoplay:
			kind = EventBlockedAutoplay
		case orchestrator.EventRebufferRateForced:
			kind = EventRebufferRateForced
			rebufferSince = time.Now()
		case orchestrator.EventRebufferRateRestored:
			kind = EventRebufferRateRestored
			if !rebufferSince.IsZero() {
				metrics.ObserveRebufferEnd("buffering", time.Since(rebufferSince))
				rebufferSince = time.Time{}
			}
		}
		e.emit(Event{Kind: kind, Err: ev.Err})
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warnf("engine: event buffer full, dropping %v", ev.Kind)
	}
}

// bufferedSeconds sums a rangeset's total covered duration. This approximates
// spec §4.7's getBufferedRanges-ahead-of-position metric with total buffered
// span, since the engine-level event doesn't carry the playhead position at
// the moment of append; see DESIGN.md.
func bufferedSeconds(set rangeset.Set) float64 {
	var total time.Duration
	for _, r := range set {
		total += r.End - r.Start
	}
	return total.Seconds()
}
