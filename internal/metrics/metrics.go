// Package metrics exposes the engine's Prometheus instruments, following
// the retrieval pack's promauto-global-vars-plus-Observe/Inc-helpers style
// (ManuGH-xg2g's internal/metrics/streaming.go). The teacher itself carries
// no metrics package; this is adopted wholesale from the pack rather than
// hand-rolled, since every concern below (fetch latency, ABR churn,
// rebuffer duration, buffer occupancy) is a natural Prometheus instrument
// and client_golang is already a real dependency the rest of the pack uses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchLatency tracks segment fetch duration by representation and
	// outcome (spec §4.6 Segment Fetcher).
	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamengine_fetch_latency_seconds",
		Help:    "Segment fetch duration by representation and outcome",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13},
	}, []string{"representation_id", "outcome"})

	// FetchSizeBytes tracks downloaded segment size by representation.
	FetchSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamengine_fetch_size_bytes",
		Help:    "Downloaded segment size by representation",
		Buckets: prometheus.ExponentialBuckets(1<<12, 2, 12),
	}, []string{"representation_id"})

	// FetchRetryTotal counts retry attempts by representation and error kind
	// (spec §7's transient/integrity retry paths).
	FetchRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamengine_fetch_retry_total",
		Help: "Segment fetch retry attempts by representation and error kind",
	}, []string{"representation_id", "kind"})

	// ABRDecisionTotal counts ABR decisions by chosen representation and
	// whether the switch was manual (spec §4.4).
	ABRDecisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamengine_abr_decision_total",
		Help: "ABR decisions by chosen representation and manual/auto",
	}, []string{"representation_id", "manual"})

	// ABRBandwidthEstimateBitsPerSecond tracks the current EWMA bandwidth
	// estimate (spec §4.3).
	ABRBandwidthEstimateBitsPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamengine_abr_bandwidth_estimate_bits_per_second",
		Help: "Current EWMA bandwidth estimate in bits per second",
	})

	// RebufferDuration tracks the length of completed rebuffer episodes by
	// reason (spec §4.2 Rebuffering).
	RebufferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamengine_rebuffer_duration_seconds",
		Help:    "Completed rebuffer episode duration by reason",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	}, []string{"reason"})

	// RebufferTotal counts rebuffer episodes entered, by reason.
	RebufferTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamengine_rebuffer_total",
		Help: "Rebuffer episodes entered, by reason",
	}, []string{"reason"})

	// SinkBufferedSeconds tracks each sink's total buffered duration, the
	// summed length of its buffered ranges (spec §4.7 getBufferedRanges), by
	// buffer type.
	SinkBufferedSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamengine_sink_buffered_seconds",
		Help: "Seconds of media currently buffered (sum of buffered ranges), by buffer type",
	}, []string{"buffer_type"})

	// SinkQuotaExceededTotal counts quota-exceeded append failures (spec §7
	// item 4), by buffer type.
	SinkQuotaExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamengine_sink_quota_exceeded_total",
		Help: "Sink append calls that failed with quota-exceeded, by buffer type",
	}, []string{"buffer_type"})

	// RepresentationSwitchTotal counts Adaptation Stream switch strategies
	// applied (spec §4.9).
	RepresentationSwitchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamengine_representation_switch_total",
		Help: "Representation switches applied, by strategy",
	}, []string{"strategy"})
)

// ObserveFetch records one segment fetch's latency and size.
func ObserveFetch(representationID, outcome string, latency time.Duration, bytes int) {
	FetchLatency.WithLabelValues(representationID, outcome).Observe(latency.Seconds())
	if outcome == "success" && bytes > 0 {
		FetchSizeBytes.WithLabelValues(representationID).Observe(float64(bytes))
	}
}

// IncFetchRetry records one retry attempt.
func IncFetchRetry(representationID, kind string) {
	FetchRetryTotal.WithLabelValues(representationID, kind).Inc()
}

// ObserveABRDecision records one ABR decision.
func ObserveABRDecision(representationID string, manual bool, bandwidthEstimate float64) {
	label := "false"
	if manual {
		label = "true"
	}
	ABRDecisionTotal.WithLabelValues(representationID, label).Inc()
	ABRBandwidthEstimateBitsPerSecond.Set(bandwidthEstimate)
}

// ObserveRebufferEnd records a completed rebuffer episode.
func ObserveRebufferEnd(reason string, duration time.Duration) {
	RebufferTotal.WithLabelValues(reason).Inc()
	RebufferDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// SetSinkBuffered updates the buffered-seconds gauge for one buffer type.
func SetSinkBuffered(bufferType string, seconds float64) {
	SinkBufferedSeconds.WithLabelValues(bufferType).Set(seconds)
}

// IncSinkQuotaExceeded records one quota-exceeded append failure.
func IncSinkQuotaExceeded(bufferType string) {
	SinkQuotaExceededTotal.WithLabelValues(bufferType).Inc()
}

// IncRepresentationSwitch records one applied switch strategy.
func IncRepresentationSwitch(strategy string) {
	RepresentationSwitchTotal.WithLabelValues(strategy).Inc()
}
