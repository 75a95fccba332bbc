// Package estimator implements the Bandwidth & Score estimators (spec
// §4.3, component C3): an EWMA bandwidth sampler with short/long windows,
// and a per-representation maintainability score. No teacher equivalent
// exists (the proxy never adapted bitrate); built from spec.md using the
// teacher's small-struct-plus-mutex style.
package estimator

import (
	"math"
	"sync"
	"time"
)

// Sample is one completed-request measurement fed to the bandwidth
// estimator (spec §4.6 step 4: "duration, size, representation, segment").
type Sample struct {
	Bytes    int64
	Duration time.Duration
}

// ewma holds one exponentially-weighted moving average accumulator with a
// given half-life.
type ewma struct {
	halfLife time.Duration
	value    float64
	total    time.Duration // cumulative weight observed, for warm-up gating
	hasValue bool
}

func newEWMA(halfLife time.Duration) *ewma {
	return &ewma{halfLife: halfLife}
}

// update folds in a new (value, weight) pair, weight being the sample's
// duration: longer samples count for more, matching the rx-player-style
// bandwidth EWMA used across the pack's media heuristics.
func (e *ewma) update(value float64, weight time.Duration) {
	if weight <= 0 {
		return
	}
	if !e.hasValue {
		e.value = value
		e.hasValue = true
		e.total = weight
		return
	}
	alpha := 1 - math.Exp2(-float64(weight)/float64(e.halfLife))
	e.value = alpha*value + (1-alpha)*e.value
	e.total += weight
}

// BandwidthEstimator is an EWMA-style bytes/duration sampler with a short
// and a long window; it returns the larger (more optimistic) of the two,
// biased toward responsiveness on improving networks while the long window
// keeps a single slow sample from dragging the estimate down.
type BandwidthEstimator struct {
	mu    sync.Mutex
	short *ewma
	long  *ewma

	minSampleDuration time.Duration
	initialBitrate    float64 // bits/s, 0 if unset
}

// NewBandwidthEstimator builds an estimator with the given window
// half-lives and a minimum sample duration below which a measurement is
// considered too noisy to trust (spec §4.3: "ignores samples shorter than
// a minimum duration").
func NewBandwidthEstimator(shortHalfLife, longHalfLife, minSampleDuration time.Duration, initialBitrate int) *BandwidthEstimator {
	return &BandwidthEstimator{
		short:             newEWMA(shortHalfLife),
		long:              newEWMA(longHalfLife),
		minSampleDuration: minSampleDuration,
		initialBitrate:    float64(initialBitrate),
	}
}

// AddSample folds a completed request's throughput into both windows.
func (b *BandwidthEstimator) AddSample(s Sample) {
	if s.Duration < b.minSampleDuration || s.Duration <= 0 {
		return
	}
	bitsPerSecond := float64(s.Bytes*8) / s.Duration.Seconds()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.short.update(bitsPerSecond, s.Duration)
	b.long.update(bitsPerSecond, s.Duration)
}

// Estimate returns the current bandwidth estimate in bits/s: max(short,
// long), or the configured initial bitrate before any samples arrive.
func (b *BandwidthEstimator) Estimate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.short.hasValue && !b.long.hasValue {
		return b.initialBitrate
	}
	if b.short.value > b.long.value {
		return b.short.value
	}
	return b.long.value
}
