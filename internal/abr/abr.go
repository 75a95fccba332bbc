// Package abr implements the ABR Estimator (spec §4.4, component C4):
// given bandwidth/score estimates, clock observations, and the current
// representation ladder, it produces ABRDecisions. No teacher equivalent
// exists; grounded on the estimator package's small-struct-plus-mutex
// style and on manifest's sorted-bitrate-ladder helpers.
package abr

import (
	"math"
	"sort"
	"time"

	"github.com/ericcug/streamengine/internal/clock"
	"github.com/ericcug/streamengine/internal/estimator"
	"github.com/ericcug/streamengine/internal/manifest"
)

// Decision is the ABR Estimator's output (spec §4.4).
type Decision struct {
	Representation     *manifest.Representation
	Manual             bool
	Urgent             bool
	StableBitrateHint   float64 // bits/s
}

// InFlightRequest describes a currently-downloading segment, used to
// compute the bandwidth-derived bitrateChosen cap (spec §4.4 step 1).
type InFlightRequest struct {
	BytesLoaded     int64
	BytesTotal      int64 // 0 if unknown
	Elapsed         time.Duration
	RepresentationBitrate int
}

// Inputs bundles everything one Estimate call needs (spec §4.4's listed
// inputs).
type Inputs struct {
	Representations []*manifest.Representation // candidate ladder, already filtered (decipherable, language, etc.)
	BufferGap       time.Duration
	Speed           float64 // playback rate; clamped to a minimum of 1 for stableBitrateHint
	MinAutoBitrate  int
	MaxAutoBitrate  int // 0 means unbounded
	ManualBitrate   int // < 0 means auto
	InFlight        []InFlightRequest
	CurrentBitrate  int
}

// Estimator holds the hysteretic forceBandwidthMode state across calls and
// the bandwidth/score estimators; the ladder is passed in on every call.
type Estimator struct {
	bandwidth *estimator.BandwidthEstimator
	score     *estimator.ScoreCalculator

	forceBandwidthMode bool
}

// New builds an Estimator around the given bandwidth/score estimators.
func New(bandwidth *estimator.BandwidthEstimator, score *estimator.ScoreCalculator) *Estimator {
	return &Estimator{bandwidth: bandwidth, score: score}
}

// Estimate runs the spec §4.4 algorithm and returns the chosen Decision.
// representations must be non-empty.
func (e *Estimator) Estimate(in Inputs) Decision {
	ladder := sortedByBitrate(in.Representations)

	if in.ManualBitrate >= 0 {
		rep := selectOptimal(ladder, float64(in.ManualBitrate), in.MinAutoBitrate, in.MaxAutoBitrate)
		return Decision{
			Representation:    rep,
			Manual:            true,
			Urgent:            true,
			StableBitrateHint: e.stableBitrateHint(ladder, in.Speed),
		}
	}

	e.updateForceBandwidthMode(in.BufferGap)

	bitrateChosen := e.bandwidthDerivedBitrate(in.InFlight)
	chosenByBandwidth := selectOptimal(ladder, bitrateChosen, in.MinAutoBitrate, in.MaxAutoBitrate)

	bufferBased, hasBufferBased := e.bufferBasedEstimate(ladder, in.BufferGap, in.CurrentBitrate, in.Speed)

	var chosen *manifest.Representation
	if e.forceBandwidthMode || !hasBufferBased || bufferBased >= chosenByBandwidth.Bandwidth {
		chosen = chosenByBandwidth
	} else {
		chosen = selectOptimal(ladder, float64(bufferBased), in.MinAutoBitrate, in.MaxAutoBitrate)
	}

	urgent := e.isUrgent(in, chosen)

	return Decision{
		Representation:    chosen,
		Manual:            false,
		Urgent:            urgent,
		StableBitrateHint: e.stableBitrateHint(ladder, in.Speed),
	}
}

// updateForceBandwidthMode applies the spec §4.4 step 2 hysteresis.
func (e *Estimator) updateForceBandwidthMode(bufferGap time.Duration) {
	switch {
	case bufferGap <= 5*time.Second:
		e.forceBandwidthMode = true
	case bufferGap > 10*time.Second && bufferGap != clock.InfiniteGap:
		e.forceBandwidthMode = false
	}
}

// bandwidthDerivedBitrate combines the EWMA bandwidth estimate with the
// best-case completion rate of in-flight requests: a request that is
// already downloading slower than the current estimate caps the result
// (spec §4.4 step 1).
func (e *Estimator) bandwidthDerivedBitrate(inFlight []InFlightRequest) float64 {
	estimate := e.bandwidth.Estimate()
	for _, r := range inFlight {
		if r.Elapsed <= 0 {
			continue
		}
		observed := float64(r.BytesLoaded*8) / r.Elapsed.Seconds()
		if observed < estimate {
			estimate = observed
		}
	}
	return estimate
}

func (e *Estimator) isUrgent(in Inputs, chosen *manifest.Representation) bool {
	if chosen == nil {
		return false
	}
	for _, r := range in.InFlight {
		if r.BytesTotal <= 0 || r.Elapsed <= 0 {
			continue
		}
		remainingBytes := r.BytesTotal - r.BytesLoaded
		if remainingBytes <= 0 {
			continue
		}
		currentRate := float64(r.BytesLoaded*8) / r.Elapsed.Seconds()
		if currentRate <= 0 {
			continue
		}
		remainingTime := time.Duration(float64(remainingBytes*8) / currentRate * float64(time.Second))
		bufferSlackAtNewBitrate := in.BufferGap
		if remainingTime > bufferSlackAtNewBitrate && chosen.Bandwidth < r.RepresentationBitrate {
			return true
		}
	}
	return false
}

func (e *Estimator) stableBitrateHint(ladder []*manifest.Representation, speed float64) float64 {
	candidates := make([]estimator.RepresentationBitrate, len(ladder))
	for i, r := range ladder {
		candidates[i] = estimator.RepresentationBitrate{ID: r.ID, Bitrate: r.Bandwidth}
	}
	last, ok := e.score.LastStableRepresentation(candidates)
	if !ok {
		return 0
	}
	s := math.Max(1, speed)
	return float64(last.Bitrate) / s
}

// bufferBasedEstimate is the piecewise step function of spec §4.4's
// "Buffer-based sub-estimator": given bufferGap, returns the highest
// ladder tier whose logarithmically-spaced threshold is satisfied.
// Disabled (ok=false) when the ladder has fewer than 2 tiers.
func (e *Estimator) bufferBasedEstimate(ladder []*manifest.Representation, bufferGap time.Duration, currentBitrate int, speed float64) (bitrate int, ok bool) {
	if len(ladder) < 2 {
		return 0, false
	}
	_ = currentBitrate
	_ = speed

	// Thresholds rise logarithmically between a 2s floor and a generous
	// ceiling (30s), so a full buffer justifies the top tier and a
	// near-empty one only the bottom tier.
	const minThreshold = 2 * time.Second
	const maxThreshold = 30 * time.Second

	n := len(ladder)
	best := ladder[0].Bandwidth
	for i, rep := range ladder {
		frac := float64(i) / float64(n-1)
		threshold := time.Duration(float64(minThreshold) * math.Pow(float64(maxThreshold)/float64(minThreshold), frac))
		if bufferGap >= threshold {
			best = rep.Bandwidth
		}
	}
	return best, true
}

// selectOptimal returns the highest-bitrate representation with bitrate <=
// target, clamped by [min,max] (0 max means unbounded), never empty for a
// non-empty ladder (spec §4.4 step 3).
func selectOptimal(ladder []*manifest.Representation, target float64, min, max int) *manifest.Representation {
	if len(ladder) == 0 {
		return nil
	}
	clamped := target
	if float64(min) > clamped {
		clamped = float64(min)
	}
	if max > 0 && clamped > float64(max) {
		clamped = float64(max)
	}

	best := ladder[0]
	for _, rep := range ladder {
		if float64(rep.Bandwidth) <= clamped && rep.Bandwidth >= best.Bandwidth {
			best = rep
		}
	}
	// If even the lowest tier exceeds clamped, still return the lowest
	// tier: selectOptimal must never be empty.
	if float64(best.Bandwidth) > clamped {
		low := ladder[0]
		for _, rep := range ladder {
			if rep.Bandwidth < low.Bandwidth {
				low = rep
			}
		}
		return low
	}
	return best
}

func sortedByBitrate(reps []*manifest.Representation) []*manifest.Representation {
	out := make([]*manifest.Representation, len(reps))
	copy(out, reps)
	sort.Slice(out, func(i, j int) bool { return out[i].Bandwidth < out[j].Bandwidth })
	return out
}
