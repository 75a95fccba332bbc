package estimator

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// scoreHalfLife controls how quickly the per-representation
	// maintainability score reacts to new request-duration samples.
	scoreHalfLife = 5
	// minSamplesForConfidence is how many samples a representation needs
	// before its score is trusted (spec §4.3 "with confidence").
	minSamplesForConfidence = 2
	// stableThreshold is the score a representation must clear to count
	// toward lastStableRepresentation.
	stableThreshold = 1.0
)

type repScore struct {
	value   float64
	samples int
}

// ScoreCalculator maintains, per representation, an EWMA of
// segmentDuration/requestDuration (spec §4.3): a ratio above 1 means the
// representation was downloaded faster than it plays out, i.e. it is
// currently maintainable.
type ScoreCalculator struct {
	mu     sync.Mutex
	scores map[string]*repScore
}

// NewScoreCalculator creates an empty calculator.
func NewScoreCalculator() *ScoreCalculator {
	return &ScoreCalculator{scores: make(map[string]*repScore)}
}

// AddSample folds in one segment's (segmentDuration, requestDuration) pair
// for representationID.
func (s *ScoreCalculator) AddSample(representationID string, segmentDuration, requestDuration time.Duration) {
	if requestDuration <= 0 {
		return
	}
	ratio := segmentDuration.Seconds() / requestDuration.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.scores[representationID]
	if !ok {
		rs = &repScore{}
		s.scores[representationID] = rs
	}
	if rs.samples == 0 {
		rs.value = ratio
	} else {
		alpha := 1 - math.Exp2(-1.0/scoreHalfLife)
		rs.value = alpha*ratio + (1-alpha)*rs.value
	}
	rs.samples++
}

// Score returns the current score and whether enough samples exist to
// trust it.
func (s *ScoreCalculator) Score(representationID string) (value float64, confident bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.scores[representationID]
	if !ok {
		return 0, false
	}
	return rs.value, rs.samples >= minSamplesForConfidence
}

// Maintainable reports whether representationID's score is >= 1 with
// confidence.
func (s *ScoreCalculator) Maintainable(representationID string) bool {
	value, confident := s.Score(representationID)
	return confident && value >= stableThreshold
}

// RepresentationBitrate is the minimal shape ScoreCalculator needs to rank
// candidates by bitrate without importing the manifest package (keeps this
// package dependency-free and independently testable).
type RepresentationBitrate struct {
	ID      string
	Bitrate int
}

// LastStableRepresentation returns the highest-bitrate representation among
// candidates whose current score clears stableThreshold with confidence,
// or false if none qualify.
func (s *ScoreCalculator) LastStableRepresentation(candidates []RepresentationBitrate) (RepresentationBitrate, bool) {
	sorted := make([]RepresentationBitrate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate > sorted[j].Bitrate })

	for _, c := range sorted {
		if s.Maintainable(c.ID) {
			return c, true
		}
	}
	return RepresentationBitrate{}, false
}
