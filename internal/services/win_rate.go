package services

import (
	"sync"

	"github.com/shopspring/decimal"
)

// WinRateCalibrator maps a composite trigger score to a predicted win rate.
// The mapping is monotonic by construction and is periodically recalibrated
// from observed outcomes: each score bucket's prediction is shrunk toward the
// baseline in proportion to how little evidence the bucket has.
type WinRateCalibrator struct {
	mu      sync.RWMutex
	buckets []calibrationBucket
	// shrinkage strength; a bucket needs this many samples before its
	// observed accuracy carries as much weight as the baseline
	k int
}

type calibrationBucket struct {
	wins    int
	samples int
}

const calibrationBuckets = 10

// NewWinRateCalibrator creates a calibrator with the default shrinkage.
func NewWinRateCalibrator() *WinRateCalibrator {
	return &WinRateCalibrator{
		buckets: make([]calibrationBucket, calibrationBuckets),
		k:       20,
	}
}

// Predict returns the predicted win rate for a composite score in [0,1].
// Running the cumulative maximum over bucket estimates keeps the mapping
// monotonic non-decreasing even when a sparse bucket dips below its
// neighbours.
func (c *WinRateCalibrator) Predict(score float64) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := bucketIndex(score)
	best := 0.0
	for i := 0; i <= idx; i++ {
		if est := c.estimate(i); est > best {
			best = est
		}
	}
	return decimal.NewFromFloat(best)
}

// Observe records a resolved outcome against the bucket its composite score
// fell into. Called by the outcome validator.
func (c *WinRateCalibrator) Observe(score float64, win bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := &c.buckets[bucketIndex(score)]
	b.samples++
	if win {
		b.wins++
	}
}

// estimate blends a bucket's observed accuracy with the baseline mapping.
// Caller holds at least the read lock.
func (c *WinRateCalibrator) estimate(idx int) float64 {
	base := baseline(idx)
	b := c.buckets[idx]
	if b.samples == 0 {
		return base
	}
	observed := float64(b.wins) / float64(b.samples)
	alpha := float64(b.samples) / float64(b.samples+c.k)
	return alpha*observed + (1-alpha)*base
}

// baseline is the prior mapping before any outcomes have been observed: a
// linear ramp from 0.40 for the weakest bucket to 0.90 for the strongest.
func baseline(idx int) float64 {
	return 0.40 + 0.5*float64(idx)/float64(calibrationBuckets-1)
}

func bucketIndex(score float64) int {
	if score < 0 {
		score = 0
	}
	if score >= 1 {
		return calibrationBuckets - 1
	}
	return int(score * calibrationBuckets)
}
