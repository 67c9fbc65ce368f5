package engine

import "time"

// speedAlpha is the exponential-moving-average weight applied to each new
// throughput sample.
const speedAlpha = 0.3

// speedEstimator blends instantaneous throughput samples into a smoothed
// bytes-per-second estimate. It never yields a negative or NaN value: a
// zero or negative elapsed interval, or a regressing byte count, is
// skipped without touching the estimate.
type speedEstimator struct {
	rate      float64
	hasRate   bool
	lastAt    time.Time
	lastBytes int64
	primed    bool
}

// observe feeds one progress sample.
func (e *speedEstimator) observe(now time.Time, bytesDone int64) {
	if !e.primed {
		e.primed = true
		e.lastAt = now
		e.lastBytes = bytesDone
		return
	}
	elapsed := now.Sub(e.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}
	delta := bytesDone - e.lastBytes
	if delta < 0 {
		return
	}
	inst := float64(delta) / elapsed
	if e.hasRate {
		e.rate = speedAlpha*inst + (1-speedAlpha)*e.rate
	} else {
		e.rate = inst
		e.hasRate = true
	}
	e.lastAt = now
	e.lastBytes = bytesDone
}

// value returns the current estimate, zero before the first full sample.
func (e *speedEstimator) value() float64 {
	return e.rate
}

// reset clears the estimator for a fresh running episode.
func (e *speedEstimator) reset() {
	*e = speedEstimator{}
}
