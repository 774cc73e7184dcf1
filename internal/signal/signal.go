// Package signal implements the pure numeric primitives every regime and
// composite-signal computation builds on: an EMA/z-score tracker, rolling
// buy/sell quantity windows, a rolling realised-volatility window, and a
// bounded median tracker. All types are mutated only by their owning
// strategy actor.
package signal

import (
	"math"
	"time"
)

// EmaZScore tracks an exponentially-weighted mean/variance and reports the
// z-score of new samples, clamped to zCap.
type EmaZScore struct {
	halflife time.Duration
	dt       time.Duration
	zCap     float64

	mean      float64
	variance  float64
	warmCount int
	alpha     float64
}

// NewEmaZScore creates a tracker with the given half-life, sampling
// interval dt, and a clamp applied to reported z-scores.
func NewEmaZScore(halflife, dt time.Duration, zCap float64) *EmaZScore {
	alpha := 1 - math.Exp(-math.Ln2*float64(dt)/float64(halflife))
	return &EmaZScore{halflife: halflife, dt: dt, zCap: zCap, alpha: alpha}
}

// Update folds in a new sample and returns its z-score against the running
// mean/variance (0 while warming up, i.e. before two samples are seen).
func (e *EmaZScore) Update(x float64) float64 {
	e.warmCount++
	if e.warmCount == 1 {
		e.mean = x
		e.variance = 0
		return 0
	}

	delta := x - e.mean
	e.mean += e.alpha * delta
	e.variance = (1 - e.alpha) * (e.variance + e.alpha*delta*delta)

	if e.variance <= 0 {
		return 0
	}
	z := delta / math.Sqrt(e.variance)
	if z > e.zCap {
		return e.zCap
	}
	if z < -e.zCap {
		return -e.zCap
	}
	return z
}

// Mean returns the current running mean.
func (e *EmaZScore) Mean() float64 { return e.mean }

// Warm reports whether enough samples have been observed to trust the
// z-score (mirrors the regime classifier's warmup gate).
func (e *EmaZScore) Warm(minSamples int) bool { return e.warmCount >= minSamples }

// qtySample is one timestamped signed quantity observation (positive for
// buys, negative for sells).
type qtySample struct {
	at  time.Time
	qty float64
}

// RollingQty maintains a rolling window of signed trade quantities and
// their running buy/sell sums, from which Imbalance is computed.
type RollingQty struct {
	window  time.Duration
	samples []qtySample
	buySum  float64
	sellSum float64
}

// NewRollingQty creates a rolling quantity window of the given duration.
func NewRollingQty(window time.Duration) *RollingQty {
	return &RollingQty{window: window}
}

// Add records a signed quantity observation at time t.
func (r *RollingQty) Add(t time.Time, qty float64) {
	r.samples = append(r.samples, qtySample{at: t, qty: qty})
	if qty > 0 {
		r.buySum += qty
	} else {
		r.sellSum += -qty
	}
	r.evict(t)
}

func (r *RollingQty) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		if r.samples[i].qty > 0 {
			r.buySum -= r.samples[i].qty
		} else {
			r.sellSum -= -r.samples[i].qty
		}
		i++
	}
	if i > 0 {
		r.samples = r.samples[i:]
	}
}

// Imbalance returns (buy-sell)/(buy+sell) in [-1,1], 0 if no samples.
func (r *RollingQty) Imbalance() float64 {
	total := r.buySum + r.sellSum
	if total == 0 {
		return 0
	}
	return (r.buySum - r.sellSum) / total
}

// Count returns the number of samples currently in the window.
func (r *RollingQty) Count() int { return len(r.samples) }

// priceSample is one timestamped price observation.
type priceSample struct {
	at    time.Time
	price float64
}

// RollingRv computes realised volatility (stdev of log returns) over a
// rolling time window.
type RollingRv struct {
	window time.Duration
	prices []priceSample
}

// NewRollingRv creates a realised-vol window of the given duration.
func NewRollingRv(window time.Duration) *RollingRv {
	return &RollingRv{window: window}
}

// Add records a price observation at time t.
func (r *RollingRv) Add(t time.Time, price float64) {
	r.prices = append(r.prices, priceSample{at: t, price: price})
	cutoff := t.Add(-r.window)
	i := 0
	for i < len(r.prices) && r.prices[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.prices = r.prices[i:]
	}
}

// Value returns the standard deviation of consecutive log returns in the
// window, 0 if fewer than 2 samples are present.
func (r *RollingRv) Value() float64 {
	if len(r.prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(r.prices)-1)
	for i := 1; i < len(r.prices); i++ {
		prev := r.prices[i-1].price
		if prev <= 0 {
			continue
		}
		returns = append(returns, math.Log(r.prices[i].price/prev))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, v := range returns {
		mean += v
	}
	mean /= float64(len(returns))

	var sq float64
	for _, v := range returns {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}

// RollingMedian keeps a bounded sample of the most recent values and
// reports their median with an O(n²) insertion sort per query (n is small
// and bounded by maxLen, so this is cheap relative to per-tick call
// frequency).
type RollingMedian struct {
	maxLen int
	values []float64
}

// NewRollingMedian creates a bounded median tracker.
func NewRollingMedian(maxLen int) *RollingMedian {
	return &RollingMedian{maxLen: maxLen}
}

// Add appends a new value, evicting the oldest once maxLen is exceeded.
func (m *RollingMedian) Add(v float64) {
	m.values = append(m.values, v)
	if len(m.values) > m.maxLen {
		m.values = m.values[len(m.values)-m.maxLen:]
	}
}

// Median returns the current median, 0 if empty.
func (m *RollingMedian) Median() float64 {
	n := len(m.values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, m.values)
	// insertion sort: n is small (bounded window), avoids importing sort
	// for a handful of elements on the hot path.
	for i := 1; i < n; i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// SkewWeights generates the scalper's per-layer weight ladder: with
// s = skew/100 in [-1,1], w[i] ∝ 8^(s·(2·i/(n-1) - 1)), renormalised to 1.
// n=1 returns a single weight of 1.
func SkewWeights(n int, skewPct float64) []float64 {
	if n <= 1 {
		return []float64{1}
	}
	s := clamp(skewPct/100, -1, 1)
	weights := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		exp := s * (2*float64(i)/float64(n-1) - 1)
		weights[i] = math.Pow(8, exp)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// OffsetLadder generates the scalper's exponential offset ladder around
// baseOffset: offset[i] = base · exp(-ln(maxSpread)/2 + i·ln(maxSpread)/(n-1)).
// n=1 returns the base offset directly.
func OffsetLadder(n int, baseOffset, maxSpread float64) []float64 {
	if n <= 1 {
		return []float64{baseOffset}
	}
	lnSpread := math.Log(maxSpread)
	offsets := make([]float64, n)
	for i := 0; i < n; i++ {
		exp := -lnSpread/2 + float64(i)*lnSpread/float64(n-1)
		offsets[i] = baseOffset * math.Exp(exp)
	}
	return offsets
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tanh01 returns math.Tanh(x) unchanged, which already lies in [-1,1]; the
// wrapper only names the squashing step at call sites computing composite
// sub-scores.
func Tanh01(x float64) float64 { return math.Tanh(x) }
