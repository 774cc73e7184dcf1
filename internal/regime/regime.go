// Package regime implements the tick regime classifier: a lightweight
// feature extractor plus three sigmoid heads producing a probability
// distribution over {trending, mean-revert, liquidation, toxic}. Mutex-free:
// each classifier instance is owned by exactly one strategy actor.
package regime

import (
	"math"
	"time"

	"perpstrategy/internal/metrics"
	"perpstrategy/internal/signal"
	"perpstrategy/pkg/types"
)

// Features are the inputs to the sigmoid heads, computed once per tick
// after warmup ticks have elapsed.
type Features struct {
	FastSlowRvRatio   float64
	SlowRv            float64
	VelocityBps       float64
	DirectionPersist  float64 // fraction of last 20 tick signs matching current, signed
	SpreadBps         float64
	SpreadWideningBps float64
	VolOfVol          float64
}

// Result is the classifier's output for one tick. FastSlowRvRatio,
// SpreadBps, and VelocityBps carry through the Features that produced the
// classification so callers (e.g. the trend agent's volatility gate and
// flow multiplier) don't need their own copy of Observe's internals.
type Result struct {
	Regime         types.Regime
	Probs          map[types.Regime]float64
	Confidence     float64
	SizeMultiplier float64
	FastSlowRvRatio float64
	SpreadBps       float64
	VelocityBps     float64
}

// Classifier tracks the rolling state needed to derive Features and
// classify each new tick.
type Classifier struct {
	warmupTicks int
	tickCount   int

	fastRv *signal.RollingRv
	slowRv *signal.RollingRv
	rvOfRv *signal.RollingMedian

	prices       []priceAt
	signs        []int // sign history for direction persistence, bounded to 20
	lastSpread   float64
	haveSpread   bool
}

type priceAt struct {
	at    time.Time
	price float64
}

// New creates a classifier that requires warmupTicks observations before
// producing a non-warmup classification.
func New(warmupTicks int, fastWindow, slowWindow time.Duration) *Classifier {
	return &Classifier{
		warmupTicks: warmupTicks,
		fastRv:      signal.NewRollingRv(fastWindow),
		slowRv:      signal.NewRollingRv(slowWindow),
		rvOfRv:      signal.NewRollingMedian(30),
	}
}

// Observe folds in a tick and returns the current classification.
func (c *Classifier) Observe(tick types.Tick) Result {
	c.tickCount++
	c.fastRv.Add(tick.Timestamp, tick.Mark)
	c.slowRv.Add(tick.Timestamp, tick.Mark)
	c.rvOfRv.Add(c.fastRv.Value())

	c.prices = append(c.prices, priceAt{at: tick.Timestamp, price: tick.Mark})
	if len(c.prices) > 20 {
		c.prices = c.prices[len(c.prices)-20:]
	}

	sign := 0
	if len(c.prices) >= 2 {
		d := c.prices[len(c.prices)-1].price - c.prices[len(c.prices)-2].price
		if d > 0 {
			sign = 1
		} else if d < 0 {
			sign = -1
		}
	}
	c.signs = append(c.signs, sign)
	if len(c.signs) > 20 {
		c.signs = c.signs[len(c.signs)-20:]
	}

	spreadWidening := 0.0
	spreadBps := tick.SpreadBps()
	if c.haveSpread {
		spreadWidening = spreadBps - c.lastSpread
	}
	c.lastSpread = spreadBps
	c.haveSpread = true

	if c.tickCount < c.warmupTicks {
		return Result{
			Regime:         types.RegimeWarmup,
			Probs:          map[types.Regime]float64{types.RegimeWarmup: 1},
			Confidence:     0,
			SizeMultiplier: 0.5,
		}
	}

	velocityBps := 0.0
	if len(c.prices) >= 2 && c.prices[0].price != 0 {
		first, last := c.prices[0], c.prices[len(c.prices)-1]
		elapsed := last.at.Sub(first.at)
		if elapsed > 0 {
			velocityBps = (last.price - first.price) / first.price * 10000
		}
	}

	fastRv := c.fastRv.Value()
	slowRv := c.slowRv.Value()
	ratio := 1.0
	if slowRv > 0 {
		ratio = fastRv / slowRv
	}

	persistence := directionPersistence(c.signs)

	f := Features{
		FastSlowRvRatio:   ratio,
		SlowRv:            slowRv,
		VelocityBps:       velocityBps,
		DirectionPersist:  persistence,
		SpreadBps:         spreadBps,
		SpreadWideningBps: spreadWidening,
		VolOfVol:          c.rvOfRv.Median(),
	}
	result := classify(f)
	metrics.RegimeConfidence.WithLabelValues(tick.Symbol, string(result.Regime)).Set(result.Confidence)
	return result
}

func directionPersistence(signs []int) float64 {
	if len(signs) == 0 {
		return 0
	}
	current := signs[len(signs)-1]
	if current == 0 {
		return 0
	}
	matches := 0
	for _, s := range signs {
		if s == current {
			matches++
		}
	}
	frac := float64(matches) / float64(len(signs))
	if current < 0 {
		return -frac
	}
	return frac
}

// classify applies the three sigmoid heads and normalises into a full
// probability distribution, routing residual mass to toxic when no head
// is confident (max prob < 0.35).
func classify(f Features) Result {
	trendingScore := sigmoid(2.0*math.Abs(f.DirectionPersist) + 0.8*(f.FastSlowRvRatio-1) + 0.05*math.Abs(f.VelocityBps) - 1.5)
	meanRevertScore := sigmoid(1.5*(1-f.FastSlowRvRatio) - 1.0*math.Abs(f.DirectionPersist) - 0.3)
	liquidationScore := sigmoid(0.15*f.VelocityBpsAbs() + 2.0*f.VolOfVol - 2.0)

	sum := trendingScore + meanRevertScore + liquidationScore
	var probs map[types.Regime]float64
	var best types.Regime
	var maxProb float64

	if sum <= 0 {
		probs = map[types.Regime]float64{
			types.RegimeTrending:    0,
			types.RegimeMeanRevert:  0,
			types.RegimeLiquidation: 0,
			types.RegimeToxic:       1,
		}
		best = types.RegimeToxic
		maxProb = 1
	} else {
		trending := trendingScore / sum
		meanRevert := meanRevertScore / sum
		liquidation := liquidationScore / sum

		maxProb = trending
		best = types.RegimeTrending
		if meanRevert > maxProb {
			maxProb, best = meanRevert, types.RegimeMeanRevert
		}
		if liquidation > maxProb {
			maxProb, best = liquidation, types.RegimeLiquidation
		}

		if maxProb < 0.35 {
			toxic := 1 - (trending + meanRevert + liquidation)
			if toxic < 0 {
				toxic = 0
			}
			total := trending + meanRevert + liquidation + toxic
			probs = map[types.Regime]float64{
				types.RegimeTrending:    trending / total,
				types.RegimeMeanRevert:  meanRevert / total,
				types.RegimeLiquidation: liquidation / total,
				types.RegimeToxic:       toxic / total,
			}
			best = types.RegimeToxic
			maxProb = probs[types.RegimeToxic]
		} else {
			probs = map[types.Regime]float64{
				types.RegimeTrending:    trending,
				types.RegimeMeanRevert:  meanRevert,
				types.RegimeLiquidation: liquidation,
				types.RegimeToxic:       0,
			}
		}
	}

	return Result{
		Regime:          best,
		Probs:           probs,
		Confidence:      maxProb,
		SizeMultiplier:  0.5 + 0.5*maxProb,
		FastSlowRvRatio: f.FastSlowRvRatio,
		SpreadBps:       f.SpreadBps,
		VelocityBps:     f.VelocityBps,
	}
}

func (f Features) VelocityBpsAbs() float64 { return math.Abs(f.VelocityBps) }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
