// Package composite implements the composite directional signal: a
// weighted blend of five sub-scores clamped to [-1,1] via tanh, plus the
// flow multiplier used to scale position size by informed-flow intensity.
package composite

import (
	"math"

	"perpstrategy/internal/signal"
	"perpstrategy/pkg/types"
)

// Inputs are the raw quantities composite scoring is computed from; they
// are expected to already be maintained by the caller (a trend agent,
// typically) from its own EMA/velocity/persistence/spread bookkeeping.
type Inputs struct {
	FastEma           float64
	SlowEma           float64
	VelocityBps       float64
	DirectionPersist  float64 // signed fraction, e.g. from regime.Classifier
	RegimeProbs       map[types.Regime]float64
	OldSpreadBps      float64
	NewSpreadBps      float64
}

// Result is the composite score plus the gated trading direction.
type Result struct {
	Score          float64
	Confidence     float64
	Direction      types.Side // Neutral when confidence below minConfidence
	FlowMultiplier float64
}

const (
	weightEmaDelta    = 0.30
	weightVelocity    = 0.25
	weightPersistence = 0.20
	weightRegime      = 0.15
	weightSpread      = 0.10

	defaultMinConfidence = 0.3
)

// Compute applies the five weighted sub-scores and gates direction by
// minConfidence (0 selects the 0.3 default).
func Compute(in Inputs, minConfidence float64) Result {
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}

	emaDelta := 0.0
	if in.SlowEma != 0 {
		emaDelta = math.Tanh((in.FastEma - in.SlowEma) / in.SlowEma * 10000 / 20)
	}
	velocity := math.Tanh(in.VelocityBps / 15)
	persistence := in.DirectionPersist // already signed fraction in [-1,1]

	signalDir := sign(emaDelta + velocity)

	regimeBoost := regimeBoost(in.RegimeProbs, signalDir)

	spreadDelta := (in.OldSpreadBps - in.NewSpreadBps) / 3
	spreadContraction := signalDir * math.Tanh(spreadDelta)

	score := weightEmaDelta*emaDelta +
		weightVelocity*velocity +
		weightPersistence*persistence +
		weightRegime*regimeBoost +
		weightSpread*spreadContraction

	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	confidence := math.Min(1, math.Abs(score))

	direction := types.Neutral
	if confidence >= minConfidence {
		if score > 0 {
			direction = types.Long
		} else {
			direction = types.Short
		}
	}

	return Result{
		Score:          score,
		Confidence:     confidence,
		Direction:      direction,
		FlowMultiplier: FlowMultiplier(in.NewSpreadBps, in.VelocityBps),
	}
}

func regimeBoost(probs map[types.Regime]float64, signalDir float64) float64 {
	if probs == nil {
		return 0
	}
	trending := probs[types.RegimeTrending]
	toxic := probs[types.RegimeToxic]
	liquidation := probs[types.RegimeLiquidation]

	boost := signalDir * trending
	counter := -signalDir * 0.05 * (toxic + liquidation)
	return boost + counter
}

// FlowMultiplier combines a narrow-spread score and a velocity-strength
// score 60/40 into [0.5, 1.0], the proxy for informed-flow intensity used
// to scale spawn size in the trend agent.
func FlowMultiplier(spreadBps, velocityBps float64) float64 {
	spreadScore := 1 - signal.Tanh01(spreadBps/10) // narrow spread -> near 1
	if spreadScore < 0 {
		spreadScore = 0
	}
	if spreadScore > 1 {
		spreadScore = 1
	}
	velocityScore := signal.Tanh01(math.Abs(velocityBps) / 20)

	combined := 0.6*spreadScore + 0.4*velocityScore
	return 0.5 + 0.5*combined
}

func sign(x float64) float64 {
	if x > 0 {
		return 1
	}
	if x < 0 {
		return -1
	}
	return 0
}
