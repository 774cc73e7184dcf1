// Package agent implements the composite strategy agents: trend, grid,
// and deleverage, each polymorphic over on_tick/on_position_update/
// start/stop and restricted to spawn_scalper/kill_scalper as their only
// execution primitive.
package agent

import (
	"context"
	"log/slog"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/composite"
	"perpstrategy/internal/regime"
	"perpstrategy/internal/riskbook"
	"perpstrategy/pkg/types"
)

// Agent is the contract every composite strategy satisfies.
type Agent interface {
	OnTick(ctx context.Context, symbol string, price float64, now time.Time)
	OnPositionUpdate(ctx context.Context, pos types.Position)
	Start(ctx context.Context) error
	Stop(ctx context.Context, reason string) error
}

// ScalperSpawner is the only execution primitive an agent may use; it is
// satisfied by a registry handle so agents never place raw orders.
type ScalperSpawner interface {
	SpawnScalper(ctx context.Context, tag string, opts ScalperOpts) (id string, err error)
	KillScalper(ctx context.Context, tag string) error
}

// ScalperOpts parameterises a spawned scalper. Fields left zero are passed
// through as zero; no defaults are filled in.
type ScalperOpts struct {
	Symbol         string
	Neutral        bool
	StartSide      types.Side
	PerSideUsd     float64
	LongOffsetPct  float64
	ShortOffsetPct float64
	ReduceOnly     bool
	AllowLoss      bool
	MaxLossPerCloseBps float64
}

// broadcastThrottle caps agent status broadcasts to once per ~5s.
const broadcastThrottle = 5 * time.Second

// TrendConfig configures the trend agent.
type TrendConfig struct {
	ID             string
	SubAccount     string
	Symbol         string
	FastPeriod     int
	SlowPeriod     int
	HardStopBps    float64
	TrailActivateBps float64
	TrailOffsetBps   float64
	RegimeWarmupTicks int
	MaxRvRatio     float64
	ToxicThreshold float64
	LiqThreshold   float64
	MinConfidence  float64
	ConfiguredSizeUsd float64
	UseCompositeSignal bool
}

// TrendAgent follows the composite directional signal (or raw EMA
// crossover) and rotates a single directional scalper as the signal
// flips.
type TrendAgent struct {
	cfg       TrendConfig
	spawner   ScalperSpawner
	risk      *riskbook.Book
	regimeCls *regime.Classifier
	clk       clock.Clock
	logger    *slog.Logger

	fastEma, slowEma float64
	tickCount        int
	lastSignal       types.Side
	lastSignalAt     time.Time
	hwmBps           float64
	trailActive      bool
	managedScalpers  map[string]string // tag -> id
	lastBroadcast    time.Time
}

// NewTrendAgent constructs a trend agent in the created state.
func NewTrendAgent(cfg TrendConfig, spawner ScalperSpawner, risk *riskbook.Book, clk clock.Clock, logger *slog.Logger) *TrendAgent {
	return &TrendAgent{
		cfg:             cfg,
		spawner:         spawner,
		risk:            risk,
		regimeCls:       regime.New(cfg.RegimeWarmupTicks, 30*time.Second, 5*time.Minute),
		clk:             clk,
		logger:          logger.With("component", "agent_trend", "id", cfg.ID),
		lastSignal:      types.Neutral,
		managedScalpers: make(map[string]string),
	}
}

func (a *TrendAgent) Start(ctx context.Context) error { return nil }

func (a *TrendAgent) Stop(ctx context.Context, reason string) error {
	for tag := range a.managedScalpers {
		if err := a.spawner.KillScalper(ctx, tag); err != nil {
			a.logger.Warn("kill scalper on stop failed", "tag", tag, "error", err)
		}
	}
	a.logger.Info("trend agent stopped", "reason", reason)
	return nil
}

// OnTick updates the EMAs, regime, and gates, and rotates the
// directional scalper when the signal flips.
func (a *TrendAgent) OnTick(ctx context.Context, symbol string, price float64, now time.Time) {
	a.tickCount++
	alphaFast := 2.0 / (float64(a.cfg.FastPeriod) + 1)
	alphaSlow := 2.0 / (float64(a.cfg.SlowPeriod) + 1)
	if a.fastEma == 0 {
		a.fastEma, a.slowEma = price, price
	} else {
		a.fastEma += alphaFast * (price - a.fastEma)
		a.slowEma += alphaSlow * (price - a.slowEma)
	}
	if a.tickCount < a.cfg.SlowPeriod {
		return
	}

	regimeResult := a.regimeCls.Observe(types.Tick{Symbol: symbol, Mark: price, Timestamp: now})

	direction := a.direction(regimeResult)
	if direction == a.lastSignal {
		return
	}
	if !a.cooldownElapsed(regimeResult, now) {
		return
	}

	if regimeResult.Probs[types.RegimeToxic] > a.cfg.ToxicThreshold || regimeResult.Probs[types.RegimeLiquidation] > a.cfg.LiqThreshold {
		return
	}

	if a.cfg.MaxRvRatio > 0 && regimeResult.FastSlowRvRatio > a.cfg.MaxRvRatio {
		return
	}

	sizeMultiplier := regimeResult.SizeMultiplier
	flowMultiplier := composite.FlowMultiplier(regimeResult.SpreadBps, regimeResult.VelocityBps)
	effectiveSize := a.cfg.ConfiguredSizeUsd * sizeMultiplier * flowMultiplier

	a.rotate(ctx, direction, effectiveSize)
	a.lastSignal = direction
	a.lastSignalAt = now
}

func (a *TrendAgent) direction(r regime.Result) types.Side {
	if a.cfg.UseCompositeSignal {
		in := composite.Inputs{
			FastEma: a.fastEma, SlowEma: a.slowEma,
			RegimeProbs: r.Probs,
		}
		res := composite.Compute(in, a.cfg.MinConfidence)
		if res.Confidence >= a.cfg.MinConfidence {
			return res.Direction
		}
	}
	if a.fastEma > a.slowEma {
		return types.Long
	}
	if a.fastEma < a.slowEma {
		return types.Short
	}
	return types.Neutral
}

func (a *TrendAgent) cooldownElapsed(r regime.Result, now time.Time) bool {
	min := 10 * time.Second
	switch r.Regime {
	case types.RegimeMeanRevert:
		min = 60 * time.Second
	case types.RegimeTrending:
		min = 10 * time.Second
	}
	return a.lastSignalAt.IsZero() || now.Sub(a.lastSignalAt) >= min
}

// rotate handles a signal flip: if it leaves an inverted
// position open, spawn a short-lived reduce-only close scalper on the new
// direction first, let it run long enough to unwind the inverted side,
// kill it, and only then spawn the new directional scalper.
func (a *TrendAgent) rotate(ctx context.Context, direction types.Side, size float64) {
	if a.hasInvertedPosition(direction) {
		a.closeInverted(ctx, direction)
	}

	if _, ok := a.managedScalpers["directional"]; ok {
		_ = a.spawner.KillScalper(ctx, "directional")
		delete(a.managedScalpers, "directional")
	}
	if direction == types.Neutral {
		return
	}
	id, err := a.spawner.SpawnScalper(ctx, "directional", ScalperOpts{
		Symbol: a.cfg.Symbol, Neutral: false, StartSide: direction, PerSideUsd: size,
	})
	if err != nil {
		a.logger.Warn("spawn directional scalper failed", "error", err)
		return
	}
	a.managedScalpers["directional"] = id
}

// hasInvertedPosition reports whether the agent's sub-account currently
// holds an open position on the opposite side of direction.
func (a *TrendAgent) hasInvertedPosition(direction types.Side) bool {
	if direction == types.Neutral {
		return false
	}
	pos, ok := a.risk.Position(a.cfg.SubAccount, a.cfg.Symbol)
	if !ok || pos.Closed() {
		return false
	}
	return pos.Side != types.Neutral && pos.Side != direction
}

// closeInverted spawns a short-lived reduce-only scalper on the new
// direction to unwind the inverted position, waits ~2s, then kills it.
func (a *TrendAgent) closeInverted(ctx context.Context, direction types.Side) {
	_, err := a.spawner.SpawnScalper(ctx, "close", ScalperOpts{
		Symbol: a.cfg.Symbol, Neutral: false, StartSide: direction,
		PerSideUsd: a.cfg.ConfiguredSizeUsd, ReduceOnly: true,
		AllowLoss: true, MaxLossPerCloseBps: 0,
	})
	if err != nil {
		a.logger.Warn("spawn close scalper failed", "error", err)
		return
	}
	select {
	case <-a.clk.After(2 * time.Second):
	case <-ctx.Done():
	}
	_ = a.spawner.KillScalper(ctx, "close")
}

// OnPositionUpdate checks hard-stop and trailing-stop on the trend
// agent's own position.
func (a *TrendAgent) OnPositionUpdate(ctx context.Context, pos types.Position) {
	if pos.Closed() || pos.EntryPrice == 0 {
		return
	}
	pnlBps := (pos.Notional/pos.Quantity/pos.EntryPrice - 1) * 10000
	if pos.Side == types.Short {
		pnlBps = -pnlBps
	}
	if pnlBps <= -a.cfg.HardStopBps {
		_ = a.Stop(ctx, "hard_stop")
		return
	}
	if pnlBps >= a.cfg.TrailActivateBps {
		a.trailActive = true
		if pnlBps > a.hwmBps {
			a.hwmBps = pnlBps
		}
		if a.hwmBps-pnlBps >= a.cfg.TrailOffsetBps {
			_ = a.Stop(ctx, "trailing_stop")
		}
	}
}

// GridConfig configures the grid agent.
type GridConfig struct {
	ID              string
	SubAccount      string
	Symbol          string
	PerSideUsd      float64
	BaseOffsetPct   float64
	MaxDrawdownUsd  float64
	CooldownMs      int
	WidenFactor     float64
	MaxWidenings    int
}

// GridAgent deploys a neutral scalper and widens its offsets on
// drawdown.
type GridAgent struct {
	cfg      GridConfig
	spawner  ScalperSpawner
	clk      clock.Clock
	logger   *slog.Logger

	widenings int
	pausedAt  time.Time
	scalperID string
}

// NewGridAgent constructs a grid agent in the created state.
func NewGridAgent(cfg GridConfig, spawner ScalperSpawner, clk clock.Clock, logger *slog.Logger) *GridAgent {
	return &GridAgent{cfg: cfg, spawner: spawner, clk: clk, logger: logger.With("component", "agent_grid", "id", cfg.ID)}
}

func (g *GridAgent) Start(ctx context.Context) error {
	return g.deploy(ctx, 0)
}

func (g *GridAgent) deploy(ctx context.Context, widenStep int) error {
	offset := g.cfg.BaseOffsetPct
	for i := 0; i < widenStep; i++ {
		offset *= g.cfg.WidenFactor
	}
	id, err := g.spawner.SpawnScalper(ctx, "grid", ScalperOpts{
		Symbol: g.cfg.Symbol, Neutral: true, PerSideUsd: g.cfg.PerSideUsd,
		LongOffsetPct: offset, ShortOffsetPct: offset,
	})
	if err != nil {
		return err
	}
	g.scalperID = id
	return nil
}

func (g *GridAgent) Stop(ctx context.Context, reason string) error {
	if g.scalperID == "" {
		return nil
	}
	return g.spawner.KillScalper(ctx, "grid")
}

func (g *GridAgent) OnTick(ctx context.Context, symbol string, price float64, now time.Time) {}

// OnPositionUpdate kills and redeploys the grid wider once drawdown
// exceeds the configured bound.
func (g *GridAgent) OnPositionUpdate(ctx context.Context, pos types.Position) {
	unrealized := pos.Notional - pos.Quantity*pos.EntryPrice
	if -unrealized <= g.cfg.MaxDrawdownUsd {
		return
	}
	if g.widenings >= g.cfg.MaxWidenings {
		return
	}
	_ = g.spawner.KillScalper(ctx, "grid")
	g.pausedAt = g.clk.Now()
	g.widenings++
	go func() {
		select {
		case <-g.clk.After(time.Duration(g.cfg.CooldownMs) * time.Millisecond):
			_ = g.deploy(ctx, g.widenings)
		case <-ctx.Done():
		}
	}()
}

// DeleverageConfig configures the deleverage agent.
type DeleverageConfig struct {
	ID           string
	SubAccount   string
	Symbol       string
	EveryNTicks  int
	MaxNotional  float64
	ReentryRatio float64
	UnwindPct    float64
}

// DeleverageAgent unwinds a portion of position when notional exceeds a
// cap.
type DeleverageAgent struct {
	cfg     DeleverageConfig
	spawner ScalperSpawner
	risk    *riskbook.Book
	logger  *slog.Logger

	tickCount  int
	unwinding  bool
	unwindID   string
}

// NewDeleverageAgent constructs a deleverage agent in the created state.
func NewDeleverageAgent(cfg DeleverageConfig, spawner ScalperSpawner, risk *riskbook.Book, logger *slog.Logger) *DeleverageAgent {
	return &DeleverageAgent{cfg: cfg, spawner: spawner, risk: risk, logger: logger.With("component", "agent_deleverage", "id", cfg.ID)}
}

func (d *DeleverageAgent) Start(ctx context.Context) error { return nil }

func (d *DeleverageAgent) Stop(ctx context.Context, reason string) error {
	if d.unwinding {
		return d.spawner.KillScalper(ctx, "unwind")
	}
	return nil
}

func (d *DeleverageAgent) OnTick(ctx context.Context, symbol string, price float64, now time.Time) {
	d.tickCount++
	if d.tickCount%d.cfg.EveryNTicks != 0 {
		return
	}
	pos, ok := d.risk.Position(d.cfg.SubAccount, d.cfg.Symbol)
	if !ok {
		return
	}
	notional := pos.Notional
	if notional >= d.cfg.MaxNotional && !d.unwinding {
		opposite := types.Short
		if pos.Side == types.Short {
			opposite = types.Long
		}
		id, err := d.spawner.SpawnScalper(ctx, "unwind", ScalperOpts{
			Symbol: d.cfg.Symbol, Neutral: false, StartSide: opposite,
			PerSideUsd: notional * d.cfg.UnwindPct / 100,
			ReduceOnly: true, AllowLoss: false,
		})
		if err != nil {
			d.logger.Warn("spawn unwind scalper failed", "error", err)
			return
		}
		d.unwindID = id
		d.unwinding = true
		return
	}
	if d.unwinding && notional < d.cfg.ReentryRatio*d.cfg.MaxNotional {
		_ = d.spawner.KillScalper(ctx, "unwind")
		d.unwinding = false
		d.unwindID = ""
	}
}

func (d *DeleverageAgent) OnPositionUpdate(ctx context.Context, pos types.Position) {}
