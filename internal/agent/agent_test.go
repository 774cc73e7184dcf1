package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/riskbook"
	"perpstrategy/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSpawner struct {
	spawnCalls []string
	killCalls  []string
	nextID     int
}

func (f *fakeSpawner) SpawnScalper(ctx context.Context, tag string, opts ScalperOpts) (string, error) {
	f.spawnCalls = append(f.spawnCalls, tag)
	f.nextID++
	return tag + "-id", nil
}

func (f *fakeSpawner) KillScalper(ctx context.Context, tag string) error {
	f.killCalls = append(f.killCalls, tag)
	return nil
}

func trendConfig() TrendConfig {
	return TrendConfig{
		ID:                "t1",
		SubAccount:        "acct1",
		Symbol:            "BTC-PERP",
		FastPeriod:        2,
		SlowPeriod:        3,
		HardStopBps:       100,
		TrailActivateBps:  50,
		TrailOffsetBps:    20,
		RegimeWarmupTicks: 1,
		ToxicThreshold:    1.1, // effectively disabled so crossover signal always gets through
		LiqThreshold:      1.1,
		MinConfidence:      0.9,
		ConfiguredSizeUsd: 100,
	}
}

// TestTrendAgentEmaCrossoverSpawnsDirectionalScalper checks a rising price
// series crosses fast EMA above slow EMA and spawns a long scalper.
func TestTrendAgentEmaCrossoverSpawnsDirectionalScalper(t *testing.T) {
	spawner := &fakeSpawner{}
	a := NewTrendAgent(trendConfig(), spawner, riskbook.NewBook(), clock.NewFake(time.Now()), discardLogger())

	prices := []float64{100, 101, 103, 106, 110, 115, 120}
	now := time.Now()
	for _, p := range prices {
		a.OnTick(context.Background(), "BTC-PERP", p, now)
		now = now.Add(time.Second)
	}

	if len(spawner.spawnCalls) == 0 {
		t.Fatalf("expected at least one scalper spawn on a sustained uptrend")
	}
	if a.lastSignal != types.Long {
		t.Fatalf("lastSignal = %v, want long", a.lastSignal)
	}
}

// TestTrendAgentHardStopStopsOnAdverseMove checks a long position breaching
// HardStopBps triggers Stop and kills managed scalpers.
func TestTrendAgentHardStopStopsOnAdverseMove(t *testing.T) {
	spawner := &fakeSpawner{}
	a := NewTrendAgent(trendConfig(), spawner, riskbook.NewBook(), clock.NewFake(time.Now()), discardLogger())
	a.managedScalpers["directional"] = "directional-id"

	pos := types.Position{
		SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long,
		Quantity: 1, EntryPrice: 100, Notional: 98, // -2% -> -200bps, past a 100bps hard stop
	}
	a.OnPositionUpdate(context.Background(), pos)

	if len(spawner.killCalls) != 1 || spawner.killCalls[0] != "directional" {
		t.Fatalf("killCalls = %v, want [directional]", spawner.killCalls)
	}
}

// TestTrendAgentTrailingStopTriggersOnRetrace checks the trailing stop
// activates above TrailActivateBps and fires once the retrace from the
// high-water mark exceeds TrailOffsetBps.
func TestTrendAgentTrailingStopTriggersOnRetrace(t *testing.T) {
	spawner := &fakeSpawner{}
	a := NewTrendAgent(trendConfig(), spawner, riskbook.NewBook(), clock.NewFake(time.Now()), discardLogger())
	a.managedScalpers["directional"] = "directional-id"

	// entryPrice=100, notional/quantity/entryPrice formula: pnlBps = (notional/qty/entry - 1)*10000
	// qty=1, entry=100 -> notional=110 gives +1000bps, well above the 50bps activation.
	a.OnPositionUpdate(context.Background(), types.Position{
		SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long,
		Quantity: 1, EntryPrice: 100, Notional: 110,
	})
	if !a.trailActive {
		t.Fatalf("trailActive = false after crossing TrailActivateBps")
	}
	if len(spawner.killCalls) != 0 {
		t.Fatalf("stop fired prematurely at the high-water mark")
	}

	// Retrace more than TrailOffsetBps (20bps) below the 1000bps high.
	a.OnPositionUpdate(context.Background(), types.Position{
		SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long,
		Quantity: 1, EntryPrice: 100, Notional: 107,
	})
	if len(spawner.killCalls) != 1 {
		t.Fatalf("killCalls = %v, want exactly one kill on trailing-stop trigger", spawner.killCalls)
	}
}

func gridConfig() GridConfig {
	return GridConfig{
		ID:             "g1",
		SubAccount:     "acct1",
		Symbol:         "BTC-PERP",
		PerSideUsd:     1000,
		BaseOffsetPct:  1,
		MaxDrawdownUsd: 50,
		CooldownMs:     1000,
		WidenFactor:    2,
		MaxWidenings:   2,
	}
}

// TestGridAgentStartDeploysNeutralScalper checks Start spawns exactly one
// neutral scalper at the base offset.
func TestGridAgentStartDeploysNeutralScalper(t *testing.T) {
	spawner := &fakeSpawner{}
	g := NewGridAgent(gridConfig(), spawner, clock.NewFake(time.Now()), discardLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if len(spawner.spawnCalls) != 1 || spawner.spawnCalls[0] != "grid" {
		t.Fatalf("spawnCalls = %v, want [grid]", spawner.spawnCalls)
	}
	if g.scalperID == "" {
		t.Fatalf("scalperID not recorded after Start")
	}
}

// TestGridAgentDrawdownKillsAndSchedulesWiden checks a drawdown beyond
// MaxDrawdownUsd kills the current scalper and bumps the widenings
// counter, without exceeding MaxWidenings.
func TestGridAgentDrawdownKillsAndSchedulesWiden(t *testing.T) {
	spawner := &fakeSpawner{}
	clk := clock.NewFake(time.Now())
	g := NewGridAgent(gridConfig(), spawner, clk, discardLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Notional=900, entry*qty=1000 -> unrealized = -100, drawdown 100 > 50.
	pos := types.Position{Quantity: 1, EntryPrice: 1000, Notional: 900}
	g.OnPositionUpdate(context.Background(), pos)

	if len(spawner.killCalls) != 1 || spawner.killCalls[0] != "grid" {
		t.Fatalf("killCalls = %v, want [grid]", spawner.killCalls)
	}
	if g.widenings != 1 {
		t.Fatalf("widenings = %d, want 1", g.widenings)
	}
}

// TestGridAgentStopsWideningAtCap checks widenings never exceed
// MaxWidenings regardless of how many drawdown events fire.
func TestGridAgentStopsWideningAtCap(t *testing.T) {
	spawner := &fakeSpawner{}
	clk := clock.NewFake(time.Now())
	cfg := gridConfig()
	cfg.MaxWidenings = 1
	g := NewGridAgent(cfg, spawner, clk, discardLogger())
	g.widenings = 1 // already at the cap

	pos := types.Position{Quantity: 1, EntryPrice: 1000, Notional: 900}
	g.OnPositionUpdate(context.Background(), pos)

	if len(spawner.killCalls) != 0 {
		t.Fatalf("killCalls = %v, want none once MaxWidenings reached", spawner.killCalls)
	}
	if g.widenings != 1 {
		t.Fatalf("widenings = %d, want unchanged at 1", g.widenings)
	}
}

func deleverageConfig() DeleverageConfig {
	return DeleverageConfig{
		ID:           "d1",
		SubAccount:   "acct1",
		Symbol:       "BTC-PERP",
		EveryNTicks:  1,
		MaxNotional:  10000,
		ReentryRatio: 0.5,
		UnwindPct:    25,
	}
}

// TestDeleverageAgentUnwindsOverNotionalCap checks an open position whose
// notional exceeds MaxNotional spawns a reduce-only unwind scalper.
func TestDeleverageAgentUnwindsOverNotionalCap(t *testing.T) {
	spawner := &fakeSpawner{}
	risk := riskbook.NewBook()
	risk.ApplyPosition(types.Position{SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long, Quantity: 1, Notional: 15000})
	d := NewDeleverageAgent(deleverageConfig(), spawner, risk, discardLogger())

	d.OnTick(context.Background(), "BTC-PERP", 100, time.Now())

	if len(spawner.spawnCalls) != 1 || spawner.spawnCalls[0] != "unwind" {
		t.Fatalf("spawnCalls = %v, want [unwind]", spawner.spawnCalls)
	}
	if !d.unwinding {
		t.Fatalf("unwinding = false after exceeding MaxNotional")
	}
}

// TestDeleverageAgentReentersBelowReentryRatio checks the agent kills its
// unwind scalper once notional falls back under the reentry ratio.
func TestDeleverageAgentReentersBelowReentryRatio(t *testing.T) {
	spawner := &fakeSpawner{}
	risk := riskbook.NewBook()
	d := NewDeleverageAgent(deleverageConfig(), spawner, risk, discardLogger())
	d.unwinding = true
	d.unwindID = "unwind-id"

	risk.ApplyPosition(types.Position{SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long, Quantity: 1, Notional: 4000})
	d.OnTick(context.Background(), "BTC-PERP", 100, time.Now())

	if len(spawner.killCalls) != 1 || spawner.killCalls[0] != "unwind" {
		t.Fatalf("killCalls = %v, want [unwind]", spawner.killCalls)
	}
	if d.unwinding {
		t.Fatalf("unwinding = true after falling below reentry ratio")
	}
}

// TestDeleverageAgentSkipsNoOpenPosition checks OnTick is a no-op when the
// risk book has no open position for the symbol.
func TestDeleverageAgentSkipsNoOpenPosition(t *testing.T) {
	spawner := &fakeSpawner{}
	risk := riskbook.NewBook()
	d := NewDeleverageAgent(deleverageConfig(), spawner, risk, discardLogger())

	d.OnTick(context.Background(), "BTC-PERP", 100, time.Now())

	if len(spawner.spawnCalls) != 0 {
		t.Fatalf("spawnCalls = %v, want none with no open position", spawner.spawnCalls)
	}
}
