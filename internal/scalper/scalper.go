// Package scalper implements the scalper: a supervisor running 2*N chase
// actors (N long layers, N short layers) around a configurable offset
// ladder, with a shared fill-decay fatigue model and anti-overtrading
// guards.
package scalper

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"perpstrategy/internal/chase"
	"perpstrategy/internal/clock"
	"perpstrategy/internal/errs"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/metrics"
	"perpstrategy/internal/signal"
	"perpstrategy/pkg/types"
)

const minLayerNotionalUsd = 5.0

// Config is the immutable configuration of a scalper for its lifetime.
type Config struct {
	ID                  string
	SubAccount          string
	Symbol              string
	ChildCount          int
	Neutral             bool // neutralMode
	StartSide           types.Side // directional bias: this side opens, the other side is reduce-only only
	ForceReduceOnly     bool // every layer on both sides is reduce-only, e.g. a close-only unwind scalper
	SkewPct             float64
	LongOffsetPct       float64
	ShortOffsetPct      float64
	PerSideUsd          float64 // deprecated fallback when LongSizeUsd/ShortSizeUsd are unset
	LongSizeUsd         float64
	ShortSizeUsd        float64
	LongMaxPrice        float64 // 0 = unset
	ShortMinPrice       float64 // 0 = unset
	MinFillSpreadPct    float64
	FillDecayHalfLife   time.Duration
	MinRefillDelay      time.Duration
	MaxFillsPerMinute   int
	AllowLoss           bool
	MaxLossPerCloseBps  float64
	PnLFeedbackMode     types.PnLFeedbackMode
}

// layer is one offset slot on one side, owning exactly one chase actor at
// a time.
type layer struct {
	idx           int
	offsetPct     float64
	weight        float64
	notionalUsd   float64
	side          types.Side
	reduceOnly    bool
	active        bool
	pausedByPrice bool
	retrying      bool
	chaseID       string
	cancel        context.CancelFunc
}

// Scalper is the running supervisor.
type Scalper struct {
	cfg    Config
	client execchan.Client
	book   *marketdata.Book
	clk    clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	longLayers  []*layer
	shortLayers []*layer
	fatigue     float64
	lastFillAt  time.Time
	fillCount   int
	recentFills []time.Time // trimmed to last minute
	status      types.Status

	// Weighted-average-cost inventory accumulated from this scalper's own
	// fills. Positive qty is net long. Crossing through zero realises PnL.
	inventoryQty  float64
	inventoryCost float64
	realizedPnl   float64

	offsetWiden float64 // multiplicative widen factor applied by soft/full feedback
	sizeFactor  float64 // multiplicative size reduction applied by full feedback
	baseUsd     float64 // larger per-side notional, the PnL-feedback denominator

	wg sync.WaitGroup
}

// New builds the offset/weight layer ladders and returns
// a scalper ready to Run.
func New(cfg Config, client execchan.Client, book *marketdata.Book, clk clock.Clock, logger *slog.Logger) (*Scalper, error) {
	if cfg.ChildCount < 1 {
		return nil, errs.Validation("childCount must be >= 1")
	}
	longOffsets := signal.OffsetLadder(cfg.ChildCount, cfg.LongOffsetPct, 2.0)
	shortOffsets := signal.OffsetLadder(cfg.ChildCount, cfg.ShortOffsetPct, 2.0)
	weights := signal.SkewWeights(cfg.ChildCount, cfg.SkewPct)

	longSideUsd := cfg.LongSizeUsd
	if longSideUsd == 0 {
		longSideUsd = cfg.PerSideUsd
	}
	shortSideUsd := cfg.ShortSizeUsd
	if shortSideUsd == 0 {
		shortSideUsd = cfg.PerSideUsd
	}

	// In directional mode only the startSide opens new position; the
	// opposite side's layers are reduce-only from the start.
	longReduceOnly := !cfg.Neutral && cfg.StartSide != types.Long
	shortReduceOnly := !cfg.Neutral && cfg.StartSide != types.Short
	if cfg.ForceReduceOnly {
		longReduceOnly, shortReduceOnly = true, true
	}

	s := &Scalper{
		cfg:     cfg,
		client:  client,
		book:    book,
		clk:     clk,
		logger:  logger.With("component", "scalper", "id", cfg.ID),
		status:  types.StatusCreated,
		baseUsd: math.Max(longSideUsd, shortSideUsd),
	}

	for i := 0; i < cfg.ChildCount; i++ {
		longNotional := weights[i] * longSideUsd
		shortNotional := weights[i] * shortSideUsd
		if longNotional < minLayerNotionalUsd {
			return nil, errs.Validationf("layer %d long notional %.2f below %.2f minimum", i, longNotional, minLayerNotionalUsd)
		}
		if shortNotional < minLayerNotionalUsd {
			return nil, errs.Validationf("layer %d short notional %.2f below %.2f minimum", i, shortNotional, minLayerNotionalUsd)
		}
		s.longLayers = append(s.longLayers, &layer{
			idx: i, offsetPct: longOffsets[i], weight: weights[i], notionalUsd: longNotional,
			side: types.Long, reduceOnly: longReduceOnly,
		})
		s.shortLayers = append(s.shortLayers, &layer{
			idx: i, offsetPct: shortOffsets[i], weight: weights[i], notionalUsd: shortNotional,
			side: types.Short, reduceOnly: shortReduceOnly,
		})
	}
	return s, nil
}

// Snapshot is the persisted runtime view.
type Snapshot struct {
	FatigueScore float64
	LastFillAt   time.Time
	FillCount    int
	InventoryQty float64
	RealizedPnl  float64
	Status       types.Status
}

func (s *Scalper) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		FatigueScore: s.fatigue, LastFillAt: s.lastFillAt, FillCount: s.fillCount,
		InventoryQty: s.inventoryQty, RealizedPnl: s.realizedPnl, Status: s.status,
	}
}

// Run starts all 2*N chase actors and processes their fills until ctx is
// cancelled or Stop is called.
func (s *Scalper) Run(ctx context.Context, ticks <-chan types.Tick, orderUpdates <-chan types.OrderUpdate) error {
	s.mu.Lock()
	s.status = types.StatusActive
	s.mu.Unlock()

	fills := make(chan types.TradeExecution, 64)

	tickBroadcast := s.fanoutTicks(ctx, ticks)
	orderBroadcast := s.fanoutOrders(ctx, orderUpdates)

	for _, l := range s.longLayers {
		s.spawnLayer(ctx, l, tickBroadcast, orderBroadcast, fills)
	}
	for _, l := range s.shortLayers {
		s.spawnLayer(ctx, l, tickBroadcast, orderBroadcast, fills)
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case f := <-fills:
			s.handleFill(ctx, f, tickBroadcast, orderBroadcast, fills)
		}
	}
}

// fanoutTicks re-broadcasts the symbol's tick stream to every chase layer
// (each chase reads its own buffered copy).
func (s *Scalper) fanoutTicks(ctx context.Context, in <-chan types.Tick) func() <-chan types.Tick {
	subs := make([]chan types.Tick, 0)
	var mu sync.Mutex
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				mu.Lock()
				for _, ch := range subs {
					select {
					case ch <- t:
					default:
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func() <-chan types.Tick {
		ch := make(chan types.Tick, 8)
		mu.Lock()
		subs = append(subs, ch)
		mu.Unlock()
		return ch
	}
}

// fanoutOrders re-broadcasts every order update on the symbol to every
// layer's chase; each chase actor filters to its own order id.
func (s *Scalper) fanoutOrders(ctx context.Context, in <-chan types.OrderUpdate) func() <-chan types.OrderUpdate {
	subs := make([]chan types.OrderUpdate, 0)
	var mu sync.Mutex
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-in:
				if !ok {
					return
				}
				mu.Lock()
				for _, ch := range subs {
					select {
					case ch <- u:
					default:
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func() <-chan types.OrderUpdate {
		ch := make(chan types.OrderUpdate, 8)
		mu.Lock()
		subs = append(subs, ch)
		mu.Unlock()
		return ch
	}
}

func (s *Scalper) spawnLayer(ctx context.Context, l *layer, ticksFn func() <-chan types.Tick, ordersFn func() <-chan types.OrderUpdate, fills chan<- types.TradeExecution) {
	layerCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.active = true

	offsetPct := l.offsetPct * (1 + s.widenFactor())
	chaseCfg := chase.Config{
		ID:              s.cfg.ID + "/" + string(l.side) + "/" + strconv.Itoa(l.idx),
		SubAccount:      s.cfg.SubAccount,
		Symbol:          s.cfg.Symbol,
		Side:            l.side,
		Quantity:        s.layerQuantity(l),
		StalkOffsetPct:  offsetPct,
		StalkMode:       types.StalkConservative,
		ReduceOnly:      l.reduceOnly,
		ParentScalperID: s.cfg.ID,
		LayerIdx:        l.idx,
	}
	actor := chase.New(chaseCfg, s.client, s.book, s.clk, s.logger)
	l.chaseID = chaseCfg.ID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = actor.Run(layerCtx, ticksFn(), ordersFn(), fills)
	}()
}

// layerQuantity converts a layer's fixed USD notional into a base-asset
// quantity at the current mark, the sizing step spawnLayer previously left
// for "the caller" to do and never actually did.
func (s *Scalper) layerQuantity(l *layer) float64 {
	tick, ok := s.book.Get(s.cfg.Symbol)
	if !ok || tick.Mark <= 0 {
		return 0
	}
	factor := 1.0
	s.mu.Lock()
	if s.sizeFactor > 0 {
		factor = s.sizeFactor
	}
	s.mu.Unlock()
	return l.notionalUsd * factor / tick.Mark
}

func (s *Scalper) widenFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetWiden
}

// handleFill applies the fill-handling sequence: bump counters, decay
// and increment fatigue, evaluate overtrading guards, respawn the filled
// layer subject to price filters.
func (s *Scalper) handleFill(ctx context.Context, f types.TradeExecution, ticksFn func() <-chan types.Tick, ordersFn func() <-chan types.OrderUpdate, fills chan<- types.TradeExecution) {
	now := s.clk.Now()

	s.mu.Lock()
	elapsed := now.Sub(s.lastFillAt)
	if !s.lastFillAt.IsZero() && s.cfg.FillDecayHalfLife > 0 {
		decay := math.Exp(-elapsed.Seconds() * math.Ln2 / s.cfg.FillDecayHalfLife.Seconds())
		s.fatigue *= decay
	}
	s.fatigue++
	s.fillCount++
	s.lastFillAt = now
	s.recentFills = append(s.recentFills, now)
	cutoff := now.Add(-time.Minute)
	trimmed := s.recentFills[:0]
	for _, t := range s.recentFills {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	s.recentFills = trimmed
	fillsLastMinute := len(s.recentFills)
	fatigue := s.fatigue
	s.applyFillToInventoryLocked(f)
	realized := s.realizedPnl
	s.mu.Unlock()

	metrics.ScalperFatigue.WithLabelValues(s.cfg.ID).Set(fatigue)

	if realized < 0 && s.cfg.PnLFeedbackMode != types.FeedbackOff && s.baseUsd > 0 {
		s.ApplyPnLFeedback(-realized / s.baseUsd * 10000)
	}

	l := s.layerFor(f.ParentStrategy, f.LayerIdx, f.Side)
	if l == nil {
		return
	}

	overTrading := fatigue > s.fatigueThreshold() || fillsLastMinute > s.cfg.MaxFillsPerMinute
	if overTrading {
		s.mu.Lock()
		l.active = false
		s.mu.Unlock()
		go func() {
			select {
			case <-s.clk.After(s.cfg.MinRefillDelay):
			case <-ctx.Done():
				return
			}
			s.maybeRespawn(ctx, l, f.Price, ticksFn, ordersFn, fills)
		}()
		return
	}

	s.maybeRespawn(ctx, l, f.Price, ticksFn, ordersFn, fills)
}

func (s *Scalper) fatigueThreshold() float64 { return 5.0 }

// applyFillToInventoryLocked folds a fill into the scalper's
// weighted-average-cost inventory, realising PnL on the portion that
// closes against existing inventory. Caller holds s.mu.
func (s *Scalper) applyFillToInventoryLocked(f types.TradeExecution) {
	qty := f.Quantity
	if f.Side == types.Short {
		qty = -qty
	}
	if qty == 0 || f.Price <= 0 {
		return
	}

	sameSign := (s.inventoryQty >= 0) == (qty > 0)
	if s.inventoryQty == 0 || sameSign {
		total := s.inventoryQty + qty
		if total != 0 {
			s.inventoryCost = (s.inventoryCost*math.Abs(s.inventoryQty) + f.Price*math.Abs(qty)) / math.Abs(total)
		}
		s.inventoryQty = total
		return
	}

	closed := math.Min(math.Abs(qty), math.Abs(s.inventoryQty))
	if s.inventoryQty > 0 {
		s.realizedPnl += closed * (f.Price - s.inventoryCost)
	} else {
		s.realizedPnl += closed * (s.inventoryCost - f.Price)
	}
	s.inventoryQty += qty
	if s.inventoryQty == 0 {
		s.inventoryCost = 0
	} else if (s.inventoryQty > 0) != (s.inventoryQty-qty > 0) {
		// crossed through zero; the residual opens a fresh position at the
		// fill price
		s.inventoryCost = f.Price
	}
}

// closeWouldExceedLossLocked reports whether a reduce-only fill on side at
// the current mark would realise a loss beyond MaxLossPerCloseBps against
// the inventory's average cost. Caller holds s.mu.
func (s *Scalper) closeWouldExceedLossLocked(side types.Side, mark float64) bool {
	if s.inventoryCost <= 0 || mark <= 0 {
		return false
	}
	var lossBps float64
	if side == types.Short && s.inventoryQty > 0 {
		lossBps = (s.inventoryCost - mark) / s.inventoryCost * 10000
	} else if side == types.Long && s.inventoryQty < 0 {
		lossBps = (mark - s.inventoryCost) / s.inventoryCost * 10000
	} else {
		return false
	}
	return lossBps > s.cfg.MaxLossPerCloseBps
}

func (s *Scalper) maybeRespawn(ctx context.Context, l *layer, lastFillPrice float64, ticksFn func() <-chan types.Tick, ordersFn func() <-chan types.OrderUpdate, fills chan<- types.TradeExecution) {
	if l.side == types.Long && s.cfg.LongMaxPrice > 0 && lastFillPrice < s.cfg.LongMaxPrice {
		s.mu.Lock()
		l.pausedByPrice = true
		s.mu.Unlock()
		return
	}
	if l.side == types.Short && s.cfg.ShortMinPrice > 0 && lastFillPrice > s.cfg.ShortMinPrice {
		s.mu.Lock()
		l.pausedByPrice = true
		s.mu.Unlock()
		return
	}

	mark := lastFillPrice
	if tick, ok := s.book.Get(s.cfg.Symbol); ok && tick.Mark > 0 {
		mark = tick.Mark
	}

	// Respawn guards that clear as price moves: wait out MinRefillDelay
	// and re-evaluate rather than burning the slot.
	blocked := false
	if s.cfg.MinFillSpreadPct > 0 && lastFillPrice > 0 {
		movedPct := math.Abs(mark-lastFillPrice) / lastFillPrice * 100
		if movedPct < s.cfg.MinFillSpreadPct {
			blocked = true
		}
	}
	if !blocked && l.reduceOnly && !s.cfg.AllowLoss {
		s.mu.Lock()
		blocked = s.closeWouldExceedLossLocked(l.side, mark)
		s.mu.Unlock()
	}
	if blocked {
		s.mu.Lock()
		if l.retrying {
			s.mu.Unlock()
			return
		}
		l.retrying = true
		s.mu.Unlock()
		go func() {
			select {
			case <-s.clk.After(s.cfg.MinRefillDelay):
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			l.retrying = false
			s.mu.Unlock()
			s.maybeRespawn(ctx, l, lastFillPrice, ticksFn, ordersFn, fills)
		}()
		return
	}

	s.mu.Lock()
	l.active = true
	l.pausedByPrice = false
	s.mu.Unlock()
	s.spawnLayer(ctx, l, ticksFn, ordersFn, fills)
}

func (s *Scalper) layerFor(parentID string, idx int, side types.Side) *layer {
	layers := s.longLayers
	if side == types.Short {
		layers = s.shortLayers
	}
	for _, l := range layers {
		if l.idx == idx {
			return l
		}
	}
	return nil
}

// ApplyPnLFeedback widens offsets (soft/full) and shrinks per-side size
// (full only), bounded to a 3x maximum widen.
func (s *Scalper) ApplyPnLFeedback(adversePnLBps float64) {
	if s.cfg.PnLFeedbackMode == types.FeedbackOff {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	widen := math.Min(3.0, 1.0+adversePnLBps/100)
	s.offsetWiden = widen - 1
	if s.cfg.PnLFeedbackMode == types.FeedbackFull {
		s.sizeFactor = math.Max(0.25, 1.0-adversePnLBps/500)
	}
}

// Stop kills all child chases; if close is true, also submits reduce-only
// market closes for the scalper's remaining inventory.
func (s *Scalper) Stop(ctx context.Context, close bool) error {
	s.mu.Lock()
	for _, l := range append(append([]*layer{}, s.longLayers...), s.shortLayers...) {
		if l.cancel != nil {
			l.cancel()
		}
	}
	s.status = types.StatusStopped
	s.mu.Unlock()
	s.wg.Wait()

	if !close {
		return nil
	}
	_, err := s.client.Send(ctx, types.OpClosePosition, map[string]interface{}{
		"subAccountId": s.cfg.SubAccount,
		"symbol":       s.cfg.Symbol,
		"reduceOnly":   true,
	}, "")
	return err
}
