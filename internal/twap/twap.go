// Package twap implements the TWAP scheduler and TWAP basket: a strategy
// that slices a target notional into lots executed over a configured
// duration, each lot attempting a favourably-offset limit order before
// falling back to a market order.
package twap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/errs"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/metrics"
	"perpstrategy/pkg/types"
)

const minLotNotionalUsd = 6.0

// Config is the immutable configuration of a TWAP run.
type Config struct {
	ID              string
	SubAccount      string
	Symbol          string
	Side            types.Side
	TotalSizeUsd    float64
	Lots            int
	DurationMinutes int
	Leverage        float64
	Jitter          bool
	Irregular       bool
	PriceLimit      *float64
}

// Validate checks the TWAP parameters.
func Validate(cfg Config) error {
	if cfg.Lots < 2 || cfg.Lots > 100 {
		return errs.Validation("lots must be in [2,100]")
	}
	if cfg.DurationMinutes < 1 || cfg.DurationMinutes > 720 {
		return errs.Validation("durationMinutes must be in [1,720]")
	}
	if cfg.Leverage <= 0 || cfg.Leverage > 125 {
		return errs.Validation("leverage must be in (0,125]")
	}
	perLot := cfg.TotalSizeUsd / float64(cfg.Lots)
	if perLot < minLotNotionalUsd {
		maxLots := int(math.Floor(cfg.TotalSizeUsd / minLotNotionalUsd))
		return errs.Validationf("per-lot notional %.2f below %.2f minimum, max lots %d", perLot, minLotNotionalUsd, maxLots)
	}
	return nil
}

// LotSizes computes the lot size schedule: uniform, or ±30%
// i.i.d. jittered and renormalised to sum to totalSize when irregular.
func LotSizes(cfg Config) []float64 {
	if !cfg.Irregular {
		sizes := make([]float64, cfg.Lots)
		for i := range sizes {
			sizes[i] = cfg.TotalSizeUsd / float64(cfg.Lots)
		}
		return sizes
	}
	raw := make([]float64, cfg.Lots)
	sum := 0.0
	for i := range raw {
		raw[i] = 1 + (rand.Float64()-0.5)*0.6
		sum += raw[i]
	}
	sizes := make([]float64, cfg.Lots)
	for i := range sizes {
		sizes[i] = raw[i] / sum * cfg.TotalSizeUsd
	}
	return sizes
}

// baseIntervalMs is the unjittered per-lot interval.
func baseIntervalMs(cfg Config) float64 {
	return float64(cfg.DurationMinutes) * 60 * 1000 / float64(cfg.Lots)
}

// nextInterval applies ±20% jitter when configured.
func nextInterval(cfg Config) time.Duration {
	base := baseIntervalMs(cfg)
	if cfg.Jitter {
		base *= 1 + (rand.Float64()-0.5)*0.4
	}
	return time.Duration(base) * time.Millisecond
}

// LotResult records the outcome of one lot attempt.
type LotResult struct {
	Success  bool
	Type     string // "limit" or "market"
	Price    float64
	Qty      float64
	Notional float64
	Error    string
}

// State is the persisted runtime view.
type State struct {
	FilledLots   int
	SkippedTicks int
	AvgExecPrice float64
	Results      []LotResult
	Status       types.Status
	StartedAt    time.Time
	LotSizes     []float64 // the realised schedule; persisted verbatim so an irregular (jittered) split survives resume
}

// Persister is called after every lot attempt and on terminal transition;
// TWAP persists on every lot, never throttled.
type Persister interface {
	Persist(ctx context.Context, id string, state State) error
	Delete(ctx context.Context, id string) error
}

// Runner drives one TWAP strategy to completion.
type Runner struct {
	cfg       Config
	lotSizes  []float64
	client    execchan.Client
	book      *marketdata.Book
	clk       clock.Clock
	persister Persister
	logger    *slog.Logger

	state State
}

// New validates cfg and precomputes the lot schedule.
func New(cfg Config, client execchan.Client, book *marketdata.Book, clk clock.Clock, persister Persister, logger *slog.Logger) (*Runner, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	lotSizes := LotSizes(cfg)
	return &Runner{
		cfg:       cfg,
		lotSizes:  lotSizes,
		client:    client,
		book:      book,
		clk:       clk,
		persister: persister,
		logger:    logger.With("component", "twap", "id", cfg.ID),
		state:     State{Status: types.StatusActive, StartedAt: clk.Now(), LotSizes: lotSizes},
	}, nil
}

// Resume reconstructs a Runner from a previously persisted state,
// reusing the exact realised lot-size split rather
// than redrawing it, and adopting the caller-supplied filledLots (already
// adjusted for the elapsed-time catch-up formula).
func Resume(cfg Config, state State, client execchan.Client, book *marketdata.Book, clk clock.Clock, persister Persister, logger *slog.Logger) (*Runner, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	lotSizes := state.LotSizes
	if len(lotSizes) != cfg.Lots {
		lotSizes = LotSizes(cfg)
	}
	state.LotSizes = lotSizes
	return &Runner{
		cfg:       cfg,
		lotSizes:  lotSizes,
		client:    client,
		book:      book,
		clk:       clk,
		persister: persister,
		logger:    logger.With("component", "twap", "id", cfg.ID, "resumed", true),
		state:     state,
	}, nil
}

// Run executes lots until filled, cancelled, or ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for r.state.FilledLots < len(r.lotSizes) {
		select {
		case <-ctx.Done():
			r.state.Status = types.StatusCancelled
			_ = r.persister.Persist(context.Background(), r.cfg.ID, r.state)
			return ctx.Err()
		default:
		}

		r.executeLot(ctx, r.state.FilledLots)
		_ = r.persister.Persist(ctx, r.cfg.ID, r.state)

		if r.state.FilledLots >= len(r.lotSizes) {
			break
		}

		interval := nextInterval(r.cfg)
		select {
		case <-ctx.Done():
			r.state.Status = types.StatusCancelled
			_ = r.persister.Persist(context.Background(), r.cfg.ID, r.state)
			return ctx.Err()
		case <-r.clk.After(interval):
		}
	}
	r.state.Status = types.StatusCompleted
	return r.persister.Persist(ctx, r.cfg.ID, r.state)
}

// executeLot runs one lot attempt end to end. Any step failure still
// advances the filled-lot counter per the "failures" rule, recording an
// error result instead of aborting the run.
func (r *Runner) executeLot(ctx context.Context, k int) {
	lotSize := r.lotSizes[k]

	tick, err := r.resolveTick(ctx)
	if err != nil {
		r.recordAndAdvance(LotResult{Success: false, Error: err.Error()})
		return
	}

	if r.priceLimitBlocks(tick.Mark) {
		r.state.SkippedTicks++
		return
	}

	qty := lotSize / tick.Mark

	result := r.attemptLimit(ctx, tick, qty, lotSize)
	r.recordAndAdvance(result)
}

func (r *Runner) resolveTick(ctx context.Context) (types.Tick, error) {
	if t, ok := r.book.Get(r.cfg.Symbol); ok && !r.book.IsStale(r.cfg.Symbol) {
		return t, nil
	}
	return r.client.SnapshotTick(ctx, r.cfg.Symbol)
}

func (r *Runner) priceLimitBlocks(mark float64) bool {
	if r.cfg.PriceLimit == nil {
		return false
	}
	limit := *r.cfg.PriceLimit
	if r.cfg.Side == types.Short {
		return mark < limit
	}
	return mark > limit
}

// roundToVenuePrecision rounds a limit price to the venue's tick size
// heuristic. Rounding goes through shopspring/decimal rather
// than math.Round/Pow so the emitted price is exact decimal, matching the
// venue's own fixed-point order book instead of carrying a binary-float
// rounding artifact into the outbound order payload.
func roundToVenuePrecision(price float64) float64 {
	var places int32
	switch {
	case price > 100:
		places = 2
	case price > 1:
		places = 4
	default:
		places = 6
	}
	rounded, _ := decimal.NewFromFloat(price).Round(places).Float64()
	return rounded
}

func (r *Runner) attemptLimit(ctx context.Context, tick types.Tick, qty, lotSize float64) LotResult {
	var limitPrice float64
	if r.cfg.Side == types.Long {
		limitPrice = tick.Ask * (1 - 2e-4)
	} else {
		limitPrice = tick.Bid * (1 + 2e-4)
	}
	limitPrice = roundToVenuePrecision(limitPrice)

	ack, err := r.client.Send(ctx, types.OpTrade, map[string]interface{}{
		"subAccountId": r.cfg.SubAccount,
		"symbol":       r.cfg.Symbol,
		"side":         r.cfg.Side,
		"quantity":     qty,
		"price":        limitPrice,
		"leverage":     r.cfg.Leverage,
	}, "")
	if err != nil || !ack.Accepted {
		return r.attemptMarket(ctx, qty, lotSize)
	}

	baseMs := baseIntervalMs(r.cfg)
	timeout := time.Duration(math.Max(0.6*baseMs, 3000)) * time.Millisecond
	pollEvery := time.Duration(math.Min(3000, float64(timeout.Milliseconds())/3)) * time.Millisecond

	deadline := r.clk.Now().Add(timeout)
	for {
		status, filledQty, filledPrice := r.pollOrder(ack.RequestID)
		if status.Terminal() || filledQty >= 0.95*qty {
			r.state.AvgExecPrice = blendVwap(r.state.AvgExecPrice, r.state.FilledLots, filledPrice, filledQty)
			r.bookFill(ctx, ack.RequestID, filledPrice, filledQty)
			return LotResult{Success: true, Type: "limit", Price: filledPrice, Qty: filledQty, Notional: filledQty * filledPrice}
		}
		if !r.clk.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return LotResult{Success: false, Error: "cancelled during poll"}
		case <-r.clk.After(pollEvery):
		}
	}
	_, _ = r.client.Send(ctx, types.OpCancel, map[string]interface{}{"requestId": ack.RequestID}, "")
	return r.attemptMarket(ctx, qty, lotSize)
}

// bookFill applies a limit fill to the risk channel with skipExchange:true
// so the virtual position lands at the exact average rather
// than waiting on a separate exchange-reported position update. Fee is
// opaque pass-through: whatever the correlated trade_execution
// reported, or zero if none has arrived yet.
func (r *Runner) bookFill(ctx context.Context, requestID uint64, fillPrice, fillQty float64) {
	fee := 0.0
	if te, ok := r.client.LatestTradeExecution(requestID); ok {
		fee = te.Fee
	}
	_, _ = r.client.Send(ctx, types.OpUpsertPosition, map[string]interface{}{
		"subAccountId": r.cfg.SubAccount,
		"symbol":       r.cfg.Symbol,
		"side":         r.cfg.Side,
		"skipExchange": true,
		"quantity":     fillQty,
		"fillPrice":    fillPrice,
		"fillFee":      fee,
	}, "")
}

func (r *Runner) attemptMarket(ctx context.Context, qty, lotSize float64) LotResult {
	ack, err := r.client.Send(ctx, types.OpExecuteTrade, map[string]interface{}{
		"subAccountId": r.cfg.SubAccount,
		"symbol":       r.cfg.Symbol,
		"side":         r.cfg.Side,
		"quantity":     qty,
		"skipExchange": false,
		"leverage":     r.cfg.Leverage,
	}, "")
	if err != nil || !ack.Accepted {
		msg := ack.Error
		if err != nil {
			msg = err.Error()
		}
		return LotResult{Success: false, Type: "market", Error: fmt.Sprintf("market fallback rejected: %s", msg)}
	}
	return LotResult{Success: true, Type: "market", Qty: qty, Notional: lotSize}
}

// pollOrder reads the latest order_update the execution channel has
// dispatched for requestID, the same request-id correlation chase.go's
// onOrderUpdate relies on for its own working order. A requestID with no
// observed update yet (still NEW on the venue) reports zero fill.
func (r *Runner) pollOrder(requestID uint64) (types.OrderStatus, float64, float64) {
	u, ok := r.client.LatestOrderUpdate(requestID)
	if !ok {
		return types.OrderNew, 0, 0
	}
	return u.Status, u.FilledQty, u.FilledPrice
}

func blendVwap(prevAvg float64, prevCount int, price, qty float64) float64 {
	if qty == 0 {
		return prevAvg
	}
	total := float64(prevCount) + 1
	return (prevAvg*float64(prevCount) + price) / total
}

func (r *Runner) recordAndAdvance(res LotResult) {
	r.state.Results = append(r.state.Results, res)
	r.state.FilledLots++
	if res.Success {
		metrics.TWAPLotsFilled.WithLabelValues(res.Type).Inc()
	}
}

// State returns the current persisted-equivalent runtime view.
func (r *Runner) State() State { return r.state }
