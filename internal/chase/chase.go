// Package chase implements the chase engine: a per-order actor that owns
// at most one working limit order on the venue and continuously reprices
// it to track the best bid/ask by a configured offset.
package chase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/errs"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/metrics"
	"perpstrategy/pkg/types"
)

// repriceDeadBandPct is the minimum fractional price move that triggers a
// cancel/replace; below this the current order is left in place to avoid
// pointless cancel churn on the venue.
const repriceDeadBandPct = 0.0005 // 5 bps

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffMax  = 5 * time.Second
)

// Config is the immutable configuration of a chase actor for its lifetime.
type Config struct {
	ID              string
	SubAccount      string
	Symbol          string
	Side            types.Side
	Quantity        float64
	StalkOffsetPct  float64
	StalkMode       types.StalkMode
	MaxDistancePct  float64 // 0 means unbounded
	ReduceOnly      bool
	ParentScalperID string
	LayerIdx        int
}

// State is the mutable runtime snapshot, persisted by the owning
// supervisor (scalper or registry).
type State struct {
	CurrentOrderPrice float64
	CurrentOrderID    string
	InitialPrice      float64
	RepriceCount      int
	Paused            bool
	RetryAt           time.Time
	Status            types.Status
}

// Actor drives one chase's lifecycle. Exactly one goroutine ever calls
// Run for a given Actor.
type Actor struct {
	cfg    Config
	client execchan.Client
	book   *marketdata.Book
	clk    clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	prevOrderID string  // last cancelled order, kept so a fill racing the cancel still correlates
	filledSoFar float64 // cumulative filled qty reported for the working order
}

// New creates a chase actor in the created state.
func New(cfg Config, client execchan.Client, book *marketdata.Book, clk clock.Clock, logger *slog.Logger) *Actor {
	return &Actor{
		cfg:    cfg,
		client: client,
		book:   book,
		clk:    clk,
		logger: logger.With("component", "chase", "id", cfg.ID),
		state:  State{Status: types.StatusCreated},
	}
}

// Snapshot returns a copy of the current runtime state for persistence or
// broadcast.
func (a *Actor) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run drives the chase loop until ctx is cancelled, the order fills, or a
// terminal failure occurs. ticks delivers book updates for cfg.Symbol;
// orderUpdates delivers order_update events for this chase's working
// order; fills receives one types.TradeExecution per filled increment
// (partial fills included), the last of which accompanies the terminal
// FILLED update.
func (a *Actor) Run(ctx context.Context, ticks <-chan types.Tick, orderUpdates <-chan types.OrderUpdate, fills chan<- types.TradeExecution) error {
	a.mu.Lock()
	a.state.Status = types.StatusActive
	a.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			a.cancelWorking(context.Background())
			a.setStatus(types.StatusCancelled)
			return ctx.Err()

		case t, ok := <-ticks:
			if !ok {
				return errs.Unavailable("tick stream closed")
			}
			if err := a.onTick(ctx, t); err != nil {
				a.logger.Warn("chase tick handling error", "error", err)
			}

		case u, ok := <-orderUpdates:
			if !ok {
				return errs.Unavailable("order update stream closed")
			}
			done, fill := a.onOrderUpdate(u)
			if fill != nil {
				select {
				case fills <- *fill:
				case <-ctx.Done():
				}
			}
			if done {
				a.setStatus(types.StatusCompleted)
				return nil
			}
		}
	}
}

func (a *Actor) setStatus(s types.Status) {
	a.mu.Lock()
	a.state.Status = s
	a.mu.Unlock()
}

func (a *Actor) onTick(ctx context.Context, t types.Tick) error {
	a.mu.Lock()
	if !a.state.RetryAt.IsZero() && a.clk.Now().Before(a.state.RetryAt) {
		a.mu.Unlock()
		return nil
	}
	initial := a.state.InitialPrice
	current := a.state.CurrentOrderPrice
	paused := a.state.Paused
	a.mu.Unlock()

	target := a.targetPrice(t)
	if initial == 0 {
		initial = target
		a.mu.Lock()
		a.state.InitialPrice = initial
		a.mu.Unlock()
	}

	if a.cfg.MaxDistancePct > 0 && initial != 0 {
		dist := math.Abs(target-initial) / initial
		if dist > a.cfg.MaxDistancePct/100 {
			if !paused {
				a.cancelWorking(ctx)
				a.mu.Lock()
				a.state.Paused = true
				a.mu.Unlock()
			}
			return nil
		}
		if paused {
			a.mu.Lock()
			a.state.Paused = false
			a.mu.Unlock()
		}
	}

	if current != 0 && math.Abs(target-current)/current <= repriceDeadBandPct {
		return nil
	}

	return a.repriceTo(ctx, target)
}

// targetPrice computes the chase's desired order price from the latest
// book observation: offset 0 sits at best quote.
func (a *Actor) targetPrice(t types.Tick) float64 {
	if a.cfg.Side == types.Long {
		return t.Bid * (1 - a.cfg.StalkOffsetPct/100)
	}
	return t.Ask * (1 + a.cfg.StalkOffsetPct/100)
}

func (a *Actor) repriceTo(ctx context.Context, target float64) error {
	a.cancelWorking(ctx)

	clientOrderID := uuid.NewString()
	payload := map[string]interface{}{
		"subAccountId":    a.cfg.SubAccount,
		"symbol":          a.cfg.Symbol,
		"side":            a.cfg.Side,
		"quantity":        a.cfg.Quantity,
		"price":           target,
		"reduceOnly":      a.cfg.ReduceOnly,
		"clientOrderId":   clientOrderID,
		"parentScalperId": a.cfg.ParentScalperID,
		"layerIdx":        a.cfg.LayerIdx,
	}

	ack, err := a.client.Send(ctx, types.OpChaseStart, payload, "")
	if err != nil {
		return a.scheduleRetry(err)
	}
	if !ack.Accepted {
		return a.scheduleRetry(fmt.Errorf("chase order rejected: %s", ack.Error))
	}

	a.mu.Lock()
	a.state.CurrentOrderPrice = target
	a.state.CurrentOrderID = clientOrderID
	a.state.RepriceCount++
	a.state.RetryAt = time.Time{}
	a.filledSoFar = 0
	a.mu.Unlock()
	metrics.ChaseReprices.WithLabelValues(a.cfg.Symbol).Inc()
	return nil
}

func (a *Actor) scheduleRetry(cause error) error {
	a.mu.Lock()
	attempt := a.state.RepriceCount
	a.mu.Unlock()

	backoff := retryBackoffBase * time.Duration(1<<uint(min(attempt, 4)))
	if backoff > retryBackoffMax {
		backoff = retryBackoffMax
	}
	a.mu.Lock()
	a.state.RetryAt = a.clk.Now().Add(backoff)
	a.mu.Unlock()
	return fmt.Errorf("reprice failed, retrying in %s: %w", backoff, cause)
}

func (a *Actor) cancelWorking(ctx context.Context) {
	a.mu.Lock()
	orderID := a.state.CurrentOrderID
	a.mu.Unlock()
	if orderID == "" {
		return
	}
	_, _ = a.client.Send(ctx, types.OpChaseCancel, map[string]interface{}{
		"subAccountId":  a.cfg.SubAccount,
		"clientOrderId": orderID,
	}, "")
	a.mu.Lock()
	a.prevOrderID = orderID
	a.state.CurrentOrderID = ""
	a.mu.Unlock()
}

// ownsOrder reports whether clientOrderID addresses this chase's working
// order or the one it most recently cancelled (a fill can race the
// cancel). Callers delivering pre-filtered updates may leave the id
// empty.
func (a *Actor) ownsOrder(clientOrderID string) bool {
	if clientOrderID == "" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return clientOrderID == a.state.CurrentOrderID || clientOrderID == a.prevOrderID
}

// onOrderUpdate applies an order_update event addressed to this chase's
// working order; updates for sibling orders on the same symbol are
// ignored. A PARTIALLY_FILLED update emits the newly filled quantity and
// keeps the actor running; FILLED emits the remaining delta and ends the
// run (cancel races with a fill are treated as a fill, never as a clean
// cancel). FilledQty is cumulative on the wire, so fills carry only the
// increment since the last update.
func (a *Actor) onOrderUpdate(u types.OrderUpdate) (done bool, fill *types.TradeExecution) {
	if !a.ownsOrder(u.ClientOrder) {
		return false, nil
	}
	switch u.Status {
	case types.OrderPartiallyFilled:
		return false, a.fillDelta(u)
	case types.OrderFilled:
		return true, a.fillDelta(u)
	case types.OrderCanceled, types.OrderRejected, types.OrderExpired:
		return true, nil
	default: // NEW
		return false, nil
	}
}

// fillDelta converts a cumulative FilledQty into the increment since the
// last observed update, or nil if nothing new has filled.
func (a *Actor) fillDelta(u types.OrderUpdate) *types.TradeExecution {
	a.mu.Lock()
	delta := u.FilledQty - a.filledSoFar
	if delta > 0 {
		a.filledSoFar = u.FilledQty
	}
	a.mu.Unlock()
	if delta <= 0 {
		return nil
	}
	return &types.TradeExecution{
		RequestID:      u.RequestID,
		ParentStrategy: a.cfg.ParentScalperID,
		LayerIdx:       a.cfg.LayerIdx,
		Symbol:         a.cfg.Symbol,
		Side:           a.cfg.Side,
		Quantity:       delta,
		Price:          u.FilledPrice,
		ReduceOnly:     a.cfg.ReduceOnly,
		Timestamp:      u.Timestamp,
	}
}
