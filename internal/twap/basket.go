// basket.go implements the TWAP basket: identical lot scheduling
// to a single TWAP, but each tick fans out to every leg in parallel with
// Promise.allSettled semantics, implemented here with
// golang.org/x/sync/errgroup feeding per-leg closures that recover their
// own error into a per-leg result slot rather than aborting sibling legs.
package twap

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/pkg/types"
)

// LegConfig is one leg of a basket: its own symbol/side/size/price-limit,
// sharing the basket's lot count, duration, jitter, and leverage.
type LegConfig struct {
	Symbol     string
	Side       types.Side
	TotalSizeUsd float64
	PriceLimit *float64
}

// BasketConfig is the immutable configuration of a TWAP basket run.
type BasketConfig struct {
	ID              string
	SubAccount      string
	Legs            []LegConfig
	Lots            int
	DurationMinutes int
	Leverage        float64
	Jitter          bool
	Irregular       bool
}

// BasketState is the persisted runtime view: one TWAP State per leg, plus
// the shared lot index.
type BasketState struct {
	LotIndex int
	Legs     []State
	Status   types.Status
}

// BasketPersister persists the aggregate basket state (one entry covering
// every leg), distinct from the per-leg Persister each Runner would use
// standalone.
type BasketPersister interface {
	Persist(ctx context.Context, id string, state BasketState) error
	Delete(ctx context.Context, id string) error
}

// legPersister is a no-op Persister handed to each per-leg Runner: the
// basket persists its own aggregate BasketState after every tick instead
// of letting each leg write its own snapshot under the shared basket ID.
type legPersister struct{}

func (legPersister) Persist(context.Context, string, State) error { return nil }
func (legPersister) Delete(context.Context, string) error         { return nil }

// BasketRunner drives a TWAP basket to completion.
type BasketRunner struct {
	cfg       BasketConfig
	legs      []*Runner
	clk       clock.Clock
	persister BasketPersister
	logger    *slog.Logger

	state BasketState
}

// NewBasket validates every leg as an independent TWAP config (sharing
// lot count/duration/jitter/leverage) and builds one Runner per leg.
func NewBasket(cfg BasketConfig, client execchan.Client, book *marketdata.Book, clk clock.Clock, persister BasketPersister, logger *slog.Logger) (*BasketRunner, error) {
	b := &BasketRunner{cfg: cfg, clk: clk, persister: persister, logger: logger.With("component", "twap_basket", "id", cfg.ID)}
	for i, leg := range cfg.Legs {
		legCfg := Config{
			ID:              cfg.ID + "/leg" + string(rune('0'+i)),
			SubAccount:      cfg.SubAccount,
			Symbol:          leg.Symbol,
			Side:            leg.Side,
			TotalSizeUsd:    leg.TotalSizeUsd,
			Lots:            cfg.Lots,
			DurationMinutes: cfg.DurationMinutes,
			Leverage:        cfg.Leverage,
			Jitter:          cfg.Jitter,
			Irregular:       cfg.Irregular,
			PriceLimit:      leg.PriceLimit,
		}
		r, err := New(legCfg, client, book, clk, legPersister{}, logger)
		if err != nil {
			return nil, err
		}
		b.legs = append(b.legs, r)
	}
	b.state.Legs = make([]State, len(b.legs))
	b.state.Status = types.StatusActive
	return b, nil
}

// ResumeBasket reconstructs a BasketRunner from a previously persisted
// aggregate state, adopting the caller-supplied LotIndex rather
// than restarting the schedule from zero.
func ResumeBasket(cfg BasketConfig, state BasketState, client execchan.Client, book *marketdata.Book, clk clock.Clock, persister BasketPersister, logger *slog.Logger) (*BasketRunner, error) {
	b, err := NewBasket(cfg, client, book, clk, persister, logger)
	if err != nil {
		return nil, err
	}
	b.state = state
	for i, leg := range b.legs {
		if i < len(state.Legs) {
			leg.state = state.Legs[i]
		}
	}
	return b, nil
}

// Run executes lots across all legs in lockstep: the lot index advances
// only once every leg has settled its attempt for that tick.
func (b *BasketRunner) Run(ctx context.Context) error {
	for b.state.LotIndex < b.cfg.Lots {
		select {
		case <-ctx.Done():
			b.state.Status = types.StatusCancelled
			_ = b.persister.Persist(context.Background(), b.cfg.ID, b.state)
			return ctx.Err()
		default:
		}

		g, gctx := errgroup.WithContext(context.Background())
		lotIdx := b.state.LotIndex
		for _, leg := range b.legs {
			leg := leg
			g.Go(func() error {
				defer func() {
					if p := recover(); p != nil {
						leg.recordAndAdvance(LotResult{Success: false, Error: "panic recovered in leg"})
					}
				}()
				leg.executeLot(gctx, lotIdx)
				return nil
			})
		}
		_ = g.Wait() // per-leg errors are captured into each leg's own results, never abort siblings

		for i, leg := range b.legs {
			b.state.Legs[i] = leg.State()
		}
		b.state.LotIndex++
		_ = b.persister.Persist(ctx, b.cfg.ID, b.state)

		if b.state.LotIndex >= b.cfg.Lots {
			break
		}

		interval := nextInterval(Config{DurationMinutes: b.cfg.DurationMinutes, Lots: b.cfg.Lots, Jitter: b.cfg.Jitter})
		select {
		case <-ctx.Done():
			b.state.Status = types.StatusCancelled
			_ = b.persister.Persist(context.Background(), b.cfg.ID, b.state)
			return ctx.Err()
		case <-b.clk.After(interval):
		}
	}
	b.state.Status = types.StatusCompleted
	return b.persister.Persist(ctx, b.cfg.ID, b.state)
}

// State returns the current basket runtime view.
func (b *BasketRunner) State() BasketState { return b.state }
