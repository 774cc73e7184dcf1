package twap

import (
	"context"
	"testing"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/marketdata"
	"perpstrategy/pkg/types"
)

func validBasketConfig() BasketConfig {
	return BasketConfig{
		ID:         "b1",
		SubAccount: "acct1",
		Legs: []LegConfig{
			{Symbol: "BTC-PERP", Side: types.Long, TotalSizeUsd: 1000},
			{Symbol: "ETH-PERP", Side: types.Short, TotalSizeUsd: 500},
		},
		Lots:            3,
		DurationMinutes: 10,
		Leverage:        5,
	}
}

type noopBasketPersister struct{}

func (noopBasketPersister) Persist(ctx context.Context, id string, state BasketState) error {
	return nil
}
func (noopBasketPersister) Delete(ctx context.Context, id string) error { return nil }

// TestBasketRunsAllLegsInLockstep checks a single-lot basket run drives
// every leg's executeLot for the same lot index and settles the aggregate
// state once every leg has filled.
func TestBasketRunsAllLegsInLockstep(t *testing.T) {
	client := newFakeClient()
	client.snapshot = types.Tick{Mark: 100, Bid: 99, Ask: 101}
	book := marketdata.NewBook()
	book.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Bid: 99, Ask: 101, Timestamp: time.Now()})
	book.Apply(types.Tick{Symbol: "ETH-PERP", Mark: 50, Bid: 49, Ask: 51, Timestamp: time.Now()})
	clk := clock.NewFake(time.Now())

	cfg := validBasketConfig()
	cfg.Lots = 1
	b, err := NewBasket(cfg, client, book, clk, noopBasketPersister{}, discardLogger())
	if err != nil {
		t.Fatalf("NewBasket() error: %v", err)
	}

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	for i, leg := range b.state.Legs {
		if leg.FilledLots != 1 {
			t.Fatalf("leg %d FilledLots = %d, want 1", i, leg.FilledLots)
		}
	}
	if b.state.LotIndex != 1 {
		t.Fatalf("LotIndex = %d, want 1", b.state.LotIndex)
	}
	if b.state.Status != types.StatusCompleted {
		t.Fatalf("Status = %v, want completed", b.state.Status)
	}
}

// TestBasketOneLegFailureDoesNotAbortSiblings checks a leg whose orders are
// always rejected still advances lockstep with its siblings instead of
// stalling the whole basket.
func TestBasketOneLegFailureDoesNotAbortSiblings(t *testing.T) {
	client := newFakeClient()
	client.accept = false // every leg's chase/market attempt gets rejected
	client.snapshot = types.Tick{Mark: 100, Bid: 99, Ask: 101}
	book := marketdata.NewBook()
	book.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Bid: 99, Ask: 101, Timestamp: time.Now()})
	book.Apply(types.Tick{Symbol: "ETH-PERP", Mark: 50, Bid: 49, Ask: 51, Timestamp: time.Now()})
	clk := clock.NewFake(time.Now())

	cfg := validBasketConfig()
	cfg.Lots = 1
	b, err := NewBasket(cfg, client, book, clk, noopBasketPersister{}, discardLogger())
	if err != nil {
		t.Fatalf("NewBasket() error: %v", err)
	}

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	for i, leg := range b.state.Legs {
		if leg.FilledLots != 1 {
			t.Fatalf("leg %d FilledLots = %d, want 1 (must advance despite rejection)", i, leg.FilledLots)
		}
		if len(leg.Results) != 1 || leg.Results[0].Success {
			t.Fatalf("leg %d expected one failed result, got %+v", i, leg.Results)
		}
	}
}

// TestResumeBasketAdoptsPersistedLotIndex checks ResumeBasket starts from
// the caller-supplied LotIndex and per-leg state rather than restarting
// from zero.
func TestResumeBasketAdoptsPersistedLotIndex(t *testing.T) {
	client := newFakeClient()
	book := marketdata.NewBook()
	clk := clock.NewFake(time.Now())

	cfg := validBasketConfig()
	state := BasketState{
		LotIndex: 2,
		Legs: []State{
			{FilledLots: 2, Status: types.StatusActive},
			{FilledLots: 2, Status: types.StatusActive},
		},
		Status: types.StatusActive,
	}

	b, err := ResumeBasket(cfg, state, client, book, clk, noopBasketPersister{}, discardLogger())
	if err != nil {
		t.Fatalf("ResumeBasket() error: %v", err)
	}
	if b.state.LotIndex != 2 {
		t.Fatalf("LotIndex = %d, want 2", b.state.LotIndex)
	}
	for i, leg := range b.legs {
		if leg.state.FilledLots != 2 {
			t.Fatalf("leg %d FilledLots = %d, want 2 (resume must not restart legs)", i, leg.state.FilledLots)
		}
	}
}
