package execchan

import (
	"context"
	"testing"
	"time"

	"perpstrategy/pkg/types"
)

// stubClient feeds the dispatcher from plain channels; Send and the
// snapshot/poll methods are never reached by these tests.
type stubClient struct {
	orderCh chan types.OrderUpdate
	posCh   chan types.PositionUpdate
}

func newStubClient() *stubClient {
	return &stubClient{
		orderCh: make(chan types.OrderUpdate, 8),
		posCh:   make(chan types.PositionUpdate, 8),
	}
}

func (s *stubClient) Send(ctx context.Context, op string, payload interface{}, idempotencyKey string) (Ack, error) {
	return Ack{Accepted: true}, nil
}
func (s *stubClient) SnapshotTick(ctx context.Context, symbol string) (types.Tick, error) {
	return types.Tick{}, nil
}
func (s *stubClient) OrderUpdates() <-chan types.OrderUpdate       { return s.orderCh }
func (s *stubClient) TradeExecutions() <-chan types.TradeExecution { return nil }
func (s *stubClient) PositionUpdates() <-chan types.PositionUpdate { return s.posCh }
func (s *stubClient) Ready() bool                                  { return true }
func (s *stubClient) LatestOrderUpdate(uint64) (types.OrderUpdate, bool) {
	return types.OrderUpdate{}, false
}
func (s *stubClient) LatestTradeExecution(uint64) (types.TradeExecution, bool) {
	return types.TradeExecution{}, false
}

func recvOrder(t *testing.T, ch <-chan types.OrderUpdate) types.OrderUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for order update")
		return types.OrderUpdate{}
	}
}

// TestSubscribeOrdersFiltersBySymbol checks an order update only reaches
// the subscribers whose symbol filter matches.
func TestSubscribeOrdersFiltersBySymbol(t *testing.T) {
	client := newStubClient()
	d := NewDispatcher(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	btc, unsubBTC := d.SubscribeOrders("BTC-PERP")
	defer unsubBTC()
	eth, unsubETH := d.SubscribeOrders("ETH-PERP")
	defer unsubETH()

	client.orderCh <- types.OrderUpdate{Symbol: "BTC-PERP", ClientOrder: "o1", Status: types.OrderFilled}

	got := recvOrder(t, btc)
	if got.ClientOrder != "o1" {
		t.Fatalf("btc subscriber got %+v, want ClientOrder=o1", got)
	}
	select {
	case u := <-eth:
		t.Fatalf("eth subscriber received cross-symbol update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscribeOrdersEmptySymbolMatchesAll checks a "" filter receives
// every symbol's updates.
func TestSubscribeOrdersEmptySymbolMatchesAll(t *testing.T) {
	client := newStubClient()
	d := NewDispatcher(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	all, unsub := d.SubscribeOrders("")
	defer unsub()

	client.orderCh <- types.OrderUpdate{Symbol: "BTC-PERP", ClientOrder: "a"}
	client.orderCh <- types.OrderUpdate{Symbol: "ETH-PERP", ClientOrder: "b"}

	if got := recvOrder(t, all); got.ClientOrder != "a" {
		t.Fatalf("first update = %+v, want a", got)
	}
	if got := recvOrder(t, all); got.ClientOrder != "b" {
		t.Fatalf("second update = %+v, want b", got)
	}
}

// TestUnsubscribeStopsDelivery checks a cancelled subscription receives
// nothing further.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := newStubClient()
	d := NewDispatcher(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ch, unsub := d.SubscribeOrders("BTC-PERP")
	unsub()

	client.orderCh <- types.OrderUpdate{Symbol: "BTC-PERP", ClientOrder: "late"}
	select {
	case u := <-ch:
		t.Fatalf("unsubscribed channel received %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscribePositionsFiltersByAccountAndSymbol checks the position
// routing filters compose: matching account + symbol delivers, either
// mismatch does not.
func TestSubscribePositionsFiltersByAccountAndSymbol(t *testing.T) {
	client := newStubClient()
	d := NewDispatcher(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	mine, unsub := d.SubscribePositions("acct1", "BTC-PERP")
	defer unsub()

	client.posCh <- types.PositionUpdate{Position: types.Position{SubAccount: "acct2", Symbol: "BTC-PERP", Quantity: 1}}
	client.posCh <- types.PositionUpdate{Position: types.Position{SubAccount: "acct1", Symbol: "ETH-PERP", Quantity: 1}}
	client.posCh <- types.PositionUpdate{Position: types.Position{SubAccount: "acct1", Symbol: "BTC-PERP", Quantity: 2}}

	select {
	case p := <-mine:
		if p.Position.Quantity != 2 {
			t.Fatalf("got %+v, want the acct1/BTC-PERP update with qty 2", p.Position)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for matching position update")
	}
	select {
	case p := <-mine:
		t.Fatalf("received a second, non-matching update %+v", p.Position)
	case <-time.After(50 * time.Millisecond):
	}
}
