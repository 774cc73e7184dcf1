// dispatch.go fans the client's single inbound event channels out to
// per-strategy subscribers. The WSClient demultiplexes the wire stream
// into one channel per event type; this Dispatcher is the second hop,
// routing order updates to the actor whose symbol they concern and
// position updates to the risk mirror and any agent watching that
// account. Subscribers register and drop with strategy lifetimes.
package execchan

import (
	"context"
	"sync"

	"perpstrategy/pkg/types"
)

const subBufferSize = 64

type orderSub struct {
	symbol string // "" matches every symbol
	ch     chan types.OrderUpdate
}

type positionSub struct {
	subAccount string // "" matches every account
	symbol     string // "" matches every symbol
	ch         chan types.PositionUpdate
}

// Dispatcher routes the client's inbound event streams to dynamically
// registered subscribers. Exactly one goroutine runs Run; any number of
// strategy actors subscribe and unsubscribe concurrently.
type Dispatcher struct {
	client Client

	mu       sync.Mutex
	nextID   int
	orders   map[int]orderSub
	positions map[int]positionSub
}

// NewDispatcher creates a dispatcher over client's event channels. Call
// Run to start routing.
func NewDispatcher(client Client) *Dispatcher {
	return &Dispatcher{
		client:    client,
		orders:    make(map[int]orderSub),
		positions: make(map[int]positionSub),
	}
}

// SubscribeOrders returns a channel receiving every order_update whose
// symbol matches (empty symbol subscribes to all), plus a cancel func
// that must be called when the subscriber's actor exits.
func (d *Dispatcher) SubscribeOrders(symbol string) (<-chan types.OrderUpdate, func()) {
	ch := make(chan types.OrderUpdate, subBufferSize)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.orders[id] = orderSub{symbol: symbol, ch: ch}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.orders, id)
		d.mu.Unlock()
	}
}

// SubscribePositions returns a channel receiving every position_update
// matching the subAccount/symbol filters (empty matches all), plus a
// cancel func.
func (d *Dispatcher) SubscribePositions(subAccount, symbol string) (<-chan types.PositionUpdate, func()) {
	ch := make(chan types.PositionUpdate, subBufferSize)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.positions[id] = positionSub{subAccount: subAccount, symbol: symbol, ch: ch}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.positions, id)
		d.mu.Unlock()
	}
}

// Run routes events until ctx is cancelled. Slow subscribers drop rather
// than block the routing loop: per-symbol ordering is preserved for
// everything a subscriber does receive.
func (d *Dispatcher) Run(ctx context.Context) error {
	orderCh := d.client.OrderUpdates()
	posCh := d.client.PositionUpdates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-orderCh:
			if !ok {
				orderCh = nil
				continue
			}
			d.routeOrder(u)
		case p, ok := <-posCh:
			if !ok {
				posCh = nil
				continue
			}
			d.routePosition(p)
		}
	}
}

func (d *Dispatcher) routeOrder(u types.OrderUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.orders {
		if sub.symbol != "" && sub.symbol != u.Symbol {
			continue
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
}

func (d *Dispatcher) routePosition(p types.PositionUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.positions {
		if sub.subAccount != "" && sub.subAccount != p.Position.SubAccount {
			continue
		}
		if sub.symbol != "" && sub.symbol != p.Position.Symbol {
			continue
		}
		select {
		case sub.ch <- p:
		default:
		}
	}
}
