// Package riskbook is the narrow read-only interface strategy actors use
// to query current position, margin, and exchange-reported risk state.
// Strategies never own risk decisions (no kill switch, no leverage
// management here): they only read the book to size orders and detect
// desync on resume. The mirror is fed by the engine's
// positions_snapshot/margin_snapshot events.
package riskbook

import (
	"sync"
	"time"

	"perpstrategy/pkg/types"
)

// MarginSnapshot is the latest account-level margin state reported by the
// engine (positions_snapshot/margin_snapshot events).
type MarginSnapshot struct {
	SubAccount     string
	AvailableMargin float64
	UsedMargin      float64
	Timestamp       time.Time
}

// Book mirrors the latest position and margin state per sub-account,
// updated by the engine's push events. It is read by the trend and
// deleverage agents and by trail-stop resume; the TWAP, chase, scalper and
// trail-stop actors do not consult it.
type Book struct {
	mu         sync.RWMutex
	positions  map[string]types.Position // key: subAccount+"|"+symbol
	margins    map[string]MarginSnapshot // key: subAccount
}

// NewBook creates an empty risk book mirror.
func NewBook() *Book {
	return &Book{
		positions: make(map[string]types.Position),
		margins:   make(map[string]MarginSnapshot),
	}
}

func posKey(subAccount, symbol string) string { return subAccount + "|" + symbol }

// ApplyPosition records a position_update/positions_snapshot observation.
func (b *Book) ApplyPosition(p types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Closed() {
		delete(b.positions, posKey(p.SubAccount, p.Symbol))
		return
	}
	b.positions[posKey(p.SubAccount, p.Symbol)] = p
}

// ApplyMargin records a margin_snapshot observation.
func (b *Book) ApplyMargin(m MarginSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.margins[m.SubAccount] = m
}

// Position returns the current position for subAccount/symbol, and
// whether one is currently open.
func (b *Book) Position(subAccount, symbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[posKey(subAccount, symbol)]
	return p, ok
}

// Margin returns the latest margin snapshot for subAccount, and whether
// one has ever been observed.
func (b *Book) Margin(subAccount string) (MarginSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.margins[subAccount]
	return m, ok
}

// PositionsFor returns every currently open position for subAccount,
// used by agents composing multiple strategies over the same account.
func (b *Book) PositionsFor(subAccount string) []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.Position
	for _, p := range b.positions {
		if p.SubAccount == subAccount {
			out = append(out, p)
		}
	}
	return out
}
