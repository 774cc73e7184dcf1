// Package marketdata provides the local mirror strategy actors read
// mark/best-bid/best-ask from, fed by the push-only market-data source
// (this package only consumes prices, never originates them). Strategies
// only ever read bestBid/bestAsk/mark, never book depth, so the mirror
// keeps a single best-quote view per symbol.
package marketdata

import (
	"sync"
	"time"

	"perpstrategy/pkg/types"
)

// StaleAfter is how long a symbol's book may go without an update before
// IsStale reports true.
const StaleAfter = 10 * time.Second

// Book mirrors the latest tick per symbol. Safe for concurrent use: many
// strategy actors read the same symbol's book concurrently while a single
// ingestion goroutine writes it.
type Book struct {
	mu      sync.RWMutex
	bySymbol map[string]types.Tick
}

// NewBook creates an empty book mirror.
func NewBook() *Book {
	return &Book{bySymbol: make(map[string]types.Tick)}
}

// Apply records a new tick observation, overwriting any prior value for
// its symbol.
func (b *Book) Apply(t types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySymbol[t.Symbol] = t
}

// Get returns the latest tick for symbol and whether one has ever been
// observed.
func (b *Book) Get(symbol string) (types.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.bySymbol[symbol]
	return t, ok
}

// IsStale reports whether symbol's last update is older than StaleAfter,
// or whether no update has ever been observed.
func (b *Book) IsStale(symbol string) bool {
	t, ok := b.Get(symbol)
	if !ok {
		return true
	}
	return time.Since(t.Timestamp) > StaleAfter
}

// Subscriptions reference-counts per-symbol interest so the last
// unsubscribe can stop the underlying feed.
// Concrete feed start/stop is injected via onFirst/onLast so this type
// stays agnostic to the ingestion transport.
type Subscriptions struct {
	mu      sync.Mutex
	counts  map[string]int
	onFirst func(symbol string)
	onLast  func(symbol string)
}

// NewSubscriptions creates a ref-counted subscription tracker. Either
// callback may be nil.
func NewSubscriptions(onFirst, onLast func(symbol string)) *Subscriptions {
	return &Subscriptions{
		counts:  make(map[string]int),
		onFirst: onFirst,
		onLast:  onLast,
	}
}

// Add increments symbol's subscriber count, invoking onFirst if this is
// the first subscriber.
func (s *Subscriptions) Add(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[symbol]++
	if s.counts[symbol] == 1 && s.onFirst != nil {
		s.onFirst(symbol)
	}
}

// Remove decrements symbol's subscriber count, invoking onLast and
// deleting the entry once it reaches zero.
func (s *Subscriptions) Remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[symbol] == 0 {
		return
	}
	s.counts[symbol]--
	if s.counts[symbol] <= 0 {
		delete(s.counts, symbol)
		if s.onLast != nil {
			s.onLast(symbol)
		}
	}
}

// Count returns the current subscriber count for symbol.
func (s *Subscriptions) Count(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[symbol]
}
