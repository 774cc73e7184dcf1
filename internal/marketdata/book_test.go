package marketdata

import (
	"testing"
	"time"

	"perpstrategy/pkg/types"
)

func TestApplyAndGet(t *testing.T) {
	b := NewBook()
	if _, ok := b.Get("BTC-PERP"); ok {
		t.Fatalf("Get on empty book returned ok=true")
	}
	b.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Bid: 99, Ask: 101, Timestamp: time.Now()})
	tick, ok := b.Get("BTC-PERP")
	if !ok {
		t.Fatalf("Get after Apply returned ok=false")
	}
	if tick.Mark != 100 {
		t.Fatalf("Mark = %v, want 100", tick.Mark)
	}
}

func TestApplyOverwritesPriorTick(t *testing.T) {
	b := NewBook()
	b.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Timestamp: time.Now()})
	b.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 200, Timestamp: time.Now()})
	tick, _ := b.Get("BTC-PERP")
	if tick.Mark != 200 {
		t.Fatalf("Mark = %v, want 200 (later Apply should win)", tick.Mark)
	}
}

func TestIsStaleNeverObserved(t *testing.T) {
	b := NewBook()
	if !b.IsStale("BTC-PERP") {
		t.Fatalf("IsStale on never-observed symbol = false, want true")
	}
}

func TestIsStaleFreshTick(t *testing.T) {
	b := NewBook()
	b.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Timestamp: time.Now()})
	if b.IsStale("BTC-PERP") {
		t.Fatalf("IsStale on fresh tick = true, want false")
	}
}

func TestIsStaleOldTick(t *testing.T) {
	b := NewBook()
	b.Apply(types.Tick{Symbol: "BTC-PERP", Mark: 100, Timestamp: time.Now().Add(-StaleAfter - time.Second)})
	if !b.IsStale("BTC-PERP") {
		t.Fatalf("IsStale on tick older than StaleAfter = false, want true")
	}
}

func TestSubscriptionsFiresOnFirstAndLast(t *testing.T) {
	var firstCalls, lastCalls []string
	s := NewSubscriptions(
		func(symbol string) { firstCalls = append(firstCalls, symbol) },
		func(symbol string) { lastCalls = append(lastCalls, symbol) },
	)

	s.Add("BTC-PERP")
	s.Add("BTC-PERP")
	if s.Count("BTC-PERP") != 2 {
		t.Fatalf("Count = %d, want 2", s.Count("BTC-PERP"))
	}
	if len(firstCalls) != 1 {
		t.Fatalf("onFirst called %d times, want 1", len(firstCalls))
	}

	s.Remove("BTC-PERP")
	if len(lastCalls) != 0 {
		t.Fatalf("onLast called before last subscriber removed")
	}
	s.Remove("BTC-PERP")
	if len(lastCalls) != 1 {
		t.Fatalf("onLast called %d times, want 1", len(lastCalls))
	}
	if s.Count("BTC-PERP") != 0 {
		t.Fatalf("Count after removing all subscribers = %d, want 0", s.Count("BTC-PERP"))
	}
}

func TestSubscriptionsRemoveBelowZeroIsNoop(t *testing.T) {
	calls := 0
	s := NewSubscriptions(nil, func(symbol string) { calls++ })
	s.Remove("BTC-PERP")
	if calls != 0 {
		t.Fatalf("onLast fired for a symbol with no subscribers")
	}
}
