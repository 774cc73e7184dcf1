// Package clock abstracts wall-clock access so timer-driven actors (TWAP
// ticks, throttled trail-stop persistence, scalper fatigue decay) can be
// exercised deterministically in tests without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the narrow surface strategy actors use instead of the time
// package directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so Fake can substitute it.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production clock, a thin pass-through to the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	t := time.NewTicker(d)
	return &realTicker{t: t}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Fake is a manually-advanced clock for tests. Advance fires any pending
// After/ticker channels whose deadline has passed.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	period   time.Duration // 0 for one-shot After
}

// NewFake creates a fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), ch: ch, period: d})
	return &fakeTicker{f: f, ch: ch}
}

type fakeTicker struct {
	f  *Fake
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	for i := range t.f.waiters {
		if t.f.waiters[i].ch == t.ch {
			t.f.waiters[i].period = -1 // mark dead
		}
	}
}

// Advance moves the fake clock forward by d, firing any waiters whose
// deadline has been reached, and rescheduling periodic tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.period < 0 {
			continue // stopped ticker
		}
		if !f.now.Before(w.deadline) {
			select {
			case w.ch <- f.now:
			default:
			}
			if w.period > 0 {
				w.deadline = f.now.Add(w.period)
				remaining = append(remaining, w)
			}
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}
