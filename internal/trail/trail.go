// Package trail implements the trailing stop engine: a state machine
// that waits for an activation price, then tracks the extreme favourable
// price and triggers a reduce-only close once price retraces by
// callbackPct from that extreme.
package trail

import (
	"context"
	"sync"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/errs"
	"perpstrategy/internal/execchan"
	"perpstrategy/pkg/types"
)

// Phase is the trailing stop's lifecycle phase.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseTracking  Phase = "tracking"
	PhaseTriggered Phase = "triggered"
	PhaseCancelled Phase = "cancelled"
)

// persistThrottle bounds durable writes to at most once per second per
// trail stop.
const persistThrottle = time.Second

// Config is the immutable configuration of a trailing stop.
type Config struct {
	ID              string
	SubAccount      string
	PositionID      string
	Symbol          string
	Side            types.Side // direction of the underlying position
	ActivationPrice *float64   // nil activates immediately on the first tick
	CallbackPct     float64    // (0, 50]
}

// Validate checks the callback bound.
func Validate(cfg Config) error {
	if cfg.CallbackPct <= 0 || cfg.CallbackPct > 50 {
		return errs.Validation("callbackPct must be in (0,50]")
	}
	return nil
}

// State is the persisted runtime view.
type State struct {
	Phase        Phase
	ExtremePrice float64
	TriggerPrice float64
}

// Persister persists trail-stop state at most once per second.
type Persister interface {
	Persist(ctx context.Context, id string, state State) error
	Delete(ctx context.Context, id string) error
}

// Trail drives one trailing stop's state machine.
type Trail struct {
	cfg       Config
	client    execchan.Client
	persister Persister
	clk       clock.Clock

	mu           sync.Mutex
	state        State
	lastPersist  time.Time
}

// New creates a trailing stop in the waiting phase, or resumes from a
// previously persisted state if resume is non-nil.
func New(cfg Config, client execchan.Client, persister Persister, clk clock.Clock, resume *State) (*Trail, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	t := &Trail{cfg: cfg, client: client, persister: persister, clk: clk, state: State{Phase: PhaseWaiting}}
	if resume != nil {
		t.state = *resume
	}
	return t, nil
}

// Snapshot returns a copy of the current state.
func (t *Trail) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnTick advances the state machine for a new price observation.
// Returns true once the trail has reached a terminal phase.
func (t *Trail) OnTick(ctx context.Context, price float64) (terminal bool, err error) {
	t.mu.Lock()
	phase := t.state.Phase
	t.mu.Unlock()

	switch phase {
	case PhaseWaiting:
		if t.activationReached(price) {
			t.mu.Lock()
			t.state.Phase = PhaseTracking
			t.state.ExtremePrice = price
			t.state.TriggerPrice = t.triggerFrom(price)
			t.mu.Unlock()
			t.persistThrottled(ctx)
		}
		return false, nil

	case PhaseTracking:
		t.mu.Lock()
		if t.cfg.Side == types.Long {
			if price > t.state.ExtremePrice {
				t.state.ExtremePrice = price
			}
		} else {
			if t.state.ExtremePrice == 0 || price < t.state.ExtremePrice {
				t.state.ExtremePrice = price
			}
		}
		t.state.TriggerPrice = t.triggerFrom(t.state.ExtremePrice)
		triggered := (t.cfg.Side == types.Long && price <= t.state.TriggerPrice) ||
			(t.cfg.Side == types.Short && price >= t.state.TriggerPrice)
		t.mu.Unlock()

		if triggered {
			return true, t.fire(ctx)
		}
		t.persistThrottled(ctx)
		return false, nil

	default:
		return true, nil
	}
}

func (t *Trail) activationReached(price float64) bool {
	if t.cfg.ActivationPrice == nil {
		return true
	}
	if t.cfg.Side == types.Long {
		return price >= *t.cfg.ActivationPrice
	}
	return price <= *t.cfg.ActivationPrice
}

func (t *Trail) triggerFrom(extreme float64) float64 {
	cb := t.cfg.CallbackPct / 100
	if t.cfg.Side == types.Long {
		return extreme * (1 - cb)
	}
	return extreme * (1 + cb)
}

func (t *Trail) fire(ctx context.Context) error {
	t.mu.Lock()
	t.state.Phase = PhaseTriggered
	t.mu.Unlock()

	_, err := t.client.Send(ctx, types.OpClosePosition, map[string]interface{}{
		"subAccountId": t.cfg.SubAccount,
		"positionId":   t.cfg.PositionID,
		"symbol":       t.cfg.Symbol,
		"reduceOnly":   true,
		"reason":       "TRAIL_STOP",
	}, "")

	_ = t.persister.Persist(ctx, t.cfg.ID, t.Snapshot())
	return err
}

// Cancel transitions to the cancelled terminal phase and deletes the
// durable record.
func (t *Trail) Cancel(ctx context.Context) error {
	t.mu.Lock()
	t.state.Phase = PhaseCancelled
	t.mu.Unlock()
	return t.persister.Delete(ctx, t.cfg.ID)
}

func (t *Trail) persistThrottled(ctx context.Context) {
	now := t.clk.Now()
	t.mu.Lock()
	if now.Sub(t.lastPersist) < persistThrottle {
		t.mu.Unlock()
		return
	}
	t.lastPersist = now
	snap := t.state
	t.mu.Unlock()
	_ = t.persister.Persist(ctx, t.cfg.ID, snap)
}
