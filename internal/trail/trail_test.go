package trail

import (
	"context"
	"testing"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/execchan"
	"perpstrategy/pkg/types"
)

type fakeClient struct {
	sent []string
}

func (f *fakeClient) Send(ctx context.Context, op string, payload interface{}, idempotencyKey string) (execchan.Ack, error) {
	f.sent = append(f.sent, op)
	return execchan.Ack{Accepted: true}, nil
}
func (f *fakeClient) SnapshotTick(ctx context.Context, symbol string) (types.Tick, error) {
	return types.Tick{}, nil
}
func (f *fakeClient) OrderUpdates() <-chan types.OrderUpdate       { return nil }
func (f *fakeClient) TradeExecutions() <-chan types.TradeExecution { return nil }
func (f *fakeClient) PositionUpdates() <-chan types.PositionUpdate { return nil }
func (f *fakeClient) Ready() bool                                  { return true }
func (f *fakeClient) LatestOrderUpdate(requestID uint64) (types.OrderUpdate, bool) {
	return types.OrderUpdate{}, false
}
func (f *fakeClient) LatestTradeExecution(requestID uint64) (types.TradeExecution, bool) {
	return types.TradeExecution{}, false
}

type noopPersister struct{}

func (noopPersister) Persist(ctx context.Context, id string, state State) error { return nil }
func (noopPersister) Delete(ctx context.Context, id string) error              { return nil }

func longConfig(activation *float64) Config {
	return Config{ID: "tr1", SubAccount: "acct1", PositionID: "pos1", Symbol: "BTC-PERP", Side: types.Long, ActivationPrice: activation, CallbackPct: 2}
}

func TestValidateCallbackPctRange(t *testing.T) {
	cases := []struct {
		pct     float64
		wantErr bool
	}{
		{0, true}, {-1, true}, {50, false}, {50.1, true}, {25, false},
	}
	for _, tc := range cases {
		cfg := longConfig(nil)
		cfg.CallbackPct = tc.pct
		err := Validate(cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("CallbackPct=%v: Validate() error=%v, wantErr=%v", tc.pct, err, tc.wantErr)
		}
	}
}

// TestNilActivationPriceActivatesImmediately guards against the bug where
// a zero-value ActivationPrice would never be reached for a Short trail
// (since price <= 0 never holds for real prices).
func TestNilActivationPriceActivatesImmediately(t *testing.T) {
	for _, side := range []types.Side{types.Long, types.Short} {
		cfg := longConfig(nil)
		cfg.Side = side
		tr, err := New(cfg, &fakeClient{}, noopPersister{}, clock.NewFake(time.Now()), nil)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		terminal, err := tr.OnTick(context.Background(), 100)
		if err != nil {
			t.Fatalf("OnTick() error: %v", err)
		}
		if terminal {
			t.Fatalf("side %v: expected non-terminal transition to tracking", side)
		}
		if tr.Snapshot().Phase != PhaseTracking {
			t.Fatalf("side %v: Phase = %v, want tracking", side, tr.Snapshot().Phase)
		}
	}
}

// TestActivationPriceGating checks a Long trail waits until price reaches
// the configured activation level before tracking begins.
func TestActivationPriceGating(t *testing.T) {
	act := 105.0
	cfg := longConfig(&act)
	tr, err := New(cfg, &fakeClient{}, noopPersister{}, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := tr.OnTick(context.Background(), 104); err != nil {
		t.Fatalf("OnTick() error: %v", err)
	}
	if tr.Snapshot().Phase != PhaseWaiting {
		t.Fatalf("Phase = %v, want waiting (below activation)", tr.Snapshot().Phase)
	}
	if _, err := tr.OnTick(context.Background(), 106); err != nil {
		t.Fatalf("OnTick() error: %v", err)
	}
	if tr.Snapshot().Phase != PhaseTracking {
		t.Fatalf("Phase = %v, want tracking (activation reached)", tr.Snapshot().Phase)
	}
}

// TestTriggerOnRetrace: a long position
// trails up, then retraces by callbackPct and fires a reduce-only close.
func TestTriggerOnRetrace(t *testing.T) {
	client := &fakeClient{}
	cfg := longConfig(nil)
	cfg.CallbackPct = 2 // 2%
	tr, err := New(cfg, client, noopPersister{}, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	if _, err := tr.OnTick(ctx, 100); err != nil { // activates, extreme=100, trigger=98
		t.Fatal(err)
	}
	if _, err := tr.OnTick(ctx, 110); err != nil { // new extreme=110, trigger=107.8
		t.Fatal(err)
	}
	if got := tr.Snapshot().ExtremePrice; got != 110 {
		t.Fatalf("ExtremePrice = %v, want 110", got)
	}
	terminal, err := tr.OnTick(ctx, 107) // retraced below trigger 107.8
	if err != nil {
		t.Fatalf("OnTick() error: %v", err)
	}
	if !terminal {
		t.Fatalf("expected terminal transition on retrace")
	}
	if tr.Snapshot().Phase != PhaseTriggered {
		t.Fatalf("Phase = %v, want triggered", tr.Snapshot().Phase)
	}
	found := false
	for _, op := range client.sent {
		if op == types.OpClosePosition {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a close-position command to be sent, got %v", client.sent)
	}
}

func TestCancelDeletesRecord(t *testing.T) {
	deleted := false
	tr, err := New(longConfig(nil), &fakeClient{}, deletingPersister{&deleted}, clock.NewFake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := tr.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if !deleted {
		t.Fatalf("expected Delete to be called")
	}
	if tr.Snapshot().Phase != PhaseCancelled {
		t.Fatalf("Phase = %v, want cancelled", tr.Snapshot().Phase)
	}
}

type deletingPersister struct{ deleted *bool }

func (deletingPersister) Persist(ctx context.Context, id string, state State) error { return nil }
func (d deletingPersister) Delete(ctx context.Context, id string) error {
	*d.deleted = true
	return nil
}

type countingPersister struct{ persists *int }

func (p countingPersister) Persist(ctx context.Context, id string, state State) error {
	*p.persists++
	return nil
}
func (countingPersister) Delete(ctx context.Context, id string) error { return nil }

// TestPersistThrottledOncePerSecond checks tracking-phase persistence is
// bounded to one write per second, advancing a fake clock instead of
// sleeping.
func TestPersistThrottledOncePerSecond(t *testing.T) {
	persists := 0
	clk := clock.NewFake(time.Now())
	tr, err := New(longConfig(nil), &fakeClient{}, countingPersister{&persists}, clk, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	if _, err := tr.OnTick(ctx, 100); err != nil { // activates, first persist
		t.Fatal(err)
	}
	if _, err := tr.OnTick(ctx, 101); err != nil { // same instant, throttled
		t.Fatal(err)
	}
	if persists != 1 {
		t.Fatalf("persists = %d after two same-instant ticks, want 1", persists)
	}

	clk.Advance(1100 * time.Millisecond)
	if _, err := tr.OnTick(ctx, 102); err != nil {
		t.Fatal(err)
	}
	if persists != 2 {
		t.Fatalf("persists = %d after the throttle window elapsed, want 2", persists)
	}
}
