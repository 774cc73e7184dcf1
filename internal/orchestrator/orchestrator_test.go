package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"perpstrategy/internal/clock"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/registry"
	"perpstrategy/internal/riskbook"
	"perpstrategy/internal/store"
	"perpstrategy/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct{}

func (fakeClient) Send(ctx context.Context, op string, payload interface{}, idempotencyKey string) (execchan.Ack, error) {
	return execchan.Ack{Accepted: true, RequestID: 1}, nil
}
func (fakeClient) SnapshotTick(ctx context.Context, symbol string) (types.Tick, error) {
	return types.Tick{Symbol: symbol, Mark: 100, Bid: 99, Ask: 101}, nil
}
func (fakeClient) OrderUpdates() <-chan types.OrderUpdate       { return nil }
func (fakeClient) TradeExecutions() <-chan types.TradeExecution { return nil }
func (fakeClient) PositionUpdates() <-chan types.PositionUpdate { return nil }
func (fakeClient) Ready() bool                                  { return true }
func (fakeClient) LatestOrderUpdate(requestID uint64) (types.OrderUpdate, bool) {
	return types.OrderUpdate{}, false
}
func (fakeClient) LatestTradeExecution(requestID uint64) (types.TradeExecution, bool) {
	return types.TradeExecution{}, false
}

// channelClient is a fakeClient with live event channels, for exercising
// the inbound event routing.
type channelClient struct {
	fakeClient
	posCh chan types.PositionUpdate
}

func (c *channelClient) PositionUpdates() <-chan types.PositionUpdate { return c.posCh }

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(discardLogger())
	return New(reg, fakeClient{}, marketdata.NewBook(), riskbook.NewBook(), st, clock.Real{}, discardLogger())
}

func trailBody(subAccount, positionID string) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"subAccountId": subAccount,
		"positionId":   positionID,
		"symbol":       "BTC-PERP",
		"side":         types.Long,
		"callbackPct":  1.0,
	})
	return b
}

// TestStartTrailStopRejectsDuplicatePosition exercises the duplicate-position
// rejection: a second trail stop on the same positionId must be refused
// with a conflict, not silently layered on top of the first.
func TestStartTrailStopRejectsDuplicatePosition(t *testing.T) {
	o := newTestOrchestrator(t)
	defer func() {
		for _, info := range o.reg.List("") {
			o.Stop(string(info.Kind), info.ID, false)
		}
	}()

	id1, err := o.StartTrailStop("acct1", trailBody("acct1", "pos-1"))
	if err != nil {
		t.Fatalf("first StartTrailStop() error: %v", err)
	}
	if id1 == "" {
		t.Fatalf("expected non-empty id from first StartTrailStop")
	}

	_, err = o.StartTrailStop("acct1", trailBody("acct1", "pos-1"))
	if err == nil {
		t.Fatalf("expected conflict error on duplicate positionId, got nil")
	}
}

// TestStopClearsTrailPositionMapping checks that stopping a trail stop
// frees its positionId for a fresh trail stop on the same position.
func TestStopClearsTrailPositionMapping(t *testing.T) {
	o := newTestOrchestrator(t)

	id1, err := o.StartTrailStop("acct1", trailBody("acct1", "pos-2"))
	if err != nil {
		t.Fatalf("first StartTrailStop() error: %v", err)
	}
	if err := o.Stop(string(types.KindTrailStop), id1, false); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	id2, err := o.StartTrailStop("acct1", trailBody("acct1", "pos-2"))
	if err != nil {
		t.Fatalf("StartTrailStop() after Stop() error: %v", err)
	}
	defer o.Stop(string(types.KindTrailStop), id2, false)

	if id2 == id1 {
		t.Fatalf("expected a fresh id for the re-started trail stop")
	}
}

func twapBody(subAccount string) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"subAccountId":    subAccount,
		"symbol":          "BTC-PERP",
		"side":            types.Long,
		"totalSize":       1000,
		"lots":            5,
		"durationMinutes": 10,
		"leverage":        5,
	})
	return b
}

// TestActiveAndGetReflectRegisteredStrategy checks Active/Get surface the
// snapshot of a freshly started TWAP, filtered by kind and sub-account.
func TestActiveAndGetReflectRegisteredStrategy(t *testing.T) {
	o := newTestOrchestrator(t)

	id, err := o.StartTWAP("acct1", twapBody("acct1"))
	if err != nil {
		t.Fatalf("StartTWAP() error: %v", err)
	}
	defer o.Stop(string(types.KindTWAP), id, false)

	snap, ok, err := o.Get(string(types.KindTWAP), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if snap.ID != id || snap.Kind != string(types.KindTWAP) {
		t.Fatalf("Get() = %+v, want id=%s kind=%s", snap, id, types.KindTWAP)
	}

	active, err := o.Active(string(types.KindTWAP), "acct1")
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	found := false
	for _, s := range active {
		if s.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("Active() did not include the started TWAP, got %+v", active)
	}

	noMatch, err := o.Active(string(types.KindChase), "acct1")
	if err != nil {
		t.Fatalf("Active(chase) error: %v", err)
	}
	if len(noMatch) != 0 {
		t.Fatalf("Active(chase) = %+v, want empty (no chase strategies started)", noMatch)
	}
}

// TestGetUnknownIDReturnsNotOk checks an unregistered id returns ok=false
// rather than an error.
func TestGetUnknownIDReturnsNotOk(t *testing.T) {
	o := newTestOrchestrator(t)
	_, ok, err := o.Get(string(types.KindTWAP), "does-not-exist")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Fatalf("Get() ok = true for an unknown id, want false")
	}
}

// TestExecutionReadyDelegatesToClient checks ExecutionReady reflects the
// underlying execution channel's readiness.
func TestExecutionReadyDelegatesToClient(t *testing.T) {
	o := newTestOrchestrator(t)
	if !o.ExecutionReady() {
		t.Fatalf("ExecutionReady() = false, want true (fakeClient always ready)")
	}
}

// TestRunEventsFeedsRiskBook checks inbound position_update events land in
// the risk-book mirror strategies read positions from.
func TestRunEventsFeedsRiskBook(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := &channelClient{posCh: make(chan types.PositionUpdate, 1)}
	risk := riskbook.NewBook()
	o := New(registry.New(discardLogger()), client, marketdata.NewBook(), risk, st, clock.Real{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.RunEvents(ctx)

	client.posCh <- types.PositionUpdate{Position: types.Position{
		SubAccount: "acct1", Symbol: "BTC-PERP", Side: types.Long, Quantity: 2, EntryPrice: 100, Notional: 200,
	}}

	deadline := time.Now().Add(time.Second)
	for {
		if pos, ok := risk.Position("acct1", "BTC-PERP"); ok {
			if pos.Quantity != 2 {
				t.Fatalf("risk book position = %+v, want qty 2", pos)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("position update never reached the risk book")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestActiveCountsByKind checks the per-kind active count reflects started
// strategies across kinds.
func TestActiveCountsByKind(t *testing.T) {
	o := newTestOrchestrator(t)

	id1, err := o.StartTWAP("acct1", twapBody("acct1"))
	if err != nil {
		t.Fatalf("StartTWAP() error: %v", err)
	}
	defer o.Stop(string(types.KindTWAP), id1, false)

	id2, err := o.StartTrailStop("acct1", trailBody("acct1", "pos-counts"))
	if err != nil {
		t.Fatalf("StartTrailStop() error: %v", err)
	}
	defer o.Stop(string(types.KindTrailStop), id2, false)

	counts := o.ActiveCountsByKind()
	if counts[string(types.KindTWAP)] != 1 {
		t.Fatalf("counts[twap] = %d, want 1", counts[string(types.KindTWAP)])
	}
	if counts[string(types.KindTrailStop)] != 1 {
		t.Fatalf("counts[trail_stop] = %d, want 1", counts[string(types.KindTrailStop)])
	}
}
