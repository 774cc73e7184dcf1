package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"perpstrategy/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingActor struct {
	started chan struct{}
}

func (a *blockingActor) Run(ctx context.Context) error {
	close(a.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestStartAndStopLifecycle(t *testing.T) {
	r := New(discardLogger())
	actor := &blockingActor{started: make(chan struct{})}

	if err := r.Start(context.Background(), "id-1", types.KindChase, "acct1", actor); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-actor.started

	info, ok := r.Get("id-1")
	if !ok || info.Status != types.StatusActive {
		t.Fatalf("Get() = %+v, ok=%v, want active", info, ok)
	}

	if err := r.Stop("id-1", "test"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	info, ok = r.Get("id-1")
	if !ok || info.Status != types.StatusStopped {
		t.Fatalf("Get() after Stop = %+v, ok=%v, want stopped", info, ok)
	}
}

func TestStartDuplicateIDRejected(t *testing.T) {
	r := New(discardLogger())
	actor := &blockingActor{started: make(chan struct{})}
	if err := r.Start(context.Background(), "dup", types.KindChase, "acct1", actor); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-actor.started

	err := r.Start(context.Background(), "dup", types.KindChase, "acct1", &blockingActor{started: make(chan struct{})})
	if err == nil {
		t.Fatalf("expected error starting a duplicate id")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := New(discardLogger())
	actor := &blockingActor{started: make(chan struct{})}
	if err := r.Start(context.Background(), "id-1", types.KindChase, "acct1", actor); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-actor.started

	if err := r.Stop("id-1", "first"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := r.Stop("id-1", "second"); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if err := r.Stop("never-existed", "third"); err != nil {
		t.Fatalf("Stop() on unknown id error: %v", err)
	}
}

func TestPerKindCapEnforced(t *testing.T) {
	r := New(discardLogger())
	perKindCap[types.KindAgent] = 2
	defer func() { perKindCap[types.KindAgent] = 50 }()

	for i := 0; i < 2; i++ {
		actor := &blockingActor{started: make(chan struct{})}
		id := string(rune('a' + i))
		if err := r.Start(context.Background(), id, types.KindAgent, "acct1", actor); err != nil {
			t.Fatalf("Start() #%d error: %v", i, err)
		}
		<-actor.started
	}

	err := r.Start(context.Background(), "over-cap", types.KindAgent, "acct1", &blockingActor{started: make(chan struct{})})
	if err == nil {
		t.Fatalf("expected per-kind cap to reject the 3rd concurrent agent")
	}
}

func TestStopAllStopsEveryActiveStrategy(t *testing.T) {
	r := New(discardLogger())
	actors := make([]*blockingActor, 3)
	for i := range actors {
		actors[i] = &blockingActor{started: make(chan struct{})}
		id := string(rune('a' + i))
		if err := r.Start(context.Background(), id, types.KindChase, "acct1", actors[i]); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		<-actors[i].started
	}

	r.StopAll("shutdown")

	for i := range actors {
		id := string(rune('a' + i))
		info, ok := r.Get(id)
		if !ok || info.Status != types.StatusStopped {
			t.Fatalf("id %s: Get() = %+v, ok=%v, want stopped", id, info, ok)
		}
	}
}

// TestNotifierFiresOnStartAndStop checks that SetNotifier's callback sees
// the "started" transition immediately and a terminal transition once the
// actor's context is cancelled, per the broadcast-on-every-transition
// rule.
func TestNotifierFiresOnStartAndStop(t *testing.T) {
	r := New(discardLogger())
	var mu sync.Mutex
	var suffixes []string
	r.SetNotifier(func(kind types.Kind, subAccount, id, suffix string) {
		mu.Lock()
		suffixes = append(suffixes, suffix)
		mu.Unlock()
	})

	actor := &blockingActor{started: make(chan struct{})}
	if err := r.Start(context.Background(), "id-1", types.KindChase, "acct1", actor); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-actor.started

	if err := r.Stop("id-1", "test"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	mu.Lock()
	got := append([]string{}, suffixes...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "started" || got[1] != "cancelled" {
		t.Fatalf("notified suffixes = %v, want [started cancelled]", got)
	}
}

func TestListFiltersBySubAccount(t *testing.T) {
	r := New(discardLogger())
	a1 := &blockingActor{started: make(chan struct{})}
	a2 := &blockingActor{started: make(chan struct{})}
	_ = r.Start(context.Background(), "a", types.KindChase, "acct1", a1)
	<-a1.started
	_ = r.Start(context.Background(), "b", types.KindChase, "acct2", a2)
	<-a2.started

	list := r.List("acct1")
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("List(acct1) = %+v, want exactly strategy a", list)
	}

	all := r.List("")
	if len(all) != 2 {
		t.Fatalf("List(\"\") = %+v, want both strategies", all)
	}

	r.StopAll("cleanup")
	time.Sleep(10 * time.Millisecond)
}
