// Package registry implements the strategy registry & lifecycle: a
// single goroutine-safe map from strategy id to a running actor. Start
// launches one goroutine per actor; Stop cancels its context and joins
// on a done channel within a bounded grace period.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perpstrategy/internal/errs"
	"perpstrategy/internal/metrics"
	"perpstrategy/pkg/types"
)

// perKindCap bounds concurrently active strategies per kind.
var perKindCap = map[types.Kind]int{
	types.KindTWAP:       500,
	types.KindTWAPBasket: 500,
	types.KindTrailStop:  500,
	types.KindScalper:    500,
	types.KindChase:      500,
	types.KindAgent:      50,
}

const stopGracePeriod = 10 * time.Second

// Actor is anything the registry can run and stop: every strategy kind's
// Run method takes this shape.
type Actor interface {
	Run(ctx context.Context) error
}

// handle is the registry's bookkeeping for one running strategy.
type handle struct {
	id         string
	kind       types.Kind
	subAccount string
	status     types.Status
	cancel     context.CancelFunc
	done       chan struct{}
	actor      Actor
}

// Registry owns every currently running (or recently terminal) strategy.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*handle
	logger  *slog.Logger

	notify func(kind types.Kind, subAccount, id, suffix string)
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{handles: make(map[string]*handle), logger: logger.With("component", "registry")}
}

// SetNotifier installs the callback invoked on every lifecycle transition:
// "started" on successful registration, "completed"/"cancelled"/
// "error" when an actor's Run returns. The caller (the orchestrator)
// translates suffix into a broadcast Event; nil disables notification.
func (r *Registry) SetNotifier(fn func(kind types.Kind, subAccount, id, suffix string)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Registry) countKind(kind types.Kind) int {
	n := 0
	for _, h := range r.handles {
		if h.kind == kind && !h.status.Terminal() {
			n++
		}
	}
	return n
}

// Start registers and launches actor under id/kind/subAccount, enforcing
// the per-kind cap. The caller's ctx is the parent for the actor's
// lifetime; Stop derives a child cancel from it.
func (r *Registry) Start(ctx context.Context, id string, kind types.Kind, subAccount string, actor Actor) error {
	r.mu.Lock()
	if _, exists := r.handles[id]; exists {
		r.mu.Unlock()
		return errs.Conflict(fmt.Sprintf("strategy %s already registered", id))
	}
	if cap, ok := perKindCap[kind]; ok && r.countKind(kind) >= cap {
		r.mu.Unlock()
		return errs.LimitExceeded(string(kind), cap)
	}

	actorCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		id: id, kind: kind, subAccount: subAccount,
		status: types.StatusActive, cancel: cancel,
		done: make(chan struct{}), actor: actor,
	}
	r.handles[id] = h
	r.mu.Unlock()

	metrics.StrategiesStarted.WithLabelValues(string(kind)).Inc()
	metrics.StrategiesActive.WithLabelValues(string(kind)).Inc()
	r.emit(kind, subAccount, id, "started")

	go func() {
		defer close(h.done)
		reason := "completed"
		if err := actor.Run(actorCtx); err != nil && actorCtx.Err() == nil {
			reason = "error"
			r.logger.Warn("strategy actor exited with error", "id", id, "kind", kind, "error", err)
		} else if actorCtx.Err() != nil {
			reason = "stopped"
		}
		r.mu.Lock()
		if !h.status.Terminal() {
			h.status = types.StatusStopped
		}
		r.mu.Unlock()
		metrics.StrategiesActive.WithLabelValues(string(kind)).Dec()
		metrics.StrategiesStopped.WithLabelValues(string(kind), reason).Inc()

		suffix := reason
		if reason == "stopped" {
			suffix = "cancelled"
		}
		r.emit(kind, subAccount, id, suffix)
	}()

	return nil
}

func (r *Registry) emit(kind types.Kind, subAccount, id, suffix string) {
	r.mu.RLock()
	fn := r.notify
	r.mu.RUnlock()
	if fn != nil {
		fn(kind, subAccount, id, suffix)
	}
}

// Stop transitions id to terminal, cancels its context, and blocks on its
// done channel up to stopGracePeriod. Idempotent: stopping an already
// terminal or unknown id is a no-op.
func (r *Registry) Stop(id, reason string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if h.status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	h.status = types.StatusStopped
	cancel := h.cancel
	done := h.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		r.logger.Warn("strategy stop exceeded grace period", "id", id, "reason", reason)
	}
	return nil
}

// StopAll stops every currently non-terminal strategy.
func (r *Registry) StopAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if !h.status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Stop(id, reason)
	}
}

// Info is the read-only lifecycle view returned by Get/List.
type Info struct {
	ID         string
	Kind       types.Kind
	SubAccount string
	Status     types.Status
}

// Get returns the lifecycle info for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return Info{}, false
	}
	return Info{ID: h.id, Kind: h.kind, SubAccount: h.subAccount, Status: h.status}, true
}

// List returns every registered strategy, optionally filtered by
// sub-account.
func (r *Registry) List(subAccount string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, h := range r.handles {
		if subAccount != "" && h.subAccount != subAccount {
			continue
		}
		out = append(out, Info{ID: h.id, Kind: h.kind, SubAccount: h.subAccount, Status: h.status})
	}
	return out
}
