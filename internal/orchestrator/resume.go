// resume.go implements the durable resume layer: on startup the
// orchestrator enumerates every
// persisted strategy snapshot and either discards it or reconstructs a
// running actor from it, skipping schedule steps that should already
// have fired during the downtime.
package orchestrator

import (
	"context"
	"math"

	"perpstrategy/internal/api"
	"perpstrategy/internal/store"
	"perpstrategy/internal/trail"
	"perpstrategy/internal/twap"
	"perpstrategy/pkg/types"
)

// twapEnvelope/basketEnvelope/trailEnvelope pair the immutable Config
// (needed to rebuild a Runner) with the mutable State the runner itself
// persists, so a single snapshot row is sufficient to resume.

type twapEnvelope struct {
	Config twap.Config
	State  twap.State
}

type twapPersister struct {
	st  *store.Store
	cfg twap.Config
}

func (p twapPersister) Persist(ctx context.Context, id string, state twap.State) error {
	return p.st.PersistSnapshot(ctx, types.KindTWAP, id, twapEnvelope{Config: p.cfg, State: state})
}
func (p twapPersister) Delete(ctx context.Context, id string) error {
	return p.st.DeleteSnapshot(ctx, types.KindTWAP, id)
}

type basketEnvelope struct {
	Config twap.BasketConfig
	State  twap.BasketState
}

type basketPersister struct {
	st  *store.Store
	cfg twap.BasketConfig
}

func (p basketPersister) Persist(ctx context.Context, id string, state twap.BasketState) error {
	return p.st.PersistSnapshot(ctx, types.KindTWAPBasket, id, basketEnvelope{Config: p.cfg, State: state})
}
func (p basketPersister) Delete(ctx context.Context, id string) error {
	return p.st.DeleteSnapshot(ctx, types.KindTWAPBasket, id)
}

type trailEnvelope struct {
	Config trail.Config
	State  trail.State
}

type trailPersister struct {
	st  *store.Store
	cfg trail.Config
}

func (p trailPersister) Persist(ctx context.Context, id string, state trail.State) error {
	return p.st.PersistSnapshot(ctx, types.KindTrailStop, id, trailEnvelope{Config: p.cfg, State: state})
}
func (p trailPersister) Delete(ctx context.Context, id string) error {
	return p.st.DeleteSnapshot(ctx, types.KindTrailStop, id)
}

// ResumeAll enumerates every persisted TWAP, TWAP-basket, and trail-stop
// snapshot and reconstructs a running actor for each one that is still
// live. Called once at process startup, before
// the API server starts accepting new strategy-start requests.
func (o *Orchestrator) ResumeAll(ctx context.Context) {
	o.resumeTWAPs(ctx)
	o.resumeBaskets(ctx)
	o.resumeTrailStops(ctx)
}

func baseIntervalMsOf(cfg twap.Config) float64 {
	return float64(cfg.DurationMinutes) * 60 * 1000 / float64(cfg.Lots)
}

func (o *Orchestrator) resumeTWAPs(ctx context.Context) {
	ids, err := o.st.ListSnapshotIDs(ctx, types.KindTWAP)
	if err != nil {
		o.logger.Warn("resume: list twap snapshots failed", "error", err)
		return
	}
	for _, id := range ids {
		var env twapEnvelope
		ok, err := o.st.LoadSnapshot(ctx, types.KindTWAP, id, &env)
		if err != nil || !ok {
			continue
		}
		if env.State.Status.Terminal() {
			_ = o.st.DeleteSnapshot(ctx, types.KindTWAP, id)
			continue
		}

		intervalMs := baseIntervalMsOf(env.Config)
		elapsedMs := float64(o.clk.Now().Sub(env.State.StartedAt).Milliseconds())
		expected := int(math.Floor(elapsedMs / intervalMs))
		if expected >= env.Config.Lots {
			// every scheduled lot should already have fired; nothing left to
			// execute live, so discard rather than falsely resuming.
			_ = o.st.DeleteSnapshot(ctx, types.KindTWAP, id)
			continue
		}
		if expected > env.State.FilledLots {
			env.State.FilledLots = expected
		}

		runner, err := twap.Resume(env.Config, env.State, o.client, o.book, o.clk, twapPersister{o.st, env.Config}, o.logger)
		if err != nil {
			o.logger.Warn("resume: rebuild twap runner failed", "id", id, "error", err)
			_ = o.st.DeleteSnapshot(ctx, types.KindTWAP, id)
			continue
		}
		symbol := env.Config.Symbol
		subAccount := env.Config.SubAccount
		snap := func() api.StrategySnapshot {
			return api.StrategySnapshot{ID: id, Kind: string(types.KindTWAP), SubAccount: subAccount, Symbol: symbol, Status: string(runner.State().Status), State: runner.State()}
		}
		if err := o.register(id, types.KindTWAP, subAccount, runnerAdapter{runner}, snap); err != nil {
			o.logger.Warn("resume: register twap runner failed", "id", id, "error", err)
			continue
		}
		o.logger.Info("resumed twap", "id", id, "filledLots", env.State.FilledLots, "totalLots", env.Config.Lots)
	}
}

func (o *Orchestrator) resumeBaskets(ctx context.Context) {
	ids, err := o.st.ListSnapshotIDs(ctx, types.KindTWAPBasket)
	if err != nil {
		o.logger.Warn("resume: list twap-basket snapshots failed", "error", err)
		return
	}
	for _, id := range ids {
		var env basketEnvelope
		ok, err := o.st.LoadSnapshot(ctx, types.KindTWAPBasket, id, &env)
		if err != nil || !ok {
			continue
		}
		if env.State.Status.Terminal() || env.State.LotIndex >= env.Config.Lots {
			_ = o.st.DeleteSnapshot(ctx, types.KindTWAPBasket, id)
			continue
		}

		runner, err := twap.ResumeBasket(env.Config, env.State, o.client, o.book, o.clk, basketPersister{o.st, env.Config}, o.logger)
		if err != nil {
			o.logger.Warn("resume: rebuild twap-basket runner failed", "id", id, "error", err)
			_ = o.st.DeleteSnapshot(ctx, types.KindTWAPBasket, id)
			continue
		}
		subAccount := env.Config.SubAccount
		snap := func() api.StrategySnapshot {
			return api.StrategySnapshot{ID: id, Kind: string(types.KindTWAPBasket), SubAccount: subAccount, Status: string(runner.State().Status), State: runner.State()}
		}
		if err := o.register(id, types.KindTWAPBasket, subAccount, basketAdapter{runner}, snap); err != nil {
			o.logger.Warn("resume: register twap-basket runner failed", "id", id, "error", err)
			continue
		}
		o.logger.Info("resumed twap basket", "id", id, "lotIndex", env.State.LotIndex, "totalLots", env.Config.Lots)
	}
}

func (o *Orchestrator) resumeTrailStops(ctx context.Context) {
	ids, err := o.st.ListSnapshotIDs(ctx, types.KindTrailStop)
	if err != nil {
		o.logger.Warn("resume: list trail-stop snapshots failed", "error", err)
		return
	}
	for _, id := range ids {
		var env trailEnvelope
		ok, err := o.st.LoadSnapshot(ctx, types.KindTrailStop, id, &env)
		if err != nil || !ok {
			continue
		}
		if env.State.Phase == trail.PhaseTriggered || env.State.Phase == trail.PhaseCancelled {
			_ = o.st.DeleteSnapshot(ctx, types.KindTrailStop, id)
			continue
		}

		// Discard the durable entry, without resuming, when the risk book
		// holds no open position for it. Only trail stops get this check;
		// resumeTWAPs and resumeBaskets do not look at positions.
		if _, open := o.risk.Position(env.Config.SubAccount, env.Config.Symbol); !open {
			_ = o.st.DeleteSnapshot(ctx, types.KindTrailStop, id)
			o.logger.Info("resume: discarding trail stop, position no longer open", "id", id)
			continue
		}

		resumeState := env.State
		t, err := trail.New(env.Config, o.client, trailPersister{o.st, env.Config}, o.clk, &resumeState)
		if err != nil {
			o.logger.Warn("resume: rebuild trail stop failed", "id", id, "error", err)
			_ = o.st.DeleteSnapshot(ctx, types.KindTrailStop, id)
			continue
		}
		subAccount := env.Config.SubAccount
		symbol := env.Config.Symbol
		snap := func() api.StrategySnapshot {
			return api.StrategySnapshot{ID: id, Kind: string(types.KindTrailStop), SubAccount: subAccount, Symbol: symbol, Status: string(t.Snapshot().Phase), State: t.Snapshot()}
		}
		if err := o.register(id, types.KindTrailStop, subAccount, trailAdapter{t, o.book, symbol}, snap); err != nil {
			o.logger.Warn("resume: register trail stop failed", "id", id, "error", err)
			continue
		}
		o.mu.Lock()
		if o.trailPositionByID == nil {
			o.trailPositionByID = make(map[string]string)
		}
		o.trailPositionByID[id] = env.Config.PositionID
		o.mu.Unlock()
		o.logger.Info("resumed trail stop", "id", id, "phase", resumeState.Phase)
	}
}
