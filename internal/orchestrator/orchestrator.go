// Package orchestrator is the transport-agnostic core behind the HTTP
// API: it decodes strategy-start requests, builds the concrete strategy
// actor, registers it with the registry, and answers the read-only
// active/get/list queries the control plane serves.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpstrategy/internal/agent"
	"perpstrategy/internal/api"
	"perpstrategy/internal/chase"
	"perpstrategy/internal/clock"
	"perpstrategy/internal/errs"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/registry"
	"perpstrategy/internal/riskbook"
	"perpstrategy/internal/scalper"
	"perpstrategy/internal/store"
	"perpstrategy/internal/trail"
	"perpstrategy/internal/twap"
	"perpstrategy/pkg/types"
)

// Orchestrator wires the registry, execution channel, market/risk books,
// and durable store into the api.Orchestrator contract.
type Orchestrator struct {
	reg    *registry.Registry
	client execchan.Client
	disp   *execchan.Dispatcher
	book   *marketdata.Book
	risk   *riskbook.Book
	st     *store.Store
	clk    clock.Clock
	logger *slog.Logger

	mu                sync.RWMutex
	kinds             map[string]types.Kind
	snapshots         map[string]func() api.StrategySnapshot
	trailPositionByID map[string]string // trail strategy id -> positionId, for duplicate-trail rejection

	broadcaster func(api.Event)
}

// New builds an orchestrator over already-constructed collaborators.
func New(reg *registry.Registry, client execchan.Client, book *marketdata.Book, risk *riskbook.Book, st *store.Store, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		reg: reg, client: client, disp: execchan.NewDispatcher(client),
		book: book, risk: risk, st: st, clk: clk,
		logger:    logger.With("component", "orchestrator"),
		kinds:     make(map[string]types.Kind),
		snapshots: make(map[string]func() api.StrategySnapshot),
	}
	reg.SetNotifier(o.emitLifecycle)
	return o
}

// RunEvents routes the execution channel's inbound event streams: order
// updates fan out to the strategy actors subscribed per symbol, and
// position updates feed the risk-book mirror (the only place strategies
// ever read positions from). Blocks until ctx is
// cancelled; run in its own goroutine alongside the client's Run loop.
func (o *Orchestrator) RunEvents(ctx context.Context) error {
	go func() { _ = o.disp.Run(ctx) }()

	positions, cancel := o.disp.SubscribePositions("", "")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-positions:
			o.risk.ApplyPosition(p.Position)
		}
	}
}

// SetBroadcaster installs the control-plane's websocket fan-out (typically
// the api.Server's Broadcast method) so every registry lifecycle
// transition reaches connected subscribers. Wired after api.NewServer
// builds its Hub, since the orchestrator is constructed first; nil (the
// zero value) makes lifecycle notification a no-op, e.g. in tests.
func (o *Orchestrator) SetBroadcaster(fn func(api.Event)) {
	o.mu.Lock()
	o.broadcaster = fn
	o.mu.Unlock()
}

// emitLifecycle translates a registry transition into the broadcast
// vocabulary. A "completed" transition is refined to "triggered" when the
// strategy's own snapshot reports that terminal status (trail stops).
func (o *Orchestrator) emitLifecycle(kind types.Kind, subAccount, id, suffix string) {
	o.mu.RLock()
	broadcast := o.broadcaster
	snap := o.snapshots[id]
	o.mu.RUnlock()
	if broadcast == nil {
		return
	}
	if suffix == "completed" && snap != nil {
		if ss := snap(); ss.Status == string(types.StatusTriggered) {
			suffix = "triggered"
		}
	}
	var evt api.Event
	switch suffix {
	case "started":
		evt = api.StartedEvent(string(kind), subAccount, id)
	case "error":
		evt = api.ErrorEvent(string(kind), subAccount, id, "strategy actor exited with error")
	default:
		evt = api.TerminalEvent(string(kind), suffix, subAccount, id, nil)
	}
	broadcast(evt)
}

func newID(kind types.Kind) string { return string(kind) + "_" + uuid.NewString() }

func (o *Orchestrator) register(id string, kind types.Kind, subAccount string, actor registry.Actor, snap func() api.StrategySnapshot) error {
	if err := o.reg.Start(context.Background(), id, kind, subAccount, actor); err != nil {
		return err
	}
	o.mu.Lock()
	o.kinds[id] = kind
	o.snapshots[id] = snap
	o.mu.Unlock()
	return nil
}

// --- TWAP ---

type twapRequest struct {
	SubAccountID    string   `json:"subAccountId"`
	Symbol          string   `json:"symbol"`
	Side            types.Side `json:"side"`
	TotalSize       float64  `json:"totalSize"`
	Lots            int      `json:"lots"`
	DurationMinutes int      `json:"durationMinutes"`
	Leverage        float64  `json:"leverage"`
	Jitter          bool     `json:"jitter"`
	Irregular       bool     `json:"irregular"`
	PriceLimit      *float64 `json:"priceLimit"`
}

func (o *Orchestrator) StartTWAP(subAccountID string, body json.RawMessage) (string, error) {
	var req twapRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid twap request body")
	}
	id := newID(types.KindTWAP)
	cfg := twap.Config{
		ID: id, SubAccount: req.SubAccountID, Symbol: req.Symbol, Side: req.Side,
		TotalSizeUsd: req.TotalSize, Lots: req.Lots, DurationMinutes: req.DurationMinutes,
		Leverage: req.Leverage, Jitter: req.Jitter, Irregular: req.Irregular, PriceLimit: req.PriceLimit,
	}
	runner, err := twap.New(cfg, o.client, o.book, o.clk, twapPersister{o.st, cfg}, o.logger)
	if err != nil {
		return "", err
	}
	snap := func() api.StrategySnapshot {
		return api.StrategySnapshot{ID: id, Kind: string(types.KindTWAP), SubAccount: req.SubAccountID, Symbol: req.Symbol, Status: string(runner.State().Status), State: runner.State()}
	}
	if err := o.register(id, types.KindTWAP, req.SubAccountID, runnerAdapter{runner}, snap); err != nil {
		return "", err
	}
	return id, nil
}

type runnerAdapter struct{ r *twap.Runner }

func (a runnerAdapter) Run(ctx context.Context) error { return a.r.Run(ctx) }

// --- TWAP basket ---

type basketRequest struct {
	SubAccountID    string            `json:"subAccountId"`
	BasketName      string            `json:"basketName"`
	Legs            []twap.LegConfig  `json:"legs"`
	Lots            int               `json:"lots"`
	DurationMinutes int               `json:"durationMinutes"`
	Leverage        float64           `json:"leverage"`
	Jitter          bool              `json:"jitter"`
	Irregular       bool              `json:"irregular"`
}

func (o *Orchestrator) StartBasket(subAccountID string, body json.RawMessage) (string, error) {
	var req basketRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid twap-basket request body")
	}
	id := newID(types.KindTWAPBasket)
	cfg := twap.BasketConfig{
		ID: id, SubAccount: req.SubAccountID, Legs: req.Legs, Lots: req.Lots,
		DurationMinutes: req.DurationMinutes, Leverage: req.Leverage, Jitter: req.Jitter, Irregular: req.Irregular,
	}
	runner, err := twap.NewBasket(cfg, o.client, o.book, o.clk, basketPersister{o.st, cfg}, o.logger)
	if err != nil {
		return "", err
	}
	snap := func() api.StrategySnapshot {
		return api.StrategySnapshot{ID: id, Kind: string(types.KindTWAPBasket), SubAccount: req.SubAccountID, Status: string(runner.State().Status), State: runner.State()}
	}
	if err := o.register(id, types.KindTWAPBasket, req.SubAccountID, basketAdapter{runner}, snap); err != nil {
		return "", err
	}
	return id, nil
}

type basketAdapter struct{ r *twap.BasketRunner }

func (a basketAdapter) Run(ctx context.Context) error { return a.r.Run(ctx) }

// --- Trail stop ---

type trailRequest struct {
	SubAccountID    string     `json:"subAccountId"`
	PositionID      string     `json:"positionId"`
	Symbol          string     `json:"symbol"`
	Side            types.Side `json:"side"`
	CallbackPct     float64    `json:"callbackPct"`
	ActivationPrice *float64   `json:"activationPrice"`
}

func (o *Orchestrator) StartTrailStop(subAccountID string, body json.RawMessage) (string, error) {
	var req trailRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid trail-stop request body")
	}

	o.mu.Lock()
	if o.trailPositionByID == nil {
		o.trailPositionByID = make(map[string]string)
	}
	for existingID, posID := range o.trailPositionByID {
		if posID == req.PositionID {
			o.mu.Unlock()
			return "", errs.Conflictf("trail stop %s already active on position %s", existingID, posID)
		}
	}
	o.mu.Unlock()

	id := newID(types.KindTrailStop)
	cfg := trail.Config{
		ID: id, SubAccount: req.SubAccountID, PositionID: req.PositionID, Symbol: req.Symbol,
		Side: req.Side, ActivationPrice: req.ActivationPrice, CallbackPct: req.CallbackPct,
	}
	t, err := trail.New(cfg, o.client, trailPersister{o.st, cfg}, o.clk, nil)
	if err != nil {
		return "", err
	}
	snap := func() api.StrategySnapshot {
		return api.StrategySnapshot{ID: id, Kind: string(types.KindTrailStop), SubAccount: req.SubAccountID, Symbol: req.Symbol, Status: string(t.Snapshot().Phase), State: t.Snapshot()}
	}
	if err := o.register(id, types.KindTrailStop, req.SubAccountID, trailAdapter{t, o.book, req.Symbol}, snap); err != nil {
		return "", err
	}
	o.mu.Lock()
	o.trailPositionByID[id] = req.PositionID
	o.mu.Unlock()
	return id, nil
}

type trailAdapter struct {
	t      *trail.Trail
	book   *marketdata.Book
	symbol string
}

func (a trailAdapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick, ok := a.book.Get(a.symbol)
			if !ok {
				continue
			}
			terminal, err := a.t.OnTick(ctx, tick.Mark)
			if err != nil {
				return err
			}
			if terminal {
				return nil
			}
		}
	}
}

// --- Chase ---

type chaseRequest struct {
	SubAccountID   string     `json:"subAccountId"`
	Symbol         string     `json:"symbol"`
	Side           types.Side `json:"side"`
	Quantity       float64    `json:"quantity"`
	StalkOffsetPct float64    `json:"stalkOffsetPct"`
	StalkMode      types.StalkMode `json:"stalkMode"`
	MaxDistancePct float64    `json:"maxDistancePct"`
}

func (o *Orchestrator) StartChase(subAccountID string, body json.RawMessage) (string, error) {
	var req chaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid chase-limit request body")
	}
	id := newID(types.KindChase)
	cfg := chase.Config{
		ID: id, SubAccount: req.SubAccountID, Symbol: req.Symbol, Side: req.Side,
		Quantity: req.Quantity, StalkOffsetPct: req.StalkOffsetPct, StalkMode: req.StalkMode,
		MaxDistancePct: req.MaxDistancePct,
	}
	actor := chase.New(cfg, o.client, o.book, o.clk, o.logger)
	snap := func() api.StrategySnapshot {
		return api.StrategySnapshot{ID: id, Kind: string(types.KindChase), SubAccount: req.SubAccountID, Symbol: req.Symbol, Status: string(actor.Snapshot().Status), State: actor.Snapshot()}
	}
	if err := o.register(id, types.KindChase, req.SubAccountID, chaseAdapter{actor, o.book, o.disp, req.Symbol}, snap); err != nil {
		return "", err
	}
	return id, nil
}

type chaseAdapter struct {
	actor  *chase.Actor
	book   *marketdata.Book
	disp   *execchan.Dispatcher
	symbol string
}

func (a chaseAdapter) Run(ctx context.Context) error {
	ticks := make(chan types.Tick, 8)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(ticks)
				return
			case <-ticker.C:
				if t, ok := a.book.Get(a.symbol); ok {
					select {
					case ticks <- t:
					default:
					}
				}
			}
		}
	}()
	orders, cancel := a.disp.SubscribeOrders(a.symbol)
	defer cancel()
	fills := make(chan types.TradeExecution, 1)
	return a.actor.Run(ctx, ticks, orders, fills)
}

// --- Scalper ---

type scalperRequest struct {
	SubAccountID        string  `json:"subAccountId"`
	Symbol              string  `json:"symbol"`
	StartSide           types.Side `json:"startSide"`
	ReduceOnly          bool    `json:"reduceOnly"`
	Leverage            float64 `json:"leverage"`
	LongOffsetPct       float64 `json:"longOffsetPct"`
	ShortOffsetPct      float64 `json:"shortOffsetPct"`
	ChildCount          int     `json:"childCount"`
	Skew                float64 `json:"skew"`
	LongSizeUsd         float64 `json:"longSizeUsd"`
	ShortSizeUsd        float64 `json:"shortSizeUsd"`
	NeutralMode         bool    `json:"neutralMode"`
	MinFillSpreadPct    float64 `json:"minFillSpreadPct"`
	FillDecayHalfLifeMs int     `json:"fillDecayHalfLifeMs"`
	MinRefillDelayMs    int     `json:"minRefillDelayMs"`
	MaxFillsPerMinute   int     `json:"maxFillsPerMinute"`
	AllowLoss           bool    `json:"allowLoss"`
	MaxLossPerCloseBps  float64 `json:"maxLossPerCloseBps"`
	PnlFeedbackMode     types.PnLFeedbackMode `json:"pnlFeedbackMode"`
	LongMaxPrice        float64 `json:"longMaxPrice"`
	ShortMinPrice       float64 `json:"shortMinPrice"`
}

func (o *Orchestrator) StartScalper(subAccountID string, body json.RawMessage) (string, error) {
	var req scalperRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid scalper request body")
	}
	id := newID(types.KindScalper)
	cfg := scalper.Config{
		ID: id, SubAccount: req.SubAccountID, Symbol: req.Symbol, ChildCount: req.ChildCount,
		Neutral: req.NeutralMode, StartSide: req.StartSide, ForceReduceOnly: req.ReduceOnly, SkewPct: req.Skew, LongOffsetPct: req.LongOffsetPct, ShortOffsetPct: req.ShortOffsetPct,
		LongSizeUsd: req.LongSizeUsd, ShortSizeUsd: req.ShortSizeUsd, LongMaxPrice: req.LongMaxPrice, ShortMinPrice: req.ShortMinPrice,
		MinFillSpreadPct: req.MinFillSpreadPct,
		FillDecayHalfLife: time.Duration(req.FillDecayHalfLifeMs) * time.Millisecond,
		MinRefillDelay:    time.Duration(req.MinRefillDelayMs) * time.Millisecond,
		MaxFillsPerMinute: req.MaxFillsPerMinute, AllowLoss: req.AllowLoss, MaxLossPerCloseBps: req.MaxLossPerCloseBps,
		PnLFeedbackMode: req.PnlFeedbackMode,
	}
	s, err := scalper.New(cfg, o.client, o.book, o.clk, o.logger)
	if err != nil {
		return "", err
	}
	snap := func() api.StrategySnapshot {
		ss := s.Snapshot()
		return api.StrategySnapshot{ID: id, Kind: string(types.KindScalper), SubAccount: req.SubAccountID, Symbol: req.Symbol, Status: string(ss.Status), State: ss}
	}
	if err := o.register(id, types.KindScalper, req.SubAccountID, scalperAdapter{s, o.book, o.disp, req.Symbol}, snap); err != nil {
		return "", err
	}
	return id, nil
}

type scalperAdapter struct {
	s      *scalper.Scalper
	book   *marketdata.Book
	disp   *execchan.Dispatcher
	symbol string
}

func (a scalperAdapter) Run(ctx context.Context) error {
	ticks := make(chan types.Tick, 8)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(ticks)
				return
			case <-ticker.C:
				if t, ok := a.book.Get(a.symbol); ok {
					select {
					case ticks <- t:
					default:
					}
				}
			}
		}
	}()
	orders, cancel := a.disp.SubscribeOrders(a.symbol)
	defer cancel()
	return a.s.Run(ctx, ticks, orders)
}

// --- Agents ---

type agentRequest struct {
	Type         string  `json:"type"`
	SubAccountID string  `json:"subAccountId"`
	Symbol       string  `json:"symbol"`
}

func (o *Orchestrator) StartAgent(subAccountID string, body json.RawMessage) (string, error) {
	var req agentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errs.Validation("invalid agent request body")
	}
	id := newID(types.KindAgent)

	spawner := &registrySpawner{o: o, subAccount: req.SubAccountID, symbol: req.Symbol}

	var a agent.Agent
	switch req.Type {
	case "trend":
		var cfg agent.TrendConfig
		_ = json.Unmarshal(body, &cfg)
		cfg.ID, cfg.SubAccount, cfg.Symbol = id, req.SubAccountID, req.Symbol
		a = agent.NewTrendAgent(cfg, spawner, o.risk, o.clk, o.logger)
	case "grid":
		var cfg agent.GridConfig
		_ = json.Unmarshal(body, &cfg)
		cfg.ID, cfg.SubAccount, cfg.Symbol = id, req.SubAccountID, req.Symbol
		a = agent.NewGridAgent(cfg, spawner, o.clk, o.logger)
	case "deleverage":
		var cfg agent.DeleverageConfig
		_ = json.Unmarshal(body, &cfg)
		cfg.ID, cfg.SubAccount, cfg.Symbol = id, req.SubAccountID, req.Symbol
		a = agent.NewDeleverageAgent(cfg, spawner, o.risk, o.logger)
	default:
		return "", errs.Validationf("unknown agent type %q", req.Type)
	}

	snap := func() api.StrategySnapshot {
		return api.StrategySnapshot{ID: id, Kind: string(types.KindAgent), SubAccount: req.SubAccountID, Symbol: req.Symbol, Status: "active"}
	}
	if err := o.register(id, types.KindAgent, req.SubAccountID, agentAdapter{a, o.book, o.disp, req.SubAccountID, req.Symbol}, snap); err != nil {
		return "", err
	}
	return id, nil
}

type agentAdapter struct {
	a          agent.Agent
	book       *marketdata.Book
	disp       *execchan.Dispatcher
	subAccount string
	symbol     string
}

func (a agentAdapter) Run(ctx context.Context) error {
	if err := a.a.Start(ctx); err != nil {
		return err
	}
	positions, cancel := a.disp.SubscribePositions(a.subAccount, a.symbol)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.a.Stop(context.Background(), "context cancelled")
		case p := <-positions:
			a.a.OnPositionUpdate(ctx, p.Position)
		case <-ticker.C:
			if t, ok := a.book.Get(a.symbol); ok {
				a.a.OnTick(ctx, a.symbol, t.Mark, time.Now())
			}
		}
	}
}

// registrySpawner implements agent.ScalperSpawner by starting/stopping
// child scalpers through the same registry every top-level strategy uses.
type registrySpawner struct {
	o          *Orchestrator
	subAccount string
	symbol     string

	mu   sync.Mutex
	tags map[string]string // tag -> id
}

func (s *registrySpawner) SpawnScalper(ctx context.Context, tag string, opts agent.ScalperOpts) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"subAccountId":   s.subAccount,
		"symbol":         s.symbol,
		"startSide":      opts.StartSide,
		"reduceOnly":     opts.ReduceOnly,
		"childCount":     3,
		"longOffsetPct":  opts.LongOffsetPct,
		"shortOffsetPct": opts.ShortOffsetPct,
		"longSizeUsd":    opts.PerSideUsd,
		"shortSizeUsd":   opts.PerSideUsd,
		"neutralMode":    opts.Neutral,
		"allowLoss":      opts.AllowLoss,
		"maxLossPerCloseBps": opts.MaxLossPerCloseBps,
	})
	id, err := s.o.StartScalper(s.subAccount, body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[tag] = id
	s.mu.Unlock()
	return id, nil
}

func (s *registrySpawner) KillScalper(ctx context.Context, tag string) error {
	s.mu.Lock()
	id, ok := s.tags[tag]
	if ok {
		delete(s.tags, tag)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.o.Stop(string(types.KindScalper), id, true)
}

// --- Queries ---

func (o *Orchestrator) Stop(kind, id string, close bool) error {
	err := o.reg.Stop(id, fmt.Sprintf("api_stop_close=%v", close))
	o.mu.Lock()
	delete(o.trailPositionByID, id)
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) Active(kind, subAccountID string) ([]api.StrategySnapshot, error) {
	infos := o.reg.List(subAccountID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []api.StrategySnapshot
	for _, info := range infos {
		if kind != "" && string(info.Kind) != kind {
			continue
		}
		if snap, ok := o.snapshots[info.ID]; ok {
			out = append(out, snap())
		}
	}
	return out, nil
}

func (o *Orchestrator) Get(kind, id string) (api.StrategySnapshot, bool, error) {
	o.mu.RLock()
	snap, ok := o.snapshots[id]
	o.mu.RUnlock()
	if !ok {
		return api.StrategySnapshot{}, false, nil
	}
	return snap(), true, nil
}

func (o *Orchestrator) ExecutionReady() bool { return o.client.Ready() }

func (o *Orchestrator) ActiveCountsByKind() map[string]int {
	counts := make(map[string]int)
	for _, info := range o.reg.List("") {
		counts[string(info.Kind)]++
	}
	return counts
}
