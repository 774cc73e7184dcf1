// Package types holds the shared wire vocabulary for the strategy runtime:
// sides, strategy kinds and statuses, the execution-channel command
// envelope, and the inbound engine event shapes. Nothing in this package
// owns behaviour; it is pure data shared across every strategy package.
package types

import "time"

// Side is the directional stance of a strategy or order.
type Side string

const (
	Long    Side = "long"
	Short   Side = "short"
	Neutral Side = "neutral" // valid only for scalper / smart-order intents
)

// Kind identifies a strategy family.
type Kind string

const (
	KindTWAP       Kind = "twap"
	KindTWAPBasket Kind = "twap_basket"
	KindTrailStop  Kind = "trail_stop"
	KindChase      Kind = "chase"
	KindScalper    Kind = "scalper"
	KindAgent      Kind = "agent"
)

// Status is the lifecycle state of a strategy. Transitions are monotone
// toward one of the terminal states; a terminal strategy never resumes.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusTriggered Status = "triggered"
)

// Terminal reports whether s is one of the states a strategy never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCancelled, StatusCompleted, StatusTriggered:
		return true
	default:
		return false
	}
}

// Regime is the discrete market-state label produced by the tick classifier.
type Regime string

const (
	RegimeWarmup      Regime = "warmup"
	RegimeTrending    Regime = "trending"
	RegimeMeanRevert  Regime = "mean_revert"
	RegimeLiquidation Regime = "liquidation"
	RegimeToxic       Regime = "toxic"
)

// StalkMode controls how aggressively a chase actor pursues the book.
type StalkMode string

const (
	StalkNone         StalkMode = "none"
	StalkConservative StalkMode = "conservative"
	StalkAggressive   StalkMode = "aggressive"
)

// PnLFeedbackMode controls how a scalper reacts to adverse realised PnL.
type PnLFeedbackMode string

const (
	FeedbackOff  PnLFeedbackMode = "off"
	FeedbackSoft PnLFeedbackMode = "soft"
	FeedbackFull PnLFeedbackMode = "full"
)

// Position is the read-only view of a risk-book position. Strategies never
// mutate it directly; it changes only via fills reported by the execution
// channel.
type Position struct {
	SubAccount       string  `json:"subAccount"`
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entryPrice"`
	Notional         float64 `json:"notional"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidationPrice"`
}

// Closed reports whether the position has no remaining quantity.
func (p Position) Closed() bool { return p.Quantity == 0 }

// Tick is a single market-data observation delivered to strategy actors.
type Tick struct {
	Symbol    string
	Mark      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// SpreadBps returns the bid/ask spread in basis points.
func (t Tick) SpreadBps() float64 {
	if t.Mark == 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Mark * 10000
}

// CommandEnvelope is the outbound wire shape sent on the execution channel.
// schemaVersion is fixed at 1; idempotencyKey guarantees at-most-once
// application of mutating ops on retry.
type CommandEnvelope struct {
	SchemaVersion   int         `json:"schemaVersion"`
	RequestID       uint64      `json:"requestId"`
	IdempotencyKey  string      `json:"idempotencyKey"`
	Op              string      `json:"op"`
	Payload         interface{} `json:"payload"`
}

// Mutating ops, in the fixed order the execution channel contract defines.
const (
	OpNew                    = "new"
	OpTrade                  = "trade"
	OpExecuteTrade           = "execute_trade"
	OpCancel                 = "cancel"
	OpCancelOrder            = "cancel_order"
	OpUpsertAccount          = "upsert_account"
	OpUpsertRule             = "upsert_rule"
	OpUpsertPosition         = "upsert_position"
	OpUpsertExchangePosition = "upsert_exchange_position"
	OpClose                  = "close"
	OpClosePosition          = "close_position"
	OpCloseAll               = "close_all"
	OpCloseAllPositions      = "close_all_positions"
	OpChaseStart             = "chase_start"
	OpChaseCancel            = "chase_cancel"
	OpScalperStart           = "scalper_start"
	OpScalperCancel          = "scalper_cancel"
	OpTwapStart              = "twap_start"
	OpTwapStop               = "twap_stop"
	OpBasketStart            = "basket_start"
	OpBasketStop             = "basket_stop"
	OpTrailStart             = "trail_start"
	OpTrailCancel            = "trail_cancel"
	OpSmartOrder             = "smart_order"
	OpSmartOrderStop         = "smart_order_stop"
	OpAgentStart             = "agent_start"
	OpAgentStop              = "agent_stop"
)

// OrderStatus is the terminal (or non-terminal) state of a venue order as
// reported by order_update events.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order will not transition further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OrderUpdate is an inbound event reporting a change in a venue order.
type OrderUpdate struct {
	RequestID   uint64      `json:"requestId"`
	ClientOrder string      `json:"clientOrderId"`
	Symbol      string      `json:"symbol"`
	Status      OrderStatus `json:"status"`
	FilledQty   float64     `json:"filledQty"`
	FilledPrice float64     `json:"filledPrice"`
	Timestamp   time.Time   `json:"timestamp"`
}

// TradeExecution is an inbound fill notification correlated to a strategy
// by parentStrategyId/layerIdx.
type TradeExecution struct {
	RequestID       uint64    `json:"requestId"`
	ParentStrategy  string    `json:"parentStrategyId"`
	LayerIdx        int       `json:"layerIdx"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	Fee             float64   `json:"fee"`
	ReduceOnly      bool      `json:"reduceOnly"`
	Timestamp       time.Time `json:"timestamp"`
}

// PositionUpdate is an inbound snapshot of a single position from the risk
// book, pushed whenever it changes.
type PositionUpdate struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineEvent wraps any inbound line-delimited JSON event by type tag.
type EngineEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const (
	EventHeartbeat        = "ENGINE_HEARTBEAT"
	EventReady            = "ENGINE_READY"
	EventPositionsSnap    = "positions_snapshot"
	EventMarginSnap       = "margin_snapshot"
	EventStatsSnap        = "stats_snapshot"
	EventOrderUpdate      = "order_update"
	EventTradeExecution   = "trade_execution"
	EventPositionUpdate   = "position_update"
	EventError            = "error"
)

// BroadcastEvent is a lifecycle notification fanned out to a sub-account's
// subscribers. Suffix is one of started|progress|cancelled|completed|
// triggered|error, prefixed by the strategy kind.
type BroadcastEvent struct {
	Type       string      `json:"type"`
	SubAccount string      `json:"subAccountId"`
	StrategyID string      `json:"strategyId"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}
