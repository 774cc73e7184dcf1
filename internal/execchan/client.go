// Package execchan turns the opaque execution gateway into a typed Go
// client: a single outbound line-delimited-JSON stream with serialised,
// idempotency-keyed, rate-limited writes, and a demultiplexed set of
// inbound event channels.
package execchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"perpstrategy/internal/errs"
	"perpstrategy/internal/metrics"
	"perpstrategy/pkg/types"
)

const (
	defaultAwaitTimeout = 15 * time.Second
	pingInterval        = 20 * time.Second
	readTimeout         = 60 * time.Second
	maxReconnectWait    = 30 * time.Second
	writeTimeout        = 10 * time.Second
	eventBufferSize     = 512
)

// Recorder persists outbound commands and their terminal result so a
// crashed process can reconcile in-flight writes on resume (the
// execution_commands table).
type Recorder interface {
	RecordSent(ctx context.Context, env types.CommandEnvelope) error
	RecordResult(ctx context.Context, requestID uint64, result string) error
}

// Ack is the correlated response to a Send call.
type Ack struct {
	RequestID uint64
	Accepted  bool
	Error     string
}

// Client is the narrow interface strategy actors use to talk to the
// execution gateway. Every mutating call blocks (suspends, in the actor
// model's terms) until an ack correlates back by request ID or the
// context/default timeout fires.
type Client interface {
	Send(ctx context.Context, op string, payload interface{}, idempotencyKey string) (Ack, error)
	SnapshotTick(ctx context.Context, symbol string) (types.Tick, error)
	OrderUpdates() <-chan types.OrderUpdate
	TradeExecutions() <-chan types.TradeExecution
	PositionUpdates() <-chan types.PositionUpdate
	// LatestOrderUpdate returns the most recently observed order_update for
	// requestID, correlated the same way Send's ack is: by request id, not
	// client order id. Used by polling callers (TWAP's limit-order
	// wait) instead of racing other consumers for the broadcast
	// OrderUpdates channel.
	LatestOrderUpdate(requestID uint64) (types.OrderUpdate, bool)
	// LatestTradeExecution returns the most recently observed fill for
	// requestID, carrying the fee a caller books through to the risk
	// channel.
	LatestTradeExecution(requestID uint64) (types.TradeExecution, bool)
	Ready() bool
}

// WSClient is the production Client: a reconnecting websocket for the
// bidirectional command/event stream, plus a resty REST client used only
// for the one-shot snapshot fallback in TWAP step 1 (SnapshotTick). Order
// status comes from the websocket's order updates (LatestOrderUpdate),
// not from REST.
type WSClient struct {
	url    string
	rest   *resty.Client
	limits *RateLimiter
	rec    Recorder
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	ready  atomicBool

	pendingMu sync.Mutex
	pending   map[uint64]chan Ack

	stateMu     sync.Mutex
	orderStates map[uint64]types.OrderUpdate
	tradeStates map[uint64]types.TradeExecution

	orderCh    chan types.OrderUpdate
	tradeCh    chan types.TradeExecution
	positionCh chan types.PositionUpdate
}

type atomicBool struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomicBool) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.RLock(); defer a.mu.RUnlock(); return a.v }

// NewWSClient creates a client that will dial wsURL and fall back to
// restBaseURL for REST snapshot calls. Call Run to start the connection
// loop in a goroutine.
func NewWSClient(wsURL, restBaseURL string, rec Recorder, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:        wsURL,
		rest:       resty.New().SetBaseURL(restBaseURL).SetTimeout(10 * time.Second),
		limits:     NewRateLimiter(),
		rec:        rec,
		logger:     logger.With("component", "execchan"),
		pending:     make(map[uint64]chan Ack),
		orderStates: make(map[uint64]types.OrderUpdate),
		tradeStates: make(map[uint64]types.TradeExecution),
		orderCh:    make(chan types.OrderUpdate, eventBufferSize),
		tradeCh:    make(chan types.TradeExecution, eventBufferSize),
		positionCh: make(chan types.PositionUpdate, eventBufferSize),
	}
}

// Run connects and maintains the websocket connection with exponential
// backoff reconnect (1s -> 30s).
// Blocks until ctx is cancelled.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.ready.set(false)
		metrics.ExecutionChannelReady.Set(0)
		c.logger.Warn("execution channel disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (c *WSClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json event", "data", string(data))
		return
	}

	switch envelope.Type {
	case types.EventReady:
		c.ready.set(true)
		metrics.ExecutionChannelReady.Set(1)
	case types.EventOrderUpdate:
		var evt struct {
			Data types.OrderUpdate `json:"data"`
		}
		if err := json.Unmarshal(data, &evt); err == nil {
			c.completeAck(evt.Data.RequestID, evt.Data.Status.Terminal(), string(evt.Data.Status))
			c.stateMu.Lock()
			c.orderStates[evt.Data.RequestID] = evt.Data
			c.stateMu.Unlock()
			select {
			case c.orderCh <- evt.Data:
			default:
				c.logger.Warn("order update channel full, dropping")
			}
		}
	case types.EventTradeExecution:
		var evt struct {
			Data types.TradeExecution `json:"data"`
		}
		if err := json.Unmarshal(data, &evt); err == nil {
			c.stateMu.Lock()
			c.tradeStates[evt.Data.RequestID] = evt.Data
			c.stateMu.Unlock()
			select {
			case c.tradeCh <- evt.Data:
			default:
				c.logger.Warn("trade execution channel full, dropping")
			}
		}
	case types.EventPositionUpdate:
		var evt struct {
			Data types.PositionUpdate `json:"data"`
		}
		if err := json.Unmarshal(data, &evt); err == nil {
			select {
			case c.positionCh <- evt.Data:
			default:
				c.logger.Warn("position update channel full, dropping")
			}
		}
	case types.EventError:
		c.logger.Warn("engine reported error event", "data", string(data))
	default:
		c.logger.Debug("unhandled engine event", "type", envelope.Type)
	}
}

func (c *WSClient) completeAck(requestID uint64, accepted bool, msg string) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- Ack{RequestID: requestID, Accepted: accepted, Error: msg}
	}
}

// Ready reports whether the channel is currently connected and has
// received ENGINE_READY.
func (c *WSClient) Ready() bool { return c.ready.get() }

// Send serialises op/payload into a command envelope, rate-limits by op
// category, records it via the Recorder before the write, and blocks
// (suspends) until the correlated ack arrives or the default timeout
// elapses, returning errs.Timeout in that case.
func (c *WSClient) Send(ctx context.Context, op string, payload interface{}, idempotencyKey string) (Ack, error) {
	start := time.Now()
	defer func() { metrics.ExecutionChannelSendSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	if !c.Ready() {
		return Ack{}, errs.Unavailable("execution channel not ready")
	}

	if err := c.limits.bucketFor(op).Wait(ctx); err != nil {
		return Ack{}, err
	}

	env := NewEnvelope(op, payload, idempotencyKey)

	if c.rec != nil {
		if err := c.rec.RecordSent(ctx, env); err != nil {
			return Ack{}, fmt.Errorf("record command: %w", err)
		}
	}

	ackCh := make(chan Ack, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = ackCh
	c.pendingMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return Ack{}, errs.Unavailable("execution channel not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return Ack{}, fmt.Errorf("write command: %w", err)
	}

	timeout := defaultAwaitTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if c.rec != nil {
			result := "accepted"
			if !ack.Accepted {
				result = "rejected:" + ack.Error
			}
			_ = c.rec.RecordResult(ctx, env.RequestID, result)
		}
		return ack, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return Ack{}, ctx.Err()
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		if c.rec != nil {
			_ = c.rec.RecordResult(ctx, env.RequestID, "timeout")
		}
		return Ack{}, errs.Timeout(fmt.Errorf("no ack within %s", timeout))
	}
}

// SnapshotTick fetches a one-shot REST mark/bid/ask snapshot, used only as
// a fallback when the push-stream cache has nothing for a symbol.
func (c *WSClient) SnapshotTick(ctx context.Context, symbol string) (types.Tick, error) {
	if err := c.limits.Snapshots.Wait(ctx); err != nil {
		return types.Tick{}, err
	}

	var out struct {
		Mark float64 `json:"mark"`
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).
		SetQueryParam("symbol", symbol).
		Get("/snapshot")
	if err != nil {
		return types.Tick{}, fmt.Errorf("snapshot request: %w", err)
	}
	if resp.IsError() {
		return types.Tick{}, fmt.Errorf("snapshot request: status %d", resp.StatusCode())
	}
	return types.Tick{Symbol: symbol, Mark: out.Mark, Bid: out.Bid, Ask: out.Ask, Timestamp: time.Now()}, nil
}

func (c *WSClient) OrderUpdates() <-chan types.OrderUpdate       { return c.orderCh }
func (c *WSClient) TradeExecutions() <-chan types.TradeExecution { return c.tradeCh }
func (c *WSClient) PositionUpdates() <-chan types.PositionUpdate { return c.positionCh }

// LatestOrderUpdate returns the most recently dispatched order_update for
// requestID, populated as a side effect of dispatch's demultiplexing.
func (c *WSClient) LatestOrderUpdate(requestID uint64) (types.OrderUpdate, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	u, ok := c.orderStates[requestID]
	return u, ok
}

// LatestTradeExecution returns the most recently dispatched fill for
// requestID.
func (c *WSClient) LatestTradeExecution(requestID uint64) (types.TradeExecution, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	t, ok := c.tradeStates[requestID]
	return t, ok
}
