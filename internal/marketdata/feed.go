// feed.go is the thin adapter between the push-only market-data source
// and the local Book mirror: a single websocket connection with
// exponential-backoff reconnect (1s..30s), reduced to the one tick shape
// every strategy in this platform reads.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"perpstrategy/pkg/types"
)

const (
	feedPingInterval  = 30 * time.Second
	feedReadTimeout   = 90 * time.Second
	feedMaxReconnect  = 30 * time.Second
	feedWriteTimeout  = 10 * time.Second
)

// tickMessage is the inbound wire shape: a mark/bid/ask observation for
// one symbol, pushed by the market-data source whenever it changes.
type tickMessage struct {
	Symbol string  `json:"symbol"`
	Mark   float64 `json:"mark"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Feed connects to a market-data websocket and writes every observed
// tick into a Book. One Feed serves every strategy subscribed to any
// symbol; Subscriptions ref-counts interest but the upstream source here
// pushes all symbols unconditionally (a narrower per-symbol subscribe
// protocol is a venue-specific concern left to the adapter's caller).
type Feed struct {
	url    string
	book   *Book
	logger *slog.Logger
}

// NewFeed creates a feed that writes ticks into book.
func NewFeed(wsURL string, book *Book, logger *slog.Logger) *Feed {
	return &Feed{url: wsURL, book: book, logger: logger.With("component", "marketdata_feed")}
}

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("market data feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedMaxReconnect {
			backoff = feedMaxReconnect
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var tm tickMessage
		if err := json.Unmarshal(msg, &tm); err != nil {
			f.logger.Debug("ignoring non-tick message", "data", string(msg))
			continue
		}
		f.book.Apply(types.Tick{Symbol: tm.Symbol, Mark: tm.Mark, Bid: tm.Bid, Ask: tm.Ask, Timestamp: time.Now()})
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
