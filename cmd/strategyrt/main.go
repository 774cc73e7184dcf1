// Command strategyrt is the perpetual-futures strategy runtime entry
// point: loads configuration, wires the durable store, execution
// channel, market-data feed, and strategy registry into an Orchestrator,
// resumes any strategies that survived a restart, and serves the
// HTTP/WebSocket control plane until asked to shut down.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/orchestrator      — wires registry + execchan + marketdata + riskbook + store into operations
//	internal/registry          — goroutine-per-strategy-actor lifecycle manager with per-kind caps
//	internal/twap, trail,
//	  chase, scalper, agent    — the strategy kinds themselves
//	internal/execchan          — reconnecting websocket + REST execution channel
//	internal/marketdata        — local tick mirror fed by the market-data feed adapter
//	internal/riskbook          — read-only position/margin mirror
//	internal/store             — sqlite-backed durable snapshot store (resume layer)
//	internal/api                — HTTP/WebSocket control plane
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpstrategy/internal/api"
	"perpstrategy/internal/clock"
	"perpstrategy/internal/config"
	"perpstrategy/internal/execchan"
	"perpstrategy/internal/marketdata"
	"perpstrategy/internal/orchestrator"
	"perpstrategy/internal/registry"
	"perpstrategy/internal/riskbook"
	"perpstrategy/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PMS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open durable store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	client := execchan.NewWSClient(cfg.Execution.WSURL, cfg.Execution.RESTBaseURL, st, logger)

	book := marketdata.NewBook()
	feed := marketdata.NewFeed(cfg.MarketData.WSURL, book, logger)
	risk := riskbook.NewBook()

	reg := registry.New(logger)
	clk := clock.Real{}

	orch := orchestrator.New(reg, client, book, risk, st, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("execution channel stopped", "error", err)
		}
	}()
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market data feed stopped", "error", err)
		}
	}()
	go func() {
		if err := orch.RunEvents(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event routing stopped", "error", err)
		}
	}()

	if cmds, err := st.UnreconciledCommands(ctx); err != nil {
		logger.Warn("failed to check unreconciled commands", "error", err)
	} else if len(cmds) > 0 {
		// Commands sent but never acked before the last shutdown; the engine
		// applies retries with the same idempotency key at most once, so
		// these are informational, not replayed.
		logger.Warn("unreconciled execution commands from previous run", "count", len(cmds))
	}

	if cfg.Registry.ResumeOnStartup {
		orch.ResumeAll(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{Port: cfg.API.Port, AllowedOrigins: cfg.API.AllowedOrigins}, orch, logger)
		orch.SetBroadcaster(apiServer.Broadcast)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if cfg.DryRun {
		logger.Warn("dry_run is set, but the execution channel does not read it; orders are sent as normal")
	}

	logger.Info("strategy runtime started",
		"execution_ws", cfg.Execution.WSURL,
		"store", cfg.Store.Path,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	reg.StopAll(fmt.Sprintf("shutdown_signal=%s", sig.String()))
	cancel()
	time.Sleep(cfg.Registry.StopGracePeriod)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
