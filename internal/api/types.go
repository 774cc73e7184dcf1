// Package api is the HTTP/WebSocket control-plane surface: strategy
// start/stop/list routes over gorilla/mux, plus a broadcast hub for
// lifecycle events.
package api

import "time"

// StrategySnapshot is the runtime view returned by GET /{kind}/active/{subAccountId}
// and GET /{kind}/{id}.
type StrategySnapshot struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	SubAccount string      `json:"subAccountId"`
	Symbol     string      `json:"symbol"`
	Status     string      `json:"status"`
	State      interface{} `json:"state"`
}

// RuntimeSummary is the overall process-level view served by /api/summary.
type RuntimeSummary struct {
	GeneratedAt       time.Time          `json:"generatedAt"`
	ExecutionReady    bool               `json:"executionReady"`
	ActiveByKind      map[string]int     `json:"activeByKind"`
	Strategies        []StrategySnapshot `json:"strategies"`
}

// StartResponse is the body returned by every strategy-start endpoint.
type StartResponse struct {
	StrategyID string `json:"strategyId"`
}
