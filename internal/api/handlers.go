package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpstrategy/internal/errs"
)

// Handlers implements the HTTP-level strategy API routes.
type Handlers struct {
	orch     Orchestrator
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers builds handlers bound to orch, broadcasting lifecycle
// events on hub. allowedOrigins is the origin allowlist
// checked on the websocket upgrade.
func NewHandlers(orch Orchestrator, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handlers{
		orch:   orch,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				return allowed[origin]
			},
		},
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"executionReady": h.orch.ExecutionReady(),
		"time":           time.Now(),
	})
}

// HandleMetrics delegates to the Prometheus default registry handler.
func (h *Handlers) HandleMetrics() http.Handler { return promhttp.Handler() }

// HandleSummary serves the process-level runtime summary.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RuntimeSummary{
		GeneratedAt:    time.Now(),
		ExecutionReady: h.orch.ExecutionReady(),
		ActiveByKind:   h.orch.ActiveCountsByKind(),
	})
}

type startBody struct {
	SubAccountID string `json:"subAccountId"`
}

func (h *Handlers) handleStart(start func(subAccount string, body json.RawMessage) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeErr(w, errs.Validation("failed to read request body"))
			return
		}
		var meta startBody
		if err := json.Unmarshal(raw, &meta); err != nil || meta.SubAccountID == "" {
			writeErr(w, errs.Validation("subAccountId is required"))
			return
		}
		id, err := start(meta.SubAccountID, raw)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, StartResponse{StrategyID: id})
	}
}

func (h *Handlers) HandleTWAPStart() http.HandlerFunc       { return h.handleStart(h.orch.StartTWAP) }
func (h *Handlers) HandleBasketStart() http.HandlerFunc     { return h.handleStart(h.orch.StartBasket) }
func (h *Handlers) HandleTrailStopStart() http.HandlerFunc  { return h.handleStart(h.orch.StartTrailStop) }
func (h *Handlers) HandleChaseStart() http.HandlerFunc      { return h.handleStart(h.orch.StartChase) }
func (h *Handlers) HandleScalperStart() http.HandlerFunc    { return h.handleStart(h.orch.StartScalper) }
func (h *Handlers) HandleAgentStart() http.HandlerFunc      { return h.handleStart(h.orch.StartAgent) }

// HandleActive serves GET /{kind}/active/{subAccountId}.
func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snaps, err := h.orch.Active(vars["kind"], vars["subAccountId"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleGet serves GET /{kind}/{id}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, ok, err := h.orch.Get(vars["kind"], vars["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, errs.NotFound(vars["id"]))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleStop serves DELETE /{kind}/{id}[?close=1]. The close flag is passed
// to Orchestrator.Stop, which records it in the stop reason only; no
// position close is submitted.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	close := r.URL.Query().Get("close") == "1"
	if err := h.orch.Stop(vars["kind"], vars["id"], close); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebSocket upgrades GET /ws to a broadcast subscriber connection.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindLimitExceeded:
		status = http.StatusTooManyRequests
	case errs.KindUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	var e *errs.Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
