// Package metrics exposes Prometheus instrumentation for the strategy
// runtime: strategy lifecycle counts, fatigue/regime telemetry, and
// execution-channel health, registered through promauto on the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StrategiesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms",
		Name:      "strategies_started_total",
		Help:      "Strategies started, by kind.",
	}, []string{"kind"})

	StrategiesStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms",
		Name:      "strategies_stopped_total",
		Help:      "Strategies stopped, by kind and reason.",
	}, []string{"kind", "reason"})

	StrategiesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pms",
		Name:      "strategies_active",
		Help:      "Currently active strategies, by kind.",
	}, []string{"kind"})

	ChaseReprices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms",
		Name:      "chase_reprices_total",
		Help:      "Chase actor cancel/replace cycles.",
	}, []string{"symbol"})

	ScalperFatigue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pms",
		Name:      "scalper_fatigue_score",
		Help:      "Current exponential-decay fatigue score per scalper.",
	}, []string{"scalper_id"})

	RegimeConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pms",
		Name:      "regime_confidence",
		Help:      "Tick regime classifier confidence, by symbol and regime.",
	}, []string{"symbol", "regime"})

	ExecutionChannelSendSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pms",
		Name:      "execution_channel_send_seconds",
		Help:      "Latency of blocking Send calls to the execution channel, by op.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	ExecutionChannelReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pms",
		Name:      "execution_channel_ready",
		Help:      "1 when the execution channel is connected and ready, else 0.",
	})

	TWAPLotsFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms",
		Name:      "twap_lots_filled_total",
		Help:      "TWAP lots filled, by fill type (limit or market).",
	}, []string{"type"})
)
