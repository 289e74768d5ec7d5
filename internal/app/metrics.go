package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("geoquest-engine/app")

var (
	answersJudged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquest_answers_judged_total",
			Help: "Answers judged by kind and result",
		},
		[]string{"kind", "result"},
	)

	evaluatorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geoquest_evaluator_failures_total",
			Help: "Free-text evaluations that failed and were counted as mistakes",
		},
	)

	evaluatorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquest_evaluator_duration_seconds",
			Help:    "Latency of free-text evaluator calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	coinsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquest_coins_awarded_total",
			Help: "Coins credited for quest completions by mode",
		},
		[]string{"mode"},
	)

	tileTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquest_tile_transitions_total",
			Help: "Tile state transitions by target state",
		},
		[]string{"to"},
	)

	battlesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquest_battles_settled_total",
			Help: "Finished battles by result reason",
		},
		[]string{"reason"},
	)

	escrowMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquest_escrow_coins_total",
			Help: "Coins moved into or out of battle escrow",
		},
		[]string{"direction"},
	)
)

// RegisterMetrics registers the engine collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(answersJudged, evaluatorFailures, evaluatorLatency, coinsAwarded, tileTransitions, battlesSettled, escrowMoves)
}
