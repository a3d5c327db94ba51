// Package metrics provides Prometheus metrics for the medication ordering
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ChatTurns             *prometheus.CounterVec
	AgentDuration         *prometheus.HistogramVec
	PolicyDecisions       *prometheus.CounterVec
	OrdersFinalized       prometheus.Counter
	StockConflicts        prometheus.Counter
	PrescriptionUploads   *prometheus.CounterVec
	RefillAlerts          *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns processed, by outcome",
		}, []string{"outcome"}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_duration_seconds",
			Help:    "Agent call duration, by agent",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"agent"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Safety decisions, by verdict",
		}, []string{"verdict"}),
		OrdersFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_finalized_total",
			Help: "Orders confirmed and persisted",
		}),
		StockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_conflicts_total",
			Help: "Finalize attempts that hit a stock conflict",
		}),
		PrescriptionUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_uploads_total",
			Help: "Prescription image validations, by result",
		}, []string{"result"}),
		RefillAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refill_alerts_total",
			Help: "Refill alerts emitted, by action",
		}, []string{"action"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ChatTurns,
		m.AgentDuration,
		m.PolicyDecisions,
		m.OrdersFinalized,
		m.StockConflicts,
		m.PrescriptionUploads,
		m.RefillAlerts,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
