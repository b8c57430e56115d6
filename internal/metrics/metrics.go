// Package metrics provides Prometheus instrumentation for the chat session.
// It exposes the connection phase, lifecycle transitions, ledger outcomes,
// reconnect attempts, presence and send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Phases lists every label value of SessionPhase.
var Phases = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

var (
	// SessionPhase is 1 for the current connection phase and 0 for the others.
	SessionPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_session_phase",
		Help: "Current connection phase of the chat session",
	}, []string{"phase"})

	// TransitionsTotal counts lifecycle transitions.
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_session_transitions_total",
		Help: "Total number of connection lifecycle transitions",
	}, []string{"from", "to", "trigger"})

	// MessagesTotal counts ledger outcomes, labeled by outcome: "optimistic",
	// "reconciled", "appended", "duplicate", "failed" or "flagged".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages applied to the ledger",
	}, []string{"outcome"})

	// ReconnectAttempts counts redial attempts after a dropped connection.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	})

	// OnlineUsers is the last presence count reported by the server.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Number of users connected to the chat backend",
	})

	// SendLatency records the time from optimistic append to confirmation.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Time from optimistic append to server confirmation",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// CacheLookups counts fallback cache reads, labeled by kind ("rooms" or
	// "history") and result ("hit", "miss" or "error").
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_cache_lookups_total",
		Help: "Total number of fallback cache lookups",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(
		SessionPhase,
		TransitionsTotal,
		MessagesTotal,
		ReconnectAttempts,
		OnlineUsers,
		SendLatency,
		CacheLookups,
	)
}

// ObserveTransition records a lifecycle transition and moves the phase gauge.
func ObserveTransition(from, to, trigger string) {
	TransitionsTotal.WithLabelValues(from, to, trigger).Inc()
	SetPhase(to)
}

// SetPhase marks phase as current.
func SetPhase(phase string) {
	for _, p := range Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		SessionPhase.WithLabelValues(p).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
