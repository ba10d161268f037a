// Package metrics holds the Prometheus collectors of the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveRooms counts live CRDT rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lydie_sync_rooms_active",
		Help: "Live document rooms",
	})

	// ActiveConnections counts attached realtime connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lydie_sync_connections_active",
		Help: "Attached realtime connections",
	})

	// RelayedDeltas counts deltas fanned out to room peers.
	RelayedDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lydie_sync_deltas_relayed_total",
		Help: "Deltas accepted and relayed within rooms",
	})

	// ClosedConnections counts connections closed by the gateway, by reason.
	ClosedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lydie_sync_connections_closed_total",
		Help: "Connections closed by the gateway by reason",
	}, []string{"reason"})

	// Saves counts persistence attempts by result.
	Saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lydie_persist_saves_total",
		Help: "Document state saves by result",
	}, []string{"result"})

	// MutationOutcomes counts mutation submissions by mutator and outcome.
	MutationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lydie_mutations_total",
		Help: "Mutation submissions by mutator and outcome",
	}, []string{"mutator", "outcome"})

	// MutationDuration tracks authoritative execution latency.
	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lydie_mutation_duration_seconds",
		Help:    "Authoritative mutation execution time",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"mutator"})

	// QuerySubscriptions counts live query subscriptions.
	QuerySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lydie_query_subscriptions_active",
		Help: "Live query subscriptions",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
