package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFailoverMetrics() {
	r.ReplicaRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_replica_role",
			Help: "Replica role (1 for the current role, 0 otherwise)",
		},
		[]string{"group", "node", "role"},
	)

	r.RoleTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_role_transitions_total",
			Help: "Committed replica role transitions",
		},
		[]string{"group", "from", "to"},
	)

	r.FailoversTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_failovers_total",
			Help: "Failover attempts by trigger and outcome",
		},
		[]string{"group", "trigger", "outcome"},
	)

	r.FailoverDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_ha_failover_duration_seconds",
			Help:    "Time from failover start to outcome",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"trigger"},
	)

	r.FailoverInFlight = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_failover_in_flight",
			Help: "Whether a transition holds the group lock",
		},
		[]string{"group"},
	)

	r.QuorumFencesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_ha_quorum_fences_total",
			Help: "Primaries fenced because quorum was lost",
		},
	)

	r.GroupAvailable = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_group_available",
			Help: "Whether the data group has a writable primary",
		},
		[]string{"group"},
	)
}
