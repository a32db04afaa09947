package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterNodes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_cluster_nodes",
			Help: "Number of cluster nodes by membership state",
		},
		[]string{"state"}, // UP, DOWN, UNKNOWN
	)

	r.ClusterHasQuorum = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_ha_cluster_has_quorum",
			Help: "Whether a strict majority of votes is reachable (1=yes, 0=no)",
		},
	)

	r.ClusterReachableVotes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_ha_cluster_reachable_votes",
			Help: "Votes held by UP nodes plus a reachable witness",
		},
	)

	r.ClusterTotalVotes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_ha_cluster_total_votes",
			Help: "Total configured votes including the witness",
		},
	)

	r.WitnessReachable = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_ha_witness_reachable",
			Help: "Whether the quorum witness answered the last heartbeat round",
		},
	)

	r.HeartbeatRoundsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_heartbeat_rounds_total",
			Help: "Heartbeat survey rounds by result",
		},
		[]string{"result"}, // complete, partial, error
	)

	r.HeartbeatMissesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_heartbeat_misses_total",
			Help: "Missed heartbeats per member",
		},
		[]string{"node"},
	)

	r.HeartbeatRoundDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluso_ha_heartbeat_round_duration_seconds",
			Help:    "Duration of a heartbeat survey round",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
}
