package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSyncMetrics() {
	r.SyncSendQueue = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_sync_send_queue",
			Help: "Log not yet sent to the replica",
		},
		[]string{"group", "node"},
	)

	r.SyncRedoQueue = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_sync_redo_queue",
			Help: "Log received but not yet applied by the replica",
		},
		[]string{"group", "node"},
	)

	r.SyncLagSeconds = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_sync_lag_seconds",
			Help: "Commit-time lag behind the primary",
		},
		[]string{"group", "node"},
	)

	r.SyncHealthy = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_sync_healthy",
			Help: "Replica synchronization health (1=HEALTHY, 0=otherwise)",
		},
		[]string{"group", "node"},
	)

	r.SyncPollErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_sync_poll_errors_total",
			Help: "Engine status polls that failed after retries",
		},
		[]string{"group"},
	)
}
