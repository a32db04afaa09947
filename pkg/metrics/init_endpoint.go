package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEndpointMetrics() {
	r.ProbeChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_probe_checks_total",
			Help: "Health probe evaluations by result",
		},
		[]string{"endpoint", "result"}, // healthy, unhealthy
	)

	r.EndpointHasTarget = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_ha_endpoint_has_target",
			Help: "Whether the virtual endpoint currently routes to a primary",
		},
		[]string{"endpoint"},
	)
}

func (r *Registry) initAuditMetrics() {
	r.AuditEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_audit_events_total",
			Help: "Failover events appended to the audit log",
		},
		[]string{"trigger", "outcome"},
	)

	r.AuditArchiveUploads = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_ha_audit_archive_uploads_total",
			Help: "Audit archive segment uploads by result",
		},
		[]string{"result"},
	)

	r.AuditJournalFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_ha_audit_journal_failures_total",
			Help: "Journal writes that failed",
		},
	)
}
