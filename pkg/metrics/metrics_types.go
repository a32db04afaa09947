package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector exported by the control plane.
type Registry struct {
	// Membership and quorum
	ClusterNodes           *prometheus.GaugeVec
	ClusterHasQuorum       prometheus.Gauge
	ClusterReachableVotes  prometheus.Gauge
	ClusterTotalVotes      prometheus.Gauge
	WitnessReachable       prometheus.Gauge
	HeartbeatRoundsTotal   *prometheus.CounterVec
	HeartbeatMissesTotal   *prometheus.CounterVec
	HeartbeatRoundDuration prometheus.Histogram

	// Synchronization
	SyncSendQueue       *prometheus.GaugeVec
	SyncRedoQueue       *prometheus.GaugeVec
	SyncLagSeconds      *prometheus.GaugeVec
	SyncHealthy         *prometheus.GaugeVec
	SyncPollErrorsTotal *prometheus.CounterVec

	// Roles and failover
	ReplicaRole          *prometheus.GaugeVec
	RoleTransitionsTotal *prometheus.CounterVec
	FailoversTotal       *prometheus.CounterVec
	FailoverDuration     *prometheus.HistogramVec
	FailoverInFlight     *prometheus.GaugeVec
	QuorumFencesTotal    prometheus.Counter
	GroupAvailable       *prometheus.GaugeVec

	// Endpoints
	ProbeChecksTotal  *prometheus.CounterVec
	EndpointHasTarget *prometheus.GaugeVec

	// Audit
	AuditEventsTotal     *prometheus.CounterVec
	AuditArchiveUploads  *prometheus.CounterVec
	AuditJournalFailures prometheus.Counter

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all collectors registered on a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.initClusterMetrics()
	r.initSyncMetrics()
	r.initFailoverMetrics()
	r.initEndpointMetrics()
	r.initAuditMetrics()
	r.initHTTPMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying registry for promhttp.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
