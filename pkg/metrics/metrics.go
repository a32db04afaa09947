package metrics

import (
	"time"
)

// All recording helpers accept a nil receiver so components can run without
// a registry.

var roleNames = []string{"OFFLINE", "RESOLVING", "SECONDARY", "PRIMARY"}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// UpdateQuorum records the outcome of a quorum computation.
func (r *Registry) UpdateQuorum(hasQuorum bool, reachable, total int, witnessReachable bool) {
	if r == nil {
		return
	}
	r.ClusterHasQuorum.Set(boolGauge(hasQuorum))
	r.ClusterReachableVotes.Set(float64(reachable))
	r.ClusterTotalVotes.Set(float64(total))
	r.WitnessReachable.Set(boolGauge(witnessReachable))
}

// UpdateNodeStates sets the per-state node counts.
func (r *Registry) UpdateNodeStates(counts map[string]int) {
	if r == nil {
		return
	}
	for _, state := range []string{"UP", "DOWN", "UNKNOWN"} {
		r.ClusterNodes.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// RecordHeartbeatRound records one survey round.
func (r *Registry) RecordHeartbeatRound(result string, duration time.Duration, missed []string) {
	if r == nil {
		return
	}
	r.HeartbeatRoundsTotal.WithLabelValues(result).Inc()
	r.HeartbeatRoundDuration.Observe(duration.Seconds())
	for _, node := range missed {
		r.HeartbeatMissesTotal.WithLabelValues(node).Inc()
	}
}

// RecordSyncState records the polled synchronization state of one replica.
func (r *Registry) RecordSyncState(group, node string, sendQueue, redoQueue int64, lag time.Duration, healthy bool) {
	if r == nil {
		return
	}
	r.SyncSendQueue.WithLabelValues(group, node).Set(float64(sendQueue))
	r.SyncRedoQueue.WithLabelValues(group, node).Set(float64(redoQueue))
	r.SyncLagSeconds.WithLabelValues(group, node).Set(lag.Seconds())
	r.SyncHealthy.WithLabelValues(group, node).Set(boolGauge(healthy))
}

// RecordSyncPollError counts a poll that failed after retries.
func (r *Registry) RecordSyncPollError(group string) {
	if r == nil {
		return
	}
	r.SyncPollErrorsTotal.WithLabelValues(group).Inc()
}

// SetReplicaRole sets the role gauge of a replica, clearing the others.
func (r *Registry) SetReplicaRole(group, node, role string) {
	if r == nil {
		return
	}
	for _, name := range roleNames {
		r.ReplicaRole.WithLabelValues(group, node, name).Set(boolGauge(name == role))
	}
}

// RecordRoleTransition counts a committed transition and updates the role gauge.
func (r *Registry) RecordRoleTransition(group, node, from, to string) {
	if r == nil {
		return
	}
	r.RoleTransitionsTotal.WithLabelValues(group, from, to).Inc()
	r.SetReplicaRole(group, node, to)
}

// RecordFailover records a finished failover attempt.
func (r *Registry) RecordFailover(group, trigger, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.FailoversTotal.WithLabelValues(group, trigger, outcome).Inc()
	r.FailoverDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// SetFailoverInFlight marks whether a group's transition lock is held.
func (r *Registry) SetFailoverInFlight(group string, inFlight bool) {
	if r == nil {
		return
	}
	r.FailoverInFlight.WithLabelValues(group).Set(boolGauge(inFlight))
}

// RecordQuorumFence counts a primary fenced on quorum loss.
func (r *Registry) RecordQuorumFence() {
	if r == nil {
		return
	}
	r.QuorumFencesTotal.Inc()
}

// SetGroupAvailable records whether a group has a primary.
func (r *Registry) SetGroupAvailable(group string, available bool) {
	if r == nil {
		return
	}
	r.GroupAvailable.WithLabelValues(group).Set(boolGauge(available))
}

// RecordProbe counts a probe evaluation.
func (r *Registry) RecordProbe(endpoint string, healthy bool) {
	if r == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	r.ProbeChecksTotal.WithLabelValues(endpoint, result).Inc()
}

// SetEndpointTarget records whether an endpoint routes anywhere.
func (r *Registry) SetEndpointTarget(endpoint string, hasTarget bool) {
	if r == nil {
		return
	}
	r.EndpointHasTarget.WithLabelValues(endpoint).Set(boolGauge(hasTarget))
}

// RecordAuditEvent counts an appended failover event.
func (r *Registry) RecordAuditEvent(trigger, outcome string) {
	if r == nil {
		return
	}
	r.AuditEventsTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordArchiveUpload counts an archive upload attempt.
func (r *Registry) RecordArchiveUpload(err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.AuditArchiveUploads.WithLabelValues(result).Inc()
}

// RecordJournalFailure counts a failed journal write.
func (r *Registry) RecordJournalFailure() {
	if r == nil {
		return
	}
	r.AuditJournalFailures.Inc()
}

// RecordHTTPRequest records an API request.
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
