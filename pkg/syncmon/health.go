package syncmon

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Thresholds bound what counts as caught up.
type Thresholds struct {
	MaxSendQueue int64
	MaxRedoQueue int64
	MaxAsyncLag  time.Duration
}

// evaluate derives the health of one replica. primaryLive is true when some
// other replica is reachable, engine-PRIMARY and serving; a replica that lost
// its session to a live primary is falling behind by an unknown amount.
func evaluate(r topology.Replica, st engine.ReplicaStatus, lag time.Duration, primaryLive bool, th Thresholds) topology.SyncHealth {
	if !st.Reachable || st.SyncHealth == topology.NotHealthy {
		return topology.NotHealthy
	}
	if r.Role == topology.RolePrimary {
		if st.Role == topology.RolePrimary {
			return topology.Healthy
		}
		return topology.NotHealthy
	}
	if st.Connected == topology.Disconnected && primaryLive {
		return topology.NotHealthy
	}

	switch r.SyncMode {
	case topology.Asynchronous:
		if lag < th.MaxAsyncLag {
			return topology.Healthy
		}
	default:
		if st.SendQueueSize < th.MaxSendQueue && st.RedoQueueSize < th.MaxRedoQueue {
			return topology.Healthy
		}
	}
	return topology.NotHealthy
}

// referenceCommit is the commit time lag is measured against: the store
// PRIMARY's when it answered, else the newest any replica reported.
func referenceCommit(g topology.DataGroup, statuses []engine.ReplicaStatus) time.Time {
	var newest time.Time
	primary, hasPrimary := g.Primary()
	for _, st := range statuses {
		if !st.Reachable {
			continue
		}
		if hasPrimary && st.Node == primary.Node {
			return st.LastCommitTime
		}
		if st.LastCommitTime.After(newest) {
			newest = st.LastCommitTime
		}
	}
	return newest
}

func lagBehind(ref, commit time.Time) time.Duration {
	if ref.IsZero() || commit.IsZero() {
		return 0
	}
	if d := ref.Sub(commit); d > 0 {
		return d
	}
	return 0
}
