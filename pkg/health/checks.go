package health

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// MembershipCheck is unhealthy while any member has not answered a
// heartbeat round yet, and degraded while members disagree on reachability.
func MembershipCheck(report func() cluster.PartitionReport) CheckFunc {
	return func(context.Context) Check {
		p := report()
		check := Check{Details: map[string]any{
			"reachable":   p.Reachable,
			"unreachable": p.Unreachable,
		}}
		switch {
		case len(p.Unknown) > 0:
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%d members not yet heard from", len(p.Unknown))
			check.Details["unknown"] = p.Unknown
		case p.Partitioned():
			check.Status = StatusDegraded
			check.Message = "some members unreachable"
		default:
			check.Status = StatusHealthy
			check.Message = "all members reachable"
		}
		return check
	}
}

// QuorumCheck is unhealthy without quorum. The coordinator keeps serving
// status in that state but will not move any primary.
func QuorumCheck(quorum func() cluster.QuorumStatus) CheckFunc {
	return func(context.Context) Check {
		q := quorum()
		check := Check{Details: map[string]any{
			"reachable_votes":   q.ReachableVotes,
			"total_votes":       q.TotalVotes,
			"witness_reachable": q.WitnessReachable,
		}}
		switch {
		case !q.HasQuorum:
			check.Status = StatusUnhealthy
			check.Message = "no quorum"
		case q.ReachableVotes < q.TotalVotes:
			check.Status = StatusDegraded
			check.Message = "quorum held with votes missing"
		default:
			check.Status = StatusHealthy
			check.Message = "quorum held"
		}
		return check
	}
}

// FreshnessCheck is unhealthy when last reports a time older than maxAge,
// which means the loop producing it has stalled. A zero time is treated as
// not started and reported healthy.
func FreshnessCheck(last func() time.Time, maxAge time.Duration, clk clock.Clock) CheckFunc {
	if clk == nil {
		clk = clock.Real()
	}
	return func(context.Context) Check {
		t := last()
		if t.IsZero() {
			return Check{Status: StatusHealthy, Message: "no observations yet"}
		}
		age := clk.Since(t)
		check := Check{Details: map[string]any{"age": age.String()}}
		if age > maxAge {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("last update %s ago exceeds %s", age.Round(time.Millisecond), maxAge)
		} else {
			check.Status = StatusHealthy
		}
		return check
	}
}
