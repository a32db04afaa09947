package failover

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// automatic runs one automatic failover attempt. The caller holds the
// group lock.
func (c *Coordinator) automatic(ctx context.Context, g topology.DataGroup, cause string) {
	a := c.newAttempt(ctx, g.Name, audit.TriggerAutomatic, "")
	a.event.Cause = cause

	old, hasOld := g.Primary()
	if hasOld {
		a.event.Source = old.Node
	}

	if !c.membership.HasQuorum() {
		_, _ = a.finish(audit.OutcomeQuorumLost, nil)
		return
	}

	target, ok := c.selectCandidate(g)
	if !ok {
		c.abstain(g)
		_, _ = a.finish(audit.OutcomeNoEligibleCandidate,
			fmt.Errorf("%w: no SECONDARY in %s is AUTOMATIC, HEALTHY and on an UP node", ErrNoEligibleCandidate, g.Name))
		return
	}
	a.event.Target = target

	c.setInFlight(g.Name, true)
	defer c.setInFlight(g.Name, false)

	tctx, cancel := c.transitionContext(ctx)
	defer cancel()

	var oldPtr *topology.Replica
	if hasOld {
		oldPtr = &old
	}
	outcome, err := c.switchover(tctx, g.Name, oldPtr, target)
	if outcome == audit.OutcomeSuccess {
		c.resetTrigger(g.Name)
	}
	_, _ = a.finish(outcome, err)
}

// selectCandidate picks the automatic failover target: a SECONDARY with
// AUTOMATIC failover mode, HEALTHY sync state and an UP node. The lowest
// backup priority wins, ties go to the smallest node ID.
func (c *Coordinator) selectCandidate(g topology.DataGroup) (string, bool) {
	candidates := eligible(g, c.membership.IsUp)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].Node, true
}

// eligible returns the automatic failover candidates of g in preference
// order.
func eligible(g topology.DataGroup, isUp func(string) bool) []topology.Replica {
	var out []topology.Replica
	for _, r := range g.Replicas {
		if r.Role == topology.RoleSecondary &&
			r.FailoverMode == topology.Automatic &&
			r.SyncHealth == topology.Healthy &&
			isUp(r.Node) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b topology.Replica) int {
		if a.BackupPriority != b.BackupPriority {
			return a.BackupPriority - b.BackupPriority
		}
		switch {
		case a.Node < b.Node:
			return -1
		case a.Node > b.Node:
			return 1
		}
		return 0
	})
	return out
}
