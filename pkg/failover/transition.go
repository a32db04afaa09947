package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/roles"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// switchover moves the primary role from old (nil when the group has none)
// to target. A reachable old primary is demoted cooperatively before the
// target is promoted, an unreachable one is marked OFFLINE. The caller holds
// the group lock. A promotion that loses quorum after the engine acted is
// unwound by the role manager and reported as QuorumLost.
func (c *Coordinator) switchover(ctx context.Context, group string, old *topology.Replica, target string) (audit.Outcome, error) {
	demoted := ""
	if old != nil {
		if c.membership.IsUp(old.Node) {
			err := c.roles.Demote(ctx, group, old.Node)
			switch {
			case err == nil:
				demoted = old.Node
			case interrupted(ctx, err):
				c.abandon(group, fmt.Sprintf("demote of %s timed out", old.Node), old.Node)
				return audit.OutcomeTimedOut, err
			case engine.IsUnreachable(err):
				c.markOffline(group, old.Node)
			default:
				return classify(err), err
			}
		} else {
			c.markOffline(group, old.Node)
		}
	}

	if err := c.roles.Promote(ctx, group, target, roles.PromoteOptions{}); err != nil {
		if interrupted(ctx, err) {
			c.abandon(group, fmt.Sprintf("promotion of %s timed out", target), target, demoted)
			return audit.OutcomeTimedOut, err
		}
		return classify(err), err
	}

	c.publish(group)
	return audit.OutcomeSuccess, nil
}

// abandon leaves the in-flight replicas RESOLVING and flags the group for
// operator recovery. Automatic failover ignores the group until every
// RESOLVING replica has been resolved.
func (c *Coordinator) abandon(group, reason string, nodes ...string) {
	for _, n := range nodes {
		if n == "" {
			continue
		}
		if err := c.roles.MarkResolving(group, n); err != nil {
			c.logger.Warn("mark resolving failed", logging.Group(group), logging.Node(n), logging.Error(err))
		}
	}
	_, err := c.store.Update(group, func(g *topology.DataGroup) error {
		g.RecoveryPending = true
		g.RecoveryReason = reason
		return nil
	})
	if err != nil {
		c.logger.Error("flag recovery pending failed", logging.Group(group), logging.Error(err))
	}
	c.router.Clear(group)
	c.metrics.SetGroupAvailable(group, false)
	c.logger.Error("transition abandoned, group needs manual recovery",
		logging.Group(group), logging.String("reason", reason), logging.Strings("resolving", nodes))
}

// TriggerManualFailover makes target the primary of group. The target must
// be a CONNECTED, HEALTHY SECONDARY. A reachable primary is demoted first.
// Exactly one audit event is recorded; its outcome error is returned.
// Cancelling ctx after the transition started does not stop it.
func (c *Coordinator) TriggerManualFailover(ctx context.Context, group, target string) (audit.Event, error) {
	a := c.newAttempt(ctx, group, audit.TriggerManual, target)
	a.event.Cause = audit.CauseOperator

	if _, err := c.store.Group(group); err != nil {
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%w: %s", ErrGroupNotFound, group))
	}
	unlock, ok := c.tryLock(group)
	if !ok {
		return a.finish(audit.OutcomeFailoverInProgress, nil)
	}
	defer unlock()
	defer c.publish(group)

	c.applySyncState(group)
	g, err := c.store.Group(group)
	if err != nil {
		return a.finish(audit.OutcomeInvalidTarget, err)
	}
	old, hasOld := g.Primary()
	if hasOld {
		a.event.Source = old.Node
	}

	if !c.membership.HasQuorum() {
		return a.finish(audit.OutcomeQuorumLost, nil)
	}
	r, ok := g.Replicas[target]
	switch {
	case !ok:
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%s has no replica on %s", group, target))
	case r.Role == topology.RolePrimary:
		return a.finish(audit.OutcomeAlreadyInRole, fmt.Errorf("%s/%s is already PRIMARY", group, target))
	case r.Role != topology.RoleSecondary:
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%s/%s is %s", group, target, r.Role))
	case r.SyncHealth != topology.Healthy || r.Connected != topology.Connected:
		return a.finish(audit.OutcomeSyncNotHealthy,
			fmt.Errorf("%s/%s is %s and %s", group, target, r.SyncHealth, r.Connected))
	}

	c.setInFlight(group, true)
	defer c.setInFlight(group, false)

	tctx, cancel := c.transitionContext(ctx)
	defer cancel()

	var oldPtr *topology.Replica
	if hasOld {
		oldPtr = &old
	}
	outcome, err := c.switchover(tctx, group, oldPtr, target)
	if outcome == audit.OutcomeSuccess {
		c.resetTrigger(group)
	}
	return a.finish(outcome, err)
}

// TriggerForcedFailover promotes target regardless of its synchronization
// state. It is refused unless acknowledgeDataLoss is set, and still requires
// quorum. The displaced primary goes OFFLINE and needs an explicit
// ResyncReplica before it may rejoin. The event records the last commit
// point confirmed on the old primary; anything after it may be lost.
func (c *Coordinator) TriggerForcedFailover(ctx context.Context, group, target string, acknowledgeDataLoss bool) (audit.Event, error) {
	a := c.newAttempt(ctx, group, audit.TriggerForced, target)
	a.event.Cause = audit.CauseOperator

	if !acknowledgeDataLoss {
		return a.finish(audit.OutcomeDataLossNotAcknowledged, nil)
	}
	if _, err := c.store.Group(group); err != nil {
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%w: %s", ErrGroupNotFound, group))
	}
	unlock, ok := c.tryLock(group)
	if !ok {
		return a.finish(audit.OutcomeFailoverInProgress, nil)
	}
	defer unlock()
	defer c.publish(group)

	c.applySyncState(group)
	g, err := c.store.Group(group)
	if err != nil {
		return a.finish(audit.OutcomeInvalidTarget, err)
	}
	old, hasOld := g.Primary()
	if hasOld {
		a.event.Source = old.Node
	}

	if !c.membership.HasQuorum() {
		return a.finish(audit.OutcomeQuorumLost, nil)
	}
	r, ok := g.Replicas[target]
	switch {
	case !ok:
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%s has no replica on %s", group, target))
	case r.Role == topology.RolePrimary:
		return a.finish(audit.OutcomeAlreadyInRole, fmt.Errorf("%s/%s is already PRIMARY", group, target))
	case r.Role != topology.RoleSecondary:
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("%s/%s is %s", group, target, r.Role))
	case !c.membership.IsUp(target):
		return a.finish(audit.OutcomeInvalidTarget, fmt.Errorf("node %s is not UP", target))
	}

	point, at := c.lastConfirmedCommit(g, target)

	c.setInFlight(group, true)
	defer c.setInFlight(group, false)

	tctx, cancel := c.transitionContext(ctx)
	defer cancel()

	if hasOld {
		if c.membership.IsUp(old.Node) {
			if err := c.engine.LeaveGroup(tctx, group, old.Node); err != nil {
				c.logger.Warn("detaching displaced primary failed",
					logging.Group(group), logging.Node(old.Node), logging.Error(err))
			}
		}
		if err := c.roles.MarkOffline(group, old.Node, true); err != nil {
			return a.finish(audit.OutcomeFailed, err)
		}
	}

	if err := c.roles.Promote(tctx, group, target, roles.PromoteOptions{Force: true}); err != nil {
		if interrupted(tctx, err) {
			c.abandon(group, fmt.Sprintf("forced promotion of %s timed out", target), target)
			return a.finish(audit.OutcomeTimedOut, err)
		}
		return a.finish(classify(err), err)
	}
	c.resetTrigger(group)

	a.event.DataLoss = true
	a.event.LastCommitPoint = point
	a.event.LastCommitTime = at
	return a.finish(audit.OutcomeSuccess, nil)
}

// lastConfirmedCommit returns the newest commit position confirmed on the
// old primary, or on any replica other than target when there is none.
func (c *Coordinator) lastConfirmedCommit(g topology.DataGroup, target string) (string, time.Time) {
	if p, ok := g.Primary(); ok {
		if st, ok := c.monitor.State(g.Name, p.Node); ok && st.CommitPoint != "" {
			return st.CommitPoint, st.LastCommitTime
		}
		return p.LastCommitPoint, p.LastCommitTime
	}

	var (
		point string
		at    time.Time
	)
	for id, r := range g.Replicas {
		if id == target {
			continue
		}
		if r.LastCommitTime.After(at) {
			point, at = r.LastCommitPoint, r.LastCommitTime
		}
	}
	return point, at
}
