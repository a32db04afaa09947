package failover

import (
	"context"
	"fmt"
	"strings"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Tick runs one reconcile pass: copy sync observations into the store,
// fence primaries when quorum is gone, otherwise move replicas along their
// recovery path, start automatic failover where due and publish endpoint
// targets. Groups with a transition in progress are skipped.
func (c *Coordinator) Tick(ctx context.Context) {
	names := c.store.GroupNames()
	for _, name := range names {
		c.applySyncState(name)
	}

	q := c.membership.ComputeQuorum()
	if !q.HasQuorum {
		report := c.membership.PartitionReport()
		if len(report.Unknown) > 0 {
			// Members have not answered a heartbeat round yet; quorum is
			// undecided rather than lost.
			c.logger.Debug("quorum undecided", logging.Strings("unknown", report.Unknown))
			return
		}
		c.fence(ctx, q, report)
		return
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		c.tickGroup(ctx, name)
	}
}

// applySyncState copies the monitor's last observations into the store.
// Observations taken before a replica's last role change are stale and
// skipped.
func (c *Coordinator) applySyncState(group string) {
	states := c.monitor.GroupStates(group)
	if len(states) == 0 {
		return
	}
	_, err := c.store.Update(group, func(g *topology.DataGroup) error {
		for id, s := range states {
			r, ok := g.Replicas[id]
			if !ok || s.PolledAt.Before(r.RoleChangedAt) {
				continue
			}
			r.SyncHealth = s.SyncHealth
			r.Connected = s.Connected
			if s.CommitPoint != "" {
				r.LastCommitPoint = s.CommitPoint
			}
			if !s.LastCommitTime.IsZero() {
				r.LastCommitTime = s.LastCommitTime
			}
			g.Replicas[id] = r
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("apply sync state failed", logging.Group(group), logging.Error(err))
	}
}

// fence strips every primary of its role while quorum is lost and clears
// the endpoints, leaving the groups read-unavailable.
func (c *Coordinator) fence(ctx context.Context, q cluster.QuorumStatus, report cluster.PartitionReport) {
	reason := fmt.Errorf("%w: %d of %d votes reachable, unreachable members: %s",
		ErrQuorumLost, q.ReachableVotes, q.TotalVotes, strings.Join(report.Unreachable, ","))

	for _, g := range c.store.Groups() {
		primary, hasPrimary := g.Primary()
		if !hasPrimary {
			c.router.Clear(g.Name)
			c.metrics.SetGroupAvailable(g.Name, false)
		}
		unlock, ok := c.tryLock(g.Name)
		if !ok {
			continue
		}
		c.demoteStrays(ctx, g)
		if !hasPrimary {
			unlock()
			continue
		}

		a := c.newAttempt(ctx, g.Name, audit.TriggerAutomatic, "")
		a.event.Source = primary.Node
		a.event.Cause = audit.CauseNetworkPartition

		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := c.roles.Fence(fctx, g.Name, primary.Node); err != nil {
			c.logger.Error("fence failed", logging.Group(g.Name), logging.Node(primary.Node), logging.Error(err))
		}
		cancel()
		c.router.Clear(g.Name)
		c.metrics.RecordQuorumFence()
		c.metrics.SetGroupAvailable(g.Name, false)
		c.resetTrigger(g.Name)

		_, _ = a.finish(audit.OutcomeQuorumLost, reason)
		unlock()
	}
}

// tickGroup reconciles one group under its transition lock. Rejoins run
// after the lock is released so a slow engine join never blocks an operator
// failover.
func (c *Coordinator) tickGroup(ctx context.Context, name string) {
	unlock, ok := c.tryLock(name)
	if !ok {
		return
	}
	g, err := c.store.Group(name)
	if err != nil {
		unlock()
		return
	}
	c.demoteStrays(ctx, g)
	joins := c.reconcile(g)

	if g, err = c.store.Group(name); err == nil {
		if cause, due := c.triggerDue(g); due {
			c.automatic(ctx, g, cause)
		}
		c.publish(name)
	}
	unlock()

	for _, node := range joins {
		if ctx.Err() != nil {
			return
		}
		c.rejoin(ctx, name, node)
	}
}

// demoteStrays asks the engine to demote every replica it last reported as
// PRIMARY while the store does not. Observations not newer than the
// replica's last role change are ignored. The caller holds the group lock.
func (c *Coordinator) demoteStrays(ctx context.Context, g topology.DataGroup) {
	states := c.monitor.GroupStates(g.Name)
	for _, id := range g.NodeIDs() {
		r := g.Replicas[id]
		st, ok := states[id]
		if !ok || r.Role == topology.RolePrimary || !st.Reachable ||
			st.EngineRole != topology.RolePrimary || !st.PolledAt.After(r.RoleChangedAt) {
			continue
		}
		c.logger.Warn("engine reports a primary the store does not, demoting",
			logging.Group(g.Name), logging.Node(id), logging.String("role", string(r.Role)))
		dctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
		if err := c.engine.Demote(dctx, g.Name, id); err != nil {
			c.logger.Error("demoting stray primary failed", logging.Group(g.Name), logging.Node(id), logging.Error(err))
		}
		cancel()
	}
}

func (c *Coordinator) nodeDown(id string) bool {
	n, err := c.membership.GetNode(id)
	return err != nil || n.State == cluster.NodeDown
}

// reconcile moves replicas along OFFLINE -> RESOLVING -> SECONDARY as their
// nodes come and go, returning the replicas that need an engine rejoin.
// Groups pending recovery are left to the operator.
func (c *Coordinator) reconcile(g topology.DataGroup) []string {
	var joins []string
	for _, id := range g.NodeIDs() {
		r := g.Replicas[id]
		down := c.nodeDown(id)

		switch r.Role {
		case topology.RoleSecondary:
			if down {
				c.markOffline(g.Name, id)
			}

		case topology.RoleResolving:
			if g.RecoveryPending {
				continue
			}
			if down {
				c.markOffline(g.Name, id)
				continue
			}
			st, ok := c.monitor.State(g.Name, id)
			if !ok || !st.Reachable || !c.membership.IsUp(id) {
				continue
			}
			if st.EngineRole == topology.RoleSecondary {
				if r.SyncHealth == topology.Healthy {
					if err := c.roles.CompleteResolving(g.Name, id); err != nil {
						c.logger.Warn("complete resolving failed", logging.Group(g.Name), logging.Node(id), logging.Error(err))
					}
				}
				continue
			}
			joins = append(joins, id)

		case topology.RoleOffline:
			if r.NeedsResync || g.RecoveryPending || !c.membership.IsUp(id) {
				continue
			}
			joins = append(joins, id)
		}
	}
	return joins
}

func (c *Coordinator) markOffline(group, node string) {
	if err := c.roles.MarkOffline(group, node, false); err != nil {
		c.logger.Warn("mark offline failed", logging.Group(group), logging.Node(node), logging.Error(err))
	}
}

// rejoin asks the engine to attach a replica, at most once per rejoin
// interval.
func (c *Coordinator) rejoin(ctx context.Context, group, node string) {
	key := group + "/" + node
	now := c.clk.Now()

	c.mu.Lock()
	last, seen := c.lastJoin[key]
	if seen && now.Sub(last) < c.rejoinInterval {
		c.mu.Unlock()
		return
	}
	c.lastJoin[key] = now
	c.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	if err := c.roles.BeginResolving(jctx, group, node); err != nil {
		c.logger.Warn("rejoin failed", logging.Group(group), logging.Node(node), logging.Error(err))
	}
}

// triggerDue reports whether automatic failover should run for g: its
// primary is missing, DOWN or NOT_HEALTHY, has been for longer than the
// grace period, and the last abstention was made in a different state.
func (c *Coordinator) triggerDue(g topology.DataGroup) (string, bool) {
	if g.RecoveryPending {
		c.resetTrigger(g.Name)
		return "", false
	}

	cause := ""
	p, ok := g.Primary()
	switch {
	case !ok:
		cause = audit.CauseNoPrimary
	case c.nodeDown(p.Node):
		cause = audit.CausePrimaryDown
	case p.SyncHealth == topology.NotHealthy:
		cause = audit.CausePrimaryUnhealthy
	}
	if cause == "" {
		c.resetTrigger(g.Name)
		return "", false
	}

	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	since, seen := c.unhealthySince[g.Name]
	if !seen {
		c.unhealthySince[g.Name] = now
		c.logger.Info("primary unavailable, grace period started",
			logging.Group(g.Name), logging.Cause(cause), logging.Duration("grace_period", c.grace))
		return cause, false
	}
	if now.Sub(since) <= c.grace {
		return cause, false
	}
	if a, ok := c.abstained[g.Name]; ok && a.generation == g.Generation && a.epoch == c.membership.Epoch() {
		return cause, false
	}
	return cause, true
}

func (c *Coordinator) resetTrigger(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unhealthySince, group)
	delete(c.abstained, group)
}

func (c *Coordinator) abstain(g topology.DataGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abstained[g.Name] = abstention{generation: g.Generation, epoch: c.membership.Epoch()}
}

// publish points the group's endpoints at its primary, or clears them.
func (c *Coordinator) publish(group string) {
	g, err := c.store.Group(group)
	if err != nil {
		return
	}
	p, ok := g.Primary()
	if !ok {
		c.router.Clear(group)
		c.metrics.SetGroupAvailable(group, false)
		return
	}
	if err := c.router.Publish(group, p.Node); err != nil {
		c.logger.Warn("publish endpoint failed", logging.Group(group), logging.Node(p.Node), logging.Error(err))
		c.metrics.SetGroupAvailable(group, false)
		return
	}
	c.metrics.SetGroupAvailable(group, true)
}
