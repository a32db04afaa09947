package failover

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// ResyncReplica reattaches a replica displaced by forced failover. The
// operator asserts that its divergent history has been discarded; the
// replica re-enters through RESOLVING.
func (c *Coordinator) ResyncReplica(ctx context.Context, group, node string) error {
	unlock, err := c.lockForRecovery(group)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := c.store.Replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RoleOffline || !r.NeedsResync {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotResyncCandidate, group, node, r.Role)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.roles.Resync(rctx, group, node); err != nil {
		return err
	}
	c.logger.Info("replica resynchronizing",
		logging.Group(group), logging.Node(node), logging.String("actor", ActorFrom(ctx)))
	return nil
}

// ResolveReplica settles a RESOLVING replica left behind by an abandoned
// transition or a quorum fence, to SECONDARY or OFFLINE. Once no replica of
// the group is RESOLVING its pending recovery is cleared and automatic
// failover resumes.
func (c *Coordinator) ResolveReplica(ctx context.Context, group, node string, to topology.Role) error {
	unlock, err := c.lockForRecovery(group)
	if err != nil {
		return err
	}
	defer unlock()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.roles.Resolve(rctx, group, node, to); err != nil {
		return err
	}

	g, err := c.store.Update(group, func(g *topology.DataGroup) error {
		if g.RecoveryPending && len(g.InRole(topology.RoleResolving)) == 0 {
			g.RecoveryPending = false
			g.RecoveryReason = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("replica resolved",
		logging.Group(group), logging.Node(node), logging.Role(string(to)),
		logging.Bool("recovery_pending", g.RecoveryPending),
		logging.String("actor", ActorFrom(ctx)))
	return nil
}

func (c *Coordinator) lockForRecovery(group string) (func(), error) {
	if _, err := c.store.Group(group); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	unlock, ok := c.tryLock(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFailoverInProgress, group)
	}
	return unlock, nil
}

// AddNode registers a node reported by provisioning. It votes once it
// answers heartbeats; its replicas rejoin through the reconcile loop.
func (c *Coordinator) AddNode(id, addr string, vote int) error {
	return c.membership.AddNode(id, addr, vote)
}

// RemoveNode detaches every replica on a node, takes them OFFLINE and drops
// the node from membership. A primary on the node loses its endpoint and
// automatic failover replaces it. Detaching is best effort since the node
// may already be gone.
func (c *Coordinator) RemoveNode(ctx context.Context, id string) error {
	if _, err := c.membership.GetNode(id); err != nil {
		return err
	}

	for _, g := range c.store.Groups() {
		r, ok := g.Replicas[id]
		if !ok || r.Role == topology.RoleOffline {
			continue
		}
		unlock, ok := c.tryLock(g.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrFailoverInProgress, g.Name)
		}
		lctx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := c.engine.LeaveGroup(lctx, g.Name, id); err != nil {
			c.logger.Warn("detaching removed node failed", logging.Group(g.Name), logging.Node(id), logging.Error(err))
		}
		cancel()
		err := c.roles.MarkOffline(g.Name, id, false)
		if err == nil && r.Role == topology.RolePrimary {
			c.router.Clear(g.Name)
			c.metrics.SetGroupAvailable(g.Name, false)
		}
		unlock()
		if err != nil {
			return err
		}
	}
	return c.membership.RemoveNode(id)
}
