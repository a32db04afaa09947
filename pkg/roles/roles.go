// Package roles implements the per-replica role state machine. Every
// transition runs the matching engine command first and commits the new
// role to the topology store only when the command succeeded.
//
//	OFFLINE   -> RESOLVING  BeginResolving (engine JoinGroup)
//	RESOLVING -> SECONDARY  CompleteResolving (requires HEALTHY)
//	SECONDARY -> PRIMARY    Promote (requires quorum before and after the engine command)
//	PRIMARY   -> SECONDARY  Demote
//	any       -> OFFLINE    MarkOffline
//	PRIMARY/SECONDARY -> RESOLVING  MarkResolving, Fence
package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/poll"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// DefaultRoleWait bounds how long Promote and Demote wait for the engine to
// report the new role.
const DefaultRoleWait = 30 * time.Second

// QuorumSource reports whether the cluster currently holds quorum.
type QuorumSource interface {
	HasQuorum() bool
}

// PromoteOptions modifies Promote.
type PromoteOptions struct {
	// Force skips the synchronization health check and asks the engine to
	// promote even if committed log may be lost.
	Force bool
}

// Config configures a Manager.
type Config struct {
	Store   *topology.Store
	Engine  engine.Engine
	Quorum  QuorumSource
	// Wait bounds the status polling that confirms an engine role change.
	// Its waits use wall time even when Clock is fake.
	Wait    poll.Config
	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Manager applies role transitions.
type Manager struct {
	store   *topology.Store
	engine  engine.Engine
	quorum  QuorumSource
	wait    poll.Config
	clk     clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewManager creates a role manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Quorum == nil {
		return nil, errors.New("roles: store, engine and quorum source are required")
	}
	if cfg.Wait == (poll.Config{}) {
		cfg.Wait = poll.DefaultConfig()
	}
	if cfg.Wait.MaxElapsed <= 0 {
		cfg.Wait.MaxElapsed = DefaultRoleWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		store:   cfg.Store,
		engine:  cfg.Engine,
		quorum:  cfg.Quorum,
		wait:    cfg.Wait,
		clk:     cfg.Clock,
		logger:  logging.ForComponent(cfg.Logger, "roles"),
		metrics: cfg.Metrics,
	}, nil
}

func (m *Manager) replica(group, node string) (topology.Replica, error) {
	r, err := m.store.Replica(group, node)
	if err != nil {
		if errors.Is(err, topology.ErrReplicaNotFound) || errors.Is(err, topology.ErrGroupNotFound) {
			return topology.Replica{}, fmt.Errorf("%w: %s/%s", ErrReplicaNotFound, group, node)
		}
		return topology.Replica{}, err
	}
	return r, nil
}

// awaitRole polls the engine until it reports node in role. Status errors
// count as not yet. Running out of budget is reported as a deadline so the
// caller treats the transition as timed out.
func (m *Manager) awaitRole(ctx context.Context, group, node string, role topology.Role) error {
	err := poll.Until(ctx, clock.Real(), m.wait, func(ctx context.Context) (bool, error) {
		statuses, err := m.engine.Status(ctx, group)
		if err != nil {
			return false, nil
		}
		for _, st := range statuses {
			if st.Node == node {
				return st.Reachable && st.Role == role, nil
			}
		}
		return false, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, poll.ErrTimeout):
		return fmt.Errorf("engine never reported %s/%s as %s: %w", group, node, role, context.DeadlineExceeded)
	default:
		return fmt.Errorf("waiting for %s/%s to become %s: %w", group, node, role, err)
	}
}

// commit moves the replica from one of the allowed roles to `to`. mutate may
// adjust other replica fields in the same write.
func (m *Manager) commit(group, node string, allowed []topology.Role, to topology.Role, mutate func(r *topology.Replica)) (topology.Role, error) {
	var from topology.Role
	_, err := m.store.UpdateReplica(group, node, func(r *topology.Replica) error {
		from = r.Role
		if allowed != nil && !hasRole(allowed, r.Role) {
			return fmt.Errorf("%w: %s/%s is %s", ErrInvalidTransition, group, node, r.Role)
		}
		if r.Role != to {
			r.Role = to
			r.RoleChangedAt = m.clk.Now()
		}
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil {
		return from, err
	}

	if from != to {
		m.metrics.RecordRoleTransition(group, node, string(from), string(to))
		m.logger.Info("role changed",
			logging.Group(group), logging.Node(node),
			logging.String("from", string(from)), logging.String("to", string(to)))
	}
	m.metrics.SetReplicaRole(group, node, string(to))
	return from, nil
}

func hasRole(roles []topology.Role, r topology.Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

// Promote makes a SECONDARY the group's PRIMARY. It requires quorum, no
// other PRIMARY in the group and, unless opts.Force, HEALTHY sync state.
func (m *Manager) Promote(ctx context.Context, group, node string, opts PromoteOptions) error {
	if !m.quorum.HasQuorum() {
		return ErrQuorumNotHeld
	}

	g, err := m.store.Group(group)
	if err != nil {
		return fmt.Errorf("%w: %s/%s", ErrReplicaNotFound, group, node)
	}
	r, ok := g.Replicas[node]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrReplicaNotFound, group, node)
	}
	switch {
	case r.Role == topology.RolePrimary:
		return fmt.Errorf("%w: %s/%s is PRIMARY", ErrAlreadyInRole, group, node)
	case r.Role != topology.RoleSecondary:
		return fmt.Errorf("%w: cannot promote %s/%s from %s", ErrInvalidTransition, group, node, r.Role)
	case !opts.Force && r.SyncHealth != topology.Healthy:
		return fmt.Errorf("%w: %s/%s is %s", ErrSyncNotHealthy, group, node, r.SyncHealth)
	}
	if p, ok := g.Primary(); ok {
		return fmt.Errorf("%w: %s on %s", ErrPrimaryExists, group, p.Node)
	}

	if err := m.engine.Promote(ctx, group, node, opts.Force); err != nil {
		if errors.Is(err, engine.ErrNotSynchronized) {
			return fmt.Errorf("%w: %v", ErrSyncNotHealthy, err)
		}
		return fmt.Errorf("engine promote %s/%s: %w", group, node, err)
	}
	if err := m.awaitRole(ctx, group, node, topology.RolePrimary); err != nil {
		return err
	}

	// Quorum may have been lost while the engine command ran. The engine
	// already made the node writable, so take that back before reporting.
	if !m.quorum.HasQuorum() {
		m.unwindPromote(ctx, group, node)
		return fmt.Errorf("%w: lost while promoting %s/%s", ErrQuorumNotHeld, group, node)
	}
	_, err = m.store.Update(group, func(g *topology.DataGroup) error {
		if p, ok := g.Primary(); ok && p.Node != node {
			return fmt.Errorf("%w: %s on %s", ErrPrimaryExists, group, p.Node)
		}
		r := g.Replicas[node]
		if r.Role != topology.RoleSecondary {
			return fmt.Errorf("%w: %s/%s changed to %s", ErrInvalidTransition, group, node, r.Role)
		}
		r.Role = topology.RolePrimary
		r.RoleChangedAt = m.clk.Now()
		r.NeedsResync = false
		g.Replicas[node] = r
		return nil
	})
	if err != nil {
		return err
	}
	m.metrics.RecordRoleTransition(group, node, string(topology.RoleSecondary), string(topology.RolePrimary))
	m.metrics.SetReplicaRole(group, node, string(topology.RolePrimary))
	m.logger.Info("replica promoted", logging.Group(group), logging.Node(node), logging.Bool("force", opts.Force))
	return nil
}

// unwindPromote demotes a node the engine promoted after quorum was lost and
// parks it RESOLVING with the group flagged for operator recovery. The
// engine demote is best effort.
func (m *Manager) unwindPromote(ctx context.Context, group, node string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.wait.MaxElapsed)
	defer cancel()
	if err := m.engine.Demote(dctx, group, node); err != nil {
		m.logger.Error("demoting replica promoted without quorum failed",
			logging.Group(group), logging.Node(node), logging.Error(err))
	}
	if _, err := m.commit(group, node, nil, topology.RoleResolving, nil); err != nil {
		m.logger.Error("mark resolving failed", logging.Group(group), logging.Node(node), logging.Error(err))
	}
	_, err := m.store.Update(group, func(g *topology.DataGroup) error {
		g.RecoveryPending = true
		g.RecoveryReason = fmt.Sprintf("quorum lost while promoting %s", node)
		return nil
	})
	if err != nil {
		m.logger.Error("flag recovery pending failed", logging.Group(group), logging.Error(err))
	}
}

// Demote turns the group's PRIMARY into a SECONDARY.
func (m *Manager) Demote(ctx context.Context, group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	switch r.Role {
	case topology.RolePrimary:
	case topology.RoleSecondary:
		return fmt.Errorf("%w: %s/%s is SECONDARY", ErrAlreadyInRole, group, node)
	default:
		return fmt.Errorf("%w: cannot demote %s/%s from %s", ErrInvalidTransition, group, node, r.Role)
	}

	if err := m.engine.Demote(ctx, group, node); err != nil {
		return fmt.Errorf("engine demote %s/%s: %w", group, node, err)
	}
	if err := m.awaitRole(ctx, group, node, topology.RoleSecondary); err != nil {
		return err
	}
	_, err = m.commit(group, node, []topology.Role{topology.RolePrimary}, topology.RoleSecondary, nil)
	return err
}

// BeginResolving reattaches an OFFLINE replica through the engine and marks
// it RESOLVING while it catches up. A RESOLVING replica is re-joined. A
// replica displaced by forced failover is refused until resynchronized.
func (m *Manager) BeginResolving(ctx context.Context, group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RoleOffline && r.Role != topology.RoleResolving {
		return fmt.Errorf("%w: cannot resolve %s/%s from %s", ErrInvalidTransition, group, node, r.Role)
	}
	if r.NeedsResync {
		return fmt.Errorf("%w: %s/%s", ErrReplicaNeedsResync, group, node)
	}
	return m.join(ctx, group, node)
}

// Resync reattaches a replica displaced by forced failover. The caller is
// asserting that the replica's divergent history has been discarded.
func (m *Manager) Resync(ctx context.Context, group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RoleOffline {
		return fmt.Errorf("%w: cannot resync %s/%s from %s", ErrInvalidTransition, group, node, r.Role)
	}
	return m.join(ctx, group, node)
}

func (m *Manager) join(ctx context.Context, group, node string) error {
	if err := m.engine.JoinGroup(ctx, group, node); err != nil {
		return fmt.Errorf("engine join %s/%s: %w", group, node, err)
	}
	_, err := m.commit(group, node,
		[]topology.Role{topology.RoleOffline, topology.RoleResolving},
		topology.RoleResolving,
		func(r *topology.Replica) {
			r.NeedsResync = false
			r.SyncHealth = topology.HealthUnknown
		})
	return err
}

// CompleteResolving moves a caught-up RESOLVING replica to SECONDARY.
func (m *Manager) CompleteResolving(group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RoleResolving {
		return fmt.Errorf("%w: %s/%s is %s, not RESOLVING", ErrInvalidTransition, group, node, r.Role)
	}
	if r.SyncHealth != topology.Healthy {
		return fmt.Errorf("%w: %s/%s is %s", ErrSyncNotHealthy, group, node, r.SyncHealth)
	}
	_, err = m.commit(group, node, []topology.Role{topology.RoleResolving}, topology.RoleSecondary, nil)
	return err
}

// Resolve settles a RESOLVING replica by operator decision: SECONDARY
// rejoins it through the engine, OFFLINE detaches it. Detaching tolerates an
// unreachable node.
func (m *Manager) Resolve(ctx context.Context, group, node string, to topology.Role) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RoleResolving {
		return fmt.Errorf("%w: %s/%s is %s, not RESOLVING", ErrInvalidTransition, group, node, r.Role)
	}

	switch to {
	case topology.RoleSecondary:
		if err := m.engine.JoinGroup(ctx, group, node); err != nil {
			return fmt.Errorf("engine join %s/%s: %w", group, node, err)
		}
	case topology.RoleOffline:
		if err := m.engine.LeaveGroup(ctx, group, node); err != nil && !engine.IsUnreachable(err) {
			return fmt.Errorf("engine leave %s/%s: %w", group, node, err)
		}
	default:
		return fmt.Errorf("%w: cannot resolve %s/%s to %s", ErrInvalidTransition, group, node, to)
	}
	_, err = m.commit(group, node, []topology.Role{topology.RoleResolving}, to, nil)
	return err
}

// MarkOffline records a replica as OFFLINE without an engine command, e.g.
// when its node is unreachable. needsResync keeps it out of automatic rejoin.
func (m *Manager) MarkOffline(group, node string, needsResync bool) error {
	if _, err := m.replica(group, node); err != nil {
		return err
	}
	_, err := m.commit(group, node, nil, topology.RoleOffline, func(r *topology.Replica) {
		r.Connected = topology.Disconnected
		if needsResync {
			r.NeedsResync = true
		}
	})
	return err
}

// MarkResolving records a PRIMARY or SECONDARY as RESOLVING without an
// engine command.
func (m *Manager) MarkResolving(group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role == topology.RoleResolving {
		return nil
	}
	_, err = m.commit(group, node, []topology.Role{topology.RolePrimary, topology.RoleSecondary}, topology.RoleResolving, nil)
	return err
}

// Fence strips a PRIMARY of its role after quorum loss. The engine is asked
// to demote it but the store is updated whether or not the node answered.
func (m *Manager) Fence(ctx context.Context, group, node string) error {
	r, err := m.replica(group, node)
	if err != nil {
		return err
	}
	if r.Role != topology.RolePrimary {
		return fmt.Errorf("%w: %s/%s is %s, not PRIMARY", ErrInvalidTransition, group, node, r.Role)
	}
	if err := m.engine.Demote(ctx, group, node); err != nil {
		m.logger.Warn("engine fence failed, fencing in topology only",
			logging.Group(group), logging.Node(node), logging.Error(err))
	}
	return m.MarkResolving(group, node)
}
