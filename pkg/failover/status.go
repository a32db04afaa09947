package failover

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// ClusterStatus is a point-in-time view of the whole control plane.
type ClusterStatus struct {
	Nodes     []cluster.NodeInfo      `json:"nodes"`
	Witness   *cluster.NodeInfo       `json:"witness,omitempty"`
	Quorum    cluster.QuorumStatus    `json:"quorum"`
	Partition cluster.PartitionReport `json:"partition"`
	Groups    []GroupStatus           `json:"groups"`
}

// GroupStatus describes one data group.
type GroupStatus struct {
	Name       string   `json:"name"`
	Databases  []string `json:"databases"`
	Generation uint64   `json:"generation"`
	Primary    string   `json:"primary,omitempty"`
	// Available is true when quorum is held, the group has a primary and
	// every endpoint targets it.
	Available        bool                       `json:"available"`
	RecoveryPending  bool                       `json:"recovery_pending"`
	RecoveryReason   string                     `json:"recovery_reason,omitempty"`
	FailoverInFlight bool                       `json:"failover_in_flight"`
	Resolving        []string                   `json:"resolving,omitempty"`
	Replicas         []ReplicaStatus            `json:"replicas"`
	Endpoints        []endpoint.VirtualEndpoint `json:"endpoints,omitempty"`
}

// ReplicaStatus is a replica with its node state and current lag.
type ReplicaStatus struct {
	topology.Replica
	NodeState cluster.NodeState `json:"node_state"`
	Lag       time.Duration     `json:"lag"`
}

// GetClusterStatus reports nodes, quorum, role assignments and outstanding
// RESOLVING replicas. It never waits on a transition lock.
func (c *Coordinator) GetClusterStatus() ClusterStatus {
	st := ClusterStatus{
		Nodes:     c.membership.GetAllNodes(),
		Quorum:    c.membership.ComputeQuorum(),
		Partition: c.membership.PartitionReport(),
	}
	if w, ok := c.membership.Witness(); ok {
		st.Witness = &w
	}

	states := make(map[string]cluster.NodeState, len(st.Nodes))
	for _, n := range st.Nodes {
		states[n.ID] = n.State
	}

	for _, g := range c.store.Groups() {
		gs := GroupStatus{
			Name:             g.Name,
			Databases:        g.Databases,
			Generation:       g.Generation,
			RecoveryPending:  g.RecoveryPending,
			RecoveryReason:   g.RecoveryReason,
			FailoverInFlight: c.InFlight(g.Name),
			Resolving:        g.InRole(topology.RoleResolving),
			Endpoints:        c.router.ForGroup(g.Name),
		}
		for _, id := range g.NodeIDs() {
			ns, ok := states[id]
			if !ok {
				ns = cluster.NodeUnknown
			}
			gs.Replicas = append(gs.Replicas, ReplicaStatus{
				Replica:   g.Replicas[id],
				NodeState: ns,
				Lag:       c.monitor.SyncLagEstimate(g.Name, id),
			})
		}

		if p, ok := g.Primary(); ok {
			gs.Primary = p.Node
			gs.Available = st.Quorum.HasQuorum
			for _, ep := range gs.Endpoints {
				if ep.TargetNode != p.Node {
					gs.Available = false
				}
			}
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}

// Subscribe streams audit events as they are recorded. Call cancel when done.
func (c *Coordinator) Subscribe(buffer int) (<-chan audit.Event, func()) {
	return c.audit.Subscribe(buffer)
}

// Events returns recorded events matching f, oldest first, at most limit
// (0 for all retained).
func (c *Coordinator) Events(f audit.Filter, limit int) []audit.Event {
	return c.audit.Query(f, limit)
}
