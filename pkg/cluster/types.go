// Package cluster tracks node membership, computes vote-weighted quorum
// including an optional witness, and carries heartbeats between the
// coordinator and every member.
package cluster

import "time"

// NodeState is the membership view of a node.
type NodeState string

const (
	NodeUp      NodeState = "UP"
	NodeDown    NodeState = "DOWN"
	NodeUnknown NodeState = "UNKNOWN"
)

// NodeInfo describes a cluster member. The witness is a NodeInfo with
// Witness set; it votes but hosts no replicas.
type NodeInfo struct {
	ID               string    `json:"id"`
	Addr             string    `json:"addr"`
	Vote             int       `json:"vote"`
	State            NodeState `json:"state"`
	Witness          bool      `json:"witness,omitempty"`
	LastSeen         time.Time `json:"last_seen,omitempty"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	JoinedAt         time.Time `json:"joined_at"`
}

// Reachable reports whether the node is currently UP.
func (n NodeInfo) Reachable() bool {
	return n.State == NodeUp
}

// Ack acknowledges a heartbeat.
type Ack struct {
	NodeID string    `json:"node_id"`
	Epoch  uint64    `json:"epoch"`
	At     time.Time `json:"at"`
}

// QuorumStatus is the result of ComputeQuorum.
type QuorumStatus struct {
	HasQuorum bool `json:"has_quorum"`
	// VotingNodes lists the reachable members that contributed a vote,
	// witness included, sorted.
	VotingNodes      []string `json:"voting_nodes"`
	ReachableVotes   int      `json:"reachable_votes"`
	TotalVotes       int      `json:"total_votes"`
	WitnessReachable bool     `json:"witness_reachable"`
}

// PartitionReport splits members by reachability.
type PartitionReport struct {
	Reachable   []string `json:"reachable"`
	Unreachable []string `json:"unreachable"`
	Unknown     []string `json:"unknown,omitempty"`
}

// Partitioned reports whether some members are reachable and others are not.
func (p PartitionReport) Partitioned() bool {
	return len(p.Reachable) > 0 && len(p.Unreachable) > 0
}
