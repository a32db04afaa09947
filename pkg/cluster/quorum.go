package cluster

import "sort"

// ComputeQuorum sums the votes of reachable members. Quorum holds when the
// reachable votes are a strict majority of all configured votes, witness
// included. An unreachable witness contributes nothing; UNKNOWN members
// count as unreachable.
func (m *Membership) ComputeQuorum() QuorumStatus {
	m.mu.RLock()
	status := QuorumStatus{}
	for _, n := range m.nodes {
		status.TotalVotes += n.Vote
		if n.State == NodeUp && n.Vote > 0 {
			status.ReachableVotes += n.Vote
			status.VotingNodes = append(status.VotingNodes, n.ID)
		}
	}
	if w := m.witness; w != nil {
		status.TotalVotes += w.Vote
		if w.State == NodeUp {
			status.WitnessReachable = true
			if w.Vote > 0 {
				status.ReachableVotes += w.Vote
				status.VotingNodes = append(status.VotingNodes, w.ID)
			}
		}
	}
	m.mu.RUnlock()

	sort.Strings(status.VotingNodes)
	status.HasQuorum = status.TotalVotes > 0 && 2*status.ReachableVotes > status.TotalVotes

	m.metricsRegistry.UpdateQuorum(status.HasQuorum, status.ReachableVotes, status.TotalVotes, status.WitnessReachable)
	return status
}

// HasQuorum is shorthand for ComputeQuorum().HasQuorum.
func (m *Membership) HasQuorum() bool {
	return m.ComputeQuorum().HasQuorum
}

// PartitionReport groups members by reachability.
func (m *Membership) PartitionReport() PartitionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var report PartitionReport
	classify := func(n *NodeInfo) {
		switch n.State {
		case NodeUp:
			report.Reachable = append(report.Reachable, n.ID)
		case NodeDown:
			report.Unreachable = append(report.Unreachable, n.ID)
		default:
			report.Unknown = append(report.Unknown, n.ID)
		}
	}
	for _, n := range m.nodes {
		classify(n)
	}
	if m.witness != nil {
		classify(m.witness)
	}
	sort.Strings(report.Reachable)
	sort.Strings(report.Unreachable)
	sort.Strings(report.Unknown)
	return report
}
