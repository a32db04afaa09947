package config

import (
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// DataGroups converts the group section into store records. Replicas start
// in their declared initial role, or OFFLINE so that they join through
// RESOLVING once their node answers heartbeats.
func (c *Config) DataGroups() []topology.DataGroup {
	out := make([]topology.DataGroup, 0, len(c.Groups))
	for _, g := range c.Groups {
		dg := topology.DataGroup{
			Name:      g.Name,
			Databases: append([]string(nil), g.Databases...),
			Replicas:  make(map[string]topology.Replica, len(g.Replicas)),
		}
		for _, r := range g.Replicas {
			role := topology.RoleOffline
			if r.InitialRole != "" {
				role, _ = topology.ParseRole(r.InitialRole)
			}
			syncMode, _ := topology.ParseSyncMode(r.SyncMode)
			failoverMode, _ := topology.ParseFailoverMode(r.FailoverMode)
			dg.Replicas[r.Node] = topology.Replica{
				Node:           r.Node,
				Group:          g.Name,
				Addr:           r.Addr,
				Role:           role,
				SyncMode:       syncMode,
				FailoverMode:   failoverMode,
				BackupPriority: r.BackupPriority,
			}
		}
		out = append(out, dg)
	}
	return out
}
