// Package topology holds the replicated data groups, their replicas and the
// lock-protected store through which the coordinator commits role changes.
package topology

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is the replication role of a replica within its data group.
type Role string

const (
	RoleOffline   Role = "OFFLINE"
	RoleResolving Role = "RESOLVING"
	RoleSecondary Role = "SECONDARY"
	RolePrimary   Role = "PRIMARY"
)

// SyncMode is the commit mode of a replica.
type SyncMode string

const (
	Synchronous  SyncMode = "SYNCHRONOUS"
	Asynchronous SyncMode = "ASYNCHRONOUS"
)

// FailoverMode says whether a replica may be promoted automatically.
type FailoverMode string

const (
	Automatic FailoverMode = "AUTOMATIC"
	Manual    FailoverMode = "MANUAL"
)

// ConnState is the replication session state between a replica and its primary.
type ConnState string

const (
	Connected    ConnState = "CONNECTED"
	Disconnected ConnState = "DISCONNECTED"
)

// SyncHealth summarizes whether a replica is caught up enough to take over.
type SyncHealth string

const (
	Healthy       SyncHealth = "HEALTHY"
	NotHealthy    SyncHealth = "NOT_HEALTHY"
	HealthUnknown SyncHealth = "UNKNOWN"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(s)); r {
	case RoleOffline, RoleResolving, RoleSecondary, RolePrimary:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(strings.ToUpper(s)); m {
	case Synchronous, Asynchronous:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

func ParseFailoverMode(s string) (FailoverMode, error) {
	switch m := FailoverMode(strings.ToUpper(s)); m {
	case Automatic, Manual:
		return m, nil
	}
	return "", fmt.Errorf("unknown failover mode %q", s)
}

// Replica is one member of a data group, hosted on one node.
type Replica struct {
	Node           string       `json:"node"`
	Group          string       `json:"group"`
	Addr           string       `json:"addr"` // client-facing address routed to when PRIMARY
	Role           Role         `json:"role"`
	SyncMode       SyncMode     `json:"sync_mode"`
	FailoverMode   FailoverMode `json:"failover_mode"`
	Connected      ConnState    `json:"connected"`
	SyncHealth     SyncHealth   `json:"sync_health"`
	BackupPriority int          `json:"backup_priority"`

	// NeedsResync is set on a primary displaced by forced failover. Such a
	// replica stays OFFLINE until an operator resynchronizes it.
	NeedsResync bool `json:"needs_resync,omitempty"`

	LastCommitPoint string    `json:"last_commit_point,omitempty"`
	LastCommitTime  time.Time `json:"last_commit_time,omitempty"`
	RoleChangedAt   time.Time `json:"role_changed_at"`
}

// DataGroup is a set of databases replicated and failed over together.
type DataGroup struct {
	Name      string             `json:"name"`
	Databases []string           `json:"databases"`
	Replicas  map[string]Replica `json:"replicas"`

	// Generation increases on every committed change to roles, health,
	// connectivity or recovery state.
	Generation uint64 `json:"generation"`

	// RecoveryPending marks a group whose last transition was abandoned
	// mid-flight. Automatic failover leaves it alone until an operator
	// resolves every RESOLVING replica.
	RecoveryPending bool   `json:"recovery_pending"`
	RecoveryReason  string `json:"recovery_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Primary returns the group's PRIMARY replica, if any.
func (g *DataGroup) Primary() (Replica, bool) {
	for _, r := range g.Replicas {
		if r.Role == RolePrimary {
			return r, true
		}
	}
	return Replica{}, false
}

// PrimaryCount returns how many replicas claim PRIMARY.
func (g *DataGroup) PrimaryCount() int {
	n := 0
	for _, r := range g.Replicas {
		if r.Role == RolePrimary {
			n++
		}
	}
	return n
}

// InRole returns the node IDs of replicas in role, sorted.
func (g *DataGroup) InRole(role Role) []string {
	var nodes []string
	for id, r := range g.Replicas {
		if r.Role == role {
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// NodeIDs returns the group's replica node IDs, sorted.
func (g *DataGroup) NodeIDs() []string {
	nodes := make([]string, 0, len(g.Replicas))
	for id := range g.Replicas {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Clone returns a deep copy.
func (g *DataGroup) Clone() DataGroup {
	out := *g
	out.Databases = append([]string(nil), g.Databases...)
	out.Replicas = make(map[string]Replica, len(g.Replicas))
	for id, r := range g.Replicas {
		out.Replicas[id] = r
	}
	return out
}

// fingerprint covers the fields whose change bumps Generation. Commit
// position and timestamps move on every poll and are excluded.
func (g *DataGroup) fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%t|", g.RecoveryPending)
	for _, id := range g.NodeIDs() {
		r := g.Replicas[id]
		fmt.Fprintf(&b, "%s:%s:%s:%s:%s:%s:%d:%t;",
			id, r.Role, r.SyncMode, r.FailoverMode, r.Connected, r.SyncHealth, r.BackupPriority, r.NeedsResync)
	}
	return b.String()
}
