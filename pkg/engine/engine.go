// Package engine defines the interface to the external replication engine
// that moves the data: it reports per-replica replication state and carries
// out role commands issued by the failover coordinator.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Engine errors
var (
	// ErrUnreachable means the engine could not contact the node.
	ErrUnreachable = errors.New("engine: node unreachable")
	// ErrNotSynchronized means a non-forced promotion was refused because the
	// target has not hardened all committed log.
	ErrNotSynchronized = errors.New("engine: replica not synchronized")
	ErrUnknownGroup    = errors.New("engine: unknown data group")
	ErrUnknownReplica  = errors.New("engine: unknown replica")
	// ErrRebuildRequired means a replica diverged and must be rebuilt before
	// it can rejoin, e.g. a fenced former primary.
	ErrRebuildRequired = errors.New("engine: replica must be rebuilt before rejoining")
)

// ReplicaStatus is the engine's view of one replica.
type ReplicaStatus struct {
	Node string
	// Reachable is false when the engine could not query the node; the
	// remaining fields are then zero.
	Reachable     bool
	Role          topology.Role
	Connected     topology.ConnState
	SyncHealth    topology.SyncHealth // engine-reported; UNKNOWN if the engine has no opinion
	SendQueueSize int64
	RedoQueueSize int64
	// LastCommitTime is the commit time of the last transaction hardened on
	// this replica.
	LastCommitTime time.Time
	// CommitPoint is an engine-specific, human-readable log position.
	CommitPoint string
}

// Engine is implemented by every replication engine adapter.
type Engine interface {
	Status(ctx context.Context, group string) ([]ReplicaStatus, error)
	// Promote makes node the writable primary. Without force the engine
	// refuses when the node is not synchronized.
	Promote(ctx context.Context, group, node string, force bool) error
	// Demote turns a primary into a secondary following the next primary.
	Demote(ctx context.Context, group, node string) error
	// JoinGroup (re)attaches a replica so it starts catching up.
	JoinGroup(ctx context.Context, group, node string) error
	// LeaveGroup detaches a replica from replication.
	LeaveGroup(ctx context.Context, group, node string) error
}

// IsUnreachable reports whether err means the node could not be contacted.
// Context expiry while talking to a node counts as unreachable.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded)
}
