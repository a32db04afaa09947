// Package simulated is an in-memory replication engine. It backs tests and
// the coordinator's -engine=simulated mode.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Op names a command, used in the call log and for fault injection.
type Op string

const (
	OpPromote Op = "promote"
	OpDemote  Op = "demote"
	OpJoin    Op = "join"
	OpLeave   Op = "leave"
	OpStatus  Op = "status"
)

// Call records one command received by the engine.
type Call struct {
	Op    Op
	Group string
	Node  string
	Force bool
	Err   error
}

type replica struct {
	role      topology.Role
	down      bool
	connected bool
	sendQueue int64
	redoQueue int64
	commitSeq uint64
	commitAt  time.Time
}

type faultKey struct {
	op   Op
	node string
}

// Engine simulates a set of replicated groups.
type Engine struct {
	mu     sync.Mutex
	groups map[string]map[string]*replica
	calls  []Call
	faults map[faultKey]error
	delays map[Op]time.Duration
	clk    clock.Clock
}

// New creates an empty engine.
func New(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		groups: make(map[string]map[string]*replica),
		faults: make(map[faultKey]error),
		delays: make(map[Op]time.Duration),
		clk:    clk,
	}
}

// Seed registers groups with every replica connected and caught up.
// OFFLINE replicas start detached.
func (e *Engine) Seed(groups ...topology.DataGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	for _, g := range groups {
		rs := make(map[string]*replica, len(g.Replicas))
		for id, r := range g.Replicas {
			role := r.Role
			if role == "" {
				role = topology.RoleOffline
			}
			rs[id] = &replica{
				role:      role,
				connected: role == topology.RolePrimary || role == topology.RoleSecondary,
				commitAt:  now,
			}
		}
		e.groups[g.Name] = rs
	}
}

func (e *Engine) lookup(group, node string) (*replica, error) {
	rs, ok := e.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}
	r, ok := rs[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", engine.ErrUnknownReplica, group, node)
	}
	return r, nil
}

// begin applies the configured delay for op, honouring ctx, then returns any
// injected fault.
func (e *Engine) begin(ctx context.Context, op Op, node string) error {
	e.mu.Lock()
	delay := e.delays[op]
	fault := e.faults[faultKey{op, node}]
	if fault == nil {
		fault = e.faults[faultKey{op, ""}]
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fault
}

func (e *Engine) record(op Op, group, node string, force bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Op: op, Group: group, Node: node, Force: force, Err: err})
}

// Status reports every replica of group. Down nodes are reported unreachable.
func (e *Engine) Status(ctx context.Context, group string) ([]engine.ReplicaStatus, error) {
	if err := e.begin(ctx, OpStatus, ""); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}

	var primary *replica
	for _, r := range rs {
		if r.role == topology.RolePrimary && !r.down {
			primary = r
		}
	}

	out := make([]engine.ReplicaStatus, 0, len(rs))
	reachable := 0
	for id, r := range rs {
		if r.down {
			out = append(out, engine.ReplicaStatus{Node: id, Connected: topology.Disconnected, SyncHealth: topology.HealthUnknown})
			continue
		}
		reachable++
		st := engine.ReplicaStatus{
			Node:           id,
			Reachable:      true,
			Role:           r.role,
			Connected:      topology.Disconnected,
			SyncHealth:     topology.HealthUnknown,
			SendQueueSize:  r.sendQueue,
			RedoQueueSize:  r.redoQueue,
			LastCommitTime: r.commitAt,
			CommitPoint:    FormatCommitPoint(r.commitSeq),
		}
		// A secondary is only connected while there is a live primary to
		// stream from.
		if r.connected && (r.role == topology.RolePrimary || primary != nil) {
			st.Connected = topology.Connected
		}
		out = append(out, st)
	}
	if reachable == 0 {
		return nil, fmt.Errorf("%w: no replica of %s answered", engine.ErrUnreachable, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}

// Promote makes node primary. Without force, the node must be connected with
// empty queues.
func (e *Engine) Promote(ctx context.Context, group, node string, force bool) (err error) {
	defer func() { e.record(OpPromote, group, node, force, err) }()
	if err := e.begin(ctx, OpPromote, node); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookup(group, node)
	if err != nil {
		return err
	}
	if r.down {
		return fmt.Errorf("%w: %s", engine.ErrUnreachable, node)
	}
	if !force && (!r.connected || r.sendQueue > 0 || r.redoQueue > 0) {
		return fmt.Errorf("%w: %s", engine.ErrNotSynchronized, node)
	}
	r.role = topology.RolePrimary
	r.connected = true
	r.sendQueue, r.redoQueue = 0, 0
	return nil
}

// Demote makes a primary secondary.
func (e *Engine) Demote(ctx context.Context, group, node string) (err error) {
	defer func() { e.record(OpDemote, group, node, false, err) }()
	if err := e.begin(ctx, OpDemote, node); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookup(group, node)
	if err != nil {
		return err
	}
	if r.down {
		return fmt.Errorf("%w: %s", engine.ErrUnreachable, node)
	}
	r.role = topology.RoleSecondary
	return nil
}

// JoinGroup attaches node as a caught-up secondary.
func (e *Engine) JoinGroup(ctx context.Context, group, node string) (err error) {
	defer func() { e.record(OpJoin, group, node, false, err) }()
	if err := e.begin(ctx, OpJoin, node); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookup(group, node)
	if err != nil {
		return err
	}
	if r.down {
		return fmt.Errorf("%w: %s", engine.ErrUnreachable, node)
	}
	r.role = topology.RoleSecondary
	r.connected = true
	r.sendQueue, r.redoQueue = 0, 0
	return nil
}

// LeaveGroup detaches node.
func (e *Engine) LeaveGroup(ctx context.Context, group, node string) (err error) {
	defer func() { e.record(OpLeave, group, node, false, err) }()
	if err := e.begin(ctx, OpLeave, node); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookup(group, node)
	if err != nil {
		return err
	}
	r.role = topology.RoleOffline
	r.connected = false
	return nil
}

var _ engine.Engine = (*Engine)(nil)
