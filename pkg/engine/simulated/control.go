package simulated

import (
	"fmt"
	"sort"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// FormatCommitPoint renders a commit sequence like an LSN ("hi/lo" hex).
func FormatCommitPoint(seq uint64) string {
	return fmt.Sprintf("%X/%X", seq>>32, seq&0xFFFFFFFF)
}

// SetDown marks a node down (or back up) in every group. A node coming back
// keeps its last role; the coordinator decides what happens next.
func (e *Engine) SetDown(node string, down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rs := range e.groups {
		if r, ok := rs[node]; ok {
			r.down = down
		}
	}
}

// SetConnected sets the replication session state of a replica.
func (e *Engine) SetConnected(group, node string, connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, err := e.lookup(group, node); err == nil {
		r.connected = connected
	}
}

// SetQueues sets the send and redo queue sizes of a replica.
func (e *Engine) SetQueues(group, node string, send, redo int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, err := e.lookup(group, node); err == nil {
		r.sendQueue, r.redoQueue = send, redo
	}
}

// Commit advances the primary's commit point. Connected replicas with empty
// queues follow synchronously; the others fall behind.
func (e *Engine) Commit(group string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.groups[group]
	var primary *replica
	for _, r := range rs {
		if r.role == topology.RolePrimary && !r.down {
			primary = r
		}
	}
	if primary == nil {
		return
	}
	primary.commitSeq++
	primary.commitAt = e.clk.Now()
	for _, r := range rs {
		if r == primary || r.down || !r.connected || r.sendQueue > 0 || r.redoQueue > 0 {
			continue
		}
		if r.role == topology.RoleSecondary {
			r.commitSeq, r.commitAt = primary.commitSeq, primary.commitAt
		}
	}
}

// SetLastCommit overrides a replica's commit position.
func (e *Engine) SetLastCommit(group, node string, seq uint64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, err := e.lookup(group, node); err == nil {
		r.commitSeq, r.commitAt = seq, at
	}
}

// Fail makes op fail with err for node ("" for every node). A nil err clears
// the fault.
func (e *Engine) Fail(op Op, node string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := faultKey{op, node}
	if err == nil {
		delete(e.faults, k)
		return
	}
	e.faults[k] = err
}

// Delay makes every op of the given kind take d of wall time, or until the
// caller's context ends.
func (e *Engine) Delay(op Op, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays[op] = d
}

// Role returns the engine-side role of a replica.
func (e *Engine) Role(group, node string) topology.Role {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, err := e.lookup(group, node); err == nil {
		return r.role
	}
	return ""
}

// Primaries returns the nodes of group that are up and hold the engine-side
// PRIMARY role, sorted.
func (e *Engine) Primaries(group string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for id, r := range e.groups[group] {
		if r.role == topology.RolePrimary && !r.down {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Calls returns the command log.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// ResetCalls clears the command log.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
