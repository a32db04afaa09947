package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// DefaultMissedHeartbeats is how many consecutive misses mark a node DOWN.
const DefaultMissedHeartbeats = 3

// MembershipConfig configures a Membership.
type MembershipConfig struct {
	MissedHeartbeats int
	Clock            clock.Clock
	Logger           logging.Logger
	Metrics          *metrics.Registry
}

// Membership tracks cluster nodes and the witness.
//
// All methods are safe for concurrent use. Readers get copies; nothing
// returned aliases internal state.
type Membership struct {
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	witness   *NodeInfo
	epoch     uint64 // bumped on any add, remove or state change
	missLimit int

	clk             clock.Clock
	logger          logging.Logger
	metricsRegistry *metrics.Registry
}

// NewMembership creates an empty membership.
func NewMembership(cfg MembershipConfig) *Membership {
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Membership{
		nodes:           make(map[string]*NodeInfo),
		missLimit:       cfg.MissedHeartbeats,
		clk:             cfg.Clock,
		logger:          logging.ForComponent(cfg.Logger, "membership"),
		metricsRegistry: cfg.Metrics,
	}
}

func checkVote(vote int) error {
	if vote != 0 && vote != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidVote, vote)
	}
	return nil
}

// AddNode registers a node in state UNKNOWN. It contributes no vote until
// its first heartbeat.
func (m *Membership) AddNode(id, addr string, vote int) error {
	if id == "" {
		return ErrInvalidNodeID
	}
	if err := checkVote(vote); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, id)
	}
	if m.witness != nil && m.witness.ID == id {
		return fmt.Errorf("%w: %s", ErrWitnessConflict, id)
	}
	m.nodes[id] = &NodeInfo{
		ID:       id,
		Addr:     addr,
		Vote:     vote,
		State:    NodeUnknown,
		JoinedAt: m.clk.Now(),
	}
	m.epoch++
	m.updateStateMetricsLocked()

	m.logger.Info("node added", logging.Node(id), logging.String("addr", addr), logging.Int("vote", vote))
	return nil
}

// RemoveNode deletes a node. Its vote leaves the total immediately.
func (m *Membership) RemoveNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(m.nodes, id)
	m.epoch++
	m.updateStateMetricsLocked()

	m.logger.Info("node removed", logging.Node(id))
	return nil
}

// SetWitness installs or replaces the quorum witness.
func (m *Membership) SetWitness(id, addr string, vote int) error {
	if id == "" {
		return ErrInvalidNodeID
	}
	if err := checkVote(vote); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, clash := m.nodes[id]; clash {
		return fmt.Errorf("%w: %s", ErrWitnessConflict, id)
	}
	m.witness = &NodeInfo{
		ID:       id,
		Addr:     addr,
		Vote:     vote,
		State:    NodeUnknown,
		Witness:  true,
		JoinedAt: m.clk.Now(),
	}
	m.epoch++

	m.logger.Info("witness configured", logging.Node(id), logging.String("addr", addr))
	return nil
}

// ClearWitness removes the witness.
func (m *Membership) ClearWitness() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.witness != nil {
		m.witness = nil
		m.epoch++
	}
}

func (m *Membership) lookupLocked(id string) *NodeInfo {
	if n, ok := m.nodes[id]; ok {
		return n
	}
	if m.witness != nil && m.witness.ID == id {
		return m.witness
	}
	return nil
}

// Heartbeat records a heartbeat from a node or the witness: it becomes UP
// and its miss counter resets.
func (m *Membership) Heartbeat(id string) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lookupLocked(id)
	if n == nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	now := m.clk.Now()
	n.LastSeen = now
	n.MissedHeartbeats = 0
	if n.State != NodeUp {
		m.logger.Info("member reachable", logging.Node(id), logging.String("previous", string(n.State)))
		n.State = NodeUp
		m.epoch++
		m.updateStateMetricsLocked()
	}
	return Ack{NodeID: id, Epoch: m.epoch, At: now}, nil
}

// RecordMiss counts a missed heartbeat. The member goes DOWN once the
// configured number of consecutive misses is reached. It returns the
// member's resulting state.
func (m *Membership) RecordMiss(id string) (NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lookupLocked(id)
	if n == nil {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	n.MissedHeartbeats++
	if n.MissedHeartbeats >= m.missLimit && n.State != NodeDown {
		m.logger.Warn("member unreachable",
			logging.Node(id),
			logging.Int("missed", n.MissedHeartbeats),
			logging.String("previous", string(n.State)),
		)
		n.State = NodeDown
		m.epoch++
		m.updateStateMetricsLocked()
	}
	return n.State, nil
}

// MarkDown forces a member DOWN, e.g. when provisioning reports it gone.
func (m *Membership) MarkDown(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lookupLocked(id)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.State != NodeDown {
		n.State = NodeDown
		n.MissedHeartbeats = m.missLimit
		m.epoch++
		m.updateStateMetricsLocked()
		m.logger.Warn("member marked down", logging.Node(id))
	}
	return nil
}

// GetNode returns a copy of a node or the witness.
func (m *Membership) GetNode(id string) (NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.lookupLocked(id)
	if n == nil {
		return NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *n, nil
}

// IsUp reports whether a member is currently UP.
func (m *Membership) IsUp(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.lookupLocked(id)
	return n != nil && n.State == NodeUp
}

// GetAllNodes returns copies of every node (witness excluded), sorted by ID.
func (m *Membership) GetAllNodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Witness returns a copy of the witness, if configured.
func (m *Membership) Witness() (NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.witness == nil {
		return NodeInfo{}, false
	}
	return *m.witness, true
}

// Members returns the IDs that should answer heartbeats: every node plus
// the witness.
func (m *Membership) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.nodes)+1)
	for id := range m.nodes {
		ids = append(ids, id)
	}
	if m.witness != nil {
		ids = append(ids, m.witness.ID)
	}
	sort.Strings(ids)
	return ids
}

// Epoch increases whenever membership or a member's state changes.
func (m *Membership) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *Membership) updateStateMetricsLocked() {
	if m.metricsRegistry == nil {
		return
	}
	counts := map[string]int{}
	for _, n := range m.nodes {
		counts[string(n.State)]++
	}
	m.metricsRegistry.UpdateNodeStates(counts)
}
