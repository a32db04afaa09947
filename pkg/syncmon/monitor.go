// Package syncmon polls the replication engine for per-replica send/redo
// queues and commit positions and derives each replica's synchronization
// health. It only observes; the failover coordinator copies the results into
// the topology store.
package syncmon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/poll"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// ErrMonitorRunning is returned by Start on a running monitor.
var ErrMonitorRunning = errors.New("sync monitor already running")

// ReplicaState is the last observation of one replica.
type ReplicaState struct {
	Group          string              `json:"group"`
	Node           string              `json:"node"`
	Reachable      bool                `json:"reachable"`
	EngineRole     topology.Role       `json:"engine_role,omitempty"`
	Connected      topology.ConnState  `json:"connected"`
	SyncHealth     topology.SyncHealth `json:"sync_health"`
	SendQueue      int64               `json:"send_queue"`
	RedoQueue      int64               `json:"redo_queue"`
	Lag            time.Duration       `json:"lag"`
	LastCommitTime time.Time           `json:"last_commit_time,omitempty"`
	CommitPoint    string              `json:"commit_point,omitempty"`
	PolledAt       time.Time           `json:"polled_at"`
}

// Config configures a Monitor.
type Config struct {
	Store      *topology.Store
	Engine     engine.Engine
	Interval   time.Duration
	Thresholds Thresholds
	// Retry bounds the retries of one failed status poll. Its waits use
	// wall time even when Clock is fake.
	Retry   poll.Config
	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Monitor tracks synchronization state for every group in the store.
type Monitor struct {
	store      *topology.Store
	engine     engine.Engine
	interval   time.Duration
	thresholds Thresholds
	retry      poll.Config
	clk        clock.Clock
	logger     logging.Logger
	metrics    *metrics.Registry

	mu     sync.RWMutex
	states map[string]map[string]ReplicaState

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a monitor. Replicas start UNKNOWN until their first poll.
func New(cfg Config) (*Monitor, error) {
	if cfg.Store == nil || cfg.Engine == nil {
		return nil, errors.New("syncmon: store and engine are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Retry == (poll.Config{}) {
		cfg.Retry = poll.DefaultConfig()
	}
	if cfg.Retry.MaxElapsed <= 0 {
		cfg.Retry.MaxElapsed = cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Monitor{
		store:      cfg.Store,
		engine:     cfg.Engine,
		interval:   cfg.Interval,
		thresholds: cfg.Thresholds,
		retry:      cfg.Retry,
		clk:        cfg.Clock,
		logger:     logging.ForComponent(cfg.Logger, "syncmon"),
		metrics:    cfg.Metrics,
		states:     make(map[string]map[string]ReplicaState),
	}, nil
}

// Start polls every interval until Stop.
func (m *Monitor) Start() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	if m.running {
		return ErrMonitorRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("sync monitor started", logging.Duration("interval", m.interval))
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runningMu.Lock()
	if !m.running {
		m.runningMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runningMu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.PollAll(ctx)
			cancel()
		}
	}
}

// PollAll polls every group in the store.
func (m *Monitor) PollAll(ctx context.Context) {
	for _, name := range m.store.GroupNames() {
		if err := m.PollGroup(ctx, name); err != nil {
			m.logger.Debug("sync poll failed", logging.Group(name), logging.Error(err))
		}
	}
}

// PollGroup queries the engine for one group, retrying transient failures.
// When every retry fails the group's replicas are recorded unreachable and
// NOT_HEALTHY, and the error is returned for logging only.
func (m *Monitor) PollGroup(ctx context.Context, group string) error {
	g, err := m.store.Group(group)
	if err != nil {
		return err
	}

	var statuses []engine.ReplicaStatus
	err = poll.Retry(ctx, clock.Real(), m.retry, func(ctx context.Context) error {
		st, err := m.engine.Status(ctx, group)
		if errors.Is(err, engine.ErrUnknownGroup) {
			return poll.Permanent(err)
		}
		statuses = st
		return err
	})
	if err != nil {
		m.metrics.RecordSyncPollError(group)
		statuses = make([]engine.ReplicaStatus, 0, len(g.Replicas))
		for _, id := range g.NodeIDs() {
			statuses = append(statuses, engine.ReplicaStatus{Node: id})
		}
	}
	m.observe(g, statuses)
	return err
}

func (m *Monitor) observe(g topology.DataGroup, statuses []engine.ReplicaStatus) {
	now := m.clk.Now()
	ref := referenceCommit(g, statuses)

	primaryLive := false
	for _, st := range statuses {
		if st.Reachable && st.Role == topology.RolePrimary && st.Connected == topology.Connected {
			primaryLive = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.states[g.Name]
	next := make(map[string]ReplicaState, len(g.Replicas))
	for _, st := range statuses {
		r, ok := g.Replicas[st.Node]
		if !ok {
			continue
		}
		// A replica's own primary session does not make the group's
		// primary live from its point of view.
		live := primaryLive && !(st.Role == topology.RolePrimary && st.Connected == topology.Connected)

		s := ReplicaState{
			Group:          g.Name,
			Node:           st.Node,
			Reachable:      st.Reachable,
			EngineRole:     st.Role,
			Connected:      st.Connected,
			SendQueue:      st.SendQueueSize,
			RedoQueue:      st.RedoQueueSize,
			LastCommitTime: st.LastCommitTime,
			CommitPoint:    st.CommitPoint,
			PolledAt:       now,
		}
		if s.Connected == "" {
			s.Connected = topology.Disconnected
		}
		if !st.Reachable {
			// keep the last confirmed position of an unreachable replica
			if p, ok := prev[st.Node]; ok {
				s.LastCommitTime, s.CommitPoint = p.LastCommitTime, p.CommitPoint
			}
		}
		s.Lag = lagBehind(ref, s.LastCommitTime)
		if r.Role == topology.RolePrimary && st.Reachable {
			s.Lag = 0
		}
		s.SyncHealth = evaluate(r, st, s.Lag, live, m.thresholds)
		next[st.Node] = s

		m.metrics.RecordSyncState(g.Name, st.Node, s.SendQueue, s.RedoQueue, s.Lag, s.SyncHealth == topology.Healthy)
	}
	m.states[g.Name] = next
}

// State returns the last observation of a replica.
func (m *Monitor) State(group, node string) (ReplicaState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[group][node]
	return s, ok
}

// GroupStates returns the last observations for one group keyed by node.
func (m *Monitor) GroupStates(group string) map[string]ReplicaState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ReplicaState, len(m.states[group]))
	for id, s := range m.states[group] {
		out[id] = s
	}
	return out
}

// Snapshot returns every observation sorted by group then node.
func (m *Monitor) Snapshot() []ReplicaState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ReplicaState
	for _, nodes := range m.states {
		for _, s := range nodes {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Node < out[j].Node
	})
	return out
}

// SyncLagEstimate returns how far a replica's last hardened commit trails
// the primary's. Unpolled replicas report zero.
func (m *Monitor) SyncLagEstimate(group, node string) time.Duration {
	s, _ := m.State(group, node)
	return s.Lag
}

// Health returns a replica's synchronization health, UNKNOWN before the
// first poll.
func (m *Monitor) Health(group, node string) topology.SyncHealth {
	s, ok := m.State(group, node)
	if !ok {
		return topology.HealthUnknown
	}
	return s.SyncHealth
}

// Forget drops state for a group, e.g. after it was removed.
func (m *Monitor) Forget(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, group)
}

// LastPoll returns the newest observation time across all replicas, zero
// before the first poll.
func (m *Monitor) LastPoll() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last time.Time
	for _, nodes := range m.states {
		for _, s := range nodes {
			if s.PolledAt.After(last) {
				last = s.PolledAt
			}
		}
	}
	return last
}
