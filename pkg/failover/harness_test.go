package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/engine/simulated"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/poll"
	"github.com/dd0wney/cluso-ha/pkg/roles"
	"github.com/dd0wney/cluso-ha/pkg/syncmon"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	testGroup    = "orders"
	testEndpoint = "orders-listener"
	testGrace    = 5 * time.Second
)

type harness struct {
	t       *testing.T
	clk     *clock.Fake
	eng     *simulated.Engine
	store   *topology.Store
	members *cluster.Membership
	roles   *roles.Manager
	mon     *syncmon.Monitor
	router  *endpoint.Router
	log     *audit.Log
	c       *Coordinator
}

type harnessOptions struct {
	timeout     time.Duration
	secondaries map[string]topology.FailoverMode // failover mode of n2 (and n3 when present)
	threeNodes  bool
}

// newHarness builds a two-node cluster (n1 PRIMARY, n2 SECONDARY) plus a
// witness, all heartbeating, with one endpoint in front of the group.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	reg := metrics.NewRegistry()
	nop := logging.NopLogger{}

	mode := func(node string) topology.FailoverMode {
		if m, ok := opts.secondaries[node]; ok {
			return m
		}
		return topology.Automatic
	}
	group := topology.DataGroup{
		Name:      testGroup,
		Databases: []string{"orders", "payments"},
		Replicas: map[string]topology.Replica{
			"n1": {Role: topology.RolePrimary, SyncMode: topology.Synchronous, FailoverMode: topology.Automatic, BackupPriority: 1},
			"n2": {Role: topology.RoleSecondary, SyncMode: topology.Synchronous, FailoverMode: mode("n2"), BackupPriority: 2},
		},
	}
	candidates := map[string]string{"n1": "10.0.0.1:5432", "n2": "10.0.0.2:5432"}
	nodes := []string{"n1", "n2"}
	if opts.threeNodes {
		group.Replicas["n3"] = topology.Replica{Role: topology.RoleSecondary, SyncMode: topology.Synchronous, FailoverMode: mode("n3"), BackupPriority: 2}
		candidates["n3"] = "10.0.0.3:5432"
		nodes = append(nodes, "n3")
	}

	store := topology.NewStore(clk)
	require.NoError(t, store.AddGroup(group))
	eng := simulated.New(clk)
	eng.Seed(group)

	members := cluster.NewMembership(cluster.MembershipConfig{Clock: clk, Logger: nop, Metrics: reg})
	for _, id := range nodes {
		require.NoError(t, members.AddNode(id, id+":7400", 1))
	}
	if !opts.threeNodes {
		require.NoError(t, members.SetWitness("w", "w:7400", 1))
	}
	for _, id := range members.Members() {
		_, err := members.Heartbeat(id)
		require.NoError(t, err)
	}

	rm, err := roles.NewManager(roles.Config{Store: store, Engine: eng, Quorum: members, Clock: clk, Logger: nop, Metrics: reg})
	require.NoError(t, err)

	mon, err := syncmon.New(syncmon.Config{
		Store:  store,
		Engine: eng,
		Thresholds: syncmon.Thresholds{
			MaxSendQueue: 1000,
			MaxRedoQueue: 1000,
			MaxAsyncLag:  30 * time.Second,
		},
		Retry:   poll.Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxElapsed: 10 * time.Millisecond},
		Clock:   clk,
		Logger:  nop,
		Metrics: reg,
	})
	require.NoError(t, err)

	router := endpoint.NewRouter(nop, reg)
	require.NoError(t, router.Bind(endpoint.VirtualEndpoint{
		Name:       testEndpoint,
		Addr:       "10.0.0.100:5432",
		ProbePort:  59999,
		Group:      testGroup,
		Candidates: candidates,
	}))

	log, err := audit.NewLog(audit.LogConfig{BufferSize: 100, Clock: clk, Logger: nop, Metrics: reg})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	c, err := New(Config{
		Store:           store,
		Membership:      members,
		Roles:           rm,
		Monitor:         mon,
		Router:          router,
		Audit:           log,
		Engine:          eng,
		GracePeriod:     testGrace,
		FailoverTimeout: opts.timeout,
		Clock:           clk,
		Logger:          nop,
		Metrics:         reg,
	})
	require.NoError(t, err)

	h := &harness{t: t, clk: clk, eng: eng, store: store, members: members, roles: rm, mon: mon, router: router, log: log, c: c}
	h.step()
	return h
}

// step polls the engine and runs one coordinator tick.
func (h *harness) step() {
	ctx := context.Background()
	h.mon.PollAll(ctx)
	h.c.Tick(ctx)
}

// settle steps past the grace period so a pending trigger fires.
func (h *harness) settle() {
	h.step()
	h.clk.Advance(testGrace + time.Second)
	h.step()
}

// kill takes a node down in both the engine and membership.
func (h *harness) kill(node string) {
	h.eng.SetDown(node, true)
	require.NoError(h.t, h.members.MarkDown(node))
}

func (h *harness) revive(node string) {
	h.eng.SetDown(node, false)
	_, err := h.members.Heartbeat(node)
	require.NoError(h.t, err)
}

func (h *harness) replica(node string) topology.Replica {
	r, err := h.store.Replica(testGroup, node)
	require.NoError(h.t, err)
	return r
}

func (h *harness) group() topology.DataGroup {
	g, err := h.store.Group(testGroup)
	require.NoError(h.t, err)
	return g
}

func (h *harness) target() string {
	node, _, _ := h.router.Target(testEndpoint)
	return node
}

func (h *harness) events() []audit.Event {
	return h.log.Query(audit.Filter{}, 0)
}
