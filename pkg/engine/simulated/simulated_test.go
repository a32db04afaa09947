package simulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

func seeded(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	e := New(clk)
	e.Seed(topology.DataGroup{
		Name: "orders",
		Replicas: map[string]topology.Replica{
			"n1": {Role: topology.RolePrimary},
			"n2": {Role: topology.RoleSecondary},
			"n3": {Role: topology.RoleOffline},
		},
	})
	return e, clk
}

func byNode(st []engine.ReplicaStatus) map[string]engine.ReplicaStatus {
	out := make(map[string]engine.ReplicaStatus, len(st))
	for _, s := range st {
		out[s.Node] = s
	}
	return out
}

func TestStatusReflectsRolesAndConnectivity(t *testing.T) {
	e, _ := seeded(t)
	st, err := e.Status(context.Background(), "orders")
	require.NoError(t, err)
	m := byNode(st)

	assert.Equal(t, topology.RolePrimary, m["n1"].Role)
	assert.Equal(t, topology.Connected, m["n2"].Connected)
	assert.Equal(t, topology.Disconnected, m["n3"].Connected)

	e.SetDown("n1", true)
	st, err = e.Status(context.Background(), "orders")
	require.NoError(t, err)
	m = byNode(st)
	assert.False(t, m["n1"].Reachable)
	assert.Equal(t, topology.Disconnected, m["n2"].Connected, "secondary loses its session when the primary dies")
}

func TestStatusAllDownIsUnreachable(t *testing.T) {
	e, _ := seeded(t)
	for _, n := range []string{"n1", "n2", "n3"} {
		e.SetDown(n, true)
	}
	_, err := e.Status(context.Background(), "orders")
	assert.ErrorIs(t, err, engine.ErrUnreachable)

	_, err = e.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrUnknownGroup)
}

func TestPromoteRequiresSyncUnlessForced(t *testing.T) {
	e, _ := seeded(t)
	ctx := context.Background()

	e.SetQueues("orders", "n2", 10, 0)
	assert.ErrorIs(t, e.Promote(ctx, "orders", "n2", false), engine.ErrNotSynchronized)
	assert.Equal(t, topology.RoleSecondary, e.Role("orders", "n2"))

	require.NoError(t, e.Promote(ctx, "orders", "n2", true))
	assert.Equal(t, topology.RolePrimary, e.Role("orders", "n2"))

	calls := e.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Force)
}

func TestCommandsOnDownNode(t *testing.T) {
	e, _ := seeded(t)
	e.SetDown("n1", true)
	ctx := context.Background()

	assert.True(t, engine.IsUnreachable(e.Demote(ctx, "orders", "n1")))
	assert.True(t, engine.IsUnreachable(e.JoinGroup(ctx, "orders", "n1")))
	assert.ErrorIs(t, e.Promote(ctx, "orders", "n9", false), engine.ErrUnknownReplica)
}

func TestJoinAndLeave(t *testing.T) {
	e, _ := seeded(t)
	ctx := context.Background()

	require.NoError(t, e.JoinGroup(ctx, "orders", "n3"))
	assert.Equal(t, topology.RoleSecondary, e.Role("orders", "n3"))

	require.NoError(t, e.LeaveGroup(ctx, "orders", "n3"))
	assert.Equal(t, topology.RoleOffline, e.Role("orders", "n3"))
}

func TestCommitFollowsSynchronousReplicas(t *testing.T) {
	e, clk := seeded(t)
	e.SetQueues("orders", "n3", 0, 0)

	clk.Advance(time.Second)
	e.Commit("orders")
	e.SetQueues("orders", "n2", 5, 0)
	clk.Advance(time.Second)
	e.Commit("orders")

	st, _ := e.Status(context.Background(), "orders")
	m := byNode(st)
	assert.Equal(t, "0/2", m["n1"].CommitPoint)
	assert.Equal(t, "0/1", m["n2"].CommitPoint)
	assert.True(t, m["n1"].LastCommitTime.After(m["n2"].LastCommitTime))
}

func TestFaultsAndDelays(t *testing.T) {
	e, _ := seeded(t)
	boom := errors.New("boom")

	e.Fail(OpDemote, "n1", boom)
	assert.ErrorIs(t, e.Demote(context.Background(), "orders", "n1"), boom)
	e.Fail(OpDemote, "n1", nil)
	assert.NoError(t, e.Demote(context.Background(), "orders", "n1"))

	e.Delay(OpPromote, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Promote(ctx, "orders", "n2", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, topology.RoleSecondary, e.Role("orders", "n2"))
}

func TestFormatCommitPoint(t *testing.T) {
	assert.Equal(t, "0/0", FormatCommitPoint(0))
	assert.Equal(t, "1/A", FormatCommitPoint(1<<32|10))
}

func TestPrimariesSkipsDownNodes(t *testing.T) {
	e, _ := seeded(t)
	ctx := context.Background()
	require.NoError(t, e.Promote(ctx, "orders", "n2", true))
	assert.Equal(t, []string{"n1", "n2"}, e.Primaries("orders"))

	e.SetDown("n1", true)
	assert.Equal(t, []string{"n2"}, e.Primaries("orders"))
	assert.Empty(t, e.Primaries("missing"))
}
