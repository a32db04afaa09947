package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *bool:
			*p = r.values[i].(bool)
		case **string:
			if v, ok := r.values[i].(string); ok {
				*p = &v
			}
		case **time.Time:
			if v, ok := r.values[i].(time.Time); ok {
				*p = &v
			}
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}

// fakeConn answers the state query from a canned row and records statements.
type fakeConn struct {
	state    []any
	err      error
	promoted bool
	execs    []string
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if c.err != nil {
		return fakeRow{err: c.err}
	}
	switch {
	case strings.Contains(sql, "pg_promote"):
		c.promoted = true
		return fakeRow{values: []any{true}}
	case strings.Contains(sql, "pg_reload_conf"):
		return fakeRow{values: []any{true}}
	default:
		return fakeRow{values: c.state}
	}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if c.err != nil {
		return pgconn.CommandTag{}, c.err
	}
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("ALTER SYSTEM"), nil
}

var commitAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func primaryRow(lsn string) []any { return []any{false, false, lsn, lsn, commitAt, false} }
func fencedRow(lsn string) []any  { return []any{false, true, lsn, lsn, commitAt, false} }
func standbyRow(receive, replay string, streaming bool) []any {
	return []any{true, false, receive, replay, commitAt, streaming}
}

func newTestEngine(conns map[string]*fakeConn) *Engine {
	members := []Member{
		{Node: "db1", Addr: "10.0.0.1:5432"},
		{Node: "db2", Addr: "10.0.0.2:5432"},
		{Node: "db3", Addr: "10.0.0.3"},
	}
	cs := make(map[string]conn, len(conns))
	for k, v := range conns {
		cs[k] = v
	}
	return newEngine(Config{
		Groups: map[string][]Member{"orders": members},
		Logger: logging.NopLogger{},
	}, cs)
}

func TestParseLSN(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x16)<<32|0xB374D848, lsn)
	assert.Equal(t, "16/B374D848", FormatLSN(lsn))

	for _, bad := range []string{"", "16", "zz/1", "1/zz", "100000000/0"} {
		_, err := ParseLSN(bad)
		assert.Error(t, err, bad)
	}
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'host=a'", QuoteLiteral("host=a"))
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))
}

func TestStatusComputesQueues(t *testing.T) {
	e := newTestEngine(map[string]*fakeConn{
		"db1": {state: primaryRow("0/3000")},
		"db2": {state: standbyRow("0/2000", "0/1800", true)},
		"db3": {err: errors.New("dial tcp: connection refused")},
	})

	statuses, err := e.Status(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	p := statuses[0]
	assert.True(t, p.Reachable)
	assert.Equal(t, topology.RolePrimary, p.Role)
	assert.Equal(t, "0/3000", p.CommitPoint)

	s := statuses[1]
	assert.Equal(t, topology.RoleSecondary, s.Role)
	assert.Equal(t, topology.Connected, s.Connected)
	assert.Equal(t, int64(0x1000), s.SendQueueSize)
	assert.Equal(t, int64(0x800), s.RedoQueueSize)
	assert.Equal(t, commitAt, s.LastCommitTime)

	d := statuses[2]
	assert.False(t, d.Reachable)
	assert.Equal(t, topology.Disconnected, d.Connected)
}

func TestStatusFencedPrimaryIsResolving(t *testing.T) {
	e := newTestEngine(map[string]*fakeConn{
		"db1": {state: fencedRow("0/3000")},
		"db2": {state: standbyRow("0/3000", "0/3000", false)},
		"db3": {state: standbyRow("0/3000", "0/3000", false)},
	})
	statuses, err := e.Status(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, topology.RoleResolving, statuses[0].Role)
	assert.Equal(t, topology.Disconnected, statuses[1].Connected)
}

func TestStatusAllUnreachable(t *testing.T) {
	down := errors.New("i/o timeout")
	e := newTestEngine(map[string]*fakeConn{
		"db1": {err: down}, "db2": {err: down}, "db3": {err: down},
	})
	_, err := e.Status(context.Background(), "orders")
	assert.ErrorIs(t, err, engine.ErrUnreachable)

	_, err = e.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrUnknownGroup)
}

func TestPromoteRequiresCaughtUpStandby(t *testing.T) {
	lagging := &fakeConn{state: standbyRow("0/2000", "0/1000", true)}
	e := newTestEngine(map[string]*fakeConn{"db1": {state: primaryRow("0/2000")}, "db2": lagging, "db3": {}})

	err := e.Promote(context.Background(), "orders", "db2", false)
	assert.ErrorIs(t, err, engine.ErrNotSynchronized)
	assert.False(t, lagging.promoted)

	require.NoError(t, e.Promote(context.Background(), "orders", "db2", true))
	assert.True(t, lagging.promoted)
}

func TestPromoteLiftsFence(t *testing.T) {
	fenced := &fakeConn{state: fencedRow("0/1000")}
	e := newTestEngine(map[string]*fakeConn{"db1": fenced, "db2": {}, "db3": {}})

	require.NoError(t, e.Promote(context.Background(), "orders", "db1", false))
	assert.Equal(t, []string{"ALTER SYSTEM RESET default_transaction_read_only"}, fenced.execs)
	assert.False(t, fenced.promoted)
}

func TestDemoteFencesPrimary(t *testing.T) {
	primary := &fakeConn{state: primaryRow("0/1000")}
	standby := &fakeConn{state: standbyRow("0/1000", "0/1000", true)}
	e := newTestEngine(map[string]*fakeConn{"db1": primary, "db2": standby, "db3": {}})

	require.NoError(t, e.Demote(context.Background(), "orders", "db1"))
	assert.Equal(t, []string{"ALTER SYSTEM SET default_transaction_read_only = on"}, primary.execs)

	require.NoError(t, e.Demote(context.Background(), "orders", "db2"))
	assert.Empty(t, standby.execs)
}

func TestJoinGroupFollowsPrimary(t *testing.T) {
	standby := &fakeConn{state: standbyRow("0/1000", "0/1000", false)}
	e := newTestEngine(map[string]*fakeConn{
		"db1": {state: fencedRow("0/1000")},
		"db2": {state: primaryRow("0/1000")},
		"db3": standby,
	})

	require.NoError(t, e.JoinGroup(context.Background(), "orders", "db3"))
	require.Len(t, standby.execs, 1)
	assert.Contains(t, standby.execs[0], "host=10.0.0.2 port=5432 user=replicator application_name=db3")

	err := e.JoinGroup(context.Background(), "orders", "db1")
	assert.ErrorIs(t, err, engine.ErrRebuildRequired)
}

func TestLeaveGroup(t *testing.T) {
	standby := &fakeConn{state: standbyRow("0/1000", "0/1000", true)}
	e := newTestEngine(map[string]*fakeConn{"db1": {state: primaryRow("0/1000")}, "db2": standby, "db3": {}})

	require.NoError(t, e.LeaveGroup(context.Background(), "orders", "db2"))
	assert.Equal(t, []string{"ALTER SYSTEM RESET primary_conninfo"}, standby.execs)

	assert.ErrorIs(t, e.LeaveGroup(context.Background(), "orders", "nope"), engine.ErrUnknownReplica)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errors.New("connection refused")), engine.ErrUnreachable)

	sqlErr := &pgconn.PgError{Code: "42501", Message: "permission denied"}
	got := classify(sqlErr)
	assert.NotErrorIs(t, got, engine.ErrUnreachable)
	assert.Same(t, sqlErr, got)
}
