// Package postgres drives PostgreSQL streaming replication. A data group is
// one physical cluster: a primary and its hot standbys.
//
// Demotion fences the old primary read-only instead of shutting it down; a
// fenced primary reports RESOLVING and must be rebuilt (pg_rewind or a fresh
// base backup) before it can rejoin as a standby.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Member is one PostgreSQL server in a group.
type Member struct {
	Node string
	DSN  string
	// Addr is host:port used in primary_conninfo when standbys follow it.
	Addr string
}

// Config configures the adapter.
type Config struct {
	Groups          map[string][]Member
	ReplicationUser string
	// PromoteWait bounds pg_promote's wait for the promotion to finish.
	PromoteWait time.Duration
	Logger      logging.Logger
}

// conn is the subset of *pgxpool.Pool used here.
type conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Engine implements engine.Engine over pgx connection pools.
type Engine struct {
	cfg    Config
	conns  map[string]conn
	pools  []*pgxpool.Pool
	logger logging.Logger
	mu     sync.Mutex // serializes commands per engine
}

// New creates a pool per member. Pools connect lazily.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	conns := make(map[string]conn)
	var pools []*pgxpool.Pool
	for _, members := range cfg.Groups {
		for _, m := range members {
			if _, done := conns[m.Node]; done {
				continue
			}
			pcfg, err := pgxpool.ParseConfig(m.DSN)
			if err != nil {
				closeAll(pools)
				return nil, fmt.Errorf("parse dsn for %s: %w", m.Node, err)
			}
			pcfg.MaxConns = 4
			pcfg.ConnConfig.ConnectTimeout = 3 * time.Second
			pool, err := pgxpool.NewWithConfig(ctx, pcfg)
			if err != nil {
				closeAll(pools)
				return nil, fmt.Errorf("create pool for %s: %w", m.Node, err)
			}
			conns[m.Node] = pool
			pools = append(pools, pool)
		}
	}
	e := newEngine(cfg, conns)
	e.pools = pools
	return e, nil
}

func newEngine(cfg Config, conns map[string]conn) *Engine {
	if cfg.PromoteWait <= 0 {
		cfg.PromoteWait = 30 * time.Second
	}
	if cfg.ReplicationUser == "" {
		cfg.ReplicationUser = "replicator"
	}
	return &Engine{
		cfg:    cfg,
		conns:  conns,
		logger: logging.ForComponent(cfg.Logger, "engine-postgres"),
	}
}

func closeAll(pools []*pgxpool.Pool) {
	for _, p := range pools {
		p.Close()
	}
}

// Close closes every pool.
func (e *Engine) Close() error {
	closeAll(e.pools)
	return nil
}

// Ping checks connectivity to every member.
func (e *Engine) Ping(ctx context.Context) error {
	var errs []error
	for _, p := range e.pools {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nodeState struct {
	inRecovery bool
	fenced     bool
	receiveLSN uint64
	replayLSN  uint64
	replayText string
	lastCommit time.Time
	streaming  bool
}

const stateQuery = `
SELECT pg_is_in_recovery(),
       current_setting('default_transaction_read_only') = 'on',
       CASE WHEN pg_is_in_recovery() THEN pg_last_wal_receive_lsn()::text ELSE pg_current_wal_lsn()::text END,
       CASE WHEN pg_is_in_recovery() THEN pg_last_wal_replay_lsn()::text ELSE pg_current_wal_lsn()::text END,
       CASE WHEN pg_is_in_recovery() THEN pg_last_xact_replay_timestamp() ELSE now() END,
       COALESCE((SELECT status = 'streaming' FROM pg_stat_wal_receiver LIMIT 1), false)`

func (e *Engine) member(group, node string) (Member, conn, error) {
	members, ok := e.cfg.Groups[group]
	if !ok {
		return Member{}, nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}
	for _, m := range members {
		if m.Node == node {
			return m, e.conns[node], nil
		}
	}
	return Member{}, nil, fmt.Errorf("%w: %s/%s", engine.ErrUnknownReplica, group, node)
}

func (e *Engine) state(ctx context.Context, c conn) (nodeState, error) {
	var (
		st              nodeState
		receive, replay *string
		lastCommit      *time.Time
	)
	err := c.QueryRow(ctx, stateQuery).Scan(&st.inRecovery, &st.fenced, &receive, &replay, &lastCommit, &st.streaming)
	if err != nil {
		return nodeState{}, classify(err)
	}
	if receive != nil {
		st.receiveLSN, _ = ParseLSN(*receive)
	}
	if replay != nil {
		st.replayText = *replay
		st.replayLSN, _ = ParseLSN(*replay)
	}
	if lastCommit != nil {
		st.lastCommit = *lastCommit
	}
	return st, nil
}

// Status queries every member of group.
func (e *Engine) Status(ctx context.Context, group string) ([]engine.ReplicaStatus, error) {
	members, ok := e.cfg.Groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}

	states := make(map[string]nodeState, len(members))
	var primaryLSN uint64
	for _, m := range members {
		st, err := e.state(ctx, e.conns[m.Node])
		if err != nil {
			e.logger.Debug("member status failed", logging.Group(group), logging.Node(m.Node), logging.Error(err))
			continue
		}
		states[m.Node] = st
		if !st.inRecovery && !st.fenced && st.replayLSN > primaryLSN {
			primaryLSN = st.replayLSN
		}
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no member of %s answered", engine.ErrUnreachable, group)
	}

	out := make([]engine.ReplicaStatus, 0, len(members))
	for _, m := range members {
		st, ok := states[m.Node]
		if !ok {
			out = append(out, engine.ReplicaStatus{Node: m.Node, Connected: topology.Disconnected, SyncHealth: topology.HealthUnknown})
			continue
		}
		out = append(out, toStatus(m.Node, st, primaryLSN))
	}
	return out, nil
}

func toStatus(node string, st nodeState, primaryLSN uint64) engine.ReplicaStatus {
	rs := engine.ReplicaStatus{
		Node:           node,
		Reachable:      true,
		SyncHealth:     topology.HealthUnknown,
		LastCommitTime: st.lastCommit,
		CommitPoint:    st.replayText,
	}
	switch {
	case !st.inRecovery && st.fenced:
		rs.Role = topology.RoleResolving
		rs.Connected = topology.Disconnected
	case !st.inRecovery:
		rs.Role = topology.RolePrimary
		rs.Connected = topology.Connected
	default:
		rs.Role = topology.RoleSecondary
		rs.Connected = topology.Disconnected
		if st.streaming {
			rs.Connected = topology.Connected
		}
		if primaryLSN > st.receiveLSN {
			rs.SendQueueSize = int64(primaryLSN - st.receiveLSN)
		}
		if st.receiveLSN > st.replayLSN {
			rs.RedoQueueSize = int64(st.receiveLSN - st.replayLSN)
		}
	}
	return rs
}

// Promote promotes a standby, or lifts the fence of a fenced primary.
func (e *Engine) Promote(ctx context.Context, group, node string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, c, err := e.member(group, node)
	if err != nil {
		return err
	}
	st, err := e.state(ctx, c)
	if err != nil {
		return err
	}

	if !st.inRecovery {
		if st.fenced {
			return e.setReadOnly(ctx, c, false)
		}
		return nil
	}
	if !force && (!st.streaming || st.receiveLSN != st.replayLSN) {
		return fmt.Errorf("%w: %s streaming=%t receive=%s replay=%s",
			engine.ErrNotSynchronized, node, st.streaming, FormatLSN(st.receiveLSN), FormatLSN(st.replayLSN))
	}

	var promoted bool
	wait := int(e.cfg.PromoteWait / time.Second)
	if err := c.QueryRow(ctx, "SELECT pg_promote(true, $1)", wait).Scan(&promoted); err != nil {
		return classify(err)
	}
	if !promoted {
		return fmt.Errorf("pg_promote on %s did not finish within %ds", node, wait)
	}
	e.logger.Info("standby promoted", logging.Group(group), logging.Node(node), logging.Bool("force", force))
	return nil
}

// Demote fences a primary read-only. Standbys are left alone.
func (e *Engine) Demote(ctx context.Context, group, node string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, c, err := e.member(group, node)
	if err != nil {
		return err
	}
	st, err := e.state(ctx, c)
	if err != nil {
		return err
	}
	if st.inRecovery || st.fenced {
		return nil
	}
	if err := e.setReadOnly(ctx, c, true); err != nil {
		return err
	}
	e.logger.Info("primary fenced read-only", logging.Group(group), logging.Node(node))
	return nil
}

// JoinGroup points a standby at the current primary.
func (e *Engine) JoinGroup(ctx context.Context, group, node string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, c, err := e.member(group, node)
	if err != nil {
		return err
	}
	st, err := e.state(ctx, c)
	if err != nil {
		return err
	}
	if !st.inRecovery {
		return fmt.Errorf("%w: %s is not in recovery", engine.ErrRebuildRequired, node)
	}

	primary, err := e.findPrimary(ctx, group)
	if err != nil {
		return err
	}
	conninfo := e.conninfo(primary, node)
	if _, err := c.Exec(ctx, "ALTER SYSTEM SET primary_conninfo = "+QuoteLiteral(conninfo)); err != nil {
		return classify(err)
	}
	return e.reload(ctx, c)
}

// LeaveGroup stops a standby from streaming, or fences a primary.
func (e *Engine) LeaveGroup(ctx context.Context, group, node string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, c, err := e.member(group, node)
	if err != nil {
		return err
	}
	st, err := e.state(ctx, c)
	if err != nil {
		return err
	}
	if !st.inRecovery {
		return e.setReadOnly(ctx, c, true)
	}
	if _, err := c.Exec(ctx, "ALTER SYSTEM RESET primary_conninfo"); err != nil {
		return classify(err)
	}
	return e.reload(ctx, c)
}

func (e *Engine) findPrimary(ctx context.Context, group string) (Member, error) {
	for _, m := range e.cfg.Groups[group] {
		st, err := e.state(ctx, e.conns[m.Node])
		if err != nil {
			continue
		}
		if !st.inRecovery && !st.fenced {
			return m, nil
		}
	}
	return Member{}, fmt.Errorf("%w: no writable primary in %s", engine.ErrUnreachable, group)
}

func (e *Engine) conninfo(primary Member, standby string) string {
	host, port, ok := strings.Cut(primary.Addr, ":")
	if !ok {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s user=%s application_name=%s", host, port, e.cfg.ReplicationUser, standby)
}

func (e *Engine) setReadOnly(ctx context.Context, c conn, on bool) error {
	stmt := "ALTER SYSTEM RESET default_transaction_read_only"
	if on {
		stmt = "ALTER SYSTEM SET default_transaction_read_only = on"
	}
	if _, err := c.Exec(ctx, stmt); err != nil {
		return classify(err)
	}
	return e.reload(ctx, c)
}

func (e *Engine) reload(ctx context.Context, c conn) error {
	var ok bool
	if err := c.QueryRow(ctx, "SELECT pg_reload_conf()").Scan(&ok); err != nil {
		return classify(err)
	}
	if !ok {
		return errors.New("pg_reload_conf returned false")
	}
	return nil
}

// classify maps connection-level failures to engine.ErrUnreachable and keeps
// server-side SQL errors as they are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrUnreachable, err)
}

// ParseLSN parses a pg_lsn text value such as "16/B374D848".
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid lsn %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return h<<32 | l, nil
}

// FormatLSN renders an LSN in pg_lsn text form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

// QuoteLiteral quotes s as a SQL string literal. ALTER SYSTEM does not accept
// bind parameters.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var _ engine.Engine = (*Engine)(nil)
