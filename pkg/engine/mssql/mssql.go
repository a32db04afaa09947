// Package mssql drives SQL Server Always On availability groups created with
// CLUSTER_TYPE = EXTERNAL. A data group maps to one availability group of the
// same name.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssqldb "github.com/denisenkom/go-mssqldb"

	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// SQL Server error numbers the adapter interprets.
const (
	errAGCannotFailoverUnsynchronized = 41142
	errAGReplicaNotJoined             = 41106
)

const sessionContextStmt = `EXEC sp_set_session_context @key = N'external_cluster', @value = N'yes', @read_only = 1`

const localStateQuery = `
SELECT ars.role_desc,
       ars.connected_state_desc,
       ars.synchronization_health_desc,
       COALESCE(MAX(drs.log_send_queue_size), 0),
       COALESCE(MAX(drs.redo_queue_size), 0),
       MAX(drs.last_commit_time),
       CONVERT(varchar(40), MAX(drs.last_commit_lsn))
FROM sys.dm_hadr_availability_replica_states ars
JOIN sys.availability_groups ag ON ag.group_id = ars.group_id
LEFT JOIN sys.dm_hadr_database_replica_states drs
       ON drs.replica_id = ars.replica_id AND drs.is_local = 1
WHERE ag.name = @p1 AND ars.is_local = 1
GROUP BY ars.role_desc, ars.connected_state_desc, ars.synchronization_health_desc`

// Member is one SQL Server instance in an availability group.
type Member struct {
	Node string
	DSN  string
}

// Config configures the adapter.
type Config struct {
	Groups map[string][]Member
	Logger logging.Logger
}

// Engine implements engine.Engine over database/sql.
type Engine struct {
	groups map[string][]Member
	dbs    map[string]*sql.DB
	logger logging.Logger
}

// New opens a connection pool per instance. Pools connect lazily.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		groups: cfg.Groups,
		dbs:    make(map[string]*sql.DB),
		logger: logging.ForComponent(cfg.Logger, "engine-mssql"),
	}
	for _, members := range cfg.Groups {
		for _, m := range members {
			if _, done := e.dbs[m.Node]; done {
				continue
			}
			db, err := sql.Open("sqlserver", m.DSN)
			if err != nil {
				_ = e.Close()
				return nil, fmt.Errorf("open %s: %w", m.Node, err)
			}
			db.SetMaxOpenConns(4)
			db.SetConnMaxIdleTime(5 * time.Minute)
			e.dbs[m.Node] = db
		}
	}
	return e, nil
}

// Close closes every pool.
func (e *Engine) Close() error {
	var errs []error
	for _, db := range e.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) db(group, node string) (*sql.DB, error) {
	members, ok := e.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}
	for _, m := range members {
		if m.Node == node {
			return e.dbs[node], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", engine.ErrUnknownReplica, group, node)
}

// localState is one row of localStateQuery.
type localState struct {
	role       sql.NullString
	connected  sql.NullString
	health     sql.NullString
	sendQueue  int64
	redoQueue  int64
	lastCommit sql.NullTime
	commitLSN  sql.NullString
}

// Status queries the local replica state on every instance of the group.
func (e *Engine) Status(ctx context.Context, group string) ([]engine.ReplicaStatus, error) {
	members, ok := e.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, group)
	}

	out := make([]engine.ReplicaStatus, 0, len(members))
	reached := 0
	for _, m := range members {
		var st localState
		err := e.dbs[m.Node].QueryRowContext(ctx, localStateQuery, group).Scan(
			&st.role, &st.connected, &st.health, &st.sendQueue, &st.redoQueue, &st.lastCommit, &st.commitLSN)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			reached++
			out = append(out, engine.ReplicaStatus{
				Node: m.Node, Reachable: true, Role: topology.RoleOffline,
				Connected: topology.Disconnected, SyncHealth: topology.HealthUnknown,
			})
		case err != nil:
			e.logger.Debug("replica status failed", logging.Group(group), logging.Node(m.Node), logging.Error(err))
			out = append(out, engine.ReplicaStatus{Node: m.Node, Connected: topology.Disconnected, SyncHealth: topology.HealthUnknown})
		default:
			reached++
			out = append(out, toStatus(m.Node, st))
		}
	}
	if reached == 0 {
		return nil, fmt.Errorf("%w: no instance of %s answered", engine.ErrUnreachable, group)
	}
	return out, nil
}

func toStatus(node string, st localState) engine.ReplicaStatus {
	rs := engine.ReplicaStatus{
		Node:      node,
		Reachable: true,
		// DMV queue sizes are in KB.
		SendQueueSize: st.sendQueue * 1024,
		RedoQueueSize: st.redoQueue * 1024,
		Connected:     topology.Disconnected,
		SyncHealth:    topology.HealthUnknown,
		CommitPoint:   st.commitLSN.String,
	}
	if st.lastCommit.Valid {
		rs.LastCommitTime = st.lastCommit.Time
	}

	switch st.role.String {
	case "PRIMARY":
		rs.Role = topology.RolePrimary
	case "SECONDARY":
		rs.Role = topology.RoleSecondary
	case "RESOLVING":
		rs.Role = topology.RoleResolving
	default:
		rs.Role = topology.RoleOffline
	}
	if st.connected.String == "CONNECTED" {
		rs.Connected = topology.Connected
	}
	switch st.health.String {
	case "HEALTHY":
		rs.SyncHealth = topology.Healthy
	case "NOT_HEALTHY", "PARTIALLY_HEALTHY":
		rs.SyncHealth = topology.NotHealthy
	}
	return rs
}

// Promote fails the availability group over to node.
func (e *Engine) Promote(ctx context.Context, group, node string, force bool) error {
	stmt := fmt.Sprintf("ALTER AVAILABILITY GROUP %s FAILOVER", QuoteName(group))
	if force {
		stmt = fmt.Sprintf("ALTER AVAILABILITY GROUP %s FORCE_FAILOVER_ALLOW_DATA_LOSS", QuoteName(group))
	}
	if err := e.exec(ctx, group, node, stmt); err != nil {
		return err
	}
	e.logger.Info("availability group failed over", logging.Group(group), logging.Node(node), logging.Bool("force", force))
	return nil
}

// Demote moves node to the SECONDARY role.
func (e *Engine) Demote(ctx context.Context, group, node string) error {
	return e.exec(ctx, group, node, fmt.Sprintf("ALTER AVAILABILITY GROUP %s SET (ROLE = SECONDARY)", QuoteName(group)))
}

// JoinGroup joins node's replica to the availability group.
func (e *Engine) JoinGroup(ctx context.Context, group, node string) error {
	return e.exec(ctx, group, node, fmt.Sprintf("ALTER AVAILABILITY GROUP %s JOIN WITH (CLUSTER_TYPE = EXTERNAL)", QuoteName(group)))
}

// LeaveGroup takes node's replica offline.
func (e *Engine) LeaveGroup(ctx context.Context, group, node string) error {
	return e.exec(ctx, group, node, fmt.Sprintf("ALTER AVAILABILITY GROUP %s OFFLINE", QuoteName(group)))
}

// exec runs stmt on a pinned connection carrying the external_cluster
// session context, which SQL Server requires for AG DDL on EXTERNAL groups.
func (e *Engine) exec(ctx context.Context, group, node, stmt string) error {
	db, err := e.db(group, node)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return mapError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, sessionContextStmt); err != nil {
		return mapError(err)
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		e.logger.Warn("availability group command failed",
			logging.Group(group), logging.Node(node), logging.String("stmt", stmt), logging.Error(err))
		return mapError(err)
	}
	return nil
}

// mapError translates driver errors into engine errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case errAGCannotFailoverUnsynchronized:
			return fmt.Errorf("%w: %s", engine.ErrNotSynchronized, sqlErr.Message)
		case errAGReplicaNotJoined:
			return fmt.Errorf("%w: %s", engine.ErrRebuildRequired, sqlErr.Message)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrUnreachable, err)
}

// QuoteName brackets a SQL Server identifier.
func QuoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

var _ engine.Engine = (*Engine)(nil)
