package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	mssqldb "github.com/denisenkom/go-mssqldb"

	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

func TestQuoteName(t *testing.T) {
	tests := map[string]string{
		"orders":   "[orders]",
		"odd]name": "[odd]]name]",
		"":         "[]",
	}
	for in, want := range tests {
		if got := QuoteName(in); got != want {
			t.Errorf("QuoteName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapError(t *testing.T) {
	unsynced := mssqldb.Error{Number: errAGCannotFailoverUnsynchronized, Message: "databases not synchronized"}
	if err := mapError(fmt.Errorf("exec: %w", unsynced)); !errors.Is(err, engine.ErrNotSynchronized) {
		t.Errorf("41142 should map to ErrNotSynchronized, got %v", err)
	}

	notJoined := mssqldb.Error{Number: errAGReplicaNotJoined, Message: "not joined"}
	if err := mapError(notJoined); !errors.Is(err, engine.ErrRebuildRequired) {
		t.Errorf("41106 should map to ErrRebuildRequired, got %v", err)
	}

	other := mssqldb.Error{Number: 2627, Message: "duplicate key"}
	if err := mapError(other); errors.Is(err, engine.ErrUnreachable) {
		t.Errorf("server errors must not look unreachable: %v", err)
	}

	if err := mapError(errors.New("dial tcp 10.0.0.1:1433: connect: connection refused")); !errors.Is(err, engine.ErrUnreachable) {
		t.Errorf("network errors should map to ErrUnreachable, got %v", err)
	}

	if mapError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestToStatus(t *testing.T) {
	commit := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := localState{
		role:       sql.NullString{String: "SECONDARY", Valid: true},
		connected:  sql.NullString{String: "CONNECTED", Valid: true},
		health:     sql.NullString{String: "HEALTHY", Valid: true},
		sendQueue:  2,
		redoQueue:  3,
		lastCommit: sql.NullTime{Time: commit, Valid: true},
		commitLSN:  sql.NullString{String: "38000000040800001", Valid: true},
	}
	rs := toStatus("db2", st)
	if rs.Role != topology.RoleSecondary || rs.Connected != topology.Connected || rs.SyncHealth != topology.Healthy {
		t.Errorf("unexpected status %+v", rs)
	}
	if rs.SendQueueSize != 2048 || rs.RedoQueueSize != 3072 {
		t.Errorf("queues = %d/%d, want 2048/3072", rs.SendQueueSize, rs.RedoQueueSize)
	}
	if !rs.LastCommitTime.Equal(commit) || rs.CommitPoint != "38000000040800001" {
		t.Errorf("commit = %v %q", rs.LastCommitTime, rs.CommitPoint)
	}

	empty := toStatus("db3", localState{})
	if empty.Role != topology.RoleOffline || empty.Connected != topology.Disconnected || empty.SyncHealth != topology.HealthUnknown {
		t.Errorf("unexpected empty status %+v", empty)
	}

	partial := toStatus("db1", localState{
		role:   sql.NullString{String: "RESOLVING", Valid: true},
		health: sql.NullString{String: "PARTIALLY_HEALTHY", Valid: true},
	})
	if partial.Role != topology.RoleResolving || partial.SyncHealth != topology.NotHealthy {
		t.Errorf("unexpected partial status %+v", partial)
	}
}

func TestUnknownGroupAndReplica(t *testing.T) {
	e, err := New(Config{
		Groups: map[string][]Member{"orders": {{Node: "db1", DSN: "sqlserver://sa:pw@127.0.0.1:1?database=master"}}},
		Logger: logging.NopLogger{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if _, err := e.Status(ctx, "missing"); !errors.Is(err, engine.ErrUnknownGroup) {
		t.Errorf("Status(missing) = %v", err)
	}
	if err := e.Promote(ctx, "orders", "db9", false); !errors.Is(err, engine.ErrUnknownReplica) {
		t.Errorf("Promote(db9) = %v", err)
	}
}
