package topology

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

func testGroup() DataGroup {
	return DataGroup{
		Name:      "orders",
		Databases: []string{"orders", "inventory"},
		Replicas: map[string]Replica{
			"n1": {Role: RolePrimary, SyncMode: Synchronous, FailoverMode: Automatic, BackupPriority: 1},
			"n2": {Role: RoleSecondary, SyncMode: Synchronous, FailoverMode: Automatic, BackupPriority: 2},
			"n3": {Role: RoleSecondary, SyncMode: Asynchronous, FailoverMode: Manual, BackupPriority: 3},
		},
	}
}

func TestAddGroupFillsDefaults(t *testing.T) {
	s := NewStore(clock.NewFake(time.Unix(1000, 0)))
	if err := s.AddGroup(testGroup()); err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}

	r, err := s.Replica("orders", "n2")
	if err != nil {
		t.Fatalf("Replica failed: %v", err)
	}
	if r.Node != "n2" || r.Group != "orders" {
		t.Errorf("Expected node/group filled in, got %q/%q", r.Node, r.Group)
	}
	if r.SyncHealth != HealthUnknown {
		t.Errorf("Expected UNKNOWN health, got %s", r.SyncHealth)
	}
	if r.Connected != Disconnected {
		t.Errorf("Expected DISCONNECTED, got %s", r.Connected)
	}

	if err := s.AddGroup(testGroup()); !errors.Is(err, ErrGroupExists) {
		t.Errorf("Expected ErrGroupExists, got %v", err)
	}
}

func TestAddGroupRejectsTwoPrimaries(t *testing.T) {
	s := NewStore(nil)
	g := testGroup()
	r := g.Replicas["n2"]
	r.Role = RolePrimary
	g.Replicas["n2"] = r

	if err := s.AddGroup(g); !errors.Is(err, ErrMultiplePrimary) {
		t.Errorf("Expected ErrMultiplePrimary, got %v", err)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())

	snap, _ := s.Group("orders")
	snap.Databases[0] = "mutated"
	delete(snap.Replicas, "n1")

	again, _ := s.Group("orders")
	if again.Databases[0] != "orders" {
		t.Error("Snapshot mutation leaked into store databases")
	}
	if _, ok := again.Replicas["n1"]; !ok {
		t.Error("Snapshot mutation leaked into store replicas")
	}
}

func TestUpdateBumpsGenerationOnlyOnTrackedChange(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())

	g, err := s.UpdateReplica("orders", "n2", func(r *Replica) error {
		r.LastCommitPoint = "0/3000060"
		r.LastCommitTime = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateReplica failed: %v", err)
	}
	if g.LastCommitPoint != "0/3000060" {
		t.Errorf("Commit point not stored")
	}
	snap, _ := s.Group("orders")
	if snap.Generation != 1 {
		t.Errorf("Commit progress should not bump generation, got %d", snap.Generation)
	}

	_, _ = s.UpdateReplica("orders", "n2", func(r *Replica) error {
		r.SyncHealth = Healthy
		return nil
	})
	snap, _ = s.Group("orders")
	if snap.Generation != 2 {
		t.Errorf("Health change should bump generation to 2, got %d", snap.Generation)
	}
}

func TestUpdateRejectsSecondPrimary(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())

	_, err := s.UpdateReplica("orders", "n2", func(r *Replica) error {
		r.Role = RolePrimary
		return nil
	})
	if !errors.Is(err, ErrMultiplePrimary) {
		t.Fatalf("Expected ErrMultiplePrimary, got %v", err)
	}

	g, _ := s.Group("orders")
	if p, _ := g.Primary(); p.Node != "n1" {
		t.Errorf("Expected n1 to remain primary, got %q", p.Node)
	}
}

func TestUpdateDiscardsOnError(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())
	boom := errors.New("boom")

	_, err := s.Update("orders", func(g *DataGroup) error {
		g.RecoveryPending = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	g, _ := s.Group("orders")
	if g.RecoveryPending {
		t.Error("Failed update must not commit")
	}
}

func TestUnknownGroupAndReplica(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())

	if _, err := s.Group("missing"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Expected ErrGroupNotFound, got %v", err)
	}
	if _, err := s.Replica("orders", "n9"); !errors.Is(err, ErrReplicaNotFound) {
		t.Errorf("Expected ErrReplicaNotFound, got %v", err)
	}
	if err := s.RemoveGroup("orders"); err != nil {
		t.Errorf("RemoveGroup failed: %v", err)
	}
	if len(s.GroupNames()) != 0 {
		t.Error("Expected no groups after removal")
	}
}

func TestConcurrentReadersDuringUpdates(t *testing.T) {
	s := NewStore(nil)
	_ = s.AddGroup(testGroup())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g, err := s.Group("orders")
				if err != nil {
					t.Error(err)
					return
				}
				if g.PrimaryCount() > 1 {
					t.Error("observed two primaries")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		from, to := "n1", "n2"
		if i%2 == 1 {
			from, to = to, from
		}
		_, _ = s.Update("orders", func(g *DataGroup) error {
			a, b := g.Replicas[from], g.Replicas[to]
			a.Role, b.Role = RoleSecondary, RolePrimary
			g.Replicas[from], g.Replicas[to] = a, b
			return nil
		})
	}
	close(stop)
	wg.Wait()
}

func TestParseEnums(t *testing.T) {
	if r, err := ParseRole("secondary"); err != nil || r != RoleSecondary {
		t.Errorf("ParseRole = %v, %v", r, err)
	}
	if _, err := ParseRole("leader"); err == nil {
		t.Error("Expected error for unknown role")
	}
	if m, err := ParseSyncMode("asynchronous"); err != nil || m != Asynchronous {
		t.Errorf("ParseSyncMode = %v, %v", m, err)
	}
	if m, err := ParseFailoverMode("MANUAL"); err != nil || m != Manual {
		t.Errorf("ParseFailoverMode = %v, %v", m, err)
	}
}
