package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func newTestMembership(t *testing.T) (*Membership, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewMembership(MembershipConfig{Clock: clk, Logger: logging.NopLogger{}})
	for _, id := range []string{"n1", "n2", "n3"} {
		if err := m.AddNode(id, id+":7401", 1); err != nil {
			t.Fatalf("AddNode(%s) failed: %v", id, err)
		}
	}
	return m, clk
}

func TestNewNodesStartUnknown(t *testing.T) {
	m, _ := newTestMembership(t)

	n, err := m.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.State != NodeUnknown {
		t.Errorf("Expected UNKNOWN, got %s", n.State)
	}
	if m.HasQuorum() {
		t.Error("Cluster of UNKNOWN nodes must not have quorum")
	}
}

func TestHeartbeatMarksUp(t *testing.T) {
	m, clk := newTestMembership(t)
	clk.Advance(time.Second)

	ack, err := m.Heartbeat("n1")
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if ack.NodeID != "n1" || !ack.At.Equal(clk.Now()) {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	n, _ := m.GetNode("n1")
	if n.State != NodeUp || !n.LastSeen.Equal(clk.Now()) {
		t.Errorf("Expected UP seen now, got %+v", n)
	}

	if _, err := m.Heartbeat("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestThreeMissesMarkDown(t *testing.T) {
	m, _ := newTestMembership(t)
	_, _ = m.Heartbeat("n2")

	for i := 1; i <= 2; i++ {
		state, err := m.RecordMiss("n2")
		if err != nil {
			t.Fatalf("RecordMiss failed: %v", err)
		}
		if state != NodeUp {
			t.Fatalf("After %d misses expected UP, got %s", i, state)
		}
	}
	state, _ := m.RecordMiss("n2")
	if state != NodeDown {
		t.Errorf("After 3 misses expected DOWN, got %s", state)
	}

	// A single heartbeat restores the node and resets the counter.
	_, _ = m.Heartbeat("n2")
	n, _ := m.GetNode("n2")
	if n.State != NodeUp || n.MissedHeartbeats != 0 {
		t.Errorf("Expected UP with 0 misses, got %s/%d", n.State, n.MissedHeartbeats)
	}
}

func TestConfigurableMissLimit(t *testing.T) {
	m := NewMembership(MembershipConfig{MissedHeartbeats: 1, Logger: logging.NopLogger{}})
	_ = m.AddNode("n1", "", 1)
	_, _ = m.Heartbeat("n1")

	if state, _ := m.RecordMiss("n1"); state != NodeDown {
		t.Errorf("Expected DOWN after 1 miss, got %s", state)
	}
}

func TestAddRemoveNode(t *testing.T) {
	m, _ := newTestMembership(t)

	if err := m.AddNode("n1", "x", 1); !errors.Is(err, ErrNodeAlreadyExists) {
		t.Errorf("Expected ErrNodeAlreadyExists, got %v", err)
	}
	if err := m.AddNode("", "x", 1); !errors.Is(err, ErrInvalidNodeID) {
		t.Errorf("Expected ErrInvalidNodeID, got %v", err)
	}
	if err := m.AddNode("n9", "x", 2); !errors.Is(err, ErrInvalidVote) {
		t.Errorf("Expected ErrInvalidVote, got %v", err)
	}

	before := m.Epoch()
	if err := m.RemoveNode("n3"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if m.Epoch() <= before {
		t.Error("RemoveNode should bump epoch")
	}
	if len(m.GetAllNodes()) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(m.GetAllNodes()))
	}
	if err := m.RemoveNode("n3"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestWitnessMembership(t *testing.T) {
	m, _ := newTestMembership(t)

	if err := m.SetWitness("n1", "w:7401", 1); !errors.Is(err, ErrWitnessConflict) {
		t.Errorf("Expected ErrWitnessConflict, got %v", err)
	}
	if err := m.SetWitness("w", "w:7401", 1); err != nil {
		t.Fatalf("SetWitness failed: %v", err)
	}

	members := m.Members()
	if len(members) != 4 || members[3] != "w" {
		t.Errorf("Expected witness among members, got %v", members)
	}
	if len(m.GetAllNodes()) != 3 {
		t.Error("GetAllNodes must not include the witness")
	}

	if _, err := m.Heartbeat("w"); err != nil {
		t.Fatalf("Witness heartbeat failed: %v", err)
	}
	w, ok := m.Witness()
	if !ok || !w.Witness || w.State != NodeUp {
		t.Errorf("Unexpected witness: %+v", w)
	}

	m.ClearWitness()
	if _, ok := m.Witness(); ok {
		t.Error("Witness should be cleared")
	}
}

func TestGetNodeReturnsCopy(t *testing.T) {
	m, _ := newTestMembership(t)
	n, _ := m.GetNode("n1")
	n.State = NodeDown

	again, _ := m.GetNode("n1")
	if again.State != NodeUnknown {
		t.Error("Mutating a returned NodeInfo changed membership")
	}
}

func TestMarkDown(t *testing.T) {
	m, _ := newTestMembership(t)
	_, _ = m.Heartbeat("n1")

	if err := m.MarkDown("n1"); err != nil {
		t.Fatalf("MarkDown failed: %v", err)
	}
	if m.IsUp("n1") {
		t.Error("Expected n1 down")
	}
	if err := m.MarkDown("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}
