package failover

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/engine/simulated"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

type chaosOp int

const (
	opKillN1 chaosOp = iota
	opKillN2
	opReviveN1
	opReviveN2
	opWitnessDown
	opWitnessUp
	opManualN1
	opManualN2
	opForcedN1
	opForcedN2
	opResync
	opLag
	opQuorumLossMidPromote
	opStep
	opCount
)

// apply runs one op and reports whether the invariants still hold.
func (h *harness) apply(op chaosOp) bool {
	ctx := context.Background()
	before := h.log.LastSeq()
	triggered := false

	switch op {
	case opKillN1, opKillN2:
		h.kill([]string{"n1", "n2"}[op-opKillN1])
	case opReviveN1, opReviveN2:
		h.revive([]string{"n1", "n2"}[op-opReviveN1])
	case opWitnessDown:
		_ = h.members.MarkDown("w")
	case opWitnessUp:
		_, _ = h.members.Heartbeat("w")
	case opManualN1, opManualN2:
		_, _ = h.c.TriggerManualFailover(ctx, testGroup, []string{"n1", "n2"}[op-opManualN1])
		triggered = true
	case opForcedN1, opForcedN2:
		_, _ = h.c.TriggerForcedFailover(ctx, testGroup, []string{"n1", "n2"}[op-opForcedN1], true)
		triggered = true
	case opResync:
		_ = h.c.ResyncReplica(ctx, testGroup, "n1")
		_ = h.c.ResyncReplica(ctx, testGroup, "n2")
	case opQuorumLossMidPromote:
		// n1 and the witness drop out while the engine is still promoting n2.
		h.eng.Delay(simulated.OpPromote, 20*time.Millisecond)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = h.c.TriggerManualFailover(ctx, testGroup, "n2")
		}()
		time.Sleep(5 * time.Millisecond)
		_ = h.members.MarkDown("w")
		h.kill("n1")
		<-done
		h.eng.Delay(simulated.OpPromote, 0)
		triggered = true
	case opLag:
		h.eng.SetQueues(testGroup, "n2", 5000, 0)
	case opStep:
		h.clk.Advance(3 * time.Second)
		h.step()
	}

	if triggered && h.log.LastSeq() != before+1 {
		return false
	}

	g := h.group()
	if g.PrimaryCount() > 1 {
		return false
	}
	p, hasPrimary := g.Primary()

	// After a tick the engine agrees: no live replica other than the
	// primary still holds the role.
	if op == opStep && len(h.eng.Primaries(testGroup)) > 1 {
		return false
	}

	// Only a quorum-holding cluster keeps a primary once a tick has run.
	if op == opStep && !h.members.HasQuorum() && len(h.members.PartitionReport().Unknown) == 0 && hasPrimary {
		return false
	}

	// The endpoint never points anywhere but the primary.
	if node := h.target(); node != "" && (!hasPrimary || node != p.Node) {
		return false
	}

	// Successful events never overlap: each success names the primary
	// that was current when it was recorded.
	if triggered {
		e := h.log.Recent(1)[0]
		if e.Outcome == audit.OutcomeSuccess && (!hasPrimary || p.Node != e.Target) {
			return false
		}
	}
	return true
}

func TestNoSplitBrain(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.MaxSize = 40

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one primary under partitions, kills and triggers", prop.ForAll(
		func(ops []int) bool {
			h := newHarness(t, harnessOptions{})
			for _, op := range ops {
				if !h.apply(chaosOp(op)) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, int(opCount)-1)),
	))

	properties.TestingRun(t)
}

// Automatic failover with a healthy secondary and no injected delay
// finishes inside the failover ceiling in at least 99 of 100 trials.
func TestBoundedFailoverTime(t *testing.T) {
	const (
		trials  = 100
		ceiling = 2 * time.Second
	)

	ok := 0
	for i := 0; i < trials; i++ {
		h := newHarness(t, harnessOptions{timeout: ceiling})
		h.kill("n1")
		h.step()
		h.clk.Advance(testGrace + time.Second)

		start := time.Now()
		h.step()
		elapsed := time.Since(start)

		events := h.events()
		if len(events) == 1 && events[0].Outcome == audit.OutcomeSuccess &&
			h.target() == "n2" && h.replica("n2").Role == topology.RolePrimary && elapsed < ceiling {
			ok++
		}
	}
	if ok < 99 {
		t.Fatalf("automatic failover met the ceiling in %d of %d trials", ok, trials)
	}
}
