// Package audit records failover events. Every failover attempt, automatic
// or operator-initiated, produces exactly one Event. Events are immutable
// once appended, kept in a bounded in-memory buffer, streamed to
// subscribers, and optionally written to a hash-chained journal on disk.
package audit

import (
	"fmt"
	"time"
)

// Trigger says what started a failover attempt.
type Trigger string

const (
	TriggerAutomatic Trigger = "AUTOMATIC"
	TriggerManual    Trigger = "MANUAL"
	TriggerForced    Trigger = "FORCED"
)

// Outcome is the terminal result of a failover attempt.
type Outcome string

const (
	OutcomeSuccess                 Outcome = "Success"
	OutcomeQuorumLost              Outcome = "QuorumLost"
	OutcomeNoEligibleCandidate     Outcome = "NoEligibleCandidate"
	OutcomeSyncNotHealthy          Outcome = "SyncNotHealthy"
	OutcomeAlreadyInRole           Outcome = "AlreadyInRole"
	OutcomeFailoverInProgress      Outcome = "FailoverInProgress"
	OutcomeTimedOut                Outcome = "TimedOut"
	OutcomeInvalidTarget           Outcome = "InvalidTarget"
	OutcomeDataLossNotAcknowledged Outcome = "DataLossNotAcknowledged"
	OutcomeFailed                  Outcome = "Failed"
)

// Causes recorded on events.
const (
	CausePrimaryDown      = "primary_down"
	CausePrimaryUnhealthy = "primary_unhealthy"
	CauseNoPrimary        = "no_primary"
	CauseNetworkPartition = "network_partition"
	CauseOperator         = "operator_request"
)

// Event is one failover attempt.
type Event struct {
	ID        string        `json:"id"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Group     string        `json:"group"`
	Trigger   Trigger       `json:"trigger"`
	Source    string        `json:"source,omitempty"`
	Target    string        `json:"target,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	DataLoss  bool          `json:"data_loss"`
	// LastCommitPoint and LastCommitTime are the last position confirmed on
	// the old primary. On forced failover anything after it may be lost.
	LastCommitPoint string    `json:"last_commit_point,omitempty"`
	LastCommitTime  time.Time `json:"last_commit_time,omitempty"`
	Cause           string    `json:"cause,omitempty"`
	Error           string    `json:"error,omitempty"`
	Actor           string    `json:"actor,omitempty"`
}

// Succeeded reports whether the attempt changed the primary.
func (e Event) Succeeded() bool {
	return e.Outcome == OutcomeSuccess
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] #%d %s %s %s->%s %s",
		e.Timestamp.Format(time.RFC3339), e.Seq, e.Group, e.Trigger, e.Source, e.Target, e.Outcome)
	if e.DataLoss {
		s += fmt.Sprintf(" data_loss(after %s)", e.LastCommitPoint)
	}
	if e.Cause != "" {
		s += " cause=" + e.Cause
	}
	if e.Error != "" {
		s += " error=" + e.Error
	}
	return s
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Group   string
	Trigger Trigger
	Outcome Outcome
	Since   time.Time
	Until   time.Time
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if f.Trigger != "" && e.Trigger != f.Trigger {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
