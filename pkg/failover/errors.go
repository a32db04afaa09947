package failover

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/roles"
)

// Failover errors. Each maps to one audit outcome.
var (
	ErrQuorumLost              = errors.New("quorum not held")
	ErrNoEligibleCandidate     = errors.New("no eligible failover candidate")
	ErrSyncNotHealthy          = errors.New("target replica is not synchronized")
	ErrAlreadyInRole           = errors.New("target replica is already primary")
	ErrFailoverInProgress      = errors.New("failover already in progress for group")
	ErrTimedOut                = errors.New("failover timed out")
	ErrInvalidTarget           = errors.New("invalid failover target")
	ErrDataLossNotAcknowledged = errors.New("forced failover requires acknowledging data loss")
	ErrFailed                  = errors.New("failover failed")
)

// Recovery errors.
var (
	ErrGroupNotFound      = errors.New("data group not found")
	ErrNotResyncCandidate = errors.New("replica is not awaiting resynchronization")
	ErrCoordinatorRunning = errors.New("failover coordinator already running")
)

var outcomeErrors = map[audit.Outcome]error{
	audit.OutcomeQuorumLost:              ErrQuorumLost,
	audit.OutcomeNoEligibleCandidate:     ErrNoEligibleCandidate,
	audit.OutcomeSyncNotHealthy:          ErrSyncNotHealthy,
	audit.OutcomeAlreadyInRole:           ErrAlreadyInRole,
	audit.OutcomeFailoverInProgress:      ErrFailoverInProgress,
	audit.OutcomeTimedOut:                ErrTimedOut,
	audit.OutcomeInvalidTarget:           ErrInvalidTarget,
	audit.OutcomeDataLossNotAcknowledged: ErrDataLossNotAcknowledged,
	audit.OutcomeFailed:                  ErrFailed,
}

// OutcomeError returns the sentinel for an outcome, nil for Success.
func OutcomeError(o audit.Outcome) error {
	return outcomeErrors[o]
}

// classify maps an error from the role manager or engine to an outcome.
func classify(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return audit.OutcomeTimedOut
	case errors.Is(err, roles.ErrQuorumNotHeld):
		return audit.OutcomeQuorumLost
	case errors.Is(err, roles.ErrSyncNotHealthy):
		return audit.OutcomeSyncNotHealthy
	case errors.Is(err, roles.ErrAlreadyInRole):
		return audit.OutcomeAlreadyInRole
	case errors.Is(err, roles.ErrReplicaNotFound),
		errors.Is(err, roles.ErrInvalidTransition),
		errors.Is(err, roles.ErrReplicaNeedsResync):
		return audit.OutcomeInvalidTarget
	default:
		return audit.OutcomeFailed
	}
}
