package roles

import "errors"

// Transition errors. A failed check leaves every role unchanged.
var (
	ErrQuorumNotHeld      = errors.New("quorum not held")
	ErrSyncNotHealthy     = errors.New("replica synchronization not healthy")
	ErrAlreadyInRole      = errors.New("replica already in requested role")
	ErrInvalidTransition  = errors.New("invalid role transition")
	ErrReplicaNotFound    = errors.New("replica not found")
	ErrPrimaryExists      = errors.New("data group already has a primary")
	ErrReplicaNeedsResync = errors.New("replica needs resynchronization")
)
