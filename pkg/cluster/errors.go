package cluster

import "errors"

// Membership errors
var (
	ErrNodeNotFound      = errors.New("node not found in membership")
	ErrNodeAlreadyExists = errors.New("node already exists in membership")
	ErrInvalidNodeID     = errors.New("node ID cannot be empty")
	ErrInvalidVote       = errors.New("vote weight must be 0 or 1")
	ErrWitnessConflict   = errors.New("witness ID collides with a node ID")
)

// Heartbeat transport errors
var (
	ErrSurveyorRunning   = errors.New("heartbeat surveyor already running")
	ErrMalformedResponse = errors.New("malformed heartbeat response")
)
