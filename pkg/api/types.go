package api

import "github.com/dd0wney/cluso-ha/pkg/audit"

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse carries an error message and, for failover calls, the
// audit event the attempt produced.
type ErrorResponse struct {
	Error string       `json:"error"`
	Event *audit.Event `json:"event,omitempty"`
}

// EventsResponse is returned by /v1/events.
type EventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}
