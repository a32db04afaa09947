package health

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

// Status is the health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one health check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) Check

// Checker runs readiness and liveness checks for the coordinator.
type Checker struct {
	mu          sync.RWMutex
	readyChecks map[string]CheckFunc
	liveChecks  map[string]CheckFunc
	clk         clock.Clock
	startTime   time.Time
}

// Response is the aggregate of a set of checks. The worst status wins.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    string           `json:"uptime"`
}
