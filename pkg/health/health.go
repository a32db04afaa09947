// Package health aggregates readiness and liveness checks for the
// coordinator process and serves them to orchestrators.
package health

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

// NewChecker creates an empty checker. A nil clock means wall time.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Checker{
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
		clk:         clk,
		startTime:   clk.Now(),
	}
}

// RegisterReadinessCheck registers a check that gates traffic.
func (hc *Checker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a check whose failure means the process
// should be restarted.
func (hc *Checker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

func (hc *Checker) CheckReadiness(ctx context.Context) Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.performChecks(ctx, hc.readyChecks)
}

func (hc *Checker) CheckLiveness(ctx context.Context) Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.performChecks(ctx, hc.liveChecks)
}

func (hc *Checker) performChecks(ctx context.Context, checks map[string]CheckFunc) Response {
	now := hc.clk.Now()
	resp := Response{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    now.Sub(hc.startTime).Round(time.Second).String(),
	}

	for name, fn := range checks {
		start := hc.clk.Now()
		check := fn(ctx)
		check.Name = name
		check.LastChecked = start
		check.Duration = hc.clk.Since(start)
		resp.Checks[name] = check

		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status != StatusUnhealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}
