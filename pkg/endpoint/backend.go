package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

// BackendTracker models how a load balancer turns probe results into a
// backend pool: a backend goes down after Threshold consecutive failed
// probes and comes back on the first success.
type BackendTracker struct {
	threshold int
	clk       clock.Clock

	mu       sync.Mutex
	backends map[string]*backend
}

type backend struct {
	healthy   bool
	failures  int
	changedAt time.Time
}

// NewBackendTracker creates a tracker. Backends start unhealthy.
func NewBackendTracker(threshold int, clk clock.Clock) *BackendTracker {
	if threshold < 1 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &BackendTracker{threshold: threshold, clk: clk, backends: make(map[string]*backend)}
}

// Observe records one probe result and reports whether the backend's state
// changed.
func (t *BackendTracker) Observe(node string, ok bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, exists := t.backends[node]
	if !exists {
		b = &backend{}
		t.backends[node] = b
	}

	if ok {
		b.failures = 0
		if !b.healthy {
			b.healthy = true
			b.changedAt = t.clk.Now()
			return true
		}
		return false
	}

	b.failures++
	if b.healthy && b.failures >= t.threshold {
		b.healthy = false
		b.changedAt = t.clk.Now()
		return true
	}
	return false
}

// Healthy reports whether node is in the pool.
func (t *BackendTracker) Healthy(node string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.backends[node]
	return ok && b.healthy
}

// ChangedAt returns when node last entered or left the pool.
func (t *BackendTracker) ChangedAt(node string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.backends[node]; ok {
		return b.changedAt
	}
	return time.Time{}
}

// Active returns the healthy backends, sorted.
func (t *BackendTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for node, b := range t.backends {
		if b.healthy {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

// RedirectLatency is the worst-case time for a load balancer to stop sending
// to a backend that stopped answering probes.
func RedirectLatency(interval time.Duration, threshold int) time.Duration {
	if threshold < 1 {
		threshold = 1
	}
	return interval * time.Duration(threshold)
}
