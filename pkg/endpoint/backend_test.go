package endpoint

import (
	"testing"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func TestBackendThreshold(t *testing.T) {
	tr := NewBackendTracker(3, clock.NewFake(time.Unix(0, 0)))

	if tr.Healthy("db1") {
		t.Fatal("unknown backend should not be healthy")
	}
	if !tr.Observe("db1", true) || !tr.Healthy("db1") {
		t.Fatal("one success should admit the backend")
	}
	for i := 0; i < 2; i++ {
		if tr.Observe("db1", false) {
			t.Fatalf("failure %d should not change state", i+1)
		}
	}
	if !tr.Observe("db1", false) || tr.Healthy("db1") {
		t.Fatal("third failure should evict the backend")
	}
}

// TestRedirectLatency drives a simulated load balancer against the router:
// after failover, traffic moves within interval x threshold.
func TestRedirectLatency(t *testing.T) {
	const (
		interval  = 5 * time.Second
		threshold = 2
	)
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewRouter(logging.NopLogger{}, nil)
	if err := r.Bind(ordersEndpoint()); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish("orders", "db1"); err != nil {
		t.Fatal(err)
	}

	tr := NewBackendTracker(threshold, clk)
	probeAll := func() {
		for _, node := range []string{"db1", "db2"} {
			tr.Observe(node, r.ProbeCheck("orders-rw", node).Healthy)
		}
	}
	probeAll()
	if got := tr.Active(); len(got) != 1 || got[0] != "db1" {
		t.Fatalf("Active = %v, want [db1]", got)
	}

	failoverAt := clk.Now()
	if err := r.Publish("orders", "db2"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < threshold; i++ {
		clk.Advance(interval)
		probeAll()
	}

	if tr.Healthy("db1") {
		t.Fatal("old primary still in pool")
	}
	if !tr.Healthy("db2") {
		t.Fatal("new primary not in pool")
	}
	if got, max := tr.ChangedAt("db1").Sub(failoverAt), RedirectLatency(interval, threshold); got > max {
		t.Errorf("redirect took %v, want <= %v", got, max)
	}
}
