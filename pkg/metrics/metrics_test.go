package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.ClusterHasQuorum == nil {
		t.Error("ClusterHasQuorum not initialized")
	}
	if r.FailoversTotal == nil {
		t.Error("FailoversTotal not initialized")
	}
	if r.SyncHealthy == nil {
		t.Error("SyncHealthy not initialized")
	}
	if r.GetPrometheusRegistry() == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.UpdateQuorum(true, 2, 3, true)
	r.RecordFailover("g", "AUTOMATIC", "Success", time.Second)
	r.RecordProbe("ep", true)
	r.RecordArchiveUpload(nil)
}

func TestUpdateQuorum(t *testing.T) {
	r := NewRegistry()
	r.UpdateQuorum(true, 2, 3, false)

	if v := gaugeValue(t, r.ClusterHasQuorum); v != 1 {
		t.Errorf("has_quorum = %v, want 1", v)
	}
	if v := gaugeValue(t, r.ClusterReachableVotes); v != 2 {
		t.Errorf("reachable_votes = %v, want 2", v)
	}
	if v := gaugeValue(t, r.WitnessReachable); v != 0 {
		t.Errorf("witness_reachable = %v, want 0", v)
	}
}

func TestRecordRoleTransitionClearsOtherRoles(t *testing.T) {
	r := NewRegistry()
	r.RecordRoleTransition("orders", "n1", "SECONDARY", "PRIMARY")
	r.RecordRoleTransition("orders", "n1", "PRIMARY", "RESOLVING")

	if v := gaugeValue(t, r.ReplicaRole.WithLabelValues("orders", "n1", "PRIMARY")); v != 0 {
		t.Errorf("PRIMARY gauge = %v, want 0", v)
	}
	if v := gaugeValue(t, r.ReplicaRole.WithLabelValues("orders", "n1", "RESOLVING")); v != 1 {
		t.Errorf("RESOLVING gauge = %v, want 1", v)
	}
	if v := counterValue(t, r.RoleTransitionsTotal.WithLabelValues("orders", "SECONDARY", "PRIMARY")); v != 1 {
		t.Errorf("transition counter = %v, want 1", v)
	}
}

func TestRecordFailover(t *testing.T) {
	r := NewRegistry()
	r.RecordFailover("orders", "MANUAL", "Success", 800*time.Millisecond)
	r.RecordFailover("orders", "MANUAL", "Success", 1200*time.Millisecond)
	r.RecordFailover("orders", "FORCED", "QuorumLost", time.Millisecond)

	if v := counterValue(t, r.FailoversTotal.WithLabelValues("orders", "MANUAL", "Success")); v != 2 {
		t.Errorf("manual successes = %v, want 2", v)
	}

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() != "cluso_ha_failover_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == "MANUAL" {
					found = true
					if m.GetHistogram().GetSampleCount() != 2 {
						t.Errorf("sample count = %d, want 2", m.GetHistogram().GetSampleCount())
					}
				}
			}
		}
	}
	if !found {
		t.Error("failover duration histogram not gathered")
	}
}

func TestRecordArchiveUpload(t *testing.T) {
	r := NewRegistry()
	r.RecordArchiveUpload(nil)
	r.RecordArchiveUpload(errors.New("denied"))

	if v := counterValue(t, r.AuditArchiveUploads.WithLabelValues("error")); v != 1 {
		t.Errorf("error uploads = %v, want 1", v)
	}
}

func TestMetricNamesArePrefixed(t *testing.T) {
	r := NewRegistry()
	r.UpdateNodeStates(map[string]int{"UP": 2, "DOWN": 1})
	r.RecordHTTPRequest("GET", "/v1/status", "200", time.Millisecond)

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cluso_ha_") {
			t.Errorf("metric %s lacks cluso_ha_ prefix", mf.GetName())
		}
	}
}
