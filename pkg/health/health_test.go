package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

func fixed(s Status) CheckFunc {
	return func(context.Context) Check { return Check{Status: s} }
}

func TestWorstStatusWins(t *testing.T) {
	tests := []struct {
		name   string
		checks []Status
		want   Status
	}{
		{"none", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewChecker(nil)
			for i, s := range tt.checks {
				hc.RegisterReadinessCheck(string(rune('a'+i)), fixed(s))
			}
			resp := hc.CheckReadiness(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestReadinessAndLivenessAreSeparate(t *testing.T) {
	hc := NewChecker(nil)
	hc.RegisterReadinessCheck("quorum", fixed(StatusUnhealthy))
	hc.RegisterLivenessCheck("sync_poll", fixed(StatusHealthy))

	assert.Equal(t, StatusUnhealthy, hc.CheckReadiness(context.Background()).Status)
	live := hc.CheckLiveness(context.Background())
	assert.Equal(t, StatusHealthy, live.Status)
	assert.Equal(t, "sync_poll", live.Checks["sync_poll"].Name)
}

func TestHandlers(t *testing.T) {
	hc := NewChecker(nil)
	hc.RegisterReadinessCheck("membership", fixed(StatusDegraded))
	hc.RegisterLivenessCheck("sync_poll", fixed(StatusUnhealthy))

	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "degraded is still ready")

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)

	rec = httptest.NewRecorder()
	hc.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMembershipCheck(t *testing.T) {
	tests := []struct {
		name   string
		report cluster.PartitionReport
		want   Status
	}{
		{"settled", cluster.PartitionReport{Reachable: []string{"n1", "n2", "w"}}, StatusHealthy},
		{"partitioned", cluster.PartitionReport{Reachable: []string{"n1", "w"}, Unreachable: []string{"n2"}}, StatusDegraded},
		{"unknown members", cluster.PartitionReport{Reachable: []string{"n1"}, Unknown: []string{"n2", "w"}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := MembershipCheck(func() cluster.PartitionReport { return tt.report })(context.Background())
			assert.Equal(t, tt.want, check.Status)
		})
	}
}

func TestQuorumCheck(t *testing.T) {
	tests := []struct {
		name string
		q    cluster.QuorumStatus
		want Status
	}{
		{"full", cluster.QuorumStatus{HasQuorum: true, ReachableVotes: 3, TotalVotes: 3}, StatusHealthy},
		{"majority", cluster.QuorumStatus{HasQuorum: true, ReachableVotes: 2, TotalVotes: 3}, StatusDegraded},
		{"lost", cluster.QuorumStatus{ReachableVotes: 1, TotalVotes: 3}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := QuorumCheck(func() cluster.QuorumStatus { return tt.q })(context.Background())
			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, tt.q.TotalVotes, check.Details["total_votes"])
		})
	}
}

func TestFreshnessCheck(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var last time.Time
	check := FreshnessCheck(func() time.Time { return last }, 10*time.Second, clk)

	assert.Equal(t, StatusHealthy, check(context.Background()).Status, "no observations yet")

	last = clk.Now()
	clk.Advance(5 * time.Second)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	clk.Advance(6 * time.Second)
	got := check(context.Background())
	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.Contains(t, got.Message, "exceeds 10s")
}
