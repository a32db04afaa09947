package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

func ordersEndpoint() VirtualEndpoint {
	return VirtualEndpoint{
		Name:      "orders-rw",
		Addr:      "10.0.0.100:5432",
		ProbePort: 59999,
		Group:     "orders",
		Candidates: map[string]string{
			"db1": "10.0.0.1:5432",
			"db2": "10.0.0.2:5432",
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(logging.NopLogger{}, metrics.NewRegistry())
	require.NoError(t, r.Bind(ordersEndpoint()))
	return r
}

func TestBindValidation(t *testing.T) {
	r := newTestRouter(t)
	assert.ErrorIs(t, r.Bind(ordersEndpoint()), ErrEndpointExists)
	assert.ErrorIs(t, r.Bind(VirtualEndpoint{Name: "x"}), ErrInvalidEndpoint)

	_, _, ok := r.Target("orders-rw")
	assert.False(t, ok, "new endpoints have no target")
}

func TestPublishAndClear(t *testing.T) {
	r := newTestRouter(t)

	require.NoError(t, r.Publish("orders", "db1"))
	node, addr, ok := r.Target("orders-rw")
	require.True(t, ok)
	assert.Equal(t, "db1", node)
	assert.Equal(t, "10.0.0.1:5432", addr)

	require.NoError(t, r.Publish("orders", "db2"))
	node, _, _ = r.Target("orders-rw")
	assert.Equal(t, "db2", node)

	r.Clear("orders")
	_, _, ok = r.Target("orders-rw")
	assert.False(t, ok)
}

func TestPublishUnknownCandidateClearsTarget(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Publish("orders", "db1"))

	err := r.Publish("orders", "db3")
	assert.ErrorIs(t, err, ErrUnknownCandidate)
	_, _, ok := r.Target("orders-rw")
	assert.False(t, ok)
}

func TestProbeCheck(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name     string
		publish  string
		endpoint string
		node     string
		want     bool
	}{
		{"no target", "", "orders-rw", "db1", false},
		{"probing primary", "db1", "orders-rw", "db1", true},
		{"probing secondary", "db1", "orders-rw", "db2", false},
		{"unknown endpoint", "db1", "missing", "db1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Clear("orders")
			if tt.publish != "" {
				require.NoError(t, r.Publish("orders", tt.publish))
			}
			res := r.ProbeCheck(tt.endpoint, tt.node)
			assert.Equal(t, tt.want, res.Healthy)
			assert.Equal(t, tt.node, res.Node)
		})
	}
}

func TestEndpointCopiesAreIsolated(t *testing.T) {
	r := newTestRouter(t)
	ep, err := r.Endpoint("orders-rw")
	require.NoError(t, err)
	ep.Candidates["db9"] = "evil:1"

	again, err := r.Endpoint("orders-rw")
	require.NoError(t, err)
	assert.NotContains(t, again.Candidates, "db9")

	assert.Len(t, r.ForGroup("orders"), 1)
	assert.Len(t, r.Endpoints(), 1)

	require.NoError(t, r.Unbind("orders-rw"))
	assert.Empty(t, r.ForGroup("orders"))
	assert.ErrorIs(t, r.Unbind("orders-rw"), ErrEndpointNotFound)
}
