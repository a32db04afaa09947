package validation

import (
	"strings"
	"testing"
)

func TestStructFailoverRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     any
		wantErr string
	}{
		{"valid manual", &FailoverRequest{Target: "node-2"}, ""},
		{"missing target", &FailoverRequest{}, "Target: field is required"},
		{"bad target", &FailoverRequest{Target: "node 2"}, "not a valid identifier"},
		{"valid forced", &ForcedFailoverRequest{Target: "n3", AcknowledgeDataLoss: true}, ""},
		{"resolve secondary", &ResolveRequest{Role: "SECONDARY"}, ""},
		{"resolve primary", &ResolveRequest{Role: "PRIMARY"}, "must be one of"},
		{"node ok", &NodeRequest{ID: "n4", Addr: "10.0.0.4:7400", Vote: 1}, ""},
		{"node bad vote", &NodeRequest{ID: "n4", Addr: "10.0.0.4:7400", Vote: 2}, "Vote"},
		{"node bad addr", &NodeRequest{ID: "n4", Addr: "nowhere", Vote: 1}, "host:port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStructNil(t *testing.T) {
	if Struct(nil) == nil {
		t.Error("Expected error for nil request")
	}
}

func TestIsIdentifier(t *testing.T) {
	for _, ok := range []string{"a", "node-1", "orders_db", "ag.1"} {
		if !IsIdentifier(ok) {
			t.Errorf("IsIdentifier(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "-lead", "has space", "x/y"} {
		if IsIdentifier(bad) {
			t.Errorf("IsIdentifier(%q) = true", bad)
		}
	}
}
