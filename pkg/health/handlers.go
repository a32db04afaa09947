package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessHandler answers 503 while a readiness check is unhealthy.
// Degraded still counts as ready.
func (hc *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckReadiness(r.Context()))
	}
}

// LivenessHandler answers 503 while a liveness check is unhealthy.
func (hc *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckLiveness(r.Context()))
	}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
