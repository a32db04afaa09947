package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/failover"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/roles"
	"github.com/dd0wney/cluso-ha/pkg/topology"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

var errStatus = []struct {
	status int
	errs   []error
}{
	{http.StatusNotFound, []error{
		failover.ErrGroupNotFound, topology.ErrGroupNotFound, topology.ErrReplicaNotFound,
		roles.ErrReplicaNotFound, cluster.ErrNodeNotFound,
	}},
	{http.StatusBadRequest, []error{
		failover.ErrInvalidTarget, failover.ErrDataLossNotAcknowledged, roles.ErrInvalidTransition,
		cluster.ErrInvalidNodeID, cluster.ErrInvalidVote, cluster.ErrWitnessConflict,
	}},
	{http.StatusConflict, []error{
		failover.ErrAlreadyInRole, failover.ErrSyncNotHealthy, failover.ErrNoEligibleCandidate,
		failover.ErrFailoverInProgress, failover.ErrNotResyncCandidate, cluster.ErrNodeAlreadyExists,
		roles.ErrAlreadyInRole, roles.ErrSyncNotHealthy, roles.ErrReplicaNeedsResync, roles.ErrPrimaryExists,
	}},
	{http.StatusServiceUnavailable, []error{failover.ErrQuorumLost, roles.ErrQuorumNotHeld}},
	{http.StatusGatewayTimeout, []error{failover.ErrTimedOut, context.DeadlineExceeded}},
}

// statusFor maps an error from the coordinator to an HTTP status.
func statusFor(err error) int {
	for _, m := range errStatus {
		for _, target := range m.errs {
			if errors.Is(err, target) {
				return m.status
			}
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response failed", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, ErrorResponse{Error: msg})
}

// respondFailure answers with the status mapped from err. Unmapped errors
// are logged and reported generically.
func (s *Server) respondFailure(w http.ResponseWriter, operation string, err error, ev *audit.Event) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(operation+" failed", logging.Error(err))
		msg = fmt.Sprintf("%s failed", operation)
		if ev != nil && ev.Error != "" {
			msg = ev.Error
		}
	}
	s.respondJSON(w, status, ErrorResponse{Error: msg, Event: ev})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := validation.Struct(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// pathIdentifier reads a path value and checks it is a valid name.
func (s *Server) pathIdentifier(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := r.PathValue(key)
	if !validation.IsIdentifier(v) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: %q is not a valid identifier", key, v))
		return "", false
	}
	return v, true
}
