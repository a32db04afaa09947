package api

import (
	"net/http"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/topology"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.ctl.GetClusterStatus())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	name, ok := s.pathIdentifier(w, r, "group")
	if !ok {
		return
	}
	for _, g := range s.ctl.GetClusterStatus().Groups {
		if g.Name == name {
			s.respondJSON(w, http.StatusOK, g)
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "data group not found: "+name)
}

func (s *Server) handleManualFailover(w http.ResponseWriter, r *http.Request) {
	group, ok := s.pathIdentifier(w, r, "group")
	if !ok {
		return
	}
	var req validation.FailoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.ctl.TriggerManualFailover(r.Context(), group, req.Target)
	s.respondEvent(w, "manual failover", ev, err)
}

func (s *Server) handleForcedFailover(w http.ResponseWriter, r *http.Request) {
	group, ok := s.pathIdentifier(w, r, "group")
	if !ok {
		return
	}
	var req validation.ForcedFailoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.ctl.TriggerForcedFailover(r.Context(), group, req.Target, req.AcknowledgeDataLoss)
	s.respondEvent(w, "forced failover", ev, err)
}

// respondEvent answers a failover call with the audit event it produced.
func (s *Server) respondEvent(w http.ResponseWriter, operation string, ev audit.Event, err error) {
	if err != nil {
		var evp *audit.Event
		if ev.ID != "" {
			evp = &ev
		}
		s.respondFailure(w, operation, err, evp)
		return
	}
	s.logger.Info(operation+" completed",
		logging.Group(ev.Group), logging.Node(ev.Target), logging.String("actor", ev.Actor))
	s.respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	group, ok := s.pathIdentifier(w, r, "group")
	if !ok {
		return
	}
	node, ok := s.pathIdentifier(w, r, "node")
	if !ok {
		return
	}
	if err := s.ctl.ResyncReplica(r.Context(), group, node); err != nil {
		s.respondFailure(w, "resync", err, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	group, ok := s.pathIdentifier(w, r, "group")
	if !ok {
		return
	}
	node, ok := s.pathIdentifier(w, r, "node")
	if !ok {
		return
	}
	var req validation.ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctl.ResolveReplica(r.Context(), group, node, topology.Role(req.Role)); err != nil {
		s.respondFailure(w, "resolve", err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
