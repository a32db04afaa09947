package api

import (
	"net/http"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req validation.NodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctl.AddNode(req.ID, req.Addr, req.Vote); err != nil {
		s.respondFailure(w, "add node", err, nil)
		return
	}
	s.logger.Info("node added", logging.Node(req.ID), logging.String("addr", req.Addr), logging.Int("vote", req.Vote))
	s.respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIdentifier(w, r, "id")
	if !ok {
		return
	}
	if err := s.ctl.RemoveNode(r.Context(), id); err != nil {
		s.respondFailure(w, "remove node", err, nil)
		return
	}
	s.logger.Info("node removed", logging.Node(id))
	w.WriteHeader(http.StatusNoContent)
}

// handleProbe answers the load balancer's HTTP probe: 200 only on the
// node currently targeted by the endpoint.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	name, ok := s.pathIdentifier(w, r, "name")
	if !ok {
		return
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		s.respondError(w, http.StatusBadRequest, "node query parameter is required")
		return
	}
	res := s.probes.ProbeCheck(name, node)
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, res)
}
