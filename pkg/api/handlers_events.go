package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

const streamKeepAlive = 15 * time.Second

func parseFilter(r *http.Request) (audit.Filter, int, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Group:   q.Get("group"),
		Trigger: audit.Trigger(q.Get("trigger")),
		Outcome: audit.Outcome(q.Get("outcome")),
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, 0, fmt.Errorf("%s: must be RFC 3339", key)
			}
			*dst = t
		}
	}

	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, 0, fmt.Errorf("limit: must be a positive integer")
		}
		limit = min(n, maxEventLimit)
	}
	return f, limit, nil
}

var exportContentTypes = map[audit.ExportFormat]string{
	audit.FormatJSONL:  "application/x-ndjson",
	audit.FormatCSV:    "text/csv",
	audit.FormatSyslog: "text/plain; charset=utf-8",
	audit.FormatText:   "text/plain; charset=utf-8",
}

// handleEvents lists failover events. With ?format= other than json the
// events are rendered by the audit exporter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, limit, err := parseFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.ctl.Events(f, limit)

	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" || format == audit.FormatJSON {
		s.respondJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
		return
	}
	ct, ok := exportContentTypes[format]
	if !ok {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format: %s", format))
		return
	}
	w.Header().Set("Content-Type", ct)
	if err := audit.Export(w, events, format); err != nil {
		s.logger.Warn("exporting events failed", logging.Error(err))
	}
}

// handleEventStream streams new events as server-sent events until the
// client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	f, _, err := parseFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, cancel := s.ctl.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !f.Match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: failover\ndata: %s\n\n", ev.Seq, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
