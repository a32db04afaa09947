package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// agent runs on a database node (or the witness host): it answers
// heartbeats and opens each endpoint's probe port only while the
// coordinator says this node is the endpoint's target.
type agent struct {
	responder *cluster.HeartbeatResponder
	probes    []*endpoint.ProbeServer
	logger    logging.Logger
}

type agentOptions struct {
	NodeID  string
	Witness bool
	APIURL  string
	// ProbeHost is the interface the probe ports bind to.
	ProbeHost string
	Client    *http.Client
}

func newAgent(cfg *config.Config, opts agentOptions, factory cluster.SocketFactory, logger logging.Logger) (*agent, error) {
	if opts.Witness {
		if cfg.Witness == nil || cfg.Witness.ID != opts.NodeID {
			return nil, fmt.Errorf("%s is not the configured witness", opts.NodeID)
		}
	} else if _, ok := cfg.Node(opts.NodeID); !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNodeNotFound, opts.NodeID)
	}

	responder, err := cluster.NewHeartbeatResponder(factory, cluster.HeartbeatResponderConfig{
		CoordinatorURL: cfg.Cluster.HeartbeatURL,
		NodeID:         opts.NodeID,
		Witness:        opts.Witness,
		RecvTimeout:    cfg.Timings.HeartbeatInterval,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	a := &agent{responder: responder, logger: logging.ForComponent(logger, "agent")}
	if opts.Witness {
		return a, nil
	}

	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: cfg.Timings.ProbeInterval}
	}
	for _, g := range cfg.Groups {
		if g.Endpoint == nil || !hasReplica(g, opts.NodeID) {
			continue
		}
		ps, err := endpoint.NewProbeServer(endpoint.ProbeServerConfig{
			Endpoint:   g.Endpoint.Name,
			Node:       opts.NodeID,
			ListenAddr: fmt.Sprintf("%s:%d", opts.ProbeHost, g.Endpoint.ProbePort),
			Check:      coordinatorCheck(opts.Client, opts.APIURL, g.Endpoint.Name, opts.NodeID),
			Interval:   cfg.Timings.ProbeInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		a.probes = append(a.probes, ps)
	}
	return a, nil
}

func hasReplica(g config.GroupConfig, node string) bool {
	for _, r := range g.Replicas {
		if r.Node == node {
			return true
		}
	}
	return false
}

// coordinatorCheck asks the coordinator whether node is the endpoint's
// target. Any failure to get an answer counts as unhealthy.
func coordinatorCheck(client *http.Client, apiURL, name, node string) endpoint.HealthFunc {
	u := fmt.Sprintf("%s/v1/endpoints/%s/probe?node=%s", apiURL, url.PathEscape(name), url.QueryEscape(node))
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var res endpoint.ProbeResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && res.Healthy
	}
}

func (a *agent) start() error {
	if err := a.responder.Start(); err != nil {
		return err
	}
	for _, p := range a.probes {
		if err := p.Start(); err != nil {
			a.stop()
			return err
		}
	}
	a.logger.Info("agent started", logging.Int("probe_servers", len(a.probes)))
	return nil
}

func (a *agent) stop() {
	var errs []error
	for _, p := range a.probes {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.responder.Stop())
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("agent stop", logging.Error(err))
	}
}

// lastSurveyAge reports how long ago the coordinator last surveyed us.
func (a *agent) lastSurveyAge(now time.Time) (uint64, time.Duration) {
	round, at := a.responder.LastSurvey()
	if at.IsZero() {
		return round, -1
	}
	return round, now.Sub(at)
}
