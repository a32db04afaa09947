package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/topology"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// RedirectLatency is how long the load balancer needs to notice a backend
// went unhealthy.
func (t Timings) RedirectLatency() time.Duration {
	return endpoint.RedirectLatency(t.ProbeInterval, t.ProbeFailureThreshold)
}

// Validate checks the whole config and reports every problem found.
func (c *Config) Validate() error {
	cv := validation.NewConfigValidator("config")

	cv.Identifier("cluster.name", c.Cluster.Name)
	cv.Custom("cluster.heartbeat_url", func() error {
		if c.Cluster.HeartbeatURL == "" {
			return fmt.Errorf("required field is empty")
		}
		if !strings.Contains(c.Cluster.HeartbeatURL, "://") {
			return fmt.Errorf("%q must be a transport URL such as tcp://host:port", c.Cluster.HeartbeatURL)
		}
		return nil
	})

	c.validateMembers(cv)
	c.validateGroups(cv)

	t := c.Timings
	cv.MinDuration("timings.heartbeat_interval", t.HeartbeatInterval, 10*time.Millisecond).
		Custom("timings.heartbeat_timeout", func() error {
			if t.HeartbeatTimeout > t.HeartbeatInterval {
				return fmt.Errorf("%v exceeds heartbeat_interval %v", t.HeartbeatTimeout, t.HeartbeatInterval)
			}
			return nil
		}).
		RangeInt("timings.missed_heartbeats", t.MissedHeartbeats, 1, 100).
		MinDuration("timings.failover_timeout", t.FailoverTimeout, time.Second).
		Positive("timings.probe_failure_threshold", t.ProbeFailureThreshold).
		Before("timings.probe_interval", t.RedirectLatency(), t.FailoverTimeout, "failover_timeout")

	cv.PositiveInt64("thresholds.max_send_queue", c.Thresholds.MaxSendQueue).
		PositiveInt64("thresholds.max_redo_queue", c.Thresholds.MaxRedoQueue).
		MinDuration("thresholds.max_async_lag", c.Thresholds.MaxAsyncLag, time.Millisecond)

	cv.OneOf("engine.kind", c.Engine.Kind, EngineSimulated, EnginePostgres, EngineMSSQL).
		When(c.Engine.Kind != EngineSimulated, func(cv *validation.ConfigValidator) {
			for _, n := range c.Nodes {
				cv.Required("engine.dsns."+n.ID, c.Engine.DSNs[n.ID])
			}
		})

	cv.Required("api.listen", c.API.Listen)
	if t := c.API.TLS; t != nil {
		cv.Custom("api.tls", func() error {
			switch {
			case (t.CertFile == "") != (t.KeyFile == ""):
				return fmt.Errorf("cert_file and key_file must be set together")
			case t.CertFile == "" && !t.SelfSigned:
				return fmt.Errorf("set cert_file and key_file or self_signed")
			case t.RequireClientCert && t.ClientCAFile == "":
				return fmt.Errorf("require_client_cert needs client_ca_file")
			}
			return nil
		})
	}
	cv.Positive("audit.buffer_size", c.Audit.BufferSize)
	cv.When(c.Audit.Archive.Enabled, func(cv *validation.ConfigValidator) {
		cv.Nested("audit.archive", func(cv *validation.ConfigValidator) {
			cv.Required("bucket", c.Audit.Archive.Bucket).
				Required("region", c.Audit.Archive.Region).
				MinDuration("interval", c.Audit.Archive.Interval, time.Minute)
		})
	})

	return cv.Validate()
}

func (c *Config) validateMembers(cv *validation.ConfigValidator) {
	if len(c.Nodes) == 0 {
		cv.Custom("nodes", func() error { return fmt.Errorf("at least one node is required") })
	}

	ids := make([]string, 0, len(c.Nodes)+1)
	for i, n := range c.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		cv.Identifier(field+".id", n.ID).
			HostPort(field+".addr", n.Addr).
			RangeInt(field+".vote", n.VoteWeight(), 0, 1)
		ids = append(ids, n.ID)
	}
	if w := c.Witness; w != nil {
		cv.Identifier("witness.id", w.ID).
			RangeInt("witness.vote", w.VoteWeight(), 0, 1)
		ids = append(ids, w.ID)
	}
	cv.Unique("nodes.id", ids)
}

func (c *Config) validateGroups(cv *validation.ConfigValidator) {
	names := make([]string, 0, len(c.Groups))
	endpoints := make([]string, 0, len(c.Groups))

	for i, g := range c.Groups {
		cv.Nested(fmt.Sprintf("groups[%d]", i), func(cv *validation.ConfigValidator) {
			cv.Identifier("name", g.Name)
			if len(g.Replicas) == 0 {
				cv.Custom("replicas", func() error { return fmt.Errorf("at least one replica is required") })
			}

			nodes := make([]string, 0, len(g.Replicas))
			primaries := 0
			for j, r := range g.Replicas {
				field := fmt.Sprintf("replicas[%d]", j)
				if _, ok := c.Node(r.Node); !ok {
					cv.Custom(field+".node", func() error { return fmt.Errorf("unknown node %q", r.Node) })
				}
				cv.HostPort(field+".addr", r.Addr)
				cv.Custom(field+".sync_mode", func() error { _, err := topology.ParseSyncMode(r.SyncMode); return err })
				cv.Custom(field+".failover_mode", func() error { _, err := topology.ParseFailoverMode(r.FailoverMode); return err })
				if r.InitialRole != "" {
					cv.Custom(field+".initial_role", func() error {
						role, err := topology.ParseRole(r.InitialRole)
						if err == nil && role == topology.RolePrimary {
							primaries++
						}
						return err
					})
				}
				nodes = append(nodes, r.Node)
			}
			cv.Unique("replicas.node", nodes)
			if primaries > 1 {
				cv.Custom("replicas", func() error { return fmt.Errorf("%d replicas declare initial_role PRIMARY", primaries) })
			}

			if ep := g.Endpoint; ep != nil {
				cv.Identifier("endpoint.name", ep.Name).
					HostPort("endpoint.addr", ep.Addr).
					RangeInt("endpoint.probe_port", ep.ProbePort, 1, 65535)
				endpoints = append(endpoints, ep.Name)
			}
		})
		names = append(names, g.Name)
	}
	cv.Unique("groups.name", names)
	cv.Unique("groups.endpoint.name", endpoints)
}
