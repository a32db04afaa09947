package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/api"
	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/auth"
	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/engine/mssql"
	"github.com/dd0wney/cluso-ha/pkg/engine/postgres"
	"github.com/dd0wney/cluso-ha/pkg/engine/simulated"
	"github.com/dd0wney/cluso-ha/pkg/failover"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/roles"
	"github.com/dd0wney/cluso-ha/pkg/syncmon"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// syncStallFactor is how many sync poll intervals may pass without an
// observation before the process reports itself not live.
const syncStallFactor = 5

// app holds every component of a running coordinator.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry

	engine      engine.Engine
	closeEngine func() error
	store       *topology.Store
	membership  *cluster.Membership
	surveyor    *cluster.HeartbeatSurveyor
	monitor     *syncmon.Monitor
	roles       *roles.Manager
	router      *endpoint.Router
	journal     *audit.Journal
	audit       *audit.Log
	archiver    *audit.Archiver
	coordinator *failover.Coordinator
	health      *health.Checker
	api         *api.Server

	started []func()
}

// newApp builds the control plane from cfg. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config, logger logging.Logger, reg *metrics.Registry, factory cluster.SocketFactory) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: reg, closeEngine: func() error { return nil }}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	clk := clock.Real()

	a.store = topology.NewStore(clk)
	for _, g := range cfg.DataGroups() {
		if err := a.store.AddGroup(g); err != nil {
			return nil, fmt.Errorf("load group %s: %w", g.Name, err)
		}
	}

	if err := a.openEngine(ctx, clk); err != nil {
		return nil, err
	}

	a.membership = cluster.NewMembership(cluster.MembershipConfig{
		MissedHeartbeats: cfg.Timings.MissedHeartbeats,
		Clock:            clk,
		Logger:           logger,
		Metrics:          reg,
	})
	for _, n := range cfg.Nodes {
		if err := a.membership.AddNode(n.ID, n.Addr, n.VoteWeight()); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.ID, err)
		}
	}
	if w := cfg.Witness; w != nil {
		if err := a.membership.SetWitness(w.ID, w.Addr, w.VoteWeight()); err != nil {
			return nil, fmt.Errorf("set witness: %w", err)
		}
	}

	a.surveyor, err = cluster.NewHeartbeatSurveyor(factory, a.membership, cluster.HeartbeatSurveyorConfig{
		Address:       cfg.Cluster.HeartbeatURL,
		Interval:      cfg.Timings.HeartbeatInterval,
		SurveyTimeout: cfg.Timings.HeartbeatTimeout,
		SenderID:      cfg.Cluster.Name,
		Clock:         clk,
		Logger:        logger,
		Metrics:       reg,
	})
	if err != nil {
		return nil, err
	}

	a.monitor, err = syncmon.New(syncmon.Config{
		Store:    a.store,
		Engine:   a.engine,
		Interval: cfg.Timings.SyncPollInterval,
		Thresholds: syncmon.Thresholds{
			MaxSendQueue: cfg.Thresholds.MaxSendQueue,
			MaxRedoQueue: cfg.Thresholds.MaxRedoQueue,
			MaxAsyncLag:  cfg.Thresholds.MaxAsyncLag,
		},
		Clock:   clk,
		Logger:  logger,
		Metrics: reg,
	})
	if err != nil {
		return nil, err
	}

	a.roles, err = roles.NewManager(roles.Config{
		Store: a.store, Engine: a.engine, Quorum: a.membership,
		Clock: clk, Logger: logger, Metrics: reg,
	})
	if err != nil {
		return nil, err
	}

	a.router = endpoint.NewRouter(logger, reg)
	for _, g := range cfg.Groups {
		if g.Endpoint == nil {
			continue
		}
		ep := endpoint.VirtualEndpoint{
			Name:       g.Endpoint.Name,
			Addr:       g.Endpoint.Addr,
			ProbePort:  g.Endpoint.ProbePort,
			Group:      g.Name,
			Candidates: make(map[string]string, len(g.Replicas)),
		}
		for _, r := range g.Replicas {
			ep.Candidates[r.Node] = r.Addr
		}
		if err := a.router.Bind(ep); err != nil {
			return nil, fmt.Errorf("bind endpoint %s: %w", ep.Name, err)
		}
	}

	if dir := cfg.Audit.JournalDir; dir != "" {
		a.journal, err = audit.OpenJournal(audit.JournalConfig{Dir: dir})
		if err != nil {
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
	}
	a.audit, err = audit.NewLog(audit.LogConfig{
		BufferSize: cfg.Audit.BufferSize,
		Journal:    a.journal,
		Clock:      clk,
		Logger:     logger,
		Metrics:    reg,
	})
	if err != nil {
		return nil, err
	}
	if arc := cfg.Audit.Archive; arc.Enabled && a.journal != nil {
		client, err := audit.NewS3Client(ctx, audit.S3ClientConfig{Region: arc.Region, Endpoint: arc.Endpoint})
		if err != nil {
			return nil, err
		}
		a.archiver, err = audit.NewArchiver(audit.ArchiverConfig{
			Journal:  a.journal,
			Client:   client,
			Bucket:   arc.Bucket,
			Prefix:   arc.Prefix,
			Interval: arc.Interval,
			Clock:    clk,
			Logger:   logger,
			Metrics:  reg,
		})
		if err != nil {
			return nil, err
		}
	}

	a.coordinator, err = failover.New(failover.Config{
		Store:           a.store,
		Membership:      a.membership,
		Roles:           a.roles,
		Monitor:         a.monitor,
		Router:          a.router,
		Audit:           a.audit,
		Engine:          a.engine,
		Interval:        cfg.Timings.ReconcileInterval,
		GracePeriod:     cfg.Timings.HealthGracePeriod,
		FailoverTimeout: cfg.Timings.FailoverTimeout,
		Clock:           clk,
		Logger:          logger,
		Metrics:         reg,
	})
	if err != nil {
		return nil, err
	}

	a.health = health.NewChecker(clk)
	a.health.RegisterReadinessCheck("membership", health.MembershipCheck(a.membership.PartitionReport))
	a.health.RegisterReadinessCheck("quorum", health.QuorumCheck(a.membership.ComputeQuorum))
	a.health.RegisterLivenessCheck("sync_poll",
		health.FreshnessCheck(a.monitor.LastPoll, syncStallFactor*cfg.Timings.SyncPollInterval, clk))

	var jwt *auth.JWTManager
	if cfg.API.JWTSecret != "" {
		jwt, err = auth.NewJWTManager(cfg.API.JWTSecret, cfg.API.TokenTTL, clk)
		if err != nil {
			return nil, err
		}
	} else if cfg.Engine.Kind != config.EngineSimulated {
		return nil, fmt.Errorf("%s must be set unless the engine is simulated", config.EnvJWTSecret)
	}
	a.api, err = api.NewServer(api.Config{
		Controller: a.coordinator,
		Probes:     a.router,
		JWT:        jwt,
		Health:     a.health,
		Logger:     logger,
		Metrics:    reg,
		Version:    version,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openEngine(ctx context.Context, clk clock.Clock) error {
	switch a.cfg.Engine.Kind {
	case config.EngineSimulated:
		sim := simulated.New(clk)
		sim.Seed(a.store.Groups()...)
		a.engine = sim
	case config.EnginePostgres:
		groups := make(map[string][]postgres.Member, len(a.cfg.Groups))
		for _, g := range a.cfg.Groups {
			for _, r := range g.Replicas {
				groups[g.Name] = append(groups[g.Name], postgres.Member{
					Node: r.Node, DSN: a.cfg.Engine.DSNs[r.Node], Addr: r.Addr,
				})
			}
		}
		pg, err := postgres.New(ctx, postgres.Config{
			Groups:          groups,
			ReplicationUser: a.cfg.Engine.ReplicationUser,
			Logger:          a.logger,
		})
		if err != nil {
			return fmt.Errorf("postgres engine: %w", err)
		}
		a.engine, a.closeEngine = pg, pg.Close
	case config.EngineMSSQL:
		groups := make(map[string][]mssql.Member, len(a.cfg.Groups))
		for _, g := range a.cfg.Groups {
			for _, r := range g.Replicas {
				groups[g.Name] = append(groups[g.Name], mssql.Member{Node: r.Node, DSN: a.cfg.Engine.DSNs[r.Node]})
			}
		}
		ms, err := mssql.New(mssql.Config{Groups: groups, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("mssql engine: %w", err)
		}
		a.engine, a.closeEngine = ms, ms.Close
	default:
		return fmt.Errorf("unknown engine kind %q", a.cfg.Engine.Kind)
	}
	return nil
}

// start runs the loops in dependency order: heartbeats and sync polling
// feed the coordinator, which must not act on an empty view.
func (a *app) start() error {
	steps := []struct {
		name  string
		start func() error
		stop  func()
	}{
		{"heartbeat surveyor", a.surveyor.Start, func() { _ = a.surveyor.Stop() }},
		{"sync monitor", a.monitor.Start, a.monitor.Stop},
		{"failover coordinator", a.coordinator.Start, a.coordinator.Stop},
	}
	if a.archiver != nil {
		steps = append(steps, struct {
			name  string
			start func() error
			stop  func()
		}{"audit archiver", a.archiver.Start, a.archiver.Stop})
	}

	for _, s := range steps {
		if err := s.start(); err != nil {
			a.stop()
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		a.started = append(a.started, s.stop)
	}
	a.logger.Info("coordinator started",
		logging.String("cluster", a.cfg.Cluster.Name),
		logging.String("engine", a.cfg.Engine.Kind),
		logging.Int("groups", len(a.cfg.Groups)),
		logging.Int("nodes", len(a.cfg.Nodes)))
	return nil
}

// stop halts the loops newest first and releases resources.
func (a *app) stop() {
	for i := len(a.started) - 1; i >= 0; i-- {
		a.started[i]()
	}
	a.started = nil
	a.close()
}

func (a *app) close() {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	} else if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.closeEngine != nil {
		errs = append(errs, a.closeEngine())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup failed", logging.Error(err))
	}
}

// waitForQuorum blocks until quorum is first decided or ctx ends. It only
// informs the operator; the coordinator already holds off while members
// are unknown.
func (a *app) waitForQuorum(ctx context.Context, limit time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if len(a.membership.PartitionReport().Unknown) == 0 {
			q := a.membership.ComputeQuorum()
			a.logger.Info("membership settled",
				logging.Bool("quorum", q.HasQuorum),
				logging.Int("reachable_votes", q.ReachableVotes),
				logging.Int("total_votes", q.TotalVotes))
			return
		}
		select {
		case <-ctx.Done():
			a.logger.Warn("members still unknown", logging.Strings("unknown", a.membership.PartitionReport().Unknown))
			return
		case <-t.C:
		}
	}
}
