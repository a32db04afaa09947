// Package failover is the control plane's central state machine. The
// Coordinator consumes membership, quorum and synchronization state, decides
// when a data group needs a new primary and drives the role manager through
// automatic, manual and forced transitions. Every transition runs under a
// per-group lock and ends in exactly one audit event.
package failover

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/engine"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/roles"
	"github.com/dd0wney/cluso-ha/pkg/syncmon"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

const (
	DefaultFailoverTimeout = 2 * time.Minute
	DefaultGracePeriod     = 10 * time.Second
	DefaultInterval        = time.Second
	DefaultRejoinInterval  = 30 * time.Second
	// DefaultCommandTimeout bounds the routine engine commands of a tick,
	// such as rejoining a replica.
	DefaultCommandTimeout = 10 * time.Second
)

// Config wires a Coordinator to the components it drives.
type Config struct {
	Store      *topology.Store
	Membership *cluster.Membership
	Roles      *roles.Manager
	Monitor    *syncmon.Monitor
	Router     *endpoint.Router
	Audit      *audit.Log
	Engine     engine.Engine

	// Interval is the period of the reconcile loop started by Start.
	Interval time.Duration
	// GracePeriod is how long a primary must stay down or unhealthy before
	// automatic failover starts.
	GracePeriod time.Duration
	// FailoverTimeout bounds one transition end to end.
	FailoverTimeout time.Duration
	// RejoinInterval spaces automatic rejoin attempts of one replica.
	RejoinInterval time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// abstention remembers the state in which automatic failover last found no
// candidate, so the attempt is not repeated until something changes.
type abstention struct {
	generation uint64
	epoch      uint64
}

// Coordinator owns every write to roles and endpoint targets.
type Coordinator struct {
	store      *topology.Store
	membership *cluster.Membership
	roles      *roles.Manager
	monitor    *syncmon.Monitor
	router     *endpoint.Router
	audit      *audit.Log
	engine     engine.Engine

	interval       time.Duration
	grace          time.Duration
	timeout        time.Duration
	commandTimeout time.Duration
	rejoinInterval time.Duration

	clk     clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry

	mu             sync.Mutex
	groupLocks     map[string]*sync.Mutex
	inFlight       map[string]bool
	unhealthySince map[string]time.Time
	abstained      map[string]abstention
	lastJoin       map[string]time.Time

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Membership == nil || cfg.Roles == nil || cfg.Monitor == nil ||
		cfg.Router == nil || cfg.Audit == nil || cfg.Engine == nil {
		return nil, errors.New("failover: store, membership, roles, monitor, router, audit and engine are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.FailoverTimeout <= 0 {
		cfg.FailoverTimeout = DefaultFailoverTimeout
	}
	if cfg.RejoinInterval <= 0 {
		cfg.RejoinInterval = DefaultRejoinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Coordinator{
		store:          cfg.Store,
		membership:     cfg.Membership,
		roles:          cfg.Roles,
		monitor:        cfg.Monitor,
		router:         cfg.Router,
		audit:          cfg.Audit,
		engine:         cfg.Engine,
		interval:       cfg.Interval,
		grace:          cfg.GracePeriod,
		timeout:        cfg.FailoverTimeout,
		commandTimeout: min(cfg.FailoverTimeout, DefaultCommandTimeout),
		rejoinInterval: cfg.RejoinInterval,
		clk:            cfg.Clock,
		logger:         logging.ForComponent(cfg.Logger, "failover"),
		metrics:        cfg.Metrics,
		groupLocks:     make(map[string]*sync.Mutex),
		inFlight:       make(map[string]bool),
		unhealthySince: make(map[string]time.Time),
		abstained:      make(map[string]abstention),
		lastJoin:       make(map[string]time.Time),
	}, nil
}

// Start runs Tick every interval until Stop.
func (c *Coordinator) Start() error {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()

	if c.running {
		return ErrCoordinatorRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.loop()

	c.logger.Info("failover coordinator started",
		logging.Duration("interval", c.interval),
		logging.Duration("grace_period", c.grace),
		logging.Duration("failover_timeout", c.timeout))
	return nil
}

// Stop ends the loop and waits for an in-progress tick to finish. A
// transition already running completes or times out first.
func (c *Coordinator) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runningMu.Unlock()

	c.wg.Wait()
	c.logger.Info("failover coordinator stopped")
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.Tick(ctx)
		}
	}
}

// tryLock takes the group's transition lock without waiting.
func (c *Coordinator) tryLock(group string) (func(), bool) {
	c.mu.Lock()
	l, ok := c.groupLocks[group]
	if !ok {
		l = &sync.Mutex{}
		c.groupLocks[group] = l
	}
	c.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

func (c *Coordinator) setInFlight(group string, v bool) {
	c.mu.Lock()
	if v {
		c.inFlight[group] = true
	} else {
		delete(c.inFlight, group)
	}
	c.mu.Unlock()
	c.metrics.SetFailoverInFlight(group, v)
}

// InFlight reports whether a failover is executing for group.
func (c *Coordinator) InFlight(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[group]
}

type actorKey struct{}

// WithActor attaches the identity of whoever requested a transition. It is
// recorded on the audit event.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor.
func ActorFrom(ctx context.Context) string {
	if s, ok := ctx.Value(actorKey{}).(string); ok {
		return s
	}
	return ""
}

// attempt accumulates one audit event while a transition runs.
type attempt struct {
	c     *Coordinator
	start time.Time
	event audit.Event
}

func (c *Coordinator) newAttempt(ctx context.Context, group string, trigger audit.Trigger, target string) *attempt {
	return &attempt{
		c:     c,
		start: c.clk.Now(),
		event: audit.Event{
			Group:   group,
			Trigger: trigger,
			Target:  target,
			Actor:   ActorFrom(ctx),
		},
	}
}

// finish appends the event and returns it with the outcome's error.
func (a *attempt) finish(outcome audit.Outcome, cause error) (audit.Event, error) {
	a.event.Outcome = outcome
	a.event.Duration = a.c.clk.Since(a.start)
	if cause != nil {
		a.event.Error = cause.Error()
	}

	e, err := a.c.audit.Append(a.event)
	if err != nil {
		a.c.logger.Error("audit append failed", logging.Group(a.event.Group), logging.Error(err))
	}
	a.c.metrics.RecordFailover(e.Group, string(e.Trigger), string(e.Outcome), e.Duration)

	fields := []logging.Field{
		logging.Group(e.Group),
		logging.Trigger(string(e.Trigger)),
		logging.Outcome(string(e.Outcome)),
		logging.String("source", e.Source),
		logging.String("target", e.Target),
		logging.Latency(e.Duration),
	}
	if e.Cause != "" {
		fields = append(fields, logging.Cause(e.Cause))
	}
	if outcome == audit.OutcomeSuccess {
		a.c.logger.Info("failover finished", fields...)
		return e, nil
	}
	fields = append(fields, logging.Error(cause))
	a.c.logger.Warn("failover did not complete", fields...)
	return e, outcomeErr(outcome, cause)
}

func outcomeErr(o audit.Outcome, cause error) error {
	sentinel := OutcomeError(o)
	switch {
	case sentinel == nil:
		return nil
	case cause == nil:
		return sentinel
	case errors.Is(cause, sentinel):
		return cause
	default:
		return &outcomeError{sentinel: sentinel, cause: cause}
	}
}

// outcomeError matches both the outcome sentinel and its cause. The
// sentinel text is not repeated when the cause already starts with it.
type outcomeError struct {
	sentinel error
	cause    error
}

func (e *outcomeError) Error() string {
	s, c := e.sentinel.Error(), e.cause.Error()
	if strings.HasPrefix(c, s) {
		return c
	}
	return s + ": " + c
}

func (e *outcomeError) Unwrap() []error { return []error{e.sentinel, e.cause} }

// transitionContext detaches a transition from its caller: once started it
// only ends by completing or by the failover deadline.
func (c *Coordinator) transitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// interrupted reports whether err or ctx shows the transition was cut short.
// The engine's outcome is then unknown.
func interrupted(ctx context.Context, err error) bool {
	for _, target := range []error{context.DeadlineExceeded, context.Canceled} {
		if errors.Is(err, target) || errors.Is(ctx.Err(), target) {
			return true
		}
	}
	return false
}
