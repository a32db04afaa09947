package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// ErrProbeServerRunning is returned by Start on a running probe server.
var ErrProbeServerRunning = errors.New("probe server already running")

// HealthFunc reports whether the local node should accept probes.
type HealthFunc func(ctx context.Context) bool

// ProbeServerConfig configures a ProbeServer.
type ProbeServerConfig struct {
	Endpoint string
	Node     string
	// ListenAddr is the probe port on this node, e.g. ":59999".
	ListenAddr string
	Check      HealthFunc
	// Interval between health checks.
	Interval time.Duration
	// CheckTimeout bounds one call of Check.
	CheckTimeout time.Duration
	Clock        clock.Clock
	Logger       logging.Logger
}

// ProbeServer exposes a TCP probe port that is open only while Check reports
// healthy. Load balancers treat a refused connection as a failed probe.
type ProbeServer struct {
	cfg    ProbeServerConfig
	logger logging.Logger

	listenerMu sync.Mutex
	listener   net.Listener
	connWG     sync.WaitGroup

	stopCh    chan struct{}
	running   bool
	runningMu sync.Mutex
	wg        sync.WaitGroup
}

// NewProbeServer creates a probe server; it listens only once Start has run
// a healthy check.
func NewProbeServer(cfg ProbeServerConfig) (*ProbeServer, error) {
	if cfg.ListenAddr == "" || cfg.Check == nil {
		return nil, errors.New("probe server: listen address and check are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := logging.ForComponent(cfg.Logger, "probe-server").With(
		logging.Endpoint(cfg.Endpoint), logging.Node(cfg.Node))
	return &ProbeServer{cfg: cfg, logger: logger}, nil
}

// Start runs the check loop.
func (p *ProbeServer) Start() error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return ErrProbeServerRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop ends the loop and closes the probe port.
func (p *ProbeServer) Stop() error {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return p.setListening(false)
	}
	p.running = false
	close(p.stopCh)
	p.runningMu.Unlock()

	p.wg.Wait()
	return p.setListening(false)
}

func (p *ProbeServer) loop() {
	defer p.wg.Done()

	p.Sync(context.Background())
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C():
			p.Sync(context.Background())
		}
	}
}

// Sync runs the health check once and opens or closes the probe port to
// match. It returns whether the port is open.
func (p *ProbeServer) Sync(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	healthy := p.cfg.Check(ctx)
	cancel()

	if err := p.setListening(healthy); err != nil {
		p.logger.Warn("probe port change failed", logging.Bool("healthy", healthy), logging.Error(err))
	}
	return p.Listening()
}

// Listening reports whether the probe port is open.
func (p *ProbeServer) Listening() bool {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	return p.listener != nil
}

// Addr returns the bound address while listening.
func (p *ProbeServer) Addr() net.Addr {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *ProbeServer) setListening(on bool) error {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	switch {
	case on && p.listener == nil:
		ln, err := net.Listen("tcp", p.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", p.cfg.ListenAddr, err)
		}
		p.listener = ln
		p.connWG.Add(1)
		go p.accept(ln)
		p.logger.Info("probe port opened", logging.String("addr", ln.Addr().String()))
	case !on && p.listener != nil:
		err := p.listener.Close()
		p.listener = nil
		p.connWG.Wait()
		p.logger.Info("probe port closed")
		return err
	}
	return nil
}

// accept completes the TCP handshake and hangs up; the handshake is the
// whole answer.
func (p *ProbeServer) accept(ln net.Listener) {
	defer p.connWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// ProbeTCP reports whether a TCP connection to addr succeeds within timeout.
func ProbeTCP(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
