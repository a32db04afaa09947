// Package server runs the coordinator's HTTP listener with signal-driven
// graceful shutdown and configuration reload.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// DefaultShutdownTimeout bounds connection draining on shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// ConfigReloadFunc reloads configuration on SIGHUP.
type ConfigReloadFunc func() error

// GracefulServer wraps an HTTP server with graceful shutdown. Shutdown hooks
// run after the listener has drained, newest first.
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu             sync.Mutex
	configReloadFn ConfigReloadFunc
	hooks          []func()
	listener       net.Listener
	ready          chan struct{}
	tlsConfig      *tls.Config
}

// NewGracefulServer creates a server for addr.
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// No write timeout: the event stream is long-lived.
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger:          logging.ForComponent(logger, "http-server"),
		shutdownTimeout: DefaultShutdownTimeout,
		shutdownCh:      make(chan struct{}),
		ready:           make(chan struct{}),
	}
}

// SetShutdownTimeout changes how long Shutdown waits for connections.
func (gs *GracefulServer) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		gs.shutdownTimeout = d
	}
}

// SetTLSConfig serves TLS with cfg. It must be called before Run.
func (gs *GracefulServer) SetTLSConfig(cfg *tls.Config) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.tlsConfig = cfg
}

// OnShutdown registers fn to run during shutdown.
func (gs *GracefulServer) OnShutdown(fn func()) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, fn)
}

// Run serves until ctx ends, SIGINT or SIGTERM arrives, or Shutdown is
// called. SIGHUP triggers ReloadConfig.
func (gs *GracefulServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	gs.mu.Lock()
	if gs.tlsConfig != nil {
		ln = tls.NewListener(ln, gs.tlsConfig)
	}
	gs.listener = ln
	gs.mu.Unlock()
	close(gs.ready)

	serveErr := make(chan error, 1)
	go func() {
		gs.logger.Info("listening", logging.String("addr", ln.Addr().String()), logging.Bool("tls", gs.tlsConfig != nil))
		if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				gs.Shutdown()
				return err
			}
			return nil
		case <-ctx.Done():
			return gs.Shutdown()
		case <-gs.shutdownCh:
			<-serveErr
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := gs.ReloadConfig(); err != nil {
					gs.logger.Error("configuration reload failed", logging.Error(err))
				}
				continue
			}
			gs.logger.Info("signal received, shutting down", logging.String("signal", sig.String()))
			return gs.Shutdown()
		}
	}
}

// Addr blocks until Run is listening and returns the bound address.
func (gs *GracefulServer) Addr() net.Addr {
	<-gs.ready
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.listener.Addr()
}

// Shutdown drains connections and runs the shutdown hooks once.
func (gs *GracefulServer) Shutdown() error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), gs.shutdownTimeout)
		defer cancel()

		gs.logger.Info("graceful shutdown started", logging.Duration("timeout", gs.shutdownTimeout))
		if err = gs.server.Shutdown(ctx); err != nil {
			gs.logger.Error("shutdown did not drain", logging.Error(err))
		}

		gs.mu.Lock()
		hooks := append([]func(){}, gs.hooks...)
		gs.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		gs.logger.Info("shutdown complete")
	})
	return err
}

// IsShuttingDown reports whether shutdown has begun.
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// SetConfigReloadFunc sets the function run on SIGHUP.
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig runs the reload function, if any.
func (gs *GracefulServer) ReloadConfig() error {
	gs.mu.Lock()
	fn := gs.configReloadFn
	gs.mu.Unlock()

	if fn == nil {
		gs.logger.Warn("configuration reload requested but no reload function is set")
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	gs.logger.Info("configuration reloaded")
	return nil
}
