// Command ha-coordinator runs the HA control plane: quorum membership,
// synchronization monitoring, automatic failover, endpoint routing and the
// operator API.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/server"
	hatls "github.com/dd0wney/cluso-ha/pkg/tls"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/cluso-ha/cluster.yaml", "Cluster configuration file")
	listen := flag.String("listen", "", "Operator API listen address (overrides api.listen)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ha-coordinator %s\n", version)
		return
	}

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "ha-coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.API.Listen = listen
	}

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.Logging.Level))
	logging.SetDefault(logger)
	reg := metrics.DefaultRegistry()

	tlsConfig, err := serverTLS(cfg.API.TLS, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, reg, cluster.MangosFactory{})
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		return err
	}
	a.waitForQuorum(ctx, 3*cfg.Timings.HeartbeatInterval*time.Duration(cfg.Timings.MissedHeartbeats))

	srv := server.NewGracefulServer(cfg.API.Listen, a.api.Handler(), logger)
	srv.OnShutdown(a.stop)
	if tlsConfig != nil {
		srv.SetTLSConfig(tlsConfig)
	}
	srv.SetConfigReloadFunc(func() error {
		next, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Topology changes need a restart; only the log level is live.
		logger.SetLevel(logging.ParseLevel(next.Logging.Level))
		return nil
	})
	return srv.Run(ctx)
}

// certExpiryWarning is how close to expiry the API certificate may get
// before startup logs a warning.
const certExpiryWarning = 30 * 24 * time.Hour

// serverTLS builds the API listener's TLS config, or nil for plain HTTP.
func serverTLS(cfg *config.TLSConfig, logger logging.Logger) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	tc, err := hatls.ServerConfig(hatls.Config{
		CertFile:          cfg.CertFile,
		KeyFile:           cfg.KeyFile,
		ClientCAFile:      cfg.ClientCAFile,
		RequireClientCert: cfg.RequireClientCert,
		SelfSigned:        cfg.SelfSigned,
		Hosts:             cfg.Hosts,
	})
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	exp, err := hatls.Expiry(tc.Certificates[0])
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	if left := time.Until(exp); left < certExpiryWarning {
		logger.Warn("api certificate expires soon", logging.Time("not_after", exp), logging.Duration("remaining", left))
	}
	if cfg.SelfSigned && cfg.CertFile == "" {
		logger.Warn("api serving a generated self-signed certificate")
	}
	return tc, nil
}
