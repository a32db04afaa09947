// Command ha-agent runs beside each database node and on the witness host.
// It answers the coordinator's heartbeats and serves the load balancer
// probe port for every virtual endpoint the node can front.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	hatls "github.com/dd0wney/cluso-ha/pkg/tls"
)

func main() {
	configPath := flag.String("config", "/etc/cluso-ha/cluster.yaml", "Cluster configuration file")
	nodeID := flag.String("node", "", "ID of this node (or of the witness with -witness)")
	witness := flag.Bool("witness", false, "Run as the quorum witness")
	apiURL := flag.String("api", "http://127.0.0.1:8480", "Coordinator operator API base URL")
	probeHost := flag.String("probe-host", "", "Interface the probe ports bind to (default all)")
	caFile := flag.String("ca-file", "", "CA certificate when the coordinator API serves TLS")
	flag.Parse()

	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "ha-agent: -node is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, *caFile, agentOptions{
		NodeID:    *nodeID,
		Witness:   *witness,
		APIURL:    *apiURL,
		ProbeHost: *probeHost,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ha-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, caFile string, opts agentOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tc, err := hatls.ClientConfig(caFile)
	if err != nil {
		return err
	}
	if tc != nil {
		opts.Client = &http.Client{
			Timeout:   cfg.Timings.ProbeInterval,
			Transport: &http.Transport{TLSClientConfig: tc},
		}
	}
	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.Logging.Level)).
		With(logging.Node(opts.NodeID))
	logging.SetDefault(logger)

	a, err := newAgent(cfg, opts, cluster.MangosFactory{}, logger)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		return err
	}
	defer a.stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Warn when the coordinator goes quiet: from here the node cannot tell
	// whether it was declared DOWN.
	silence := cfg.Timings.HeartbeatInterval * time.Duration(cfg.Timings.MissedHeartbeats)
	t := time.NewTicker(silence)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("agent stopping")
			return nil
		case now := <-t.C:
			if round, age := a.lastSurveyAge(now); age < 0 || age > silence {
				logger.Warn("no heartbeat survey from coordinator",
					logging.Uint64("last_round", round), logging.Duration("silence", silence))
			}
		}
	}
}
