package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/failover"
)

// probeTarget is one backend of an endpoint as a load balancer sees it.
type probeTarget struct {
	node string
	addr string // host:probe_port
}

// probeTargets resolves the probe address of every candidate of the named
// endpoint. Probes go to the host of the node's agent.
func probeTargets(st failover.ClusterStatus, name string) ([]probeTarget, error) {
	hosts := make(map[string]string, len(st.Nodes))
	for _, n := range st.Nodes {
		host, _, err := net.SplitHostPort(n.Addr)
		if err != nil {
			host = n.Addr
		}
		hosts[n.ID] = host
	}

	for _, g := range st.Groups {
		for _, ep := range g.Endpoints {
			if ep.Name != name {
				continue
			}
			out := make([]probeTarget, 0, len(ep.Candidates))
			for node := range ep.Candidates {
				host, ok := hosts[node]
				if !ok {
					continue
				}
				out = append(out, probeTarget{node: node, addr: net.JoinHostPort(host, strconv.Itoa(ep.ProbePort))})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].node < out[j].node })
			return out, nil
		}
	}
	return nil, fmt.Errorf("endpoint %q not found", name)
}

// probeRound probes every target once and reports pool changes.
func probeRound(ctx context.Context, tracker *endpoint.BackendTracker, targets []probeTarget, timeout time.Duration, out io.Writer) {
	for _, t := range targets {
		ok := endpoint.ProbeTCP(ctx, t.addr, timeout)
		if !tracker.Observe(t.node, ok) {
			continue
		}
		state := "left"
		if tracker.Healthy(t.node) {
			state = "joined"
		}
		fmt.Fprintf(out, "%s  %s %s the pool (%s)  active=[%s]\n",
			tracker.ChangedAt(t.node).Format(time.RFC3339), t.node, state, t.addr,
			strings.Join(tracker.Active(), ","))
	}
}

func cmdProbeWatch(args []string, out io.Writer) error {
	fs, g := newFlagSet("probe-watch", out)
	name := fs.String("endpoint", "", "Endpoint name")
	interval := fs.Duration("interval", 5*time.Second, "Probe interval")
	threshold := fs.Int("threshold", 2, "Consecutive failures before a backend leaves the pool")
	timeout := fs.Duration("probe-timeout", time.Second, "Probe connect timeout")
	if err := g.parse(fs, args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st failover.ClusterStatus
	if err := g.api.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return err
	}
	targets, err := probeTargets(st, *name)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "probing %d backends of %s every %s; redirect latency up to %s\n",
		len(targets), *name, *interval, endpoint.RedirectLatency(*interval, *threshold))

	tracker := endpoint.NewBackendTracker(*threshold, nil)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		probeRound(ctx, tracker, targets, *timeout, out)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
