package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/auth"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/failover"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

type globalFlags struct {
	url     string
	token   string
	caFile  string
	timeout time.Duration

	api *apiClient
}

func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *globalFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	g := &globalFlags{}
	fs.StringVar(&g.url, "url", getEnvOrDefault(envServerURL, "http://localhost:8480"), "Coordinator API URL")
	fs.StringVar(&g.token, "token", os.Getenv(envToken), "Operator token")
	fs.StringVar(&g.caFile, "ca-file", os.Getenv(envCAFile), "CA certificate for a TLS API")
	fs.DurationVar(&g.timeout, "timeout", 3*time.Minute, "Request timeout")
	return fs, g
}

// parse parses args and builds the API client.
func (g *globalFlags) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newAPIClient(g.url, g.token, g.timeout).withTLS(g.caFile)
	if err != nil {
		return err
	}
	g.api = c
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cmdStatus(args []string, out io.Writer) error {
	fs, g := newFlagSet("status", out)
	asJSON := fs.Bool("json", false, "Print raw JSON")
	if err := g.parse(fs, args); err != nil {
		return err
	}

	var st failover.ClusterStatus
	if err := g.api.do(context.Background(), http.MethodGet, "/v1/status", nil, &st); err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, st)
	}
	renderStatus(out, st)
	return nil
}

func renderStatus(out io.Writer, st failover.ClusterStatus) {
	q := st.Quorum
	state := "HELD"
	if !q.HasQuorum {
		state = "LOST"
	}
	fmt.Fprintf(out, "Quorum: %s (%d/%d votes)\n\n", state, q.ReachableVotes, q.TotalVotes)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tADDR\tVOTE\tSTATE\tMISSED")
	nodes := st.Nodes
	if st.Witness != nil {
		nodes = append(nodes, *st.Witness)
	}
	for _, n := range nodes {
		id := n.ID
		if n.Witness {
			id += " (witness)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n", id, n.Addr, n.Vote, n.State, n.MissedHeartbeats)
	}
	tw.Flush()

	for _, g := range st.Groups {
		avail := "available"
		if !g.Available {
			avail = "UNAVAILABLE"
		}
		fmt.Fprintf(out, "\nGroup %s  gen %d  %s", g.Name, g.Generation, avail)
		if g.FailoverInFlight {
			fmt.Fprint(out, "  failover in flight")
		}
		if g.RecoveryPending {
			fmt.Fprintf(out, "\n  recovery pending: %s", g.RecoveryReason)
		}
		fmt.Fprintln(out)

		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  REPLICA\tROLE\tSYNC\tFAILOVER\tPRIO\tHEALTH\tCONN\tNODE\tLAG")
		for _, r := range g.Replicas {
			role := string(r.Role)
			if r.NeedsResync {
				role += "*"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				r.Node, role, r.SyncMode, r.FailoverMode, r.BackupPriority,
				r.SyncHealth, r.Connected, r.NodeState, r.Lag.Round(time.Millisecond))
		}
		tw.Flush()
		for _, ep := range g.Endpoints {
			target := ep.TargetNode
			if target == "" {
				target = "(none)"
			}
			fmt.Fprintf(out, "  endpoint %s %s -> %s\n", ep.Name, ep.Addr, target)
		}
	}
}

func cmdFailover(args []string, out io.Writer) error {
	fs, g := newFlagSet("failover", out)
	group := fs.String("group", "", "Data group")
	target := fs.String("target", "", "Secondary to promote")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	req := validation.FailoverRequest{Target: *target}
	if err := requireGroup(*group); err != nil {
		return err
	}
	if err := validation.Struct(&req); err != nil {
		return err
	}
	return triggerFailover(g, out, "/v1/groups/"+url.PathEscape(*group)+"/failover", req)
}

func cmdForceFailover(args []string, out io.Writer) error {
	fs, g := newFlagSet("force-failover", out)
	group := fs.String("group", "", "Data group")
	target := fs.String("target", "", "Secondary to promote")
	ack := fs.Bool("accept-data-loss", false, "Acknowledge that committed transactions may be lost")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	req := validation.ForcedFailoverRequest{Target: *target, AcknowledgeDataLoss: *ack}
	if err := requireGroup(*group); err != nil {
		return err
	}
	if err := validation.Struct(&req); err != nil {
		return err
	}
	return triggerFailover(g, out, "/v1/groups/"+url.PathEscape(*group)+"/failover/force", req)
}

func requireGroup(group string) error {
	if !validation.IsIdentifier(group) {
		return fmt.Errorf("-group: %q is not a valid group name", group)
	}
	return nil
}

// triggerFailover prints the resulting event whether or not the attempt
// succeeded.
func triggerFailover(g *globalFlags, out io.Writer, path string, req any) error {
	var ev audit.Event
	err := g.api.do(context.Background(), http.MethodPost, path, req, &ev)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Body.Event != nil {
		fmt.Fprintln(out, apiErr.Body.Event.String())
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ev.String())
	return nil
}

func cmdResync(args []string, out io.Writer) error {
	fs, g := newFlagSet("resync", out)
	group := fs.String("group", "", "Data group")
	node := fs.String("node", "", "Replica node")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	if err := requireGroup(*group); err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/groups/%s/replicas/%s/resync", url.PathEscape(*group), url.PathEscape(*node))
	if err := g.api.do(context.Background(), http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s/%s resynchronizing\n", *group, *node)
	return nil
}

func cmdResolve(args []string, out io.Writer) error {
	fs, g := newFlagSet("resolve", out)
	group := fs.String("group", "", "Data group")
	node := fs.String("node", "", "Replica node")
	role := fs.String("role", "SECONDARY", "SECONDARY or OFFLINE")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	if err := requireGroup(*group); err != nil {
		return err
	}
	req := validation.ResolveRequest{Role: strings.ToUpper(*role)}
	if err := validation.Struct(&req); err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/groups/%s/replicas/%s/resolve", url.PathEscape(*group), url.PathEscape(*node))
	if err := g.api.do(context.Background(), http.MethodPost, path, req, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s/%s resolved to %s\n", *group, *node, req.Role)
	return nil
}

func cmdEvents(args []string, out io.Writer) error {
	fs, g := newFlagSet("events", out)
	group := fs.String("group", "", "Only this group")
	trigger := fs.String("trigger", "", "AUTOMATIC, MANUAL or FORCED")
	outcome := fs.String("outcome", "", "Only this outcome, e.g. Success")
	since := fs.Duration("since", 0, "Only events newer than this")
	limit := fs.Int("limit", 50, "Maximum events")
	format := fs.String("format", "text", "text, json, jsonl, csv or syslog")
	if err := g.parse(fs, args); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	setIf(q, "group", *group)
	setIf(q, "trigger", strings.ToUpper(*trigger))
	setIf(q, "outcome", *outcome)
	if *since > 0 {
		q.Set("since", time.Now().Add(-*since).UTC().Format(time.RFC3339))
	}

	// Exports other than text are rendered by the server.
	if f := audit.ExportFormat(*format); f != audit.FormatText && f != audit.FormatJSON {
		q.Set("format", *format)
		data, err := g.api.raw(context.Background(), http.MethodGet, "/v1/events?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	var resp struct {
		Events []audit.Event `json:"events"`
	}
	if err := g.api.do(context.Background(), http.MethodGet, "/v1/events?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	return audit.Export(out, resp.Events, audit.ExportFormat(*format))
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func cmdWatch(args []string, out io.Writer) error {
	fs, g := newFlagSet("watch", out)
	group := fs.String("group", "", "Only this group")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := url.Values{}
	setIf(q, "group", *group)
	return g.api.stream(ctx, q, func(ev audit.Event) error {
		_, err := fmt.Fprintln(out, ev.String())
		return err
	})
}

func cmdAddNode(args []string, out io.Writer) error {
	fs, g := newFlagSet("add-node", out)
	req := validation.NodeRequest{}
	fs.StringVar(&req.ID, "id", "", "Node ID")
	fs.StringVar(&req.Addr, "addr", "", "Agent host:port")
	fs.IntVar(&req.Vote, "vote", 1, "Quorum vote (0 or 1)")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	if err := validation.Struct(&req); err != nil {
		return err
	}
	if err := g.api.do(context.Background(), http.MethodPost, "/v1/nodes", req, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "node %s added\n", req.ID)
	return nil
}

func cmdRemoveNode(args []string, out io.Writer) error {
	fs, g := newFlagSet("remove-node", out)
	id := fs.String("id", "", "Node ID")
	if err := g.parse(fs, args); err != nil {
		return err
	}
	if !validation.IsIdentifier(*id) {
		return fmt.Errorf("-id: %q is not a valid node ID", *id)
	}
	if err := g.api.do(context.Background(), http.MethodDelete, "/v1/nodes/"+url.PathEscape(*id), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "node %s removed\n", *id)
	return nil
}

// cmdToken signs a token locally with the coordinator's shared secret.
func cmdToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "Operator name recorded on events")
	role := fs.String("role", auth.RoleOperator, "viewer, operator or admin")
	ttl := fs.Duration("ttl", config.DefaultTokenTTL, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv(config.EnvJWTSecret)
	if secret == "" {
		return fmt.Errorf("%s is not set", config.EnvJWTSecret)
	}
	m, err := auth.NewJWTManager(secret, *ttl, nil)
	if err != nil {
		return err
	}
	tok, err := m.GenerateToken(*subject, *role)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}
