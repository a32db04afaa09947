// Command hactl is the operator CLI for the HA coordinator.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hactl: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"status", "Show quorum, nodes and role assignments", cmdStatus},
		{"top", "Live dashboard of the cluster", cmdTop},
		{"failover", "Planned failover of a group to a synchronized secondary", cmdFailover},
		{"force-failover", "Forced failover to any secondary, accepting data loss", cmdForceFailover},
		{"resync", "Reattach a replica displaced by forced failover", cmdResync},
		{"resolve", "Settle a RESOLVING replica to SECONDARY or OFFLINE", cmdResolve},
		{"events", "List or export failover events", cmdEvents},
		{"watch", "Stream failover events as they happen", cmdWatch},
		{"add-node", "Register a node with the membership", cmdAddNode},
		{"remove-node", "Take a node's replicas offline and remove it", cmdRemoveNode},
		{"probe-watch", "Probe an endpoint's candidates like a load balancer", cmdProbeWatch},
		{"token", "Issue an operator token from the shared secret", cmdToken},
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return fmt.Errorf("no command given")
	}
	switch args[0] {
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintf(out, "hactl %s\n", version)
		return nil
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return c.run(args[1:], out)
		}
	}
	printUsage(out)
	return fmt.Errorf("unknown command: %s", args[0])
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `hactl - operator CLI for the HA coordinator

Usage:
  hactl <command> [options]

Commands:
`)
	for _, c := range commands() {
		fmt.Fprintf(out, "  %-15s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(out, `
Global Flags:
  --url URL      Coordinator API URL (default $%s or http://localhost:8480)
  --token TOKEN  Operator token (default $%s)

Use "hactl <command> --help" for the options of a command.
`, envServerURL, envToken)
}
