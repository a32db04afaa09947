// Package endpoint maps virtual endpoints to the current PRIMARY of their
// data group and answers the load balancer's health probes.
package endpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

var (
	ErrEndpointNotFound = errors.New("virtual endpoint not found")
	ErrEndpointExists   = errors.New("virtual endpoint already bound")
	ErrInvalidEndpoint  = errors.New("invalid virtual endpoint")
	ErrUnknownCandidate = errors.New("node is not a candidate for the endpoint")
)

// VirtualEndpoint is a stable client address that follows a group's primary.
type VirtualEndpoint struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	ProbePort int    `json:"probe_port"`
	Group     string `json:"group"`
	// Candidates maps node ID to the address the endpoint forwards to when
	// that node is PRIMARY.
	Candidates map[string]string `json:"candidates"`
	TargetNode string            `json:"target_node,omitempty"`
	TargetAddr string            `json:"target_addr,omitempty"`
}

func (v VirtualEndpoint) clone() VirtualEndpoint {
	c := v
	c.Candidates = make(map[string]string, len(v.Candidates))
	for k, a := range v.Candidates {
		c.Candidates[k] = a
	}
	return c
}

// ProbeResult is the answer to one health probe.
type ProbeResult struct {
	Endpoint string `json:"endpoint"`
	Node     string `json:"node"`
	Healthy  bool   `json:"healthy"`
	Target   string `json:"target,omitempty"`
}

// Router holds every bound endpoint. The coordinator is its only writer.
type Router struct {
	mu        sync.RWMutex
	endpoints map[string]*VirtualEndpoint
	byGroup   map[string][]string
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewRouter creates an empty router.
func NewRouter(logger logging.Logger, reg *metrics.Registry) *Router {
	return &Router{
		endpoints: make(map[string]*VirtualEndpoint),
		byGroup:   make(map[string][]string),
		logger:    logging.ForComponent(logger, "endpoint-router"),
		metrics:   reg,
	}
}

// Bind registers an endpoint with no target.
func (r *Router) Bind(ep VirtualEndpoint) error {
	if ep.Name == "" || ep.Group == "" || len(ep.Candidates) == 0 {
		return fmt.Errorf("%w: name, group and candidates are required", ErrInvalidEndpoint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.Name]; exists {
		return fmt.Errorf("%w: %s", ErrEndpointExists, ep.Name)
	}
	c := ep.clone()
	c.TargetNode, c.TargetAddr = "", ""
	r.endpoints[c.Name] = &c
	r.byGroup[c.Group] = append(r.byGroup[c.Group], c.Name)
	sort.Strings(r.byGroup[c.Group])
	r.metrics.SetEndpointTarget(c.Name, false)
	return nil
}

// Unbind removes an endpoint.
func (r *Router) Unbind(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	delete(r.endpoints, name)
	names := r.byGroup[ep.Group][:0]
	for _, n := range r.byGroup[ep.Group] {
		if n != name {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		delete(r.byGroup, ep.Group)
	} else {
		r.byGroup[ep.Group] = names
	}
	return nil
}

// Publish points every endpoint of group at node. Endpoints that do not list
// node as a candidate are cleared and reported in the returned error.
func (r *Router) Publish(group, node string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.byGroup[group] {
		ep := r.endpoints[name]
		addr, ok := ep.Candidates[node]
		if !ok {
			ep.TargetNode, ep.TargetAddr = "", ""
			r.metrics.SetEndpointTarget(name, false)
			errs = append(errs, fmt.Errorf("%w: %s for %s", ErrUnknownCandidate, node, name))
			continue
		}
		if ep.TargetNode == node && ep.TargetAddr == addr {
			continue
		}
		ep.TargetNode, ep.TargetAddr = node, addr
		r.metrics.SetEndpointTarget(name, true)
		r.logger.Info("endpoint retargeted",
			logging.Endpoint(name), logging.Group(group), logging.Node(node), logging.String("addr", addr))
	}
	return errors.Join(errs...)
}

// Clear removes the target of every endpoint of group.
func (r *Router) Clear(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.byGroup[group] {
		ep := r.endpoints[name]
		if ep.TargetNode == "" {
			continue
		}
		ep.TargetNode, ep.TargetAddr = "", ""
		r.metrics.SetEndpointTarget(name, false)
		r.logger.Info("endpoint cleared", logging.Endpoint(name), logging.Group(group))
	}
}

// Target returns the node and address an endpoint currently forwards to.
func (r *Router) Target(name string) (node, addr string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, found := r.endpoints[name]
	if !found || ep.TargetNode == "" {
		return "", "", false
	}
	return ep.TargetNode, ep.TargetAddr, true
}

// Endpoint returns a copy of one endpoint.
func (r *Router) Endpoint(name string) (VirtualEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[name]
	if !ok {
		return VirtualEndpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	return ep.clone(), nil
}

// ForGroup returns copies of the endpoints bound to group.
func (r *Router) ForGroup(group string) []VirtualEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VirtualEndpoint, 0, len(r.byGroup[group]))
	for _, name := range r.byGroup[group] {
		out = append(out, r.endpoints[name].clone())
	}
	return out
}

// Endpoints returns copies of every endpoint sorted by name.
func (r *Router) Endpoints() []VirtualEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VirtualEndpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProbeCheck answers a probe sent by the load balancer to probingNode: it is
// healthy only if that node is the endpoint's current target.
func (r *Router) ProbeCheck(name, probingNode string) ProbeResult {
	r.mu.RLock()
	ep, ok := r.endpoints[name]
	var target string
	if ok {
		target = ep.TargetNode
	}
	r.mu.RUnlock()

	res := ProbeResult{
		Endpoint: name,
		Node:     probingNode,
		Healthy:  ok && target != "" && target == probingNode,
		Target:   target,
	}
	r.metrics.RecordProbe(name, res.Healthy)
	return res
}
