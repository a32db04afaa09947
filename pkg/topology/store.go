package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

var (
	ErrGroupNotFound   = errors.New("data group not found")
	ErrGroupExists     = errors.New("data group already exists")
	ErrReplicaNotFound = errors.New("replica not found in data group")
	ErrMultiplePrimary = errors.New("data group would have more than one primary")
)

// Store is the shared cluster state. Readers receive deep copies; every
// write goes through Update, which validates the single-primary invariant
// before committing.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*DataGroup
	clk    clock.Clock
}

// NewStore creates an empty store.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{groups: make(map[string]*DataGroup), clk: clk}
}

// AddGroup registers a data group. Replica Group fields are filled in and
// unset health and connectivity default to UNKNOWN and DISCONNECTED.
func (s *Store) AddGroup(g DataGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.Name]; exists {
		return fmt.Errorf("%w: %s", ErrGroupExists, g.Name)
	}

	c := g.Clone()
	now := s.clk.Now()
	for id, r := range c.Replicas {
		r.Node = id
		r.Group = c.Name
		if r.Role == "" {
			r.Role = RoleOffline
		}
		if r.SyncHealth == "" {
			r.SyncHealth = HealthUnknown
		}
		if r.Connected == "" {
			r.Connected = Disconnected
		}
		if r.RoleChangedAt.IsZero() {
			r.RoleChangedAt = now
		}
		c.Replicas[id] = r
	}
	if c.PrimaryCount() > 1 {
		return fmt.Errorf("%w: %s", ErrMultiplePrimary, g.Name)
	}
	c.Generation = 1
	c.UpdatedAt = now
	s.groups[c.Name] = &c
	return nil
}

// RemoveGroup deletes a data group.
func (s *Store) RemoveGroup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	delete(s.groups, name)
	return nil
}

// Group returns a snapshot of one group.
func (s *Store) Group(name string) (DataGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[name]
	if !ok {
		return DataGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return g.Clone(), nil
}

// Groups returns snapshots of every group sorted by name.
func (s *Store) Groups() []DataGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DataGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupNames returns the names of all groups, sorted.
func (s *Store) GroupNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replica returns a snapshot of one replica.
func (s *Store) Replica(group, node string) (Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[group]
	if !ok {
		return Replica{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	r, ok := g.Replicas[node]
	if !ok {
		return Replica{}, fmt.Errorf("%w: %s/%s", ErrReplicaNotFound, group, node)
	}
	return r, nil
}

// Update applies fn to a working copy of the group and commits it
// atomically. Nothing is committed when fn fails or when the result would
// hold two primaries. Generation is bumped only when a tracked field changed.
// It returns the committed snapshot.
func (s *Store) Update(group string, fn func(g *DataGroup) error) (DataGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[group]
	if !ok {
		return DataGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}

	work := current.Clone()
	if err := fn(&work); err != nil {
		return current.Clone(), err
	}
	if work.PrimaryCount() > 1 {
		return current.Clone(), fmt.Errorf("%w: %s", ErrMultiplePrimary, group)
	}

	work.Name = current.Name
	if work.fingerprint() != current.fingerprint() {
		work.Generation = current.Generation + 1
		work.UpdatedAt = s.clk.Now()
	} else {
		work.Generation = current.Generation
	}
	s.groups[group] = &work
	return work.Clone(), nil
}

// UpdateReplica applies fn to one replica through Update.
func (s *Store) UpdateReplica(group, node string, fn func(r *Replica) error) (Replica, error) {
	var out Replica
	_, err := s.Update(group, func(g *DataGroup) error {
		r, ok := g.Replicas[node]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrReplicaNotFound, group, node)
		}
		if err := fn(&r); err != nil {
			return err
		}
		r.Node, r.Group = node, group
		g.Replicas[node] = r
		out = r
		return nil
	})
	return out, err
}
