package router

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

// Strategy selects one endpoint of a backend group
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyConsistentHash Strategy = "consistent_hash"
)

var (
	// ErrGroupNotFound is returned when no group has the requested name
	ErrGroupNotFound = errors.New("backend group not found")

	// ErrNoEndpoints is returned for a group without endpoints
	ErrNoEndpoints = errors.New("no available endpoints")
)

// Group is a named set of interchangeable backends
type Group struct {
	Name      string   `json:"name"`
	Strategy  Strategy `json:"strategy"`
	Endpoints []string `json:"endpoints"`
}

// Router picks backends out of named groups
type Router struct {
	mu     sync.RWMutex
	groups map[string]*Group

	// Round-robin counters per group
	rrMu     sync.Mutex
	counters map[string]int
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		groups:   make(map[string]*Group),
		counters: make(map[string]int),
	}
}

// UpdateGroup adds or replaces a group
func (r *Router) UpdateGroup(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name] = g
}

// ReplaceGroups swaps the whole group set, dropping groups not in groups
func (r *Router) ReplaceGroups(groups map[string]*Group) {
	next := make(map[string]*Group, len(groups))
	for name, g := range groups {
		if g == nil {
			continue
		}
		if g.Name == "" {
			g.Name = name
		}
		next[g.Name] = g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = next
}

// GetGroup gets a group by name
func (r *Router) GetGroup(name string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Route picks an endpoint of the named group. key identifies the player
// for consistent hashing so a reconnecting player lands on the same backend.
func (r *Router) Route(ctx context.Context, group, key string) (string, error) {
	g, ok := r.GetGroup(group)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if len(g.Endpoints) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoEndpoints, group)
	}

	switch g.Strategy {
	case StrategyRoundRobin, "":
		return r.routeRoundRobin(g), nil
	case StrategyConsistentHash:
		return routeConsistentHash(g, key), nil
	default:
		return "", fmt.Errorf("unknown routing strategy: %s", g.Strategy)
	}
}

// routeRoundRobin routes using round-robin algorithm
func (r *Router) routeRoundRobin(g *Group) string {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()

	count := r.counters[g.Name]
	endpoint := g.Endpoints[count%len(g.Endpoints)]
	r.counters[g.Name] = (count + 1) % len(g.Endpoints)
	return endpoint
}

// routeConsistentHash maps key onto the group with CRC32
func routeConsistentHash(g *Group, key string) string {
	hash := crc32.ChecksumIEEE([]byte(key))
	return g.Endpoints[int(hash%uint32(len(g.Endpoints)))]
}

// GetAllGroups returns all groups (for monitoring)
func (r *Router) GetAllGroups() map[string]*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[string]*Group, len(r.groups))
	for k, v := range r.groups {
		groups[k] = v
	}
	return groups
}
