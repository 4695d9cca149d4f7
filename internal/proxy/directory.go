package proxy

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/router"
)

// directory resolves the first backend of each session. When a default
// group is configured and known it routes within that group; otherwise it
// returns the configured default backend.
type directory struct {
	router *router.Router

	mu             sync.RWMutex
	defaultGroup   string
	defaultBackend string
}

func newDirectory(rtr *router.Router, defaultGroup, defaultBackend string) *directory {
	return &directory{
		router:         rtr,
		defaultGroup:   defaultGroup,
		defaultBackend: defaultBackend,
	}
}

// setDefaults changes the fallback address and group (hot reload)
func (d *directory) setDefaults(group, backend string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultGroup = group
	d.defaultBackend = backend
}

// fallback returns the configured default backend
func (d *directory) fallback() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defaultBackend
}

// DefaultBackend picks the backend a player identified by key joins first
func (d *directory) DefaultBackend(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	group, backend := d.defaultGroup, d.defaultBackend
	d.mu.RUnlock()

	if group == "" {
		return backend, nil
	}
	addr, err := d.router.Route(ctx, group, key)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, router.ErrGroupNotFound) && !errors.Is(err, router.ErrNoEndpoints) {
		return "", err
	}
	logger.DebugWithTrace(ctx, "Default group unavailable, using default backend",
		zap.String("group", group),
		zap.Error(err),
	)
	return backend, nil
}

// onGroupsUpdate applies groups loaded from Redis
func (d *directory) onGroupsUpdate(groups map[string]*router.Group, err error) {
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("backend_groups").Inc()
		logger.L.Warn("Failed to refresh backend groups", zap.Error(err))
		return
	}
	if groups == nil {
		// Key absent: keep what we have
		return
	}
	d.router.ReplaceGroups(groups)
	logger.L.Debug("Backend groups updated", zap.Int("count", len(groups)))
}
