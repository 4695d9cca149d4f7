package proxy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/config"
	"github.com/SkynetNext/bedrock-proxy/internal/logger"
)

// UpdateConfig applies a reloaded configuration. Limits, the default
// backend and session settings change in place; sessions already running
// keep the settings they started with.
func (p *Proxy) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	p.configMu.Lock()
	defer p.configMu.Unlock()
	old := p.config

	if newConfig.Server.ListenAddr != old.Server.ListenAddr ||
		newConfig.Server.Transport != old.Server.Transport {
		logger.L.Warn("Listener changes require a restart",
			zap.String("listen_addr", old.Server.ListenAddr),
			zap.String("transport", old.Server.Transport),
		)
	}
	if newConfig.Server.AdminPort != old.Server.AdminPort {
		logger.L.Warn("Admin port changes require a restart", zap.Int("admin_port", old.Server.AdminPort))
	}
	if newConfig.Proxy.BackendTransport != old.Proxy.BackendTransport {
		logger.L.Warn("Backend transport changes require a restart",
			zap.String("backend_transport", old.Proxy.BackendTransport),
		)
	}

	p.admission.SetLimits(
		int64(newConfig.Security.MaxConnections),
		newConfig.Security.MaxConnectionsPerIP,
		newConfig.Security.ConnectionRateLimit,
	)
	p.directory.setDefaults(newConfig.Routing.DefaultGroup, newConfig.Proxy.DefaultBackend)
	p.env.Store(p.buildEnv(newConfig))
	p.config = newConfig

	logger.L.Info("Configuration updated",
		zap.String("default_backend", newConfig.Proxy.DefaultBackend),
		zap.String("default_group", newConfig.Routing.DefaultGroup),
		zap.Int("max_connections", newConfig.Security.MaxConnections),
	)
	return nil
}

// GetConfig returns the current configuration
func (p *Proxy) GetConfig() *config.Config {
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	return p.config
}
