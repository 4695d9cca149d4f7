package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
)

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
	modTime    time.Time
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig updates the configuration (thread-safe)
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate new configuration
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	// Call reload function if provided
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	// Update configuration
	h.config = newConfig
	return nil
}

// WatchConfigFile polls configPath and reloads it whenever its modification
// time changes, until ctx is done
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	if info, err := os.Stat(configPath); err == nil {
		h.modTime = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := os.Stat(configPath)
			if err != nil || !info.ModTime().After(h.modTime) {
				continue
			}
			h.modTime = info.ModTime()

			// Reload configuration from file
			newConfig, err := Load(configPath)
			if err != nil {
				logger.L.Warn("Ignoring invalid configuration change", zap.String("path", configPath), zap.Error(err))
				continue
			}

			// Update configuration if changed
			if err := h.UpdateConfig(newConfig); err != nil {
				logger.L.Warn("Failed to apply configuration change", zap.String("path", configPath), zap.Error(err))
				continue
			}
			logger.L.Info("Configuration reloaded", zap.String("path", configPath))
		}
	}
}
