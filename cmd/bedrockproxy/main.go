package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/config"
	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/proxy"
	"github.com/SkynetNext/bedrock-proxy/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const configPollInterval = 5 * time.Second

func main() {
	var configPath string
	var watch bool
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.BoolVar(&watch, "watch", true, "Reload the configuration file when it changes")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize tracing (optional, if a Jaeger endpoint is configured)
	jaegerEndpoint := cfg.Tracing.JaegerEndpoint
	if env := os.Getenv("JAEGER_ENDPOINT"); env != "" {
		jaegerEndpoint = env
	}
	if jaegerEndpoint != "" {
		if err := tracing.Init("bedrock-proxy", version, jaegerEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", jaegerEndpoint))
		}
	}

	// Create proxy instance
	p, err := proxy.New(cfg)
	if err != nil {
		logger.L.Fatal("Failed to create proxy", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start proxy", zap.Error(err))
	}

	if watch {
		reloader := config.NewHotReloadManager(cfg, p.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, configPollInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Warn("Configuration watch stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Bedrock Proxy started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("default_backend", cfg.Proxy.DefaultBackend),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), p.GetConfig().GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during proxy shutdown", zap.Error(err))
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Bedrock Proxy closed")
}
