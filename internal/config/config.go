package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents proxy configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Proxy core configuration
	Proxy ProxyConfig `yaml:"proxy"`

	// Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Routing configuration
	Routing RoutingConfig `yaml:"routing"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Session configuration
	Session SessionConfig `yaml:"session"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents the client-facing listener configuration
type ServerConfig struct {
	// Listen address for game clients
	ListenAddr string `yaml:"listen_addr"`

	// Client transport: raknet or tcp
	Transport string `yaml:"transport"`

	// Admin HTTP port (health, readiness, metrics, session control)
	AdminPort int `yaml:"admin_port"`

	// MOTD shown in the server list when the default backend cannot be pinged
	MOTD string `yaml:"motd"`
}

// ProxyConfig represents the session core configuration
type ProxyConfig struct {
	// Verify client chains against the root key and reject failures
	OnlineMode bool `yaml:"online_mode"`

	// Negotiate encryption with clients
	EncryptionEnabled bool `yaml:"encryption_enabled"`

	// Backend every session connects to first (host:port)
	DefaultBackend string `yaml:"default_backend"`

	// Backend transport: raknet or tcp
	BackendTransport string `yaml:"backend_transport"`

	// Chunk radius requested from backends when the client has not asked yet
	ViewDistance int32 `yaml:"view_distance"`

	// Interval of the periodic outbound flush
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Sessions pinned to one outbound lane
	LaneCapacity int `yaml:"lane_capacity"`

	// Delay between the final flush and closing a client transport
	DisconnectFlushDelay time.Duration `yaml:"disconnect_flush_delay"`

	// Backend dial timeout
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Per-frame write deadline on stream transports. A peer that stops
	// reading for this long is disconnected.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Deflate level for outbound batches
	CompressionLevel int `yaml:"compression_level"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	// Load backend groups from Redis
	Enabled bool `yaml:"enabled"`

	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RoutingConfig represents backend directory configuration
type RoutingConfig struct {
	// Refresh interval for backend groups
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Group whose selection replaces proxy.default_backend when present
	DefaultGroup string `yaml:"default_group"`

	// Consul discovery, an alternative source of backend groups to Redis
	Consul ConsulConfig `yaml:"consul"`
}

// ConsulConfig selects the Consul service whose healthy instances form the
// backend groups. Discovery is off while Address is empty.
type ConsulConfig struct {
	// Consul HTTP API, e.g. http://127.0.0.1:8500
	Address string `yaml:"address"`

	// Service name registered by the backends
	Service string `yaml:"service"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum concurrent client connections
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`

	// Maximum frame size (in bytes) accepted from TCP peers
	MaxFrameSize int `yaml:"max_frame_size"`

	// Maximum inflated size (in bytes) of one batch
	MaxBatchSize int `yaml:"max_batch_size"`
}

// SessionConfig represents session lifecycle configuration
type SessionConfig struct {
	// Sessions without traffic for this long are closed
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Interval of the idle session sweep
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// Jaeger collector endpoint; tracing is disabled when empty.
	// JAEGER_ENDPOINT overrides it.
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration from YAML
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		// Booleans that default to true must be set before decoding
		Proxy: ProxyConfig{OnlineMode: true, EncryptionEnabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate server configuration
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if !validTransport(cfg.Server.Transport) {
		return fmt.Errorf("server.transport must be raknet or tcp, got %q", cfg.Server.Transport)
	}
	if cfg.Server.AdminPort <= 0 || cfg.Server.AdminPort > 65535 {
		return fmt.Errorf("server.admin_port must be between 1 and 65535")
	}

	// Validate proxy configuration
	if cfg.Proxy.DefaultBackend == "" {
		return fmt.Errorf("proxy.default_backend is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Proxy.DefaultBackend); err != nil {
		return fmt.Errorf("proxy.default_backend must be host:port: %w", err)
	}
	if !validTransport(cfg.Proxy.BackendTransport) {
		return fmt.Errorf("proxy.backend_transport must be raknet or tcp, got %q", cfg.Proxy.BackendTransport)
	}
	if cfg.Proxy.ViewDistance <= 0 {
		return fmt.Errorf("proxy.view_distance must be greater than 0")
	}
	if cfg.Proxy.FlushInterval <= 0 {
		return fmt.Errorf("proxy.flush_interval must be greater than 0")
	}
	if cfg.Proxy.CompressionLevel < -2 || cfg.Proxy.CompressionLevel > 9 {
		return fmt.Errorf("proxy.compression_level must be between -2 and 9")
	}

	// Validate Redis configuration
	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be greater than 0")
		}
	}

	// Validate routing configuration
	if cfg.Routing.RefreshInterval <= 0 {
		return fmt.Errorf("routing.refresh_interval must be greater than 0")
	}
	if cfg.Routing.Consul.Address != "" && cfg.Redis.Enabled {
		return fmt.Errorf("backend groups come from either redis or routing.consul, not both")
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

func validTransport(t string) bool {
	return t == "raknet" || t == "tcp"
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0:19132"
	}

	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "raknet"
	}

	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 9090
	}

	if cfg.Server.MOTD == "" {
		cfg.Server.MOTD = "Bedrock Proxy"
	}

	if cfg.Proxy.BackendTransport == "" {
		cfg.Proxy.BackendTransport = "raknet"
	}

	if cfg.Proxy.ViewDistance == 0 {
		cfg.Proxy.ViewDistance = 8
	}

	if cfg.Proxy.FlushInterval == 0 {
		cfg.Proxy.FlushInterval = 50 * time.Millisecond
	}

	if cfg.Proxy.LaneCapacity == 0 {
		cfg.Proxy.LaneCapacity = 64
	}

	if cfg.Proxy.DisconnectFlushDelay == 0 {
		cfg.Proxy.DisconnectFlushDelay = 500 * time.Millisecond
	}

	if cfg.Proxy.DialTimeout == 0 {
		cfg.Proxy.DialTimeout = 10 * time.Second
	}
	if cfg.Proxy.WriteTimeout == 0 {
		cfg.Proxy.WriteTimeout = 10 * time.Second
	}

	if cfg.Proxy.CompressionLevel == 0 {
		cfg.Proxy.CompressionLevel = 7
	}

	// Redis address from config file (no environment variable override)
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "bedrock-proxy:"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Routing.RefreshInterval == 0 {
		cfg.Routing.RefreshInterval = 10 * time.Second
	}
	if cfg.Routing.Consul.Address != "" && cfg.Routing.Consul.Service == "" {
		cfg.Routing.Consul.Service = "bedrock-backend"
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 10000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10 // 10 connections per IP default
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5 // 5 connections per second per IP
	}
	if cfg.Security.MaxFrameSize == 0 {
		cfg.Security.MaxFrameSize = 4 * 1024 * 1024 // 4MB default
	}
	if cfg.Security.MaxBatchSize == 0 {
		cfg.Security.MaxBatchSize = 8 * 1024 * 1024 // 8MB inflated
	}

	// Session defaults
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 5 * time.Minute
	}
	if cfg.Session.CleanupInterval == 0 {
		cfg.Session.CleanupInterval = 30 * time.Second
	}
}
