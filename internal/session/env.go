package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/auth"
	"github.com/SkynetNext/bedrock-proxy/internal/event"
	"github.com/SkynetNext/bedrock-proxy/internal/lane"
	"github.com/SkynetNext/bedrock-proxy/internal/scheduler"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

// Settings are the typed configuration values a session reads
type Settings struct {
	OnlineMode        bool
	EncryptionEnabled bool
	ViewDistance      int32

	FlushInterval        time.Duration
	DisconnectFlushDelay time.Duration
	DialTimeout          time.Duration

	CompressionLevel int
	MaxBatchSize     int
}

func (s Settings) withDefaults() Settings {
	if s.FlushInterval <= 0 {
		s.FlushInterval = 50 * time.Millisecond
	}
	if s.DisconnectFlushDelay <= 0 {
		s.DisconnectFlushDelay = 500 * time.Millisecond
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 10 * time.Second
	}
	if s.ViewDistance <= 0 {
		s.ViewDistance = 8
	}
	return s
}

// BackendDialer opens backend connections on behalf of sessions. The proxy
// wraps the transport dialer with circuit breakers and retries.
type BackendDialer interface {
	Dial(ctx context.Context, address string) (transport.Conn, error)
}

// Resolver picks the first backend of a new session
type Resolver interface {
	DefaultBackend(ctx context.Context, key string) (string, error)
}

// StaticResolver always returns the same address
type StaticResolver string

// DefaultBackend returns the address
func (r StaticResolver) DefaultBackend(context.Context, string) (string, error) {
	return string(r), nil
}

// Env is the application context every session is constructed with. It is
// built once at startup and shared read-only.
type Env struct {
	Settings Settings

	Validator *auth.Validator
	// Signer holds the proxy key. It signs the encryption request sent to
	// clients and the chains presented to backends.
	Signer *auth.Signer

	Lanes     *lane.Manager
	Bus       *event.Bus
	Scheduler *scheduler.Scheduler
	Dialer    BackendDialer
	Resolver  Resolver

	Log *zap.Logger
}
