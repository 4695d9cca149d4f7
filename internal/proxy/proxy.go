// Package proxy assembles the application: it owns the listener, the
// session registry and every shared service sessions are constructed with.
package proxy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/auth"
	"github.com/SkynetNext/bedrock-proxy/internal/circuitbreaker"
	"github.com/SkynetNext/bedrock-proxy/internal/config"
	"github.com/SkynetNext/bedrock-proxy/internal/consul"
	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
	"github.com/SkynetNext/bedrock-proxy/internal/event"
	"github.com/SkynetNext/bedrock-proxy/internal/lane"
	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/middleware"
	"github.com/SkynetNext/bedrock-proxy/internal/ratelimit"
	"github.com/SkynetNext/bedrock-proxy/internal/redis"
	"github.com/SkynetNext/bedrock-proxy/internal/router"
	"github.com/SkynetNext/bedrock-proxy/internal/scheduler"
	"github.com/SkynetNext/bedrock-proxy/internal/session"
	"github.com/SkynetNext/bedrock-proxy/internal/tracing"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

const (
	shutdownReason = "Proxy shutting down"

	// Backend dials: breaker opens after this many consecutive failures
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
	dialAttempts    = 3
	dialRetryDelay  = 200 * time.Millisecond

	statusRefreshInterval = time.Second
	laneCleanupInterval   = time.Minute
)

// Proxy is the running application
type Proxy struct {
	config   *config.Config
	configMu sync.RWMutex

	// env is swapped on hot reload; sessions keep the one they started with
	env atomic.Pointer[session.Env]

	sessions  *session.Manager
	lanes     *lane.Manager
	bus       *event.Bus
	scheduler *scheduler.Scheduler
	validator *auth.Validator
	signer    *auth.Signer

	router      *router.Router
	directory   *directory
	redisClient *redis.Client

	admission *ratelimit.Admission
	breakers  *circuitbreaker.Set
	dialer    *backendDialer
	status    *statusCache
	guid      int64

	listener    transport.Listener
	adminServer *http.Server

	cancel   context.CancelFunc
	draining atomic.Bool
	connWG   sync.WaitGroup
	bgWG     sync.WaitGroup
}

// Option customises a Proxy at construction
type Option func(*options)

type options struct {
	listener transport.Listener
	dialer   transport.Dialer
	redis    *redis.Client
	key      *ecdsa.PrivateKey
}

// WithListener serves clients from l instead of opening server.listen_addr
func WithListener(l transport.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithDialer dials backends with d instead of the configured transport
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRedis uses c for the backend directory
func WithRedis(c *redis.Client) Option {
	return func(o *options) { o.redis = c }
}

// WithKey uses key as the proxy's identity key instead of a fresh one
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(o *options) { o.key = key }
}

// New creates a new proxy instance
func New(cfg *config.Config, opts ...Option) (*Proxy, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	key := o.key
	if key == nil {
		var err error
		if key, err = encryption.GenerateKey(); err != nil {
			return nil, fmt.Errorf("failed to generate proxy key: %w", err)
		}
	}
	signer, err := auth.NewSigner(key)
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewValidator("")
	if err != nil {
		return nil, err
	}

	d := o.dialer
	if d == nil {
		if d, err = transport.NewDialer(transport.Kind(cfg.Proxy.BackendTransport), transportOptions(cfg)); err != nil {
			return nil, err
		}
	}
	pinger, _ := d.(transport.Pinger)

	redisCli := o.redis
	if redisCli == nil && cfg.Redis.Enabled {
		redisCli = redis.NewClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisCli.Ping(ctx); err != nil {
			redisCli.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	rtr := router.NewRouter()
	breakers := circuitbreaker.NewSet(breakerFailures, breakerTimeout)

	p := &Proxy{
		config:      cfg,
		sessions:    session.NewManager(),
		lanes:       lane.NewManager(cfg.Proxy.LaneCapacity, logger.L),
		bus:         event.NewBus(logger.L),
		scheduler:   scheduler.New(logger.L),
		validator:   validator,
		signer:      signer,
		router:      rtr,
		directory:   newDirectory(rtr, cfg.Routing.DefaultGroup, cfg.Proxy.DefaultBackend),
		redisClient: redisCli,
		admission: ratelimit.NewAdmission(
			int64(cfg.Security.MaxConnections),
			cfg.Security.MaxConnectionsPerIP,
			cfg.Security.ConnectionRateLimit,
		),
		breakers: breakers,
		dialer:   newBackendDialer(d, breakers, dialAttempts, dialRetryDelay),
		status:   newStatusCache(pinger, statusTTL),
		guid:     rand.Int64(),
		listener: o.listener,
	}
	p.env.Store(p.buildEnv(cfg))
	return p, nil
}

// buildEnv derives the session application context from cfg
func (p *Proxy) buildEnv(cfg *config.Config) *session.Env {
	return &session.Env{
		Settings: session.Settings{
			OnlineMode:           cfg.Proxy.OnlineMode,
			EncryptionEnabled:    cfg.Proxy.EncryptionEnabled,
			ViewDistance:         cfg.Proxy.ViewDistance,
			FlushInterval:        cfg.Proxy.FlushInterval,
			DisconnectFlushDelay: cfg.Proxy.DisconnectFlushDelay,
			DialTimeout:          cfg.Proxy.DialTimeout,
			CompressionLevel:     cfg.Proxy.CompressionLevel,
			MaxBatchSize:         cfg.Security.MaxBatchSize,
		},
		Validator: p.validator,
		Signer:    p.signer,
		Lanes:     p.lanes,
		Bus:       p.bus,
		Scheduler: p.scheduler,
		Dialer:    p.dialer,
		Resolver:  p.directory,
	}
}

// Bus returns the event bus extensions subscribe to
func (p *Proxy) Bus() *event.Bus {
	return p.bus
}

// Sessions returns the live session registry
func (p *Proxy) Sessions() *session.Manager {
	return p.sessions
}

// Start starts the proxy service
func (p *Proxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	cfg := p.GetConfig()

	// 1. Load backend groups and keep them fresh
	if p.redisClient != nil {
		p.directory.onGroupsUpdate(p.redisClient.LoadGroups(ctx))
		p.goBackground(func() {
			p.redisClient.RefreshLoop(ctx, cfg.Routing.RefreshInterval, p.directory.onGroupsUpdate)
		})
		p.goBackground(func() {
			if err := p.redisClient.WatchGroups(ctx, p.directory.onGroupsUpdate); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Warn("Backend group watch stopped", zap.Error(err))
			}
		})
	}

	if consulCfg := cfg.Routing.Consul; consulCfg.Address != "" {
		discovery := consul.NewDiscovery(consulCfg.Address)
		p.goBackground(func() {
			discovery.RefreshLoop(ctx, consulCfg.Service, cfg.Routing.RefreshInterval, p.directory.onGroupsUpdate)
		})
		logger.L.Info("Discovering backend groups from Consul",
			zap.String("address", consulCfg.Address),
			zap.String("service", consulCfg.Service),
		)
	}

	// 2. Stop idle lanes
	p.goBackground(func() {
		p.lanes.StartCleanup(ctx, laneCleanupInterval)
	})

	// 3. Close idle sessions
	p.scheduler.Schedule(p.cleanupIdleSessions, cfg.Session.CleanupInterval, cfg.Session.CleanupInterval)

	// 4. Access logger with batching
	middleware.InitAccessLogger(100, 5*time.Second)

	// 5. Admin server
	if err := p.startAdminServer(cfg.Server.AdminPort); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	// 6. Client listener
	if err := p.startListener(ctx, cfg); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	return nil
}

func (p *Proxy) goBackground(fn func()) {
	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		fn()
	}()
}

func (p *Proxy) cleanupIdleSessions() {
	timeout := p.GetConfig().Session.IdleTimeout
	if n := p.sessions.CleanupIdle(timeout); n > 0 {
		logger.L.Info("Closed idle sessions", zap.Int("count", n))
	}
}

// startAdminServer starts the admin HTTP server
func (p *Proxy) startAdminServer(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	p.adminServer = &http.Server{
		Handler:      p.buildRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	p.goBackground(func() {
		if err := p.adminServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L.Error("Admin server error", zap.Error(err))
		}
	})
	logger.L.Info("Admin server started", zap.String("addr", ln.Addr().String()))
	return nil
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		MaxFrameSize: cfg.Security.MaxFrameSize,
		WriteTimeout: cfg.Proxy.WriteTimeout,
	}
}

// startListener opens the client listener and starts accepting
func (p *Proxy) startListener(ctx context.Context, cfg *config.Config) error {
	if p.listener == nil {
		l, err := transport.Listen(transport.Kind(cfg.Server.Transport), cfg.Server.ListenAddr, transportOptions(cfg))
		if err != nil {
			return err
		}
		p.listener = l
	}

	if sl, ok := p.listener.(transport.StatusListener); ok {
		p.updateStatus(ctx, sl)
		p.scheduler.Schedule(func() { p.updateStatus(ctx, sl) }, statusRefreshInterval, statusRefreshInterval)
	}

	p.goBackground(func() {
		p.acceptLoop(ctx)
	})
	logger.L.Info("Listening for clients",
		zap.String("addr", p.listener.Addr().String()),
		zap.String("transport", cfg.Server.Transport),
	)
	return nil
}

// updateStatus mirrors the default backend's pong on the listener, or
// advertises the proxy itself when the backend cannot be reached
func (p *Proxy) updateStatus(ctx context.Context, sl transport.StatusListener) {
	addr := p.directory.fallback()
	pong, err := p.status.Pong(ctx, addr)
	if err != nil {
		cfg := p.GetConfig()
		logger.L.Debug("Default backend status unavailable", zap.String("backend", addr), zap.Error(err))
		pong = fallbackPong(cfg.Server.MOTD, p.sessions.Count(), cfg.Security.MaxConnections, p.guid, listenPort(sl.Addr()))
	}
	sl.SetStatus(pong)
}

func listenPort(addr net.Addr) uint16 {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(port, 10, 16)
	return uint16(n)
}

// acceptLoop accepts incoming connections
func (p *Proxy) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			// Listener closed on shutdown
			if p.draining.Load() || ctx.Err() != nil {
				return
			}
			logger.L.Warn("Accept connection error", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		p.connWG.Add(1)
		go func(c transport.Conn) {
			defer p.connWG.Done()
			p.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection runs one client session to completion
func (p *Proxy) handleConnection(ctx context.Context, conn transport.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, "proxy.handle_connection")
	defer span.End()

	if p.draining.Load() {
		_ = conn.Close()
		return
	}

	ip := extractIP(remoteAddr)
	release, reason := p.admission.Admit(ip)
	if release == nil {
		logger.WarnWithTrace(ctx, "Connection rejected",
			zap.String("remote_addr", remoteAddr),
			zap.String("reason", reason),
		)
		metrics.RateLimitRejected.Inc()
		metrics.IncConnectionRejected(reason)
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     middleware.StatusRejected,
			Error:      reason,
		})
		_ = conn.Close()
		return
	}
	defer release()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	env := p.env.Load()
	s, err := session.New(env, conn)
	if err != nil {
		logger.ErrorWithTrace(ctx, "Failed to create session",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     middleware.StatusError,
			Error:      err.Error(),
		})
		_ = conn.Close()
		return
	}

	p.sessions.Add(s)
	defer p.sessions.Remove(s.ID())

	logger.InfoWithTrace(ctx, "New connection",
		zap.String("remote_addr", remoteAddr),
		zap.String("session_id", s.ID().String()),
	)
	s.Run(ctx)

	// The session closes its transport after a short delay so the last
	// batch is delivered. Wait that long so Shutdown does not stop the
	// scheduler before the close fires, then close as a backstop.
	timer := time.NewTimer(env.Settings.DisconnectFlushDelay)
	<-timer.C
	_ = conn.Close()

	info := s.Info()
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		RemoteAddr: remoteAddr,
		SessionID:  info.ID,
		Username:   info.Username,
		XUID:       info.XUID,
		Backend:    info.Backend,
		DurationMs: time.Since(startTime).Milliseconds(),
		Status:     middleware.StatusClosed,
	})
}

// Shutdown gracefully shuts down the proxy
func (p *Proxy) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	p.draining.Store(true)

	// 2. Stop accepting new connections
	if p.listener != nil {
		_ = p.listener.Close()
	}

	// 3. Tell every client and wait for the sessions to end (with timeout)
	p.sessions.KickAll(shutdownReason)
	done := make(chan struct{})
	go func() {
		p.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.L.Warn("Shutdown timed out with sessions still open", zap.Int("sessions", p.sessions.Count()))
	}

	// 4. Stop background loops
	if p.cancel != nil {
		p.cancel()
	}

	var errs []error
	if p.adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.adminServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown admin server: %w", err))
		}
	}
	p.bgWG.Wait()

	// 5. Close shared services
	p.scheduler.Stop()
	p.lanes.Close()
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis connection: %w", err))
		}
	}
	middleware.ShutdownAccessLogger()

	return errors.Join(errs...)
}

// extractIP extracts the IP part of a host:port address
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
