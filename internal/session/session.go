// Package session runs the per-client protocol engine: login, encryption,
// backend connections and switching, and the relay between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/auth"
	"github.com/SkynetNext/bedrock-proxy/internal/batch"
	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
	"github.com/SkynetNext/bedrock-proxy/internal/entity"
	"github.com/SkynetNext/bedrock-proxy/internal/event"
	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/protocol"
	"github.com/SkynetNext/bedrock-proxy/internal/tracing"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

var (
	// ErrBackendUnreachable is returned when a backend cannot be dialed or
	// drops during login
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrClosed is returned when a request reaches a session that has ended
	ErrClosed = errors.New("session closed")

	// ErrNotPlaying is returned when a transfer reaches a session that has
	// not finished logging in
	ErrNotPlaying = errors.New("session not playing")
)

// Client-facing disconnect reasons
const (
	reasonNotAuthenticated = "disconnectionScreen.notAuthenticated"
	reasonInvalidLogin     = "Invalid login"
	reasonMalformed        = "Malformed packet"
	reasonNoServer         = "No server available"
	reasonServerLost       = "Lost connection to the server"
	reasonShutdown         = "Proxy shutting down"
)

// State is the session's position in the login and play sequence
type State int32

const (
	StateHandshake State = iota
	StateAuthenticating
	StateEncrypted
	StatePlay
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateEncrypted:
		return "ENCRYPTED"
	case StatePlay:
		return "PLAY"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Info is a snapshot of a session for monitoring
type Info struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Username      string    `json:"username,omitempty"`
	XUID          string    `json:"xuid,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Protocol      int32     `json:"protocol,omitempty"`
	State         string    `json:"state"`
	Backend       string    `json:"backend,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// Session is one connected client. Everything except the exported methods
// runs on the session's event loop.
type Session struct {
	id       uuid.UUID
	env      *Env
	settings Settings
	client   *link
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	state    State
	loggedIn bool
	protocol int32
	identity *auth.Result

	entities *entity.Map
	current  *Backend
	pending  *Backend
	// lastKnown is the address of the last backend that completed login
	lastKnown string
	retried   bool

	chunkRadius int32

	mu         sync.RWMutex
	info       Info
	lastActive atomic.Int64
}

// New creates a session for an accepted client connection. Run starts it.
func New(env *Env, conn transport.Conn) (*Session, error) {
	id := uuid.New()
	remote := conn.RemoteAddr().String()

	log := logger.ForSession(id.String(), remote)
	if env.Log != nil {
		log = env.Log.With(zap.String("session_id", id.String()), zap.String("remote_addr", remote))
	}

	settings := env.Settings.withDefaults()
	client, err := newLink(peerClient, conn, env.Lanes, settings, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up client link: %w", err)
	}

	now := time.Now()
	s := &Session{
		id:       id,
		env:      env,
		settings: settings,
		client:   client,
		log:      log,
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		entities: entity.NewMap(log),
		info: Info{
			ID:           id.String(),
			RemoteAddr:   remote,
			State:        StateHandshake.String(),
			CreatedAt:    now,
			LastActiveAt: now,
		},
	}
	s.lastActive.Store(now.UnixNano())
	return s, nil
}

// ID returns the session id
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Done is closed when the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.LastActiveAt = s.LastActive()
	return info
}

// LastActive returns when the client last sent a batch
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Transfer moves the session to the backend at address. Only sessions in
// the play state can be moved.
func (s *Session) Transfer(address string) error {
	if s.Info().State != StatePlay.String() {
		select {
		case <-s.done:
			return ErrClosed
		default:
			return ErrNotPlaying
		}
	}
	if !s.post(func() { s.connect(address) }) {
		return ErrClosed
	}
	return nil
}

// Kick disconnects the client with reason
func (s *Session) Kick(reason string) error {
	if !s.post(func() { s.disconnect(reason, "kicked") }) {
		return ErrClosed
	}
	return nil
}

// post hands fn to the event loop. It reports false once the loop has ended.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Run processes the session until it disconnects or ctx is cancelled
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	defer close(s.done)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	go s.readClient(s.client.conn)

	ticker := time.NewTicker(s.settings.FlushInterval)
	defer ticker.Stop()

	for s.state != StateDisconnected {
		select {
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.flush()
		case <-ctx.Done():
			s.disconnect(reasonShutdown, "shutdown")
		}
	}
}

func (s *Session) readClient(conn transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.post(func() { s.onClientClosed(err) })
			return
		}
		if !s.post(func() { s.handleClientFrame(frame) }) {
			return
		}
	}
}

func (s *Session) readBackend(b *Backend, conn transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.post(func() { s.onBackendClosed(b, err) })
			return
		}
		if !s.post(func() { s.handleBackendFrame(b, frame) }) {
			return
		}
	}
}

func (s *Session) flush() {
	s.client.flush()
	if s.current != nil {
		s.current.flush()
	}
	if s.pending != nil {
		s.pending.flush()
	}
}

func (s *Session) setState(state State) {
	s.state = state
	s.mu.Lock()
	s.info.State = state.String()
	s.mu.Unlock()
}

func (s *Session) onClientClosed(err error) {
	if s.state == StateDisconnected {
		return
	}
	s.log.Info("Client connection closed", zap.Error(err))
	s.disconnect("", "client_closed")
}

func (s *Session) handleClientFrame(frame []byte) {
	if s.state == StateDisconnected {
		return
	}
	packets, err := s.client.decode(frame)
	if err != nil {
		s.log.Warn("Closing session on bad client batch", zap.Error(err))
		if errors.Is(err, encryption.ErrIntegrity) {
			// The stream is unusable; nothing more can reach the client.
			s.disconnect("", "integrity_failure")
			return
		}
		s.disconnect(reasonMalformed, "protocol_violation")
		return
	}
	s.lastActive.Store(time.Now().UnixNano())

	for _, pk := range packets {
		if s.state == StateDisconnected {
			return
		}
		if err := s.handleClientPacket(pk); err != nil {
			s.log.Warn("Closing session on bad client packet", zap.Error(err))
			metrics.ProtocolViolations.WithLabelValues(peerClient).Inc()
			s.disconnect(reasonMalformed, "protocol_violation")
			return
		}
	}
}

func (s *Session) handleClientPacket(pk []byte) error {
	id, headerLen, err := protocol.ParseHeader(pk)
	if err != nil {
		return err
	}
	payload := pk[headerLen:]

	switch s.state {
	case StateHandshake:
		if !s.loggedIn {
			if id != protocol.IDLogin {
				s.log.Debug("Ignoring packet before login", zap.Uint32("packet_id", id))
				return nil
			}
			return s.handleLogin(payload)
		}
		return s.handlePackResponse(id, payload)

	case StateAuthenticating:
		if id != protocol.IDClientToServerHandshake {
			s.log.Debug("Ignoring packet before encryption is ready", zap.Uint32("packet_id", id))
			return nil
		}
		s.setState(StateEncrypted)
		s.sendLoginSuccess()
		return nil

	case StateEncrypted:
		return s.handlePackResponse(id, payload)

	case StatePlay:
		return s.relayToBackend(id, pk, payload)
	}
	return nil
}

func (s *Session) handleLogin(payload []byte) error {
	ctx, span := tracing.StartSpan(s.ctx, "session.login",
		attribute.String("session_id", s.id.String()),
	)
	defer span.End()

	req, err := protocol.ParseLogin(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", batch.ErrProtocolViolation, err)
	}
	s.protocol = req.Protocol
	span.SetAttributes(attribute.Int("protocol", int(req.Protocol)))

	res, err := s.env.Validator.Validate(req.Chain, req.ClientDataToken)
	if err != nil {
		if res == nil {
			metrics.ChainValidationFailures.WithLabelValues("malformed").Inc()
			s.log.Warn("Rejecting malformed login", zap.Error(err))
			s.disconnect(reasonInvalidLogin, "login_failed")
			return nil
		}
		if s.settings.OnlineMode {
			metrics.ChainValidationFailures.WithLabelValues("strict").Inc()
			s.log.Warn("Rejecting unverified login", zap.String("username", res.Identity.DisplayName), zap.Error(err))
			s.disconnect(reasonNotAuthenticated, "login_failed")
			return nil
		}
		metrics.ChainValidationFailures.WithLabelValues("lenient").Inc()
		s.log.Info("Continuing with unauthenticated identity", zap.String("username", res.Identity.DisplayName), zap.Error(err))
	}

	s.identity = res
	s.loggedIn = true
	s.log = s.log.With(zap.String("username", res.Identity.DisplayName), zap.String("xuid", res.Identity.XUID))
	s.mu.Lock()
	s.info.Username = res.Identity.DisplayName
	s.info.XUID = res.Identity.XUID
	s.info.Authenticated = res.Authenticated
	s.info.Protocol = req.Protocol
	s.mu.Unlock()

	ev := s.env.Bus.Publish(ctx, &event.Login{
		SessionID:     s.id.String(),
		Username:      res.Identity.DisplayName,
		XUID:          res.Identity.XUID,
		UUID:          res.UUID,
		Authenticated: res.Authenticated,
		Protocol:      req.Protocol,
	}).(*event.Login)
	if ev.Cancelled() {
		s.log.Info("Login cancelled", zap.String("reason", ev.Reason()))
		s.disconnect(ev.Reason(), "login_cancelled")
		return nil
	}

	s.log.Info("Client logged in",
		zap.Bool("authenticated", res.Authenticated),
		zap.Int32("protocol", req.Protocol),
	)

	if !s.settings.EncryptionEnabled {
		s.sendLoginSuccess()
		return nil
	}
	if res.IdentityPublicKey == nil {
		s.disconnect(reasonInvalidLogin, "login_failed")
		return nil
	}
	token, crypto, err := encryption.NewHandshake(s.env.Signer.Key(), res.IdentityPublicKey)
	if err != nil {
		return err
	}
	s.client.send(protocol.ServerToClientHandshake(token))
	s.client.enableEncryption(crypto)
	s.setState(StateAuthenticating)
	return nil
}

func (s *Session) sendLoginSuccess() {
	s.client.send(protocol.PlayStatus(protocol.PlayStatusLoginSuccess))
	s.client.send(protocol.ResourcePacksInfo())
}

// handlePackResponse drives the empty resource pack exchange that ends the
// login sequence
func (s *Session) handlePackResponse(id uint32, payload []byte) error {
	switch id {
	case protocol.IDRequestChunkRadius:
		return s.recordChunkRadius(payload)
	case protocol.IDResourcePackClientResponse:
	default:
		s.log.Debug("Ignoring packet during resource pack exchange", zap.Uint32("packet_id", id))
		return nil
	}

	status, err := protocol.ParseResourcePackClientResponse(payload)
	if err != nil {
		return err
	}
	if status != protocol.PackResponseCompleted {
		s.client.send(protocol.ResourcePackStack())
		return nil
	}

	s.setState(StatePlay)
	s.connectDefault()
	return nil
}

func (s *Session) recordChunkRadius(payload []byte) error {
	radius, err := protocol.ParseRequestChunkRadius(payload)
	if err != nil {
		return err
	}
	s.chunkRadius = radius
	return nil
}

func (s *Session) relayToBackend(id uint32, pk, payload []byte) error {
	if id == protocol.IDRequestChunkRadius {
		if err := s.recordChunkRadius(payload); err != nil {
			return err
		}
	}
	b := s.current
	if b == nil || b.state != backendPlaying {
		return nil
	}
	out, err := s.entities.Rewrite(pk, entity.Serverbound)
	if err != nil {
		return err
	}
	b.send(out)
	return nil
}

func (s *Session) connectDefault() {
	key := s.id.String()
	if s.identity != nil {
		key = s.identity.Identity.Identity
	}
	addr, err := s.env.Resolver.DefaultBackend(s.ctx, key)
	if err != nil || addr == "" {
		s.log.Warn("No default backend", zap.Error(err))
		s.disconnect(reasonNoServer, "backend_unreachable")
		return
	}
	s.connect(addr)
}

// connect starts a switch to the backend at addr. Any switch already in
// flight is abandoned.
func (s *Session) connect(addr string) {
	if s.state != StatePlay {
		return
	}
	if s.pending != nil {
		s.log.Debug("Abandoning pending backend", zap.String("backend", s.pending.addr))
		s.pending.close()
		s.pending = nil
	}

	from := ""
	if s.current != nil {
		from = s.current.addr
	}
	ev := s.env.Bus.Publish(s.ctx, &event.ServerSwitch{
		SessionID: s.id.String(),
		Username:  s.username(),
		From:      from,
		Target:    addr,
	}).(*event.ServerSwitch)
	if ev.Cancelled() {
		s.log.Info("Backend switch cancelled", zap.String("target", addr), zap.String("reason", ev.Reason()))
		if s.current == nil || s.current.state == backendClosed {
			s.fallback(ev.Reason())
		}
		return
	}

	b := newBackend(s, ev.Target)
	s.pending = b
	s.log.Info("Connecting to backend", zap.String("backend", b.addr), zap.String("from", from))
	go s.dial(b)
}

func (s *Session) dial(b *Backend) {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.DialTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "session.backend_connect",
		attribute.String("session_id", s.id.String()),
		attribute.String("backend", b.addr),
	)
	defer span.End()

	start := time.Now()
	conn, err := s.env.Dialer.Dial(ctx, b.addr)
	metrics.BackendConnectLatency.Observe(time.Since(start).Seconds())

	if !s.post(func() { s.onDialed(b, conn, err) }) && conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) onDialed(b *Backend, conn transport.Conn, err error) {
	if b != s.pending || b.state == backendClosed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		metrics.BackendConnectErrors.WithLabelValues("dial").Inc()
		s.onBackendFailed(b, reasonServerLost, fmt.Errorf("%w: %v", ErrBackendUnreachable, err))
		return
	}

	l, err := newLink(peerBackend, conn, s.env.Lanes, s.settings, b.log)
	if err != nil {
		_ = conn.Close()
		s.onBackendFailed(b, reasonServerLost, err)
		return
	}
	b.link = l
	b.state = backendLogin
	go s.readBackend(b, conn)

	if err := s.loginBackend(b); err != nil {
		metrics.BackendConnectErrors.WithLabelValues("login").Inc()
		s.onBackendFailed(b, reasonServerLost, err)
	}
}

// loginBackend logs in to b as the client, with a chain signed by the proxy
func (s *Session) loginBackend(b *Backend) error {
	chain, err := s.env.Signer.SignChain(s.identity.Identity)
	if err != nil {
		return err
	}
	clientData, err := s.env.Signer.SignClientData(s.identity.ClientDataRaw)
	if err != nil {
		return err
	}
	pk, err := protocol.Login(s.protocol, chain, clientData)
	if err != nil {
		return err
	}
	b.send(pk)
	b.flush()
	return nil
}

func (s *Session) handleBackendFrame(b *Backend, frame []byte) {
	if b.state == backendClosed || s.state == StateDisconnected {
		return
	}
	packets, err := b.link.decode(frame)
	if err != nil {
		s.onBackendFailed(b, reasonServerLost, err)
		return
	}
	for _, pk := range packets {
		if b.state == backendClosed || s.state == StateDisconnected {
			return
		}
		if err := s.handleBackendPacket(b, pk); err != nil {
			metrics.ProtocolViolations.WithLabelValues(peerBackend).Inc()
			s.onBackendFailed(b, reasonServerLost, err)
			return
		}
	}
}

func (s *Session) handleBackendPacket(b *Backend, pk []byte) error {
	id, headerLen, err := protocol.ParseHeader(pk)
	if err != nil {
		return err
	}
	payload := pk[headerLen:]

	if id == protocol.IDDisconnect {
		msg, _ := protocol.ParseDisconnect(payload)
		if msg == "" {
			msg = reasonServerLost
		}
		s.onBackendFailed(b, msg, fmt.Errorf("backend disconnected: %s", msg))
		return nil
	}
	if b.state == backendLogin {
		return s.handleBackendLogin(b, id, pk, payload)
	}

	switch id {
	case protocol.IDTransfer:
		t, err := protocol.ParseTransfer(payload)
		if err != nil {
			return err
		}
		s.log.Info("Backend requested transfer", zap.String("address", t.Address), zap.Uint16("port", t.Port))
		s.connect(net.JoinHostPort(t.Address, strconv.Itoa(int(t.Port))))
		return nil

	case protocol.IDPlayStatus:
		status, err := protocol.ParsePlayStatus(payload)
		if err != nil {
			return err
		}
		if status == protocol.PlayStatusPlayerSpawn && b.swallowSpawn {
			// The client spawned long ago; answer for it.
			b.swallowSpawn = false
			b.send(protocol.SetLocalPlayerAsInitialised(uint64(b.selfID)))
			return nil
		}

	case protocol.IDStartGame:
		return nil
	}

	if err := b.observe(s.entities, id, pk, payload); err != nil {
		return err
	}
	out, err := s.entities.Rewrite(pk, entity.Clientbound)
	if err != nil {
		return err
	}
	if err := b.forget(s.entities, id, pk); err != nil {
		return err
	}
	s.client.send(out)
	return nil
}

// handleBackendLogin answers the backend's side of the login sequence up to
// its start-game packet
func (s *Session) handleBackendLogin(b *Backend, id uint32, pk, payload []byte) error {
	switch id {
	case protocol.IDServerToClientHandshake:
		token, err := protocol.ParseServerToClientHandshake(payload)
		if err != nil {
			return err
		}
		crypto, err := encryption.AcceptHandshake(token, s.env.Signer.Key())
		if err != nil {
			return err
		}
		b.link.enableEncryption(crypto)
		b.send(protocol.ClientToServerHandshake())
		b.flush()

	case protocol.IDPlayStatus:
		status, err := protocol.ParsePlayStatus(payload)
		if err != nil {
			return err
		}
		if status != protocol.PlayStatusLoginSuccess && status != protocol.PlayStatusPlayerSpawn {
			metrics.BackendConnectErrors.WithLabelValues("rejected").Inc()
			s.onBackendFailed(b, reasonServerLost, fmt.Errorf("%w: login rejected with status %d", ErrBackendUnreachable, status))
		}

	case protocol.IDResourcePacksInfo:
		b.send(protocol.ResourcePackClientResponse(protocol.PackResponseAllPacksDownloaded))
		b.flush()

	case protocol.IDResourcePackStack:
		b.send(protocol.ResourcePackClientResponse(protocol.PackResponseCompleted))
		b.flush()

	case protocol.IDStartGame:
		sg, err := protocol.ParseStartGame(payload)
		if err != nil {
			return err
		}
		s.switchToDownstream(b, pk, sg)

	default:
		b.log.Debug("Dropping packet during backend login", zap.Uint32("packet_id", id))
	}
	return nil
}

// switchToDownstream promotes b to the current backend once it has sent its
// start-game packet
func (s *Session) switchToDownstream(b *Backend, startGame []byte, sg *protocol.StartGame) {
	_, span := tracing.StartSpan(s.ctx, "session.switch",
		attribute.String("session_id", s.id.String()),
		attribute.String("backend", b.addr),
	)
	defer span.End()

	selfID := int64(sg.RuntimeID)
	if sg.UniqueID != selfID {
		b.log.Debug("Backend uses different unique and runtime ids for the avatar",
			zap.Int64("unique_id", sg.UniqueID),
			zap.Uint64("runtime_id", sg.RuntimeID),
		)
	}
	b.selfID = selfID
	b.spawn = sg.Position
	b.pitch = sg.Pitch
	b.yaw = sg.Yaw
	b.gameMode = sg.GameMode

	old := s.current
	if old == nil {
		s.entities.Switch(selfID)
		s.client.send(startGame)
	} else {
		own, _ := s.entities.OwnID()
		for _, pk := range old.teardown(own) {
			s.client.send(pk)
		}
		old.close()
		s.entities.Switch(selfID)

		s.client.send(protocol.PlayerHotBar(0))
		s.client.send(protocol.SetPlayerGameType(sg.GameMode))
		s.client.send(protocol.MovePlayer(uint64(own), sg.Position, sg.Pitch, sg.Yaw))
		b.swallowSpawn = true
		metrics.BackendSwitches.Inc()
	}

	s.pending = nil
	s.current = b
	s.lastKnown = b.addr
	s.retried = false
	b.state = backendPlaying

	radius := s.chunkRadius
	if radius <= 0 {
		radius = s.settings.ViewDistance
	}
	b.send(protocol.RequestChunkRadius(radius))
	b.flush()

	s.mu.Lock()
	s.info.Backend = b.addr
	s.mu.Unlock()

	from := ""
	if old != nil {
		from = old.addr
	}
	s.log.Info("Switched backend",
		zap.String("backend", b.addr),
		zap.String("from", from),
		zap.Duration("elapsed", time.Since(b.startedAt)),
	)
}

func (s *Session) onBackendClosed(b *Backend, err error) {
	if b.state == backendClosed {
		return
	}
	s.onBackendFailed(b, reasonServerLost, err)
}

// onBackendFailed closes b and applies the fallback chain: a pending switch
// wins, then one retry of the last known backend, then disconnect.
func (s *Session) onBackendFailed(b *Backend, reason string, err error) {
	if b.state == backendClosed {
		return
	}
	b.close()

	switch b {
	case s.pending:
		s.pending = nil
		if s.current != nil && s.current.state != backendClosed {
			b.log.Info("Pending backend failed", zap.Error(err))
			return
		}
		b.log.Warn("Backend connection failed", zap.Error(err))
		s.fallback(reason)

	case s.current:
		b.log.Warn("Current backend disconnected", zap.Error(err))
		if s.pending != nil {
			return
		}
		s.fallback(reason)
	}
}

func (s *Session) fallback(reason string) {
	if s.current != nil && !s.retried && s.lastKnown != "" {
		s.retried = true
		s.log.Info("Retrying last known backend", zap.String("backend", s.lastKnown))
		s.connect(s.lastKnown)
		return
	}
	if reason == "" {
		reason = reasonServerLost
	}
	s.disconnect(reason, "backend_unreachable")
}

// disconnect ends the session. A non-empty reason is shown to the client;
// it is flushed synchronously and the transport is closed after a delay.
func (s *Session) disconnect(reason, cause string) {
	if s.state == StateDisconnected {
		return
	}
	s.setState(StateDisconnected)

	if s.pending != nil {
		s.pending.close()
	}
	if s.current != nil {
		s.current.close()
	}

	if reason != "" {
		s.client.send(protocol.Disconnect(reason))
	}
	if err := s.client.flushWait(); err != nil {
		s.log.Debug("Final flush failed", zap.Error(err))
	}
	conn := s.client.conn
	s.client.release()
	s.env.Scheduler.Schedule(func() { _ = conn.Close() }, s.settings.DisconnectFlushDelay, 0)

	metrics.SessionsClosed.WithLabelValues(cause).Inc()
	s.log.Info("Session closed", zap.String("cause", cause), zap.String("reason", reason))
	s.cancel()
}

func (s *Session) username() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.Identity.DisplayName
}
