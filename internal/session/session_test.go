package session

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	mcprotocol "github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/login"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"

	"github.com/SkynetNext/bedrock-proxy/internal/auth"
	"github.com/SkynetNext/bedrock-proxy/internal/batch"
	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
	"github.com/SkynetNext/bedrock-proxy/internal/entity"
	"github.com/SkynetNext/bedrock-proxy/internal/event"
	"github.com/SkynetNext/bedrock-proxy/internal/lane"
	"github.com/SkynetNext/bedrock-proxy/internal/protocol"
	"github.com/SkynetNext/bedrock-proxy/internal/scheduler"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

const (
	testProtocol = 594
	backendA     = "backend-a:19132"
	waitTimeout  = 2 * time.Second
)

type pipeAddr string

func (a pipeAddr) Network() string { return "mem" }
func (a pipeAddr) String() string  { return string(a) }

// memConn is one end of an in-memory frame pipe. Closing either end closes
// both; frames already sent can still be read.
type memConn struct {
	in, out chan []byte
	closed  chan struct{}
	once    *sync.Once
	remote  pipeAddr
}

func memPipe(a, b string) (*memConn, *memConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &memConn{in: ba, out: ab, closed: closed, once: once, remote: pipeAddr(b)},
		&memConn{in: ab, out: ba, closed: closed, once: once, remote: pipeAddr(a)}
}

func (c *memConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- bytes.Clone(frame):
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) RemoteAddr() net.Addr { return c.remote }

// peer plays the client or a backend in tests
type peer struct {
	t      *testing.T
	conn   *memConn
	enc    *batch.Encoder
	dec    *batch.Decoder
	frames chan []byte
	buf    [][]byte
}

func newPeer(conn *memConn) *peer {
	enc, err := batch.NewEncoder(batch.DefaultCompressionLevel)
	if err != nil {
		panic(err)
	}
	p := &peer{conn: conn, enc: enc, dec: batch.NewDecoder(0), frames: make(chan []byte, 256)}
	go func() {
		defer close(p.frames)
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *peer) send(t *testing.T, packets ...[]byte) {
	t.Helper()
	frame, err := p.enc.Encode(packets)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.conn.WriteFrame(frame); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
}

func (p *peer) enableEncryption(ctx *encryption.Context) {
	p.enc.EnableEncryption(ctx)
	p.dec.EnableEncryption(ctx)
}

// next returns the next packet the proxy sent to this peer
func (p *peer) next(t *testing.T) []byte {
	t.Helper()
	for len(p.buf) == 0 {
		select {
		case f, ok := <-p.frames:
			if !ok {
				t.Fatal("Expected a packet, connection closed")
			}
			packets, err := p.dec.Decode(f)
			if err != nil {
				t.Fatalf("Failed to decode batch: %v", err)
			}
			p.buf = packets
		case <-time.After(waitTimeout):
			t.Fatal("Timed out waiting for a packet")
		}
	}
	pk := p.buf[0]
	p.buf = p.buf[1:]
	return pk
}

// expect skips packets until one with the given id arrives
func (p *peer) expect(t *testing.T, id uint32) []byte {
	t.Helper()
	for {
		pk := p.next(t)
		got, _, err := protocol.ParseHeader(pk)
		if err != nil {
			t.Fatal(err)
		}
		if got == id {
			return pk
		}
	}
}

// expectClosed waits until the proxy closes the connection
func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for the connection to close")
		}
	}
}

func payloadOf(t *testing.T, pk []byte) []byte {
	t.Helper()
	_, n, err := protocol.ParseHeader(pk)
	if err != nil {
		t.Fatal(err)
	}
	return pk[n:]
}

func pkt(id uint32, fn func(w *protocol.Writer)) []byte {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	w.Varuint32(id)
	fn(w)
	return buf.Bytes()
}

func startGame(self int64) []byte {
	return pkt(protocol.IDStartGame, func(w *protocol.Writer) {
		w.Varint64(self)
		w.Varuint64(uint64(self))
		w.Varint32(1)
		w.Float32(1)
		w.Float32(64)
		w.Float32(2)
		w.Float32(0)
		w.Float32(90)
		w.Bytes([]byte{0xaa, 0xbb})
	})
}

func idsOf(t *testing.T, pk []byte) []int64 {
	t.Helper()
	_, ids, err := entity.ReadIDs(pk)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

// playerListAdd encodes a full player-list add with one entry per unique id
// and returns it with the entries' wire UUIDs
func playerListAdd(t *testing.T, uniqueIDs ...int64) ([]byte, [][16]byte) {
	t.Helper()
	pk := &packet.PlayerList{ActionType: packet.PlayerListActionAdd}
	for i, id := range uniqueIDs {
		pk.Entries = append(pk.Entries, mcprotocol.PlayerListEntry{
			UUID:           uuid.New(),
			EntityUniqueID: id,
			Username:       fmt.Sprintf("player%d", i),
			XUID:           "2535400000000000",
			Skin: mcprotocol.Skin{
				SkinID:          "custom",
				SkinImageWidth:  1,
				SkinImageHeight: 1,
				SkinData:        make([]byte, 4),
				ArmSize:         "wide",
				PersonaPieces: []mcprotocol.PersonaPiece{
					{PieceID: "hair", PieceType: "persona_hair", PackID: "pack"},
				},
			},
		})
	}
	var buf bytes.Buffer
	buf.Write(protocol.AppendVaruint64(nil, uint64(protocol.IDPlayerList)))
	pk.Marshal(mcprotocol.NewWriter(&buf, 0))

	pl, err := protocol.ParsePlayerList(payloadOf(t, buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), pl.UUIDs
}

func playerListIDs(t *testing.T, pk []byte) []int64 {
	t.Helper()
	pl, err := protocol.ParsePlayerList(payloadOf(t, pk))
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, 0, len(pl.Entries))
	for _, e := range pl.Entries {
		ids = append(ids, e.UniqueID)
	}
	return ids
}

type dialFunc func(ctx context.Context, addr string) (transport.Conn, error)

func (f dialFunc) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return f(ctx, addr)
}

type dialed struct {
	addr string
	peer *peer
}

var testIdentity = login.IdentityData{
	DisplayName: "Steve",
	Identity:    "6a5d8c8e-0d4b-4a3c-9a3a-2f1b3c4d5e6f",
	XUID:        "2535400000000000",
}

type harness struct {
	env          *Env
	clientKey    *ecdsa.PrivateKey
	clientSigner *auth.Signer
	proxySigner  *auth.Signer

	backends chan dialed
	mu       sync.Mutex
	failing  map[string]bool
	dials    map[string]int

	client  *peer
	session *Session
}

func newHarness(t *testing.T, configure func(env *Env)) *harness {
	t.Helper()
	proxyKey, err := encryption.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	clientKey, err := encryption.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	proxySigner, err := auth.NewSigner(proxyKey)
	if err != nil {
		t.Fatal(err)
	}
	clientSigner, err := auth.NewSigner(clientKey)
	if err != nil {
		t.Fatal(err)
	}
	// The test client's chain is self-signed, so its key is the root.
	validator, err := auth.NewValidator(clientSigner.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		clientKey:    clientKey,
		clientSigner: clientSigner,
		proxySigner:  proxySigner,
		backends:     make(chan dialed, 8),
		failing:      make(map[string]bool),
		dials:        make(map[string]int),
	}
	lanes := lane.NewManager(4, nil)
	sched := scheduler.New(nil)
	h.env = &Env{
		Settings: Settings{
			OnlineMode:           true,
			FlushInterval:        5 * time.Millisecond,
			DisconnectFlushDelay: 20 * time.Millisecond,
			DialTimeout:          time.Second,
		},
		Validator: validator,
		Signer:    proxySigner,
		Lanes:     lanes,
		Bus:       event.NewBus(nil),
		Scheduler: sched,
		Resolver:  StaticResolver(backendA),
		Dialer: dialFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
			h.mu.Lock()
			h.dials[addr]++
			fail := h.failing[addr]
			h.mu.Unlock()
			if fail {
				return nil, fmt.Errorf("connection refused: %s", addr)
			}
			proxyEnd, backendEnd := memPipe("proxy", addr)
			h.backends <- dialed{addr: addr, peer: newPeer(backendEnd)}
			return proxyEnd, nil
		}),
	}
	if configure != nil {
		configure(h.env)
	}

	proxyEnd, clientEnd := memPipe("client:50000", "proxy")
	s, err := New(h.env, proxyEnd)
	if err != nil {
		t.Fatal(err)
	}
	h.session = s
	h.client = newPeer(clientEnd)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(waitTimeout):
			t.Error("Session did not stop")
		}
		lanes.Close()
		sched.Stop()
	})
	return h
}

func (h *harness) failDial(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing[addr] = true
}

func (h *harness) dialCount(addr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials[addr]
}

func (h *harness) sendLogin(t *testing.T) {
	t.Helper()
	chain, err := h.clientSigner.SignChain(testIdentity)
	if err != nil {
		t.Fatal(err)
	}
	clientData, err := h.clientSigner.SignClientData(map[string]any{"LanguageCode": "en_GB"})
	if err != nil {
		t.Fatal(err)
	}
	pk, err := protocol.Login(testProtocol, chain, clientData)
	if err != nil {
		t.Fatal(err)
	}
	h.client.send(t, pk)
}

// completePacks answers the empty resource pack exchange
func (h *harness) completePacks(t *testing.T) {
	t.Helper()
	h.client.expect(t, protocol.IDResourcePacksInfo)
	h.client.send(t, protocol.ResourcePackClientResponse(protocol.PackResponseAllPacksDownloaded))
	h.client.expect(t, protocol.IDResourcePackStack)
	h.client.send(t, protocol.ResourcePackClientResponse(protocol.PackResponseCompleted))
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	h.sendLogin(t)
	status := h.client.expect(t, protocol.IDPlayStatus)
	if got, _ := protocol.ParsePlayStatus(payloadOf(t, status)); got != protocol.PlayStatusLoginSuccess {
		t.Fatalf("Expected login success, got status %d", got)
	}
	h.completePacks(t)
}

// acceptBackend waits for the proxy to dial addr and checks its login
func (h *harness) acceptBackend(t *testing.T, addr string) (*peer, *auth.Result) {
	t.Helper()
	select {
	case d := <-h.backends:
		if d.addr != addr {
			t.Fatalf("Expected dial to %s, got %s", addr, d.addr)
		}
		req, err := protocol.ParseLogin(payloadOf(t, d.peer.expect(t, protocol.IDLogin)))
		if err != nil {
			t.Fatal(err)
		}
		if req.Protocol != testProtocol {
			t.Errorf("Expected protocol %d, got %d", testProtocol, req.Protocol)
		}
		v, err := auth.NewValidator(h.proxySigner.PublicKey())
		if err != nil {
			t.Fatal(err)
		}
		res, err := v.Validate(req.Chain, req.ClientDataToken)
		if err != nil {
			t.Fatalf("Expected proxy-signed login to validate, got %v", err)
		}
		return d.peer, res
	case <-time.After(waitTimeout):
		t.Fatalf("Timed out waiting for dial to %s", addr)
	}
	return nil, nil
}

func (h *harness) joinFirstBackend(t *testing.T, self int64) *peer {
	t.Helper()
	h.login(t)
	a, _ := h.acceptBackend(t, backendA)
	a.send(t, protocol.PlayStatus(protocol.PlayStatusLoginSuccess), startGame(self))
	if got := h.client.expect(t, protocol.IDStartGame); !bytes.Equal(got, startGame(self)) {
		t.Errorf("Expected start game to be forwarded unchanged, got %x", got)
	}
	a.expect(t, protocol.IDRequestChunkRadius)
	return a
}

func TestSession_LoginForwardsIdentity(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	_, res := h.acceptBackend(t, backendA)
	if diff := cmp.Diff(testIdentity.DisplayName, res.Identity.DisplayName); diff != "" {
		t.Errorf("display name mismatch (-want +got):\n%s", diff)
	}
	if res.Identity.XUID != testIdentity.XUID {
		t.Errorf("Expected XUID %s, got %s", testIdentity.XUID, res.Identity.XUID)
	}
	if res.ClientData.LanguageCode != "en_GB" {
		t.Errorf("Expected client data to be re-signed, got language %q", res.ClientData.LanguageCode)
	}

	info := h.session.Info()
	if info.Username != "Steve" || !info.Authenticated || info.State != StatePlay.String() {
		t.Errorf("Unexpected session info %+v", info)
	}
}

func TestSession_SwitchPreservesAvatar(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	a.send(t, pkt(protocol.IDAddActor, func(w *protocol.Writer) {
		w.Varint64(7)
		w.Varuint64(7)
		w.String("minecraft:pig")
	}))
	spawned := idsOf(t, h.client.expect(t, protocol.IDAddActor))
	if len(spawned) != 2 || spawned[0] != spawned[1] || spawned[0] == 5 {
		t.Fatalf("Expected one fresh global id for the pig, got %v", spawned)
	}
	pig := spawned[0]

	// The backend hands the client over to B.
	a.send(t, pkt(protocol.IDTransfer, func(w *protocol.Writer) {
		w.String("backend-b")
		w.Uint16(19133)
	}))
	b, _ := h.acceptBackend(t, "backend-b:19133")
	b.send(t, protocol.PlayStatus(protocol.PlayStatusLoginSuccess), startGame(10))

	if got := idsOf(t, h.client.expect(t, protocol.IDRemoveActor)); len(got) != 1 || got[0] != pig {
		t.Errorf("Expected the pig %d to be despawned, got %v", pig, got)
	}
	h.client.expect(t, protocol.IDPlayerHotBar)
	h.client.expect(t, protocol.IDSetPlayerGameType)
	if got := idsOf(t, h.client.expect(t, protocol.IDMovePlayer)); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected the teleport to target avatar 5, got %v", got)
	}
	a.expectClosed(t)
	b.expect(t, protocol.IDRequestChunkRadius)

	b.send(t, protocol.PlayStatus(protocol.PlayStatusPlayerSpawn))
	if got := idsOf(t, b.expect(t, protocol.IDSetLocalPlayerAsInitialised)); len(got) != 1 || got[0] != 10 {
		t.Errorf("Expected the proxy to initialise avatar 10 on B, got %v", got)
	}

	b.send(t, pkt(protocol.IDSetActorData, func(w *protocol.Writer) {
		w.Varuint64(10)
		w.Bytes([]byte{1, 2, 3})
	}))
	if got := idsOf(t, h.client.expect(t, protocol.IDSetActorData)); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected B's avatar 10 to reach the client as 5, got %v", got)
	}

	h.client.send(t, pkt(protocol.IDMovePlayer, func(w *protocol.Writer) {
		w.Varuint64(5)
		w.Bytes(make([]byte, 12))
	}))
	if got := idsOf(t, b.expect(t, protocol.IDMovePlayer)); len(got) != 1 || got[0] != 10 {
		t.Errorf("Expected the client's 5 to reach B as 10, got %v", got)
	}

	if info := h.session.Info(); info.Backend != "backend-b:19133" {
		t.Errorf("Expected current backend backend-b:19133, got %q", info.Backend)
	}
}

func TestSession_SwitchTearsDownVisibleState(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 1)

	alex, players := playerListAdd(t, 0)
	a.send(t,
		pkt(protocol.IDSetDisplayObjective, func(w *protocol.Writer) {
			w.String("sidebar")
			w.String("kills")
		}),
		alex,
		pkt(protocol.IDMobEffect, func(w *protocol.Writer) {
			w.Varuint64(1)
			w.Byte(protocol.MobEffectOpAdd)
			w.Varint32(14)
			w.Varint32(0)
			w.Bool(true)
			w.Varint32(600)
		}),
	)
	h.client.expect(t, protocol.IDMobEffect)

	h.session.Transfer("backend-b:19133")
	b, _ := h.acceptBackend(t, "backend-b:19133")
	b.send(t, startGame(3))

	obj, err := protocol.ParseRemoveObjective(payloadOf(t, h.client.expect(t, protocol.IDRemoveObjective)))
	if err != nil || obj != "kills" {
		t.Errorf("Expected objective kills removed, got %q (%v)", obj, err)
	}
	pl, err := protocol.ParsePlayerList(payloadOf(t, h.client.expect(t, protocol.IDPlayerList)))
	if err != nil {
		t.Fatal(err)
	}
	if pl.Action != protocol.PlayerListActionRemove || len(pl.UUIDs) != 1 || pl.UUIDs[0] != players[0] {
		t.Errorf("Expected Alex removed from the player list, got %+v", pl)
	}
	me, err := protocol.ParseMobEffect(payloadOf(t, h.client.expect(t, protocol.IDMobEffect)))
	if err != nil {
		t.Fatal(err)
	}
	if me.Operation != protocol.MobEffectOpRemove || me.Effect != 14 || me.RuntimeID != 1 {
		t.Errorf("Expected effect 14 cleared from avatar 1, got %+v", me)
	}
}

func TestSession_SwitchRemovesEveryPlayerListEntry(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	add, players := playerListAdd(t, 5, 7, 9)
	a.send(t, add)
	if diff := cmp.Diff([]int64{5, 7, 9}, playerListIDs(t, h.client.expect(t, protocol.IDPlayerList))); diff != "" {
		t.Errorf("Player list ids mismatch (-want +got):\n%s", diff)
	}

	if err := h.session.Transfer("backend-b:19133"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	b, _ := h.acceptBackend(t, "backend-b:19133")
	b.send(t, protocol.PlayStatus(protocol.PlayStatusLoginSuccess), startGame(10))

	pl, err := protocol.ParsePlayerList(payloadOf(t, h.client.expect(t, protocol.IDPlayerList)))
	if err != nil {
		t.Fatal(err)
	}
	if pl.Action != protocol.PlayerListActionRemove {
		t.Fatalf("Expected a player list removal, got action %d", pl.Action)
	}
	want := append([][16]byte(nil), players...)
	sort.Slice(want, func(i, j int) bool { return bytes.Compare(want[i][:], want[j][:]) < 0 })
	if diff := cmp.Diff(want, pl.UUIDs); diff != "" {
		t.Errorf("Removed UUIDs mismatch (-want +got):\n%s", diff)
	}

	// B's own entries reach the client with its avatar translated
	add, _ = playerListAdd(t, 10, 11)
	b.send(t, add)
	if diff := cmp.Diff([]int64{5, 11}, playerListIDs(t, h.client.expect(t, protocol.IDPlayerList))); diff != "" {
		t.Errorf("Player list ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_PendingSwitchWinsWhenCurrentDrops(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	if err := h.session.Transfer("backend-b:19133"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	b, _ := h.acceptBackend(t, "backend-b:19133")

	// A drops while B is still logging in
	a.conn.Close()
	time.Sleep(50 * time.Millisecond)

	b.send(t, protocol.PlayStatus(protocol.PlayStatusLoginSuccess), startGame(10))
	for {
		pk := h.client.next(t)
		id, _, err := protocol.ParseHeader(pk)
		if err != nil {
			t.Fatal(err)
		}
		if id == protocol.IDDisconnect {
			t.Fatal("Expected the pending switch to keep the client connected")
		}
		if id == protocol.IDMovePlayer {
			if got := idsOf(t, pk); len(got) != 1 || got[0] != 5 {
				t.Errorf("Expected the teleport to target avatar 5, got %v", got)
			}
			break
		}
	}

	b.send(t, pkt(protocol.IDSetActorData, func(w *protocol.Writer) {
		w.Varuint64(10)
		w.Bytes([]byte{1, 2, 3})
	}))
	if got := idsOf(t, h.client.expect(t, protocol.IDSetActorData)); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected B's avatar 10 to reach the client as 5, got %v", got)
	}

	if n := h.dialCount(backendA); n != 1 {
		t.Errorf("Expected no retry of %s, got %d dials", backendA, n)
	}
	if info := h.session.Info(); info.Backend != "backend-b:19133" || info.State != StatePlay.String() {
		t.Errorf("Expected to play on backend-b:19133, got %+v", info)
	}
}

func TestSession_TransferRequiresPlay(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.session.Transfer("backend-b:19133"); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("Expected ErrNotPlaying before login, got %v", err)
	}
	if n := h.dialCount("backend-b:19133"); n != 0 {
		t.Errorf("Expected no dial before login, got %d", n)
	}

	h.joinFirstBackend(t, 5)
	if err := h.session.Transfer("backend-b:19133"); err != nil {
		t.Errorf("Expected transfer to be accepted in play, got %v", err)
	}
	h.acceptBackend(t, "backend-b:19133")

	if err := h.session.Kick("bye"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Expected the kick to end the session")
	}
	if err := h.session.Transfer("backend-b:19133"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after the session ended, got %v", err)
	}
}

func TestSession_RetriesLastKnownBackend(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	a.conn.Close()
	again, _ := h.acceptBackend(t, backendA)
	again.send(t, startGame(8))
	h.client.expect(t, protocol.IDPlayerHotBar)

	again.send(t, pkt(protocol.IDActorEvent, func(w *protocol.Writer) {
		w.Varuint64(8)
		w.Byte(4)
	}))
	if got := idsOf(t, h.client.expect(t, protocol.IDActorEvent)); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected the reconnected avatar 8 to map to 5, got %v", got)
	}
}

func TestSession_DisconnectsWhenFallbackFails(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	h.failDial(backendA)
	a.conn.Close()

	msg, err := protocol.ParseDisconnect(payloadOf(t, h.client.expect(t, protocol.IDDisconnect)))
	if err != nil {
		t.Fatal(err)
	}
	if msg != reasonServerLost {
		t.Errorf("Expected %q, got %q", reasonServerLost, msg)
	}
	h.client.expectClosed(t)
	if n := h.dialCount(backendA); n != 2 {
		t.Errorf("Expected exactly one retry, got %d dials", n)
	}
}

func TestSession_FirstConnectFailureDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.failDial(backendA)
	h.login(t)

	h.client.expect(t, protocol.IDDisconnect)
	h.client.expectClosed(t)
}

func TestSession_PendingFailureIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)

	h.failDial("backend-b:19133")
	if err := h.session.Transfer("backend-b:19133"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(waitTimeout)
	for h.dialCount("backend-b:19133") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	a.send(t, pkt(protocol.IDSetActorMotion, func(w *protocol.Writer) {
		w.Varuint64(5)
		w.Bytes(make([]byte, 12))
	}))
	pk := h.client.next(t)
	if id, _, _ := protocol.ParseHeader(pk); id != protocol.IDSetActorMotion {
		t.Errorf("Expected the current backend to keep relaying, got packet 0x%x", id)
	}
}

func TestSession_StrictModeRejectsUnverifiedChain(t *testing.T) {
	other, _ := encryption.GenerateKey()
	signer, _ := auth.NewSigner(other)
	h := newHarness(t, func(env *Env) {
		v, err := auth.NewValidator(signer.PublicKey())
		if err != nil {
			t.Fatal(err)
		}
		env.Validator = v
	})
	h.sendLogin(t)

	msg, _ := protocol.ParseDisconnect(payloadOf(t, h.client.expect(t, protocol.IDDisconnect)))
	if msg != reasonNotAuthenticated {
		t.Errorf("Expected %q, got %q", reasonNotAuthenticated, msg)
	}
	h.client.expectClosed(t)
}

func TestSession_LenientModeContinuesUnauthenticated(t *testing.T) {
	other, _ := encryption.GenerateKey()
	signer, _ := auth.NewSigner(other)
	h := newHarness(t, func(env *Env) {
		v, err := auth.NewValidator(signer.PublicKey())
		if err != nil {
			t.Fatal(err)
		}
		env.Validator = v
		env.Settings.OnlineMode = false
	})
	h.login(t)
	h.acceptBackend(t, backendA)

	if h.session.Info().Authenticated {
		t.Error("Expected the session to be unauthenticated")
	}
}

func TestSession_LoginEventCancels(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.Bus.Subscribe(event.TypeLogin, "ban", func(_ context.Context, ev event.Event) error {
			ev.(*event.Login).Cancel("You are banned")
			return nil
		})
	})
	h.sendLogin(t)

	msg, _ := protocol.ParseDisconnect(payloadOf(t, h.client.expect(t, protocol.IDDisconnect)))
	if msg != "You are banned" {
		t.Errorf("Expected ban reason, got %q", msg)
	}
}

func TestSession_ServerSwitchRedirect(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.Bus.Subscribe(event.TypeServerSwitch, "lobby", func(_ context.Context, ev event.Event) error {
			sw := ev.(*event.ServerSwitch)
			if sw.From == "" {
				sw.Target = "lobby:19132"
			}
			return nil
		})
	})
	h.login(t)
	h.acceptBackend(t, "lobby:19132")
}

func TestSession_BackendTransferIsIntercepted(t *testing.T) {
	h := newHarness(t, nil)
	a := h.joinFirstBackend(t, 5)
	h.client.buf = nil

	a.send(t, pkt(protocol.IDTransfer, func(w *protocol.Writer) {
		w.String("survival")
		w.Uint16(19140)
	}))
	h.acceptBackend(t, "survival:19140")

	// The client never sees the transfer
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case f := <-h.client.frames:
			packets, err := h.client.dec.Decode(f)
			if err != nil {
				t.Fatal(err)
			}
			for _, pk := range packets {
				if id, _, _ := protocol.ParseHeader(pk); id == protocol.IDTransfer {
					t.Error("Expected the transfer not to reach the client")
				}
			}
		case <-deadline:
			return
		}
	}
}

func TestSession_EncryptedLogin(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.Settings.EncryptionEnabled = true
	})
	h.sendLogin(t)

	token, err := protocol.ParseServerToClientHandshake(payloadOf(t, h.client.expect(t, protocol.IDServerToClientHandshake)))
	if err != nil {
		t.Fatal(err)
	}
	crypto, err := encryption.AcceptHandshake(token, h.clientKey)
	if err != nil {
		t.Fatalf("Expected a valid handshake token, got %v", err)
	}
	h.client.enableEncryption(crypto)
	h.client.send(t, protocol.ClientToServerHandshake())
	h.client.expect(t, protocol.IDPlayStatus)
	h.completePacks(t)

	// The backend asks for encryption too.
	b, res := h.acceptBackend(t, backendA)
	backendKey, _ := encryption.GenerateKey()
	btoken, bcrypto, err := encryption.NewHandshake(backendKey, res.IdentityPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	b.send(t, protocol.ServerToClientHandshake(btoken))
	b.enableEncryption(bcrypto)
	b.expect(t, protocol.IDClientToServerHandshake)
	b.send(t, protocol.PlayStatus(protocol.PlayStatusLoginSuccess), startGame(5))
	h.client.expect(t, protocol.IDStartGame)
}

func TestSession_KickFlushesReason(t *testing.T) {
	h := newHarness(t, nil)
	h.joinFirstBackend(t, 5)

	if err := h.session.Kick("Server restarting"); err != nil {
		t.Fatal(err)
	}
	msg, _ := protocol.ParseDisconnect(payloadOf(t, h.client.expect(t, protocol.IDDisconnect)))
	if msg != "Server restarting" {
		t.Errorf("Expected kick reason, got %q", msg)
	}
	h.client.expectClosed(t)

	select {
	case <-h.session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Expected the session to end")
	}
	if err := h.session.Kick("again"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestSession_MalformedBatchIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.client.conn.WriteFrame([]byte{protocol.BatchHeader, 0xff, 0xff, 0xff}); err != nil {
		t.Fatal(err)
	}
	h.client.expect(t, protocol.IDDisconnect)
	h.client.expectClosed(t)
	if h.session.Info().State != StateDisconnected.String() {
		t.Errorf("Expected DISCONNECTED, got %s", h.session.Info().State)
	}
}
