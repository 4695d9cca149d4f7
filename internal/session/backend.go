package session

import (
	"bytes"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/entity"
	"github.com/SkynetNext/bedrock-proxy/internal/protocol"
)

type backendState int

const (
	backendDialing backendState = iota
	// backendLogin covers the login, encryption and resource pack sequence up
	// to the start-game packet
	backendLogin
	backendPlaying
	backendClosed
)

// Backend is one connection from a session to a game server. It is owned by
// its session's event loop.
type Backend struct {
	addr    string
	session *Session
	link    *link
	state   backendState

	// selfID is this backend's id for the client's avatar
	selfID   int64
	spawn    protocol.Vec3
	pitch    float32
	yaw      float32
	gameMode int32

	// swallowSpawn is set on backends joined by a switch: the client already
	// spawned, so the proxy answers the backend's spawn status itself
	swallowSpawn bool

	// Visible state this backend caused on the client. Entity ids are in the
	// session-global space so teardown needs no translation.
	entities   map[int64]struct{}
	objectives map[string]struct{}
	scores     map[protocol.ScoreEntry]struct{}
	players    map[[16]byte]struct{}
	effects    map[int32]struct{}

	startedAt time.Time
	log       *zap.Logger
}

func newBackend(s *Session, addr string) *Backend {
	return &Backend{
		addr:       addr,
		session:    s,
		entities:   make(map[int64]struct{}),
		objectives: make(map[string]struct{}),
		scores:     make(map[protocol.ScoreEntry]struct{}),
		players:    make(map[[16]byte]struct{}),
		effects:    make(map[int32]struct{}),
		startedAt:  time.Now(),
		log:        s.log.With(zap.String("backend", addr)),
	}
}

// Addr returns the backend address
func (b *Backend) Addr() string {
	return b.addr
}

func (b *Backend) send(pk []byte) {
	if b.link != nil && b.state != backendClosed {
		b.link.send(pk)
	}
}

func (b *Backend) flush() {
	if b.link != nil {
		b.link.flush()
	}
}

func (b *Backend) close() {
	if b.state == backendClosed {
		return
	}
	b.state = backendClosed
	if b.link != nil {
		b.link.close()
	}
}

// observe records the visible state a clientbound packet creates or
// destroys. pk is still in this backend's id space. Spawns are registered
// in m so the rewrite that follows can translate them.
func (b *Backend) observe(m *entity.Map, id uint32, pk []byte, payload []byte) error {
	switch id {
	case protocol.IDAddActor, protocol.IDAddPlayer, protocol.IDAddItemActor:
		_, ids, err := entity.ReadIDs(pk)
		if err != nil {
			return err
		}
		for _, local := range ids {
			if local == m.SelfID() {
				continue
			}
			b.entities[m.AddEntity(local)] = struct{}{}
		}

	case protocol.IDSetDisplayObjective:
		name, err := protocol.ParseSetDisplayObjective(payload)
		if err != nil {
			return err
		}
		b.objectives[name] = struct{}{}

	case protocol.IDRemoveObjective:
		name, err := protocol.ParseRemoveObjective(payload)
		if err != nil {
			return err
		}
		delete(b.objectives, name)

	case protocol.IDSetScore:
		ss, err := protocol.ParseSetScore(payload)
		if err != nil {
			return err
		}
		for _, e := range ss.Entries {
			if ss.Action == protocol.ScoreboardActionModify {
				b.scores[e] = struct{}{}
			} else {
				delete(b.scores, e)
			}
		}

	case protocol.IDPlayerList:
		pl, err := protocol.ParsePlayerList(payload)
		if err != nil {
			return err
		}
		for _, u := range pl.UUIDs {
			if pl.Action == protocol.PlayerListActionAdd {
				b.players[u] = struct{}{}
			} else {
				delete(b.players, u)
			}
		}

	case protocol.IDMobEffect:
		me, err := protocol.ParseMobEffect(payload)
		if err != nil {
			return err
		}
		if int64(me.RuntimeID) != b.selfID {
			return nil
		}
		if me.Operation == protocol.MobEffectOpRemove {
			delete(b.effects, me.Effect)
		} else {
			b.effects[me.Effect] = struct{}{}
		}
	}
	return nil
}

// forget runs after a clientbound packet has been rewritten and drops what
// it removed. RemoveActor is handled here because the mapping must still
// exist while the packet is rewritten.
func (b *Backend) forget(m *entity.Map, id uint32, pk []byte) error {
	if id != protocol.IDRemoveActor {
		return nil
	}
	_, ids, err := entity.ReadIDs(pk)
	if err != nil {
		return err
	}
	for _, local := range ids {
		if g, err := m.RemoveEntity(local); err == nil {
			delete(b.entities, g)
		}
	}
	return nil
}

// teardown returns the packets that undo everything this backend showed the
// client. ownID is the client's avatar id.
func (b *Backend) teardown(ownID int64) [][]byte {
	var out [][]byte

	ids := make([]int64, 0, len(b.entities))
	for g := range b.entities {
		ids = append(ids, g)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, g := range ids {
		out = append(out, protocol.RemoveActor(g))
	}

	if len(b.scores) > 0 {
		entries := make([]protocol.ScoreEntry, 0, len(b.scores))
		for e := range b.scores {
			entries = append(entries, e)
		}
		out = append(out, protocol.SetScoreRemove(entries))
	}
	for name := range b.objectives {
		out = append(out, protocol.RemoveObjective(name))
	}

	if len(b.players) > 0 {
		uuids := make([][16]byte, 0, len(b.players))
		for u := range b.players {
			uuids = append(uuids, u)
		}
		sort.Slice(uuids, func(i, j int) bool { return bytes.Compare(uuids[i][:], uuids[j][:]) < 0 })
		out = append(out, protocol.PlayerListRemove(uuids))
	}

	for effect := range b.effects {
		out = append(out, protocol.MobEffectRemove(uint64(ownID), effect))
	}

	clear(b.entities)
	clear(b.objectives)
	clear(b.scores)
	clear(b.players)
	clear(b.effects)
	return out
}
