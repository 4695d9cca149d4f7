package entity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SkynetNext/bedrock-proxy/internal/protocol"
)

// ErrMalformedPacket is returned when the fields in front of an entity id
// cannot be read
var ErrMalformedPacket = errors.New("malformed entity packet")

// Direction selects which way ids are translated
type Direction uint8

const (
	// Clientbound translates backend ids to client ids
	Clientbound Direction = iota
	// Serverbound translates client ids to backend ids
	Serverbound
)

type fieldKind uint8

const (
	skipByte fieldKind = iota
	skipVaruint32
	skipVarint32
	skipVaruint64
	skipVarint64
	skipString
	skipUUID
	skipFixed

	// runtimeID is an entity runtime id encoded as varuint64
	runtimeID
	// uniqueID is an entity unique id encoded as zigzag varint64
	uniqueID
	// uniqueIDFixed is an entity unique id encoded as little-endian int64
	uniqueIDFixed
)

type field struct {
	kind fieldKind
	size int // skipFixed only
}

func (f field) isID() bool {
	return f.kind >= runtimeID
}

// rule describes where the entity ids of one packet type sit
type rule struct {
	fields []field
	// guard, if set, must accept the payload for the rule to apply
	guard func(payload []byte) bool
	// locate replaces fields for packets with a variable number of ids
	locate func(dst []idField, payload []byte) ([]idField, error)
}

// idField is one encoded id found in a payload
type idField struct {
	start, end int
	kind       fieldKind
	value      int64
}

var (
	fByte      = field{kind: skipByte}
	fVarint32  = field{kind: skipVarint32}
	fString    = field{kind: skipString}
	fUUID      = field{kind: skipUUID}
	fVec3      = field{kind: skipFixed, size: 12}
	fRuntime   = field{kind: runtimeID}
	fUnique    = field{kind: uniqueID}
	fUniqueLE  = field{kind: uniqueIDFixed}
)

func ids(fields ...field) rule {
	return rule{fields: fields}
}

// rules lists every packet type whose leading fields carry entity ids.
// Only the fields up to and including the last id are ever parsed.
var rules = map[uint32]rule{
	protocol.IDAddPlayer:                   ids(fUUID, fString, fRuntime),
	protocol.IDAddActor:                    ids(fUnique, fRuntime),
	protocol.IDRemoveActor:                 ids(fUnique),
	protocol.IDAddItemActor:                ids(fUnique, fRuntime),
	protocol.IDTakeItemActor:               ids(fRuntime, fRuntime),
	protocol.IDMoveActorAbsolute:           ids(fRuntime),
	protocol.IDMovePlayer:                  ids(fRuntime),
	protocol.IDActorEvent:                  ids(fRuntime),
	protocol.IDMobEffect:                   ids(fRuntime),
	protocol.IDUpdateAttributes:            ids(fRuntime),
	protocol.IDMobEquipment:                ids(fRuntime),
	protocol.IDMobArmourEquipment:          ids(fRuntime),
	protocol.IDInteract:                    ids(fByte, fRuntime),
	protocol.IDPlayerAction:                ids(fRuntime),
	protocol.IDSetActorData:                ids(fRuntime),
	protocol.IDSetActorMotion:              ids(fRuntime),
	protocol.IDSetActorLink:                ids(fUnique, fUnique),
	protocol.IDAnimate:                     ids(fVarint32, fRuntime),
	protocol.IDRespawn:                     ids(fVec3, fByte, fRuntime),
	protocol.IDBossEvent:                   ids(fUnique),
	protocol.IDSetLocalPlayerAsInitialised: ids(fRuntime),
	protocol.IDUpdatePlayerGameType:        ids(fVarint32, fUnique),
	protocol.IDMotionPredictionHints:       ids(fRuntime),
	protocol.IDUpdateAbilities:             ids(fUniqueLE),
	protocol.IDPlayerList: {
		guard: func(payload []byte) bool {
			return len(payload) > 1 && payload[0] == protocol.PlayerListActionAdd && payload[1] != 0
		},
		locate: locatePlayerList,
	},
}

// locatePlayerList finds the unique id of every add entry
func locatePlayerList(dst []idField, payload []byte) ([]idField, error) {
	pl, err := protocol.ParsePlayerList(payload)
	if err != nil {
		return nil, err
	}
	for _, e := range pl.Entries {
		dst = append(dst, idField{start: e.IDStart, end: e.IDEnd, kind: uniqueID, value: e.UniqueID})
	}
	return dst, nil
}

// find returns the ids r names in payload, in wire order
func (r rule) find(dst []idField, payload []byte) ([]idField, error) {
	if r.locate != nil {
		return r.locate(dst, payload)
	}
	rd := protocol.NewReader(payload)
	for _, f := range r.fields {
		start := rd.Offset()
		v, err := readField(rd, f)
		if err != nil {
			return nil, err
		}
		if f.isID() {
			dst = append(dst, idField{start: start, end: rd.Offset(), kind: f.kind, value: v})
		}
	}
	return dst, nil
}

// Rewrites reports whether packets with this id carry entity ids
func Rewrites(id uint32) bool {
	_, ok := rules[id]
	return ok
}

// Rewrite translates the entity ids of pk in the given direction. pk is a
// complete sub-packet including its header. When no id changes, pk itself is
// returned; otherwise a new buffer with the remainder copied verbatim.
func (m *Map) Rewrite(pk []byte, dir Direction) ([]byte, error) {
	id, headerLen, err := protocol.ParseHeader(pk)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedPacket, err)
	}
	r, ok := rules[id]
	if !ok {
		return pk, nil
	}
	payload := pk[headerLen:]
	if r.guard != nil && !r.guard(payload) {
		return pk, nil
	}

	var buf [2]idField
	found, err := r.find(buf[:0], payload)
	if err != nil {
		return nil, fmt.Errorf("%w: packet 0x%x: %v", ErrMalformedPacket, id, err)
	}

	var out []byte
	prev := 0
	for _, f := range found {
		if f.value == 0 {
			// 0 means "no entity" and is never translated
			continue
		}
		var mapped int64
		if dir == Clientbound {
			mapped = m.ToClient(f.value)
		} else {
			mapped = m.ToServer(f.value)
		}
		if mapped == f.value {
			continue
		}
		if out == nil {
			out = make([]byte, 0, len(pk)+len(found)*binary.MaxVarintLen64)
		}
		out = append(out, pk[prev:headerLen+f.start]...)
		out = appendID(out, f.kind, mapped)
		prev = headerLen + f.end
	}
	if out == nil {
		return pk, nil
	}
	return append(out, pk[prev:]...), nil
}

// ReadIDs returns the packet id of pk and the raw entity ids its rule names,
// in field order. Sentinel zeros are left out. Packets without a rule, or
// whose guard rejects them, yield no ids.
func ReadIDs(pk []byte) (uint32, []int64, error) {
	id, headerLen, err := protocol.ParseHeader(pk)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: header: %v", ErrMalformedPacket, err)
	}
	r, ok := rules[id]
	if !ok {
		return id, nil, nil
	}
	payload := pk[headerLen:]
	if r.guard != nil && !r.guard(payload) {
		return id, nil, nil
	}
	found, err := r.find(nil, payload)
	if err != nil {
		return id, nil, fmt.Errorf("%w: packet 0x%x: %v", ErrMalformedPacket, id, err)
	}
	var out []int64
	for _, f := range found {
		if f.value != 0 {
			out = append(out, f.value)
		}
	}
	return id, out, nil
}

func readField(r *protocol.Reader, f field) (int64, error) {
	var err error
	switch f.kind {
	case skipByte:
		_, err = r.Byte()
	case skipVaruint32:
		_, err = r.Varuint32()
	case skipVarint32:
		_, err = r.Varint32()
	case skipVaruint64:
		_, err = r.Varuint64()
	case skipVarint64:
		_, err = r.Varint64()
	case skipString:
		_, err = r.ByteSlice()
	case skipUUID:
		_, err = r.UUID()
	case skipFixed:
		_, err = r.Bytes(f.size)
	case runtimeID:
		v, err := r.Varuint64()
		return int64(v), err
	case uniqueID:
		return r.Varint64()
	case uniqueIDFixed:
		b, err := r.Bytes(8)
		if err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
	return 0, err
}

func appendID(dst []byte, kind fieldKind, v int64) []byte {
	switch kind {
	case runtimeID:
		return protocol.AppendVaruint64(dst, uint64(v))
	case uniqueID:
		return protocol.AppendVarint64(dst, v)
	default:
		return binary.LittleEndian.AppendUint64(dst, uint64(v))
	}
}
