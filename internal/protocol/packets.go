package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// encode writes the sub-packet header for id followed by the payload written by fn
func encode(id uint32, fn func(w *Writer)) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 32))
	w := NewWriter(buf)
	w.Varuint32(id)
	if fn != nil {
		fn(w)
	}
	return buf.Bytes()
}

// Vec3 is a position in world space
type Vec3 [3]float32

// Disconnect builds a disconnect packet shown to the client as a kick screen
func Disconnect(message string) []byte {
	return encode(IDDisconnect, func(w *Writer) {
		w.Bool(message == "")
		w.String(message)
	})
}

// PlayStatus builds a play status packet
func PlayStatus(status int32) []byte {
	return encode(IDPlayStatus, func(w *Writer) {
		w.BEInt32(status)
	})
}

// ServerToClientHandshake builds the encryption request carrying a signed token
func ServerToClientHandshake(token string) []byte {
	return encode(IDServerToClientHandshake, func(w *Writer) {
		w.String(token)
	})
}

// ClientToServerHandshake builds the encryption-ready acknowledgement
func ClientToServerHandshake() []byte {
	return encode(IDClientToServerHandshake, nil)
}

// ResourcePacksInfo builds an empty resource pack manifest
func ResourcePacksInfo() []byte {
	return encode(IDResourcePacksInfo, func(w *Writer) {
		w.Bool(false) // must accept
		w.Bool(false) // has scripts
		w.Uint16(0)   // behaviour packs
		w.Uint16(0)   // resource packs
	})
}

// ResourcePackStack builds an empty resource pack stack
func ResourcePackStack() []byte {
	return encode(IDResourcePackStack, func(w *Writer) {
		w.Bool(false)
		w.Varuint32(0)
		w.Varuint32(0)
		w.String("*")
		w.Int32(0)
		w.Bool(false)
	})
}

// ResourcePackClientResponse builds the client's answer to a pack prompt
func ResourcePackClientResponse(status byte) []byte {
	return encode(IDResourcePackClientResponse, func(w *Writer) {
		w.Byte(status)
		w.Uint16(0)
	})
}

// RemoveActor despawns an entity by unique id
func RemoveActor(uniqueID int64) []byte {
	return encode(IDRemoveActor, func(w *Writer) {
		w.Varint64(uniqueID)
	})
}

// RemoveObjective removes a scoreboard objective
func RemoveObjective(name string) []byte {
	return encode(IDRemoveObjective, func(w *Writer) {
		w.String(name)
	})
}

// ScoreEntry identifies one score line of an objective
type ScoreEntry struct {
	ID        int64
	Objective string
}

// SetScoreRemove removes the given score lines
func SetScoreRemove(entries []ScoreEntry) []byte {
	return encode(IDSetScore, func(w *Writer) {
		w.Byte(ScoreboardActionRemove)
		w.Varuint32(uint32(len(entries)))
		for _, e := range entries {
			w.Varint64(e.ID)
			w.String(e.Objective)
			w.Int32(0)
		}
	})
}

// PlayerListRemove removes entries from the client's player list
func PlayerListRemove(ids [][16]byte) []byte {
	return encode(IDPlayerList, func(w *Writer) {
		w.Byte(PlayerListActionRemove)
		w.Varuint32(uint32(len(ids)))
		for _, id := range ids {
			w.UUID(id)
		}
	})
}

// MobEffectRemove clears one status effect from an entity
func MobEffectRemove(runtimeID uint64, effect int32) []byte {
	return encode(IDMobEffect, func(w *Writer) {
		w.Varuint64(runtimeID)
		w.Byte(MobEffectOpRemove)
		w.Varint32(effect)
		w.Varint32(0)
		w.Bool(false)
		w.Varint32(0)
	})
}

// PlayerHotBar selects a hotbar slot on the client
func PlayerHotBar(slot uint32) []byte {
	return encode(IDPlayerHotBar, func(w *Writer) {
		w.Varuint32(slot)
		w.Byte(0)
		w.Bool(true)
	})
}

// MovePlayer teleports the player with the given runtime id
func MovePlayer(runtimeID uint64, pos Vec3, pitch, yaw float32) []byte {
	return encode(IDMovePlayer, func(w *Writer) {
		w.Varuint64(runtimeID)
		for _, f := range pos {
			w.Float32(f)
		}
		w.Float32(pitch)
		w.Float32(yaw)
		w.Float32(yaw)
		w.Byte(MoveModeTeleport)
		w.Bool(false)
		w.Varuint64(0)
		w.Int32(0)
		w.Int32(0)
		w.Varuint64(0)
	})
}

// SetPlayerGameType changes the client's game mode
func SetPlayerGameType(mode int32) []byte {
	return encode(IDSetPlayerGameType, func(w *Writer) {
		w.Varint32(mode)
	})
}

// RequestChunkRadius asks a backend for the given view distance
func RequestChunkRadius(radius int32) []byte {
	return encode(IDRequestChunkRadius, func(w *Writer) {
		w.Varint32(radius)
	})
}

// Login builds the login packet sent to a backend
func Login(protocolVersion int32, chain []string, clientDataToken string) ([]byte, error) {
	chainJSON, err := json.Marshal(struct {
		Chain []string `json:"chain"`
	}{chain})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chain: %w", err)
	}
	req := bytes.NewBuffer(make([]byte, 0, len(chainJSON)+len(clientDataToken)+8))
	rw := NewWriter(req)
	rw.Int32(int32(len(chainJSON)))
	rw.Bytes(chainJSON)
	rw.Int32(int32(len(clientDataToken)))
	rw.Bytes([]byte(clientDataToken))

	return encode(IDLogin, func(w *Writer) {
		w.BEInt32(protocolVersion)
		w.ByteSlice(req.Bytes())
	}), nil
}

// SetLocalPlayerAsInitialised tells a backend the client has finished spawning
func SetLocalPlayerAsInitialised(runtimeID uint64) []byte {
	return encode(IDSetLocalPlayerAsInitialised, func(w *Writer) {
		w.Varuint64(runtimeID)
	})
}
