package protocol

import (
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// BatchHeader is the packet-type byte of the outer batch packet
const BatchHeader = 0xfe

// Packet ids the proxy interprets or synthesises
const (
	IDLogin                       uint32 = packet.IDLogin
	IDPlayStatus                  uint32 = packet.IDPlayStatus
	IDServerToClientHandshake     uint32 = packet.IDServerToClientHandshake
	IDClientToServerHandshake     uint32 = packet.IDClientToServerHandshake
	IDDisconnect                  uint32 = packet.IDDisconnect
	IDResourcePacksInfo           uint32 = packet.IDResourcePacksInfo
	IDResourcePackStack           uint32 = packet.IDResourcePackStack
	IDResourcePackClientResponse  uint32 = packet.IDResourcePackClientResponse
	IDStartGame                   uint32 = packet.IDStartGame
	IDAddPlayer                   uint32 = packet.IDAddPlayer
	IDAddActor                    uint32 = packet.IDAddActor
	IDRemoveActor                 uint32 = packet.IDRemoveActor
	IDAddItemActor                uint32 = packet.IDAddItemActor
	IDTakeItemActor               uint32 = packet.IDTakeItemActor
	IDMoveActorAbsolute           uint32 = packet.IDMoveActorAbsolute
	IDMovePlayer                  uint32 = packet.IDMovePlayer
	IDActorEvent                  uint32 = packet.IDActorEvent
	IDMobEffect                   uint32 = packet.IDMobEffect
	IDUpdateAttributes            uint32 = packet.IDUpdateAttributes
	IDMobEquipment                uint32 = packet.IDMobEquipment
	IDMobArmourEquipment          uint32 = packet.IDMobArmourEquipment
	IDInteract                    uint32 = packet.IDInteract
	IDSetActorData                uint32 = packet.IDSetActorData
	IDSetActorMotion              uint32 = packet.IDSetActorMotion
	IDSetActorLink                uint32 = packet.IDSetActorLink
	IDAnimate                     uint32 = packet.IDAnimate
	IDPlayerHotBar                uint32 = packet.IDPlayerHotBar
	IDSetPlayerGameType           uint32 = packet.IDSetPlayerGameType
	IDPlayerList                  uint32 = packet.IDPlayerList
	IDBossEvent                   uint32 = packet.IDBossEvent
	IDRequestChunkRadius          uint32 = packet.IDRequestChunkRadius
	IDChunkRadiusUpdated          uint32 = packet.IDChunkRadiusUpdated
	IDTransfer                    uint32 = packet.IDTransfer
	IDRemoveObjective             uint32 = packet.IDRemoveObjective
	IDSetDisplayObjective         uint32 = packet.IDSetDisplayObjective
	IDSetScore                    uint32 = packet.IDSetScore
	IDPlayerAction                uint32 = packet.IDPlayerAction
	IDRespawn                     uint32 = packet.IDRespawn
	IDSetLocalPlayerAsInitialised uint32 = packet.IDSetLocalPlayerAsInitialised
	IDUpdatePlayerGameType        uint32 = packet.IDUpdatePlayerGameType
	IDMotionPredictionHints       uint32 = packet.IDMotionPredictionHints
	IDUpdateAbilities             uint32 = packet.IDUpdateAbilities
)

// PlayStatus values
const (
	PlayStatusLoginSuccess int32 = iota
	PlayStatusLoginFailedClient
	PlayStatusLoginFailedServer
	PlayStatusPlayerSpawn
)

// ResourcePackClientResponse values
const (
	PackResponseRefused            byte = 1
	PackResponseSendPacks          byte = 2
	PackResponseAllPacksDownloaded byte = 3
	PackResponseCompleted          byte = 4
)

// MobEffect operations
const (
	MobEffectOpAdd    byte = 1
	MobEffectOpModify byte = 2
	MobEffectOpRemove byte = 3
)

// PlayerList actions
const (
	PlayerListActionAdd    byte = 0
	PlayerListActionRemove byte = 1
)

// SetScore actions and identity types
const (
	ScoreboardActionModify byte = 0
	ScoreboardActionRemove byte = 1

	ScoreboardIdentityPlayer byte = 1
	ScoreboardIdentityEntity byte = 2
	ScoreboardIdentityFake   byte = 3
)

// MovePlayer modes
const (
	MoveModeNormal   byte = 0
	MoveModeReset    byte = 1
	MoveModeTeleport byte = 2
)

// Header packs the packet id into the low 10 bits of the sub-packet header;
// the upper bits carry sub-client ids the proxy preserves verbatim.
const headerIDMask = 0x3ff

// ParseHeader reads the sub-packet header and returns the packet id and the
// header length in bytes.
func ParseHeader(data []byte) (id uint32, headerLen int, err error) {
	r := NewReader(data)
	h, err := r.Varuint32()
	if err != nil {
		return 0, 0, err
	}
	return h & headerIDMask, r.Offset(), nil
}
