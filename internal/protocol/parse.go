package protocol

import (
	"encoding/json"
	"fmt"
)

// LoginRequest is the decoded login payload
type LoginRequest struct {
	Protocol        int32
	Chain           []string
	ClientDataToken string
}

// ParseLogin decodes a login payload (header already stripped)
func ParseLogin(payload []byte) (*LoginRequest, error) {
	r := NewReader(payload)
	proto, err := r.BEInt32()
	if err != nil {
		return nil, fmt.Errorf("login protocol: %w", err)
	}
	connReq, err := r.ByteSlice()
	if err != nil {
		return nil, fmt.Errorf("login connection request: %w", err)
	}

	cr := NewReader(connReq)
	chainLen, err := cr.Int32()
	if err != nil {
		return nil, fmt.Errorf("login chain length: %w", err)
	}
	chainJSON, err := cr.Bytes(int(chainLen))
	if err != nil {
		return nil, fmt.Errorf("login chain: %w", err)
	}
	tokenLen, err := cr.Int32()
	if err != nil {
		return nil, fmt.Errorf("login client data length: %w", err)
	}
	token, err := cr.Bytes(int(tokenLen))
	if err != nil {
		return nil, fmt.Errorf("login client data: %w", err)
	}

	var chain struct {
		Chain []string `json:"chain"`
	}
	if err := json.Unmarshal(chainJSON, &chain); err != nil {
		return nil, fmt.Errorf("login chain json: %w", err)
	}

	return &LoginRequest{
		Protocol:        proto,
		Chain:           chain.Chain,
		ClientDataToken: string(token),
	}, nil
}

// StartGame holds the fields of the start-game packet the proxy needs
type StartGame struct {
	UniqueID  int64
	RuntimeID uint64
	GameMode  int32
	Position  Vec3
	Pitch     float32
	Yaw       float32
}

// ParseStartGame decodes the leading fields of a start-game payload
func ParseStartGame(payload []byte) (*StartGame, error) {
	r := NewReader(payload)
	var sg StartGame
	var err error
	if sg.UniqueID, err = r.Varint64(); err != nil {
		return nil, fmt.Errorf("start game unique id: %w", err)
	}
	if sg.RuntimeID, err = r.Varuint64(); err != nil {
		return nil, fmt.Errorf("start game runtime id: %w", err)
	}
	if sg.GameMode, err = r.Varint32(); err != nil {
		return nil, fmt.Errorf("start game mode: %w", err)
	}
	for i := range sg.Position {
		if sg.Position[i], err = r.Float32(); err != nil {
			return nil, fmt.Errorf("start game position: %w", err)
		}
	}
	if sg.Pitch, err = r.Float32(); err != nil {
		return nil, fmt.Errorf("start game pitch: %w", err)
	}
	if sg.Yaw, err = r.Float32(); err != nil {
		return nil, fmt.Errorf("start game yaw: %w", err)
	}
	return &sg, nil
}

// ParsePlayStatus returns the status code
func ParsePlayStatus(payload []byte) (int32, error) {
	return NewReader(payload).BEInt32()
}

// ParseDisconnect returns the kick message
func ParseDisconnect(payload []byte) (string, error) {
	r := NewReader(payload)
	if _, err := r.Bool(); err != nil {
		return "", err
	}
	return r.String()
}

// ParseServerToClientHandshake returns the signed handshake token
func ParseServerToClientHandshake(payload []byte) (string, error) {
	return NewReader(payload).String()
}

// ParseResourcePackClientResponse returns the response status
func ParseResourcePackClientResponse(payload []byte) (byte, error) {
	return NewReader(payload).Byte()
}

// ParseRequestChunkRadius returns the requested radius
func ParseRequestChunkRadius(payload []byte) (int32, error) {
	return NewReader(payload).Varint32()
}

// Transfer is a backend's request to move the client to another server
type Transfer struct {
	Address string
	Port    uint16
}

// ParseTransfer decodes a transfer payload
func ParseTransfer(payload []byte) (*Transfer, error) {
	r := NewReader(payload)
	addr, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("transfer address: %w", err)
	}
	port, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("transfer port: %w", err)
	}
	return &Transfer{Address: addr, Port: port}, nil
}

// MobEffect holds the leading fields of a mob effect packet
type MobEffect struct {
	RuntimeID uint64
	Operation byte
	Effect    int32
}

// ParseMobEffect decodes the leading fields of a mob effect payload
func ParseMobEffect(payload []byte) (*MobEffect, error) {
	r := NewReader(payload)
	var me MobEffect
	var err error
	if me.RuntimeID, err = r.Varuint64(); err != nil {
		return nil, err
	}
	if me.Operation, err = r.Byte(); err != nil {
		return nil, err
	}
	if me.Effect, err = r.Varint32(); err != nil {
		return nil, err
	}
	return &me, nil
}

// ParseSetDisplayObjective returns the objective name being displayed
func ParseSetDisplayObjective(payload []byte) (string, error) {
	r := NewReader(payload)
	if _, err := r.String(); err != nil {
		return "", err
	}
	return r.String()
}

// ParseRemoveObjective returns the removed objective name
func ParseRemoveObjective(payload []byte) (string, error) {
	return NewReader(payload).String()
}

// SetScore holds the score lines of a set-score packet
type SetScore struct {
	Action  byte
	Entries []ScoreEntry
}

// ParseSetScore decodes a set-score payload
func ParseSetScore(payload []byte) (*SetScore, error) {
	r := NewReader(payload)
	action, err := r.Byte()
	if err != nil {
		return nil, err
	}
	count, err := r.Varuint32()
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, fmt.Errorf("%w: %d score entries", ErrFieldTruncated, count)
	}
	ss := &SetScore{Action: action, Entries: make([]ScoreEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		var e ScoreEntry
		if e.ID, err = r.Varint64(); err != nil {
			return nil, err
		}
		if e.Objective, err = r.String(); err != nil {
			return nil, err
		}
		if _, err = r.Int32(); err != nil {
			return nil, err
		}
		if action == ScoreboardActionModify {
			identity, err := r.Byte()
			if err != nil {
				return nil, err
			}
			switch identity {
			case ScoreboardIdentityPlayer, ScoreboardIdentityEntity:
				if _, err := r.Varint64(); err != nil {
					return nil, err
				}
			case ScoreboardIdentityFake:
				if _, err := r.String(); err != nil {
					return nil, err
				}
			}
		}
		ss.Entries = append(ss.Entries, e)
	}
	return ss, nil
}

// PlayerListEntry is one decoded add entry. IDStart and IDEnd bound the
// encoded unique id within the payload.
type PlayerListEntry struct {
	UUID           [16]byte
	UniqueID       int64
	IDStart, IDEnd int
}

// PlayerList holds the UUIDs of a player-list packet. Entries is only set
// for the add action.
type PlayerList struct {
	Action  byte
	UUIDs   [][16]byte
	Entries []PlayerListEntry
}

// ParsePlayerList decodes a player-list payload. Add entries are walked in
// full, skins included, so every entry is reported.
func ParsePlayerList(payload []byte) (*PlayerList, error) {
	r := NewReader(payload)
	action, err := r.Byte()
	if err != nil {
		return nil, err
	}
	count, err := r.Varuint32()
	if err != nil {
		return nil, err
	}
	pl := &PlayerList{Action: action}
	if count == 0 {
		return pl, nil
	}
	if int(count)*16 > r.Len() {
		return nil, fmt.Errorf("%w: %d player list entries", ErrFieldTruncated, count)
	}
	for i := uint32(0); i < count; i++ {
		id, err := r.UUID()
		if err != nil {
			return nil, err
		}
		pl.UUIDs = append(pl.UUIDs, id)
		if action != PlayerListActionAdd {
			continue
		}
		e := PlayerListEntry{UUID: id, IDStart: r.Offset()}
		if e.UniqueID, err = r.Varint64(); err != nil {
			return nil, err
		}
		e.IDEnd = r.Offset()
		if err := skipPlayerListEntry(r); err != nil {
			return nil, fmt.Errorf("player list entry %d: %w", i, err)
		}
		pl.Entries = append(pl.Entries, e)
	}
	return pl, nil
}

// skipPlayerListEntry consumes the fields of an add entry that follow its
// unique id
func skipPlayerListEntry(r *Reader) error {
	// username, XUID, platform chat id
	for i := 0; i < 3; i++ {
		if _, err := r.ByteSlice(); err != nil {
			return err
		}
	}
	if _, err := r.Int32(); err != nil { // build platform
		return err
	}
	if err := skipSkin(r); err != nil {
		return err
	}
	// teacher, host, sub-client
	_, err := r.Bytes(3)
	return err
}

func skipSkin(r *Reader) error {
	// skin id, PlayFab id, resource patch
	if err := skipSlices(r, 3); err != nil {
		return err
	}
	if _, err := r.Bytes(8); err != nil { // image width and height
		return err
	}
	if _, err := r.ByteSlice(); err != nil {
		return err
	}

	animations, err := r.Uint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < animations; i++ {
		if _, err := r.Bytes(8); err != nil {
			return err
		}
		if _, err := r.ByteSlice(); err != nil {
			return err
		}
		// type, frame count, expression
		if _, err := r.Bytes(12); err != nil {
			return err
		}
	}

	if _, err := r.Bytes(8); err != nil { // cape width and height
		return err
	}
	// cape data, geometry, geometry engine version, animation data, cape id,
	// full id, arm size, skin colour
	if err := skipSlices(r, 8); err != nil {
		return err
	}

	pieces, err := r.Uint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < pieces; i++ {
		if err := skipSlices(r, 3); err != nil {
			return err
		}
		if _, err := r.Bool(); err != nil {
			return err
		}
		if _, err := r.ByteSlice(); err != nil {
			return err
		}
	}

	tints, err := r.Uint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < tints; i++ {
		if _, err := r.ByteSlice(); err != nil {
			return err
		}
		colours, err := r.Uint32()
		if err != nil {
			return err
		}
		if int64(colours) > int64(r.Len()) {
			return fmt.Errorf("%w: %d tint colours", ErrFieldTruncated, colours)
		}
		if err := skipSlices(r, int(colours)); err != nil {
			return err
		}
	}

	// premium, persona, persona cape on classic, primary user, override
	_, err = r.Bytes(5)
	return err
}

func skipSlices(r *Reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.ByteSlice(); err != nil {
			return err
		}
	}
	return nil
}
