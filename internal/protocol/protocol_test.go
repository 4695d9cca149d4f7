package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	mcprotocol "github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

func TestVarints(t *testing.T) {
	tests := []struct {
		name string
		u64  uint64
		i64  int64
	}{
		{"zero", 0, 0},
		{"one byte", 127, -64},
		{"two bytes", 128, 64},
		{"max", math.MaxUint64, math.MinInt64},
		{"max signed", 1 << 40, math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf)
			w.Varuint64(tt.u64)
			w.Varint64(tt.i64)

			r := NewReader(buf.Bytes())
			u, err := r.Varuint64()
			if err != nil || u != tt.u64 {
				t.Errorf("Expected varuint64 %d, got %d (err %v)", tt.u64, u, err)
			}
			i, err := r.Varint64()
			if err != nil || i != tt.i64 {
				t.Errorf("Expected varint64 %d, got %d (err %v)", tt.i64, i, err)
			}
			if r.Len() != 0 {
				t.Errorf("Expected all bytes consumed, %d left", r.Len())
			}
		})
	}
}

func TestAppendVarintsMatchWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Varuint64(300)
	w.Varint64(-300)

	got := AppendVarint64(AppendVaruint64(nil, 300), -300)
	if !bytes.Equal(got, buf.Bytes()) {
		t.Errorf("Expected %x, got %x", buf.Bytes(), got)
	}
}

func TestReaderErrors(t *testing.T) {
	if _, err := NewReader([]byte{0x01}).Int32(); !errors.Is(err, ErrFieldTruncated) {
		t.Errorf("Expected ErrFieldTruncated, got %v", err)
	}
	if _, err := NewReader([]byte{0x80, 0x80}).Varuint32(); !errors.Is(err, ErrFieldTruncated) {
		t.Errorf("Expected ErrFieldTruncated for an unterminated varint, got %v", err)
	}
	overlong := bytes.Repeat([]byte{0xff}, 6)
	if _, err := NewReader(overlong).Varuint32(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("Expected ErrVarintOverflow, got %v", err)
	}
	if _, err := NewReader([]byte{0x05, 'a', 'b'}).String(); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("Expected ErrStringTooLong, got %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	// Sub-client bits above the id are ignored
	header := AppendVaruint64(nil, uint64(IDLogin)|3<<10)
	id, n, err := ParseHeader(append(header, 0xaa))
	if err != nil {
		t.Fatal(err)
	}
	if id != IDLogin {
		t.Errorf("Expected id %d, got %d", IDLogin, id)
	}
	if n != len(header) {
		t.Errorf("Expected header length %d, got %d", len(header), n)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	chain := []string{"a.b.c", "d.e.f"}
	pk, err := Login(712, chain, "g.h.i")
	if err != nil {
		t.Fatal(err)
	}

	id, n, err := ParseHeader(pk)
	if err != nil {
		t.Fatal(err)
	}
	if id != IDLogin {
		t.Fatalf("Expected login id, got %d", id)
	}
	got, err := ParseLogin(pk[n:])
	if err != nil {
		t.Fatalf("Expected login to parse, got %v", err)
	}
	want := &LoginRequest{Protocol: 712, Chain: chain, ClientDataToken: "g.h.i"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Login mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseLogin(pk[n : len(pk)-3]); err == nil {
		t.Error("Expected truncated login to fail")
	}
}

func TestParseTransfer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.String("lobby.example.com")
	w.Uint16(19133)

	got, err := ParseTransfer(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != "lobby.example.com" || got.Port != 19133 {
		t.Errorf("Expected lobby.example.com:19133, got %s:%d", got.Address, got.Port)
	}

	if _, err := ParseTransfer(buf.Bytes()[:buf.Len()-1]); !errors.Is(err, ErrFieldTruncated) {
		t.Errorf("Expected ErrFieldTruncated, got %v", err)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	pk := Disconnect("Server closed")
	id, n, err := ParseHeader(pk)
	if err != nil {
		t.Fatal(err)
	}
	if id != IDDisconnect {
		t.Fatalf("Expected disconnect id, got %d", id)
	}
	msg, err := ParseDisconnect(pk[n:])
	if err != nil {
		t.Fatal(err)
	}
	if msg != "Server closed" {
		t.Errorf("Expected message %q, got %q", "Server closed", msg)
	}
}

// encodePlayerListAdd encodes a full add payload the way the game does,
// one entry per unique id
func encodePlayerListAdd(uniqueIDs ...int64) []byte {
	pk := &packet.PlayerList{ActionType: packet.PlayerListActionAdd}
	for i, id := range uniqueIDs {
		pk.Entries = append(pk.Entries, mcprotocol.PlayerListEntry{
			UUID:           uuid.UUID{byte(i + 1)},
			EntityUniqueID: id,
			Username:       "player",
			XUID:           "2535400000000000",
			BuildPlatform:  7,
			Skin: mcprotocol.Skin{
				SkinID:          "custom",
				SkinImageWidth:  1,
				SkinImageHeight: 1,
				SkinData:        make([]byte, 4),
				Animations: []mcprotocol.SkinAnimation{
					{ImageWidth: 1, ImageHeight: 1, ImageData: make([]byte, 4), AnimationType: 1, FrameCount: 2},
				},
				SkinGeometry: []byte(`{"format_version":"1.12.0"}`),
				ArmSize:      "wide",
				PersonaPieces: []mcprotocol.PersonaPiece{
					{PieceID: "hair", PieceType: "persona_hair", PackID: "pack", Default: true},
				},
				PieceTintColours: []mcprotocol.PersonaPieceTintColour{
					{PieceType: "persona_hair", Colours: []string{"#ff000000", "#ff00ff00"}},
				},
				PersonaSkin: true,
			},
			Host: i == 0,
		})
	}
	var buf bytes.Buffer
	pk.Marshal(mcprotocol.NewWriter(&buf, 0))
	return buf.Bytes()
}

func TestParsePlayerList_AddEntries(t *testing.T) {
	payload := encodePlayerListAdd(10, -4, 1<<40)

	pl, err := ParsePlayerList(payload)
	if err != nil {
		t.Fatalf("ParsePlayerList failed: %v", err)
	}
	if len(pl.UUIDs) != 3 {
		t.Fatalf("Expected 3 UUIDs, got %d", len(pl.UUIDs))
	}
	var got []int64
	for _, e := range pl.Entries {
		got = append(got, e.UniqueID)
		v, err := NewReader(payload[e.IDStart:e.IDEnd]).Varint64()
		if err != nil || v != e.UniqueID {
			t.Errorf("Expected id span to hold %d, got %d (err %v)", e.UniqueID, v, err)
		}
	}
	if diff := cmp.Diff([]int64{10, -4, 1 << 40}, got); diff != "" {
		t.Errorf("Unique ids mismatch (-want +got):\n%s", diff)
	}
	if pl.UUIDs[0] == pl.UUIDs[1] {
		t.Error("Expected distinct UUIDs per entry")
	}

	if _, err := ParsePlayerList(payload[:len(payload)/2]); err == nil {
		t.Error("Expected truncated player list to fail")
	}
}

func TestParsePlayerList_Remove(t *testing.T) {
	ids := [][16]byte{{1}, {2}}
	pk := PlayerListRemove(ids)
	_, n, err := ParseHeader(pk)
	if err != nil {
		t.Fatal(err)
	}
	pl, err := ParsePlayerList(pk[n:])
	if err != nil {
		t.Fatal(err)
	}
	if pl.Action != PlayerListActionRemove {
		t.Errorf("Expected remove action, got %d", pl.Action)
	}
	if diff := cmp.Diff(ids, pl.UUIDs); diff != "" {
		t.Errorf("UUIDs mismatch (-want +got):\n%s", diff)
	}
	if len(pl.Entries) != 0 {
		t.Errorf("Expected no add entries, got %d", len(pl.Entries))
	}
}
