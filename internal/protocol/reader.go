package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFieldTruncated is returned when a field extends past the end of the packet
	ErrFieldTruncated = errors.New("field truncated")

	// ErrVarintOverflow is returned when a varint is longer than its type allows
	ErrVarintOverflow = errors.New("varint overflows")

	// ErrStringTooLong is returned when a length-prefixed field exceeds the packet size
	ErrStringTooLong = errors.New("length-prefixed field exceeds packet")
)

// Reader decodes little-endian and varint fields from a packet payload.
// Every method returns an explicit error instead of panicking, so a malformed
// field aborts the decoding of one packet only.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over buf. buf is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the number of bytes consumed so far
func (r *Reader) Offset() int {
	return r.off
}

// Len returns the number of unread bytes
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Rest returns the unread bytes without copying
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrFieldTruncated, n, r.off, r.Len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Byte reads a single byte
func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a single byte as a boolean
func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

// Uint16 reads a little-endian uint16
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Int32 reads a little-endian int32
func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Uint32 reads a little-endian uint32
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// BEInt32 reads a big-endian int32
func (r *Reader) BEInt32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Float32 reads a little-endian float32
func (r *Reader) Float32() (float32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// Varuint64 reads an unsigned LEB128 varint of at most 10 bytes
func (r *Reader) Varuint64() (uint64, error) {
	var v uint64
	for i := 0; i < 70; i += 7 {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << i
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varuint64 at offset %d", ErrVarintOverflow, r.off)
}

// Varuint32 reads an unsigned LEB128 varint of at most 5 bytes
func (r *Reader) Varuint32() (uint32, error) {
	var v uint32
	for i := 0; i < 35; i += 7 {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << i
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varuint32 at offset %d", ErrVarintOverflow, r.off)
}

// Varint64 reads a zigzag encoded signed varint
func (r *Reader) Varint64() (int64, error) {
	u, err := r.Varuint64()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

// Varint32 reads a zigzag encoded signed varint
func (r *Reader) Varint32() (int32, error) {
	u, err := r.Varuint32()
	if err != nil {
		return 0, err
	}
	return int32(u>>1) ^ -int32(u&1), nil
}

// Bytes reads exactly n bytes without copying
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n)
}

// ByteSlice reads a varuint32 length followed by that many bytes
func (r *Reader) ByteSlice() ([]byte, error) {
	n, err := r.Varuint32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("%w: %d > %d", ErrStringTooLong, n, r.Len())
	}
	return r.take(int(n))
}

// String reads a varuint32 length-prefixed string
func (r *Reader) String() (string, error) {
	b, err := r.ByteSlice()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UUID reads the 16 raw wire bytes of a UUID. The bytes are kept in wire
// order since the proxy only echoes them back.
func (r *Reader) UUID() ([16]byte, error) {
	var id [16]byte
	b, err := r.take(16)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}
