package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Writer encodes packet fields into a bytes.Buffer
type Writer struct {
	buf *bytes.Buffer
}

// NewWriter creates a writer appending to buf
func NewWriter(buf *bytes.Buffer) *Writer {
	return &Writer{buf: buf}
}

// Byte writes a single byte
func (w *Writer) Byte(b byte) {
	w.buf.WriteByte(b)
}

// Bool writes a boolean as one byte
func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

// Uint16 writes a little-endian uint16
func (w *Writer) Uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// Int32 writes a little-endian int32
func (w *Writer) Int32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

// BEInt32 writes a big-endian int32
func (w *Writer) BEInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

// Float32 writes a little-endian float32
func (w *Writer) Float32(v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	w.buf.Write(b[:])
}

// Varuint64 writes an unsigned LEB128 varint
func (w *Writer) Varuint64(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}

// Varuint32 writes an unsigned LEB128 varint
func (w *Writer) Varuint32(v uint32) {
	w.Varuint64(uint64(v))
}

// Varint64 writes a zigzag encoded signed varint
func (w *Writer) Varint64(v int64) {
	w.Varuint64(uint64(v<<1) ^ uint64(v>>63))
}

// Varint32 writes a zigzag encoded signed varint
func (w *Writer) Varint32(v int32) {
	w.Varuint32(uint32(v<<1) ^ uint32(v>>31))
}

// ByteSlice writes a varuint32 length followed by b
func (w *Writer) ByteSlice(b []byte) {
	w.Varuint32(uint32(len(b)))
	w.buf.Write(b)
}

// String writes a varuint32 length-prefixed string
func (w *Writer) String(s string) {
	w.Varuint32(uint32(len(s)))
	w.buf.WriteString(s)
}

// Bytes writes b as-is
func (w *Writer) Bytes(b []byte) {
	w.buf.Write(b)
}

// UUID writes 16 raw wire bytes
func (w *Writer) UUID(id [16]byte) {
	w.buf.Write(id[:])
}

// AppendVaruint64 appends v as an unsigned varint to dst
func AppendVaruint64(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendVarint64 appends v as a zigzag varint to dst
func AppendVarint64(dst []byte, v int64) []byte {
	return binary.AppendUvarint(dst, uint64(v<<1)^uint64(v>>63))
}
