// Package batch frames logical packets into compressed, optionally encrypted
// batch packets and splits inbound batches back into packets.
//
// Wire layout: 0xfe ‖ encrypt(deflate(varuint32 len ‖ packet ...) ‖ tag).
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
	"github.com/SkynetNext/bedrock-proxy/internal/protocol"
)

const (
	// DefaultMaxBatchSize bounds the inflated size of one inbound batch
	DefaultMaxBatchSize = 8 << 20

	// DefaultCompressionLevel is the deflate level used for outbound batches
	DefaultCompressionLevel = 7
)

var (
	// ErrProtocolViolation is returned for any malformed batch. It is fatal to
	// the connection the batch arrived on.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEmptyBatch is returned when Encode is called without packets
	ErrEmptyBatch = errors.New("empty batch")
)

// Encoder builds outbound batches. An Encoder is owned by exactly one lane
// worker and is not safe for concurrent use.
type Encoder struct {
	level  int
	crypto *encryption.Context

	raw        bytes.Buffer
	compressed bytes.Buffer
	fw         *flate.Writer
}

// NewEncoder creates an encoder compressing at the given deflate level
func NewEncoder(level int) (*Encoder, error) {
	if level == 0 {
		level = DefaultCompressionLevel
	}
	e := &Encoder{level: level}
	fw, err := flate.NewWriter(&e.compressed, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	e.fw = fw
	return e, nil
}

// EnableEncryption makes every following batch sealed with ctx
func (e *Encoder) EnableEncryption(ctx *encryption.Context) {
	e.crypto = ctx
}

// Encrypted reports whether outbound batches are encrypted
func (e *Encoder) Encrypted() bool {
	return e.crypto != nil
}

// Encode frames packets into a single batch packet. The returned slice is
// newly allocated and may be handed to a transport.
func (e *Encoder) Encode(packets [][]byte) ([]byte, error) {
	if len(packets) == 0 {
		return nil, ErrEmptyBatch
	}

	e.raw.Reset()
	w := protocol.NewWriter(&e.raw)
	for _, pk := range packets {
		w.ByteSlice(pk)
	}

	e.compressed.Reset()
	e.fw.Reset(&e.compressed)
	if _, err := e.fw.Write(e.raw.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := e.fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}

	out := make([]byte, 1, 1+e.compressed.Len()+encryption.ChecksumSize)
	out[0] = protocol.BatchHeader
	out = append(out, e.compressed.Bytes()...)
	if e.crypto != nil {
		// Seal works in place on the payload after the header byte.
		sealed := e.crypto.Seal(out[1:])
		out = append(out[:1], sealed...)
	}
	return out, nil
}

// Decoder splits inbound batches. A Decoder is owned by the event loop of the
// session (or backend) it belongs to and is not safe for concurrent use.
type Decoder struct {
	maxSize int
	crypto  *encryption.Context

	inflated bytes.Buffer
	fr       io.ReadCloser
}

// NewDecoder creates a decoder rejecting batches that inflate past maxSize
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &Decoder{
		maxSize: maxSize,
		fr:      flate.NewReader(bytes.NewReader(nil)),
	}
}

// EnableEncryption makes every following batch opened with ctx
func (d *Decoder) EnableEncryption(ctx *encryption.Context) {
	d.crypto = ctx
}

// Encrypted reports whether inbound batches are expected to be encrypted
func (d *Decoder) Encrypted() bool {
	return d.crypto != nil
}

// Decode opens, inflates and splits one batch frame. Either every packet of
// the batch is returned or none is. The returned packets share one freshly
// allocated buffer and stay valid after later calls.
func (d *Decoder) Decode(frame []byte) ([][]byte, error) {
	if len(frame) == 0 || frame[0] != protocol.BatchHeader {
		return nil, fmt.Errorf("%w: frame is not a batch", ErrProtocolViolation)
	}
	payload := frame[1:]

	if d.crypto != nil {
		opened, err := d.crypto.Open(payload)
		if err != nil {
			return nil, err
		}
		payload = opened
	}

	if err := d.inflate(payload); err != nil {
		return nil, err
	}
	return split(bytes.Clone(d.inflated.Bytes()))
}

func (d *Decoder) inflate(compressed []byte) error {
	d.inflated.Reset()
	if err := d.fr.(flate.Resetter).Reset(bytes.NewReader(compressed), nil); err != nil {
		return fmt.Errorf("%w: reset inflater: %v", ErrProtocolViolation, err)
	}
	n, err := d.inflated.ReadFrom(io.LimitReader(d.fr, int64(d.maxSize)+1))
	if err != nil {
		return fmt.Errorf("%w: inflate: %v", ErrProtocolViolation, err)
	}
	if n > int64(d.maxSize) {
		return fmt.Errorf("%w: batch inflates past %d bytes", ErrProtocolViolation, d.maxSize)
	}
	return nil
}

// split reads varuint32 length-prefixed packets until data is exhausted
func split(data []byte) ([][]byte, error) {
	r := protocol.NewReader(data)
	var packets [][]byte
	for r.Len() > 0 {
		pk, err := r.ByteSlice()
		if err != nil {
			return nil, fmt.Errorf("%w: sub-packet %d: %v", ErrProtocolViolation, len(packets), err)
		}
		id, _, err := protocol.ParseHeader(pk)
		if err != nil {
			return nil, fmt.Errorf("%w: sub-packet %d header: %v", ErrProtocolViolation, len(packets), err)
		}
		if id == protocol.BatchHeader {
			return nil, fmt.Errorf("%w: batch nested in batch", ErrProtocolViolation)
		}
		packets = append(packets, pk)
	}
	return packets, nil
}
