// Package encryption implements the per-connection crypto context: ECDH key
// agreement, AES-256-CTR stream ciphers and the counter-based batch checksum.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the size of the derived symmetric key
	KeySize = 32

	// ChecksumSize is the size of the integrity tag appended to each batch
	ChecksumSize = 8
)

var (
	// ErrIntegrity is returned when a batch checksum does not match
	ErrIntegrity = errors.New("batch checksum mismatch")

	// ErrShortPayload is returned when an encrypted batch is shorter than its checksum
	ErrShortPayload = errors.New("encrypted payload shorter than checksum")
)

// Context holds the stream ciphers and counters of one encrypted connection.
// Seal must only be called from one goroutine at a time, and Open likewise;
// the two directions are independent.
type Context struct {
	key []byte

	encrypt cipher.Stream
	decrypt cipher.Stream

	sendCounter uint64
	recvCounter uint64
}

// NewContext creates a crypto context from a derived key. The IV is the first
// 12 bytes of the key followed by the big-endian block counter 2.
func NewContext(key []byte) (*Context, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, key[:12])
	iv[15] = 2
	decIV := make([]byte, aes.BlockSize)
	copy(decIV, iv)

	k := make([]byte, KeySize)
	copy(k, key)
	return &Context{
		key:     k,
		encrypt: cipher.NewCTR(block, iv),
		decrypt: cipher.NewCTR(block, decIV),
	}, nil
}

// DeriveKey computes SHA-256(salt ‖ secret)
func DeriveKey(salt, secret []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil)
}

// Checksum computes the first 8 bytes of SHA-256(LE64 counter ‖ payload ‖ key)
func (c *Context) Checksum(counter uint64, payload []byte) [ChecksumSize]byte {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)

	h := sha256.New()
	h.Write(ctr[:])
	h.Write(payload)
	h.Write(c.key)

	var sum [ChecksumSize]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Seal appends the checksum for the current send counter to compressed,
// advances the counter and encrypts the result in place.
func (c *Context) Seal(compressed []byte) []byte {
	sum := c.Checksum(c.sendCounter, compressed)
	c.sendCounter++

	out := append(compressed, sum[:]...)
	c.encrypt.XORKeyStream(out, out)
	return out
}

// Open decrypts data in place, verifies the trailing checksum against the
// receive counter and returns the compressed bytes. On mismatch nothing of
// the decrypted payload is returned.
func (c *Context) Open(data []byte) ([]byte, error) {
	if len(data) < ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}
	c.decrypt.XORKeyStream(data, data)

	payload := data[:len(data)-ChecksumSize]
	want := c.Checksum(c.recvCounter, payload)
	c.recvCounter++

	if subtle.ConstantTimeCompare(want[:], data[len(payload):]) != 1 {
		return nil, fmt.Errorf("%w: counter %d", ErrIntegrity, c.recvCounter-1)
	}
	return payload, nil
}

// Counters returns the send and receive counters
func (c *Context) Counters() (send, recv uint64) {
	return c.sendCounter, c.recvCounter
}
