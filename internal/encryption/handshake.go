package encryption

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

const saltSize = 16

// ErrHandshake is returned for malformed or unverifiable handshake tokens
var ErrHandshake = errors.New("invalid encryption handshake")

// GenerateKey creates a new P-384 key pair
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// MarshalPublicKey encodes a public key as base64 DER (the x5u format)
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 DER public key
func ParsePublicKey(s string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not ECDSA", key)
	}
	return ec, nil
}

// SharedSecret performs ECDH between priv and pub
func SharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %w", err)
	}
	return ecdhPriv.ECDH(ecdhPub)
}

// NewHandshake creates the signed encryption request sent to a client and the
// crypto context that becomes active once it is sent.
func NewHandshake(priv *ecdsa.PrivateKey, clientKey *ecdsa.PublicKey) (string, *Context, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	x5u, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return "", nil, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES384, jwt.MapClaims{
		"salt": base64.RawStdEncoding.EncodeToString(salt),
	})
	token.Header["x5u"] = x5u
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign handshake: %w", err)
	}

	secret, err := SharedSecret(priv, clientKey)
	if err != nil {
		return "", nil, err
	}
	ctx, err := NewContext(DeriveKey(salt, secret))
	if err != nil {
		return "", nil, err
	}
	return signed, ctx, nil
}

// AcceptHandshake verifies a server's encryption request with the server key
// named in its x5u header and derives the crypto context for priv.
func AcceptHandshake(signed string, priv *ecdsa.PrivateKey) (*Context, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrHandshake, len(parts))
	}

	claims := jwt.MapClaims{}
	token, _, err := new(jwt.Parser).ParseUnverified(signed, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	x5u, _ := token.Header["x5u"].(string)
	serverKey, err := ParsePublicKey(x5u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := jwt.SigningMethodES384.Verify(parts[0]+"."+parts[1], parts[2], serverKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	saltStr, _ := claims["salt"].(string)
	salt, err := decodeSalt(saltStr)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrHandshake, err)
	}

	secret, err := SharedSecret(priv, serverKey)
	if err != nil {
		return nil, err
	}
	return NewContext(DeriveKey(salt, secret))
}

func decodeSalt(s string) ([]byte, error) {
	if salt, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return salt, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
