package auth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sandertv/gophertunnel/minecraft/protocol/login"

	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
)

// chainLifetime is how long a proxy-signed chain stays valid
const chainLifetime = 24 * time.Hour

// Signer re-signs a validated identity with the proxy key so the proxy can
// log in to offline-mode backends on the client's behalf.
type Signer struct {
	key *ecdsa.PrivateKey
	pub string
}

// NewSigner creates a signer for key
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	pub, err := encryption.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, pub: pub}, nil
}

// Key returns the signing key, which is also the proxy's handshake key
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// PublicKey returns the base64 DER public key embedded in signed tokens
func (s *Signer) PublicKey() string {
	return s.pub
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	t.Header["x5u"] = s.pub
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// SignChain builds a single-token chain carrying identity, self-signed by
// the proxy key.
func (s *Signer) SignChain(identity login.IdentityData) ([]string, error) {
	now := time.Now()
	token, err := s.sign(jwt.MapClaims{
		"extraData": map[string]any{
			"displayName": identity.DisplayName,
			"identity":    identity.Identity,
			"XUID":        identity.XUID,
			"titleId":     identity.TitleID,
		},
		"identityPublicKey":    s.pub,
		"certificateAuthority": true,
		"nbf":                  now.Add(-time.Minute).Unix(),
		"iat":                  now.Unix(),
		"exp":                  now.Add(chainLifetime).Unix(),
	})
	if err != nil {
		return nil, err
	}
	return []string{token}, nil
}

// SignClientData re-signs the client's skin and device claims
func (s *Signer) SignClientData(claims map[string]any) (string, error) {
	c := make(jwt.MapClaims, len(claims))
	for k, v := range claims {
		c[k] = v
	}
	return s.sign(c)
}
