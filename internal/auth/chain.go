// Package auth validates the login certificate chain presented by a client
// and signs the chain the proxy presents to backends.
package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft/protocol/login"

	"github.com/SkynetNext/bedrock-proxy/internal/encryption"
)

// MojangRootKey is the public key that roots every online-mode login chain
const MojangRootKey = "MHYwEAYHKoZIzj0CAQYFK4EEACIDYgAE8ELkixyLcwlZryUQcu1TvPOmI2B7vX83ndnWRUaXm74wFfa5f/lwQNTfrLVHa2PmenpGI6JhIMUJaWZrjmMj90NoKNFSNBuKdm8rYiXsfaz3K36x/1U26HpG0ZxK/V1V"

var (
	// ErrChainValidation is returned when a chain cannot be verified back to the root key
	ErrChainValidation = errors.New("certificate chain validation failed")

	// ErrMalformedToken is returned for tokens that cannot be decoded at all
	ErrMalformedToken = errors.New("malformed token")
)

// Result is the outcome of validating a login.
type Result struct {
	// Authenticated is true only if the chain verified back to the root key
	// and the client data token verified against the client key.
	Authenticated bool

	Identity login.IdentityData
	UUID     uuid.UUID

	// IdentityPublicKey is the client's key from the identity-bearing token.
	// It verifies the client data token and becomes the peer key of the
	// encryption handshake.
	IdentityPublicKey    *ecdsa.PublicKey
	IdentityPublicKeyRaw string

	// ClientData holds the skin and device claims. Raw keeps every claim so
	// they can be re-signed for backends without loss.
	ClientData    login.ClientData
	ClientDataRaw map[string]any
}

// Validator verifies login chains against a fixed root key. It holds no
// per-login state and may be shared between sessions.
type Validator struct {
	rootRaw string
	root    *ecdsa.PublicKey
}

// NewValidator creates a validator trusting the given base64 DER root key.
// An empty key selects MojangRootKey.
func NewValidator(rootKey string) (*Validator, error) {
	if rootKey == "" {
		rootKey = MojangRootKey
	}
	root, err := encryption.ParsePublicKey(rootKey)
	if err != nil {
		return nil, fmt.Errorf("invalid root key: %w", err)
	}
	return &Validator{rootRaw: rootKey, root: root}, nil
}

// token is one decoded, not yet verified chain link
type token struct {
	raw    string
	x5u    string
	claims jwt.MapClaims
}

// decodeToken reads the header and claims of raw without looking at the
// algorithm it names.
func decodeToken(raw string) (*token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	var header struct {
		X5U string `json:"x5u"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if header.X5U == "" {
		return nil, fmt.Errorf("%w: missing x5u header", ErrMalformedToken)
	}
	claims := jwt.MapClaims{}
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformedToken, err)
	}
	return &token{raw: raw, x5u: header.X5U, claims: claims}, nil
}

func decodeSegment(seg string, v any) error {
	data, err := jwt.DecodeSegment(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// verifyES384 checks the signature of raw with key. The algorithm named in
// the token header is ignored.
func verifyES384(raw string, key *ecdsa.PublicKey) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	return jwt.SigningMethodES384.Verify(parts[0]+"."+parts[1], parts[2], key)
}

// Validate verifies chain and the client data token. A chain that cannot be
// verified still yields a Result with the unverified identity and
// Authenticated false, together with an error wrapping ErrChainValidation;
// callers in lenient mode may continue with it. Tokens that cannot be
// decoded at all yield no Result.
func (v *Validator) Validate(chain []string, clientDataToken string) (*Result, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedToken)
	}
	tokens := make([]*token, 0, len(chain))
	for _, raw := range chain {
		t, err := decodeToken(raw)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	identityToken, chainErr := v.verifyChain(tokens)
	if identityToken == nil {
		identityToken = findIdentity(tokens)
		if identityToken == nil {
			return nil, fmt.Errorf("%w: no token carries extraData", ErrChainValidation)
		}
	}

	res, err := resultFrom(identityToken)
	if err != nil {
		return nil, err
	}

	skinErr := res.readClientData(clientDataToken)
	switch {
	case chainErr != nil:
		return res, chainErr
	case skinErr != nil:
		return res, fmt.Errorf("%w: client data: %v", ErrChainValidation, skinErr)
	}
	res.Authenticated = true
	return res, nil
}

// verifyChain grows the trusted key set from the root until every token is
// verified or no further token can be. It returns the verified token that
// carries extraData, if any.
func (v *Validator) verifyChain(tokens []*token) (*token, error) {
	trusted := map[string]*ecdsa.PublicKey{v.rootRaw: v.root}
	// Keys vouched for by a verified token without certificateAuthority may
	// sign a token themselves (the client's self-signed link) but never
	// extend trust further.
	vouched := map[string]*ecdsa.PublicKey{}

	var identity *token
	pending := tokens
	for len(pending) > 0 {
		var next []*token
		for _, t := range pending {
			key, ok := trusted[t.x5u]
			if !ok {
				next = append(next, t)
				continue
			}
			if err := verifyES384(t.raw, key); err != nil {
				return identity, fmt.Errorf("%w: signature: %v", ErrChainValidation, err)
			}
			if err := t.claims.Valid(); err != nil {
				return identity, fmt.Errorf("%w: %v", ErrChainValidation, err)
			}
			if _, ok := t.claims["extraData"]; ok {
				identity = t
			}
			raw, _ := t.claims["identityPublicKey"].(string)
			if raw == "" {
				continue
			}
			pub, err := encryption.ParsePublicKey(raw)
			if err != nil {
				return identity, fmt.Errorf("%w: identityPublicKey: %v", ErrChainValidation, err)
			}
			if ca, _ := t.claims["certificateAuthority"].(bool); ca {
				trusted[raw] = pub
			} else {
				vouched[raw] = pub
			}
		}
		if len(next) == len(pending) {
			return identity, v.verifyVouched(next, vouched, identity)
		}
		pending = next
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: no verified token carries extraData", ErrChainValidation)
	}
	return identity, nil
}

// verifyVouched accepts leftover tokens signed by a key that a verified
// token vouched for. Anything else left over means the chain is incomplete.
func (v *Validator) verifyVouched(rest []*token, vouched map[string]*ecdsa.PublicKey, identity *token) error {
	if identity == nil {
		return fmt.Errorf("%w: %d tokens not rooted in a trusted key", ErrChainValidation, len(rest))
	}
	for _, t := range rest {
		key, ok := vouched[t.x5u]
		if !ok {
			return fmt.Errorf("%w: %d tokens not rooted in a trusted key", ErrChainValidation, len(rest))
		}
		if err := verifyES384(t.raw, key); err != nil {
			return fmt.Errorf("%w: signature: %v", ErrChainValidation, err)
		}
	}
	return nil
}

func findIdentity(tokens []*token) *token {
	for i := len(tokens) - 1; i >= 0; i-- {
		if _, ok := tokens[i].claims["extraData"]; ok {
			return tokens[i]
		}
	}
	return nil
}

func resultFrom(t *token) (*Result, error) {
	extra, err := json.Marshal(t.claims["extraData"])
	if err != nil {
		return nil, fmt.Errorf("%w: extraData: %v", ErrMalformedToken, err)
	}
	res := &Result{}
	if err := json.Unmarshal(extra, &res.Identity); err != nil {
		return nil, fmt.Errorf("%w: extraData: %v", ErrMalformedToken, err)
	}
	if res.Identity.DisplayName == "" {
		return nil, fmt.Errorf("%w: extraData without displayName", ErrMalformedToken)
	}
	if id, err := uuid.Parse(res.Identity.Identity); err == nil {
		res.UUID = id
	} else {
		// Offline clients may send no usable identity; derive a stable one.
		res.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("OfflinePlayer:"+res.Identity.DisplayName))
		res.Identity.Identity = res.UUID.String()
	}

	raw, _ := t.claims["identityPublicKey"].(string)
	if raw != "" {
		pub, err := encryption.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: identityPublicKey: %v", ErrMalformedToken, err)
		}
		res.IdentityPublicKey = pub
		res.IdentityPublicKeyRaw = raw
	}
	return res, nil
}

// readClientData decodes the client data token and verifies it with the
// client's identity key. The claims are kept even when verification fails.
func (r *Result) readClientData(raw string) error {
	if raw == "" {
		return errors.New("missing client data token")
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	claims := jwt.MapClaims{}
	if err := decodeSegment(parts[1], &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	r.ClientDataRaw = claims

	if data, err := json.Marshal(claims); err == nil {
		// Unknown or mistyped claims only affect the typed view.
		_ = json.Unmarshal(data, &r.ClientData)
	}

	if r.IdentityPublicKey == nil {
		return errors.New("identity token carries no identityPublicKey")
	}
	return verifyES384(raw, r.IdentityPublicKey)
}
