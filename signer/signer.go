// CLAUDE:SUMMARY Ed25519 JWS signer for commit envelopes, did:jwk identities, and envelope verification for the store.
// Package signer signs commit envelopes with Ed25519 in JWS general
// serialization: each signature covers "<protected>.<base64url(payload)>".
// Identities are did:jwk DIDs derived from a 32-byte seed, so a verifier
// needs nothing but the envelope.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/streamreg/stream"
)

const didPrefix = "did:jwk:"

var b64 = base64.RawURLEncoding

// ErrBadSignature is returned by Verify when an envelope does not verify.
var ErrBadSignature = errors.New("signer: signature verification failed")

type jwk struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
}

type protectedHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// JWS implements stream.Signer.
type JWS struct{}

// NewJWS returns a JWS signer.
func NewJWS() *JWS { return &JWS{} }

// Sign signs payload with the key derived from id.Seed. The identity's
// DID, when set, must be the one derived from the seed.
func (s *JWS) Sign(_ context.Context, id stream.Identity, payload []byte) (*stream.Envelope, error) {
	if len(id.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(id.Seed))
	}
	key := ed25519.NewKeyFromSeed(id.Seed)
	did := DIDFromPublicKey(key.Public().(ed25519.PublicKey))
	if id.DID != "" && id.DID != did {
		return nil, fmt.Errorf("signer: identity %s does not match seed (derived %s)", id.DID, did)
	}

	hdr, err := json.Marshal(protectedHeader{Alg: jwt.SigningMethodEdDSA.Alg(), Kid: did})
	if err != nil {
		return nil, err
	}
	protected := b64.EncodeToString(hdr)
	sig, err := jwt.SigningMethodEdDSA.Sign(protected+"."+b64.EncodeToString(payload), key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}

	return &stream.Envelope{
		Payload:    append(json.RawMessage(nil), payload...),
		Signatures: []stream.Signature{{Protected: protected, Signature: b64.EncodeToString(sig)}},
	}, nil
}

// Verify checks every signature of env and returns the signer DIDs in
// signature order.
func Verify(env *stream.Envelope) ([]string, error) {
	if env == nil || len(env.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures", ErrBadSignature)
	}
	encodedPayload := b64.EncodeToString(env.Payload)
	dids := make([]string, 0, len(env.Signatures))
	for i, s := range env.Signatures {
		raw, err := b64.DecodeString(s.Protected)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: protected header: %v", ErrBadSignature, i, err)
		}
		var hdr protectedHeader
		if err := json.Unmarshal(raw, &hdr); err != nil {
			return nil, fmt.Errorf("%w: signature %d: protected header: %v", ErrBadSignature, i, err)
		}
		if hdr.Alg != jwt.SigningMethodEdDSA.Alg() {
			return nil, fmt.Errorf("%w: signature %d: unsupported alg %q", ErrBadSignature, i, hdr.Alg)
		}
		pub, err := PublicKeyFromDID(hdr.Kid)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrBadSignature, i, err)
		}
		sig, err := b64.DecodeString(s.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrBadSignature, i, err)
		}
		if err := jwt.SigningMethodEdDSA.Verify(s.Protected+"."+encodedPayload, sig, pub); err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrBadSignature, i, err)
		}
		dids = append(dids, hdr.Kid)
	}
	return dids, nil
}

// DIDFromPublicKey returns the did:jwk DID of pub.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	data, _ := json.Marshal(jwk{Crv: "Ed25519", Kty: "OKP", X: b64.EncodeToString(pub)})
	return didPrefix + b64.EncodeToString(data)
}

// PublicKeyFromDID extracts the Ed25519 key of a did:jwk DID.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	enc, ok := strings.CutPrefix(did, didPrefix)
	if !ok {
		return nil, fmt.Errorf("signer: not a did:jwk: %q", did)
	}
	raw, err := b64.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("signer: did:jwk encoding: %w", err)
	}
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("signer: did:jwk key: %w", err)
	}
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, fmt.Errorf("signer: unsupported key %s/%s", k.Kty, k.Crv)
	}
	pub, err := b64.DecodeString(k.X)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signer: malformed Ed25519 key")
	}
	return ed25519.PublicKey(pub), nil
}

// IdentityFromSeed builds the identity matching seed.
func IdentityFromSeed(seed []byte) (stream.Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return stream.Identity{}, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return stream.Identity{DID: DIDFromPublicKey(pub), Seed: seed}, nil
}

// ParseSeed decodes a hex seed, as stored in configuration files.
func ParseSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("signer: seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("signer: generate seed: %w", err)
	}
	return seed, nil
}
