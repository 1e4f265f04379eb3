// Package crypto holds the signature primitives shared by the gateway, the
// OCP attestation flow and the courtctl tooling: Ed25519 over SHA-256
// digests, base58 agent identities, API key hashing and webhook HMAC keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// Signer signs request digests on behalf of one agent identity.
type Signer interface {
	Sign(digest []byte) string
	AgentID() string
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer is the standard Signer backed by an in-memory private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed rebuilds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the base64 encoding of the 64-byte Ed25519 signature.
func (s *Ed25519Signer) Sign(digest []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest))
}

// AgentID returns the base58 encoding of the public key.
func (s *Ed25519Signer) AgentID() string {
	return base58.Encode(s.pub)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Seed exposes the private seed for courtctl key export.
func (s *Ed25519Signer) Seed() []byte {
	return s.priv.Seed()
}

// PublicKeyFromAgentID decodes a base58 agent id into its Ed25519 public
// key. The decoded key must be exactly 32 bytes.
func PublicKeyFromAgentID(agentID string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(agentID)
	if err != nil {
		return nil, fmt.Errorf("agent id is not valid base58: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("agent id decodes to %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyDigest checks a base64 signature over a digest for the given agent.
// Any decode or size failure reports as an invalid signature.
func VerifyDigest(agentID, sigBase64 string, digest []byte) bool {
	pub, err := PublicKeyFromAgentID(agentID)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// Digest hashes a signing string the way every signature in the system
// expects: a single SHA-256 pass over the UTF-8 bytes.
func Digest(signingString string) []byte {
	sum := sha256.Sum256([]byte(signingString))
	return sum[:]
}
