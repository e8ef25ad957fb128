// Package crypto holds the Ed25519 primitives used to sign commits and pact
// digests.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Signer produces Ed25519 signatures over raw bytes.
type Signer interface {
	Sign(data []byte) contracts.Signature
	PublicKey() contracts.PublicKey
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  contracts.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	var pub contracts.PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) contracts.Signature {
	var sig contracts.Signature
	copy(sig[:], ed25519.Sign(s.privKey, data))
	return sig
}

func (s *Ed25519Signer) PublicKey() contracts.PublicKey {
	return s.pubKey
}

// Seed returns the private seed. Callers persisting it own its protection.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// Verify checks sig over data under pub.
func Verify(pub contracts.PublicKey, data []byte, sig contracts.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), data, sig[:])
}

// VerifyHex verifies a signature against a public key, both hex encoded.
func VerifyHex(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
