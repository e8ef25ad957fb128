package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const deriveSalt = "ubl-key-kdf"

// DeriveSigner derives a deterministic Ed25519 signer from a master seed and
// a label using HKDF-SHA256. The same (seed, label) always yields the same key.
func DeriveSigner(masterSeed []byte, label string) (*Ed25519Signer, error) {
	if label == "" {
		return nil, fmt.Errorf("label must not be empty")
	}
	if len(masterSeed) < ed25519.SeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", ed25519.SeedSize)
	}

	r := hkdf.New(sha256.New, masterSeed, []byte(deriveSalt), []byte(label))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, label)
}
