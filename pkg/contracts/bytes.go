// Package contracts defines the wire and domain types shared by every stage of
// the commit admission pipeline: fixed-width binary identifiers, the signed
// commit envelope, pact proofs, ledger entries, heads and receipts.
package contracts

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	HashSize      = 32
	PublicKeySize = 32
	SignatureSize = 64
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashSize]byte

// ZeroHash is the genesis value of every container's last_hash.
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error { return decodeFixed(h[:], string(b), "hash") }

// ParseHash decodes a hex or base64 encoded 32-byte hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// ContainerID is the stable 32-byte identity of a container.
type ContainerID [HashSize]byte

func (c ContainerID) String() string { return hex.EncodeToString(c[:]) }

func (c ContainerID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ContainerID) UnmarshalText(b []byte) error {
	return decodeFixed(c[:], string(b), "container_id")
}

func ParseContainerID(s string) (ContainerID, error) {
	var c ContainerID
	err := c.UnmarshalText([]byte(s))
	return c, err
}

// PublicKey is a raw Ed25519 public key.
type PublicKey [PublicKeySize]byte

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

func (p PublicKey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PublicKey) UnmarshalText(b []byte) error {
	return decodeFixed(p[:], string(b), "public key")
}

func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	err := p.UnmarshalText([]byte(s))
	return p, err
}

// Signature is a raw Ed25519 signature.
type Signature [SignatureSize]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(b []byte) error {
	return decodeFixed(s[:], string(b), "signature")
}

func ParseSignature(s string) (Signature, error) {
	var sig Signature
	err := sig.UnmarshalText([]byte(s))
	return sig, err
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeFixed fills dst from s, which must be exactly len(dst) bytes encoded
// as hex (either case) or base64 (standard or URL alphabet, padded or not).
func decodeFixed(dst []byte, s, what string) error {
	if len(s) == hex.EncodedLen(len(dst)) {
		if _, err := hex.Decode(dst, []byte(s)); err != nil {
			return fmt.Errorf("invalid %s hex: %w", what, err)
		}
		return nil
	}
	for _, enc := range base64Encodings {
		raw, err := enc.DecodeString(s)
		if err == nil && len(raw) == len(dst) {
			copy(dst, raw)
			return nil
		}
	}
	return fmt.Errorf("invalid %s: want %d bytes as hex or base64, got %d characters", what, len(dst), len(s))
}
