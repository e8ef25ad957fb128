// Package envelope builds, signs and verifies commit envelopes.
//
// Signing bytes layout (all integers big-endian, 122 bytes for v1):
//
//	version(1) || container_id(32) || expected_sequence(8) ||
//	previous_hash(32) || atom_hash(32) || intent_class(1) || physics_delta(16)
//
// pact, author_pubkey and signature are not part of the signed payload.
package envelope

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

// SigningBytesSize is the length of v1 signing bytes.
const SigningBytesSize = 1 + contracts.HashSize + 8 + contracts.HashSize + contracts.HashSize + 1 + 16

// SigningBytes returns the exact byte string the author signs.
func SigningBytes(c *contracts.Commit) []byte {
	buf := make([]byte, 0, SigningBytesSize)
	buf = append(buf, c.Version)
	buf = append(buf, c.ContainerID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.ExpectedSequence)
	buf = append(buf, c.PreviousHash[:]...)
	buf = append(buf, c.AtomHash[:]...)
	buf = append(buf, byte(c.IntentClass))
	delta := c.PhysicsDelta.Bytes()
	buf = append(buf, delta[:]...)
	return buf
}

// Sign sets the author key and signature on c.
func Sign(c *contracts.Commit, signer crypto.Signer) {
	c.AuthorPubKey = signer.PublicKey()
	c.Signature = signer.Sign(SigningBytes(c))
}

// Verify reports whether c carries a valid author signature.
func Verify(c *contracts.Commit) bool {
	return crypto.Verify(c.AuthorPubKey, SigningBytes(c), c.Signature)
}

// Hash identifies a commit by its signing bytes. It is not the chain link.
func Hash(c *contracts.Commit) contracts.Hash {
	return contracts.Hash(blake3.Sum256(SigningBytes(c)))
}

const containerDomain = "ubl:container\n"

// ContainerIDFor derives a container identity from a human-readable name.
func ContainerIDFor(name string) contracts.ContainerID {
	h := blake3.New(contracts.HashSize, nil)
	_, _ = h.Write([]byte(containerDomain))
	_, _ = h.Write([]byte(name))
	var cid contracts.ContainerID
	copy(cid[:], h.Sum(nil))
	return cid
}
