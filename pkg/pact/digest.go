package pact

import (
	"lukechampine.com/blake3"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

const digestDomain = "ubl:pact\n"

// Digest is what each pact signer signs:
// BLAKE3("ubl:pact\n" || pact_id || atom_hash || intent_class || physics_delta).
func Digest(pactID string, atom contracts.Hash, class contracts.IntentClass, delta contracts.Int128) contracts.Hash {
	h := blake3.New(contracts.HashSize, nil)
	_, _ = h.Write([]byte(digestDomain))
	_, _ = h.Write([]byte(pactID))
	_, _ = h.Write(atom[:])
	_, _ = h.Write([]byte{byte(class)})
	d := delta.Bytes()
	_, _ = h.Write(d[:])
	var out contracts.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CommitDigest is Digest for the fields of c.
func CommitDigest(pactID string, c *contracts.Commit) contracts.Hash {
	return Digest(pactID, c.AtomHash, c.IntentClass, c.PhysicsDelta)
}

// Endorse returns signer's signature over the pact digest of c.
func Endorse(signer crypto.Signer, pactID string, c *contracts.Commit) contracts.PactSignature {
	d := CommitDigest(pactID, c)
	return contracts.PactSignature{Signer: signer.PublicKey(), Signature: signer.Sign(d[:])}
}

// Prove builds a proof for c endorsed by every signer given.
func Prove(pactID string, c *contracts.Commit, signers ...crypto.Signer) *contracts.PactProof {
	proof := &contracts.PactProof{PactID: pactID}
	for _, s := range signers {
		proof.Signatures = append(proof.Signatures, Endorse(s, pactID, c))
	}
	return proof
}
