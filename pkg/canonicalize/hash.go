package canonicalize

import (
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"lukechampine.com/blake3"
)

// Hash is the content hash of canonical bytes: plain BLAKE3-256 with no
// domain-separation prefix.
func Hash(canonical []byte) contracts.Hash {
	return contracts.Hash(blake3.Sum256(canonical))
}

// AtomHash canonicalizes v and returns its content hash together with the
// canonical bytes.
func AtomHash(v any) (contracts.Hash, []byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return contracts.Hash{}, nil, err
	}
	return Hash(b), b, nil
}

// AtomHashJSON is AtomHash for a raw JSON document.
func AtomHashJSON(raw []byte) (contracts.Hash, []byte, error) {
	b, err := FromJSON(raw)
	if err != nil {
		return contracts.Hash{}, nil, err
	}
	return Hash(b), b, nil
}
