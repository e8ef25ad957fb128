package ledger

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
)

const entryDomain = "ubl:ledger\n"

// EntryHash is BLAKE3("ubl:ledger\n" || cid || seq BE64 || atom || prev || ts BE64).
func EntryHash(cid contracts.ContainerID, seq uint64, atom, prev contracts.Hash, tsMS int64) contracts.Hash {
	buf := make([]byte, 0, len(entryDomain)+32+8+32+32+8)
	buf = append(buf, entryDomain...)
	buf = append(buf, cid[:]...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = append(buf, atom[:]...)
	buf = append(buf, prev[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tsMS))
	return contracts.Hash(blake3.Sum256(buf))
}

// CommitOf rebuilds the author-signed part of the commit stored as e.
// The pact proof is not stored, so Pact is always nil.
func CommitOf(e contracts.Entry) contracts.Commit {
	return contracts.Commit{
		Version:          contracts.ProtocolVersion,
		ContainerID:      e.ContainerID,
		ExpectedSequence: e.Sequence,
		PreviousHash:     e.PreviousHash,
		AtomHash:         e.AtomHash,
		IntentClass:      e.IntentClass,
		PhysicsDelta:     e.PhysicsDelta,
		AuthorPubKey:     e.AuthorPubKey,
		Signature:        e.Signature,
	}
}

// VerifyOptions tunes VerifyChain.
type VerifyOptions struct {
	// Signatures re-checks every author signature.
	Signatures bool
}

// VerifyChain replays entries from genesis and returns the resulting head,
// or the first *IntegrityError found.
func VerifyChain(cid contracts.ContainerID, entries []contracts.Entry, opts VerifyOptions) (contracts.Head, error) {
	head := contracts.GenesisHead(cid)
	var lastTS int64
	for _, e := range entries {
		want := head.Sequence + 1
		switch {
		case e.ContainerID != cid:
			return head, integrity(contracts.KindBrokenChain, cid, e.Sequence, "entry belongs to %s", e.ContainerID)
		case e.Sequence < want:
			return head, integrity(contracts.KindAppendOutOfOrder, cid, e.Sequence, "expected sequence %d", want)
		case e.Sequence > want:
			return head, integrity(contracts.KindSequenceViolation, cid, e.Sequence, "gap after %d", head.Sequence)
		case e.PreviousHash != head.LastHash:
			return head, integrity(contracts.KindBrokenChain, cid, e.Sequence,
				"previous_hash %s, chain has %s", e.PreviousHash, head.LastHash)
		case e.Timestamp < lastTS:
			return head, integrity(contracts.KindAppendOutOfOrder, cid, e.Sequence, "timestamp moves backwards")
		}
		if got := EntryHash(e.ContainerID, e.Sequence, e.AtomHash, e.PreviousHash, e.Timestamp); got != e.EntryHash {
			return head, integrity(contracts.KindInvalidHash, cid, e.Sequence, "stored %s, computed %s", e.EntryHash, got)
		}
		if opts.Signatures {
			c := CommitOf(e)
			if !envelope.Verify(&c) {
				return head, integrity(contracts.KindInvalidHash, cid, e.Sequence, "author signature does not verify")
			}
		}
		next, err := head.Advance(e)
		if err != nil {
			return head, integrity(contracts.KindInvalidHash, cid, e.Sequence, "balance: %v", err)
		}
		head = next
		lastTS = e.Timestamp
	}
	return head, nil
}
