// Package ledger stores accepted commits as per-container hash chains.
//
// Every container is a linear chain GENESIS -> e1 -> ... -> eN. Entries are
// only ever appended, through Store.Commit, which runs read-head, decide and
// append as one critical section for that container. Different containers
// never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrHalted   = errors.New("ledger: container halted")
)

// Decide is called with the current head while the container is locked. It
// returns the commit to append, or an error to abort without writing.
type Decide func(head contracts.Head) (*contracts.Commit, error)

// Store is the append-only ledger.
type Store interface {
	// Head returns the container's current head. Unknown containers are at genesis.
	Head(ctx context.Context, cid contracts.ContainerID) (contracts.Head, error)
	// Commit appends the commit chosen by fn and returns the stored entry.
	Commit(ctx context.Context, cid contracts.ContainerID, fn Decide) (contracts.Entry, error)
	Entry(ctx context.Context, cid contracts.ContainerID, seq uint64) (contracts.Entry, error)
	// Entries returns entries with sequence > after in order. limit <= 0 means all.
	Entries(ctx context.Context, cid contracts.ContainerID, after uint64, limit int) ([]contracts.Entry, error)
	Containers(ctx context.Context) ([]contracts.ContainerID, error)

	// Halt stops writes to cid until Resume.
	Halt(ctx context.Context, cid contracts.ContainerID, reason string) error
	Resume(ctx context.Context, cid contracts.ContainerID) error
}

// IntegrityError reports a violation of the append-only chain.
type IntegrityError struct {
	Kind        contracts.ErrorKind
	ContainerID contracts.ContainerID
	Sequence    uint64
	Msg         string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s at %s#%d: %s", e.Kind, e.ContainerID, e.Sequence, e.Msg)
}

func integrity(kind contracts.ErrorKind, cid contracts.ContainerID, seq uint64, format string, args ...any) *IntegrityError {
	return &IntegrityError{Kind: kind, ContainerID: cid, Sequence: seq, Msg: fmt.Sprintf(format, args...)}
}

// HaltedError is returned by Commit on a halted container. It matches ErrHalted.
type HaltedError struct {
	ContainerID contracts.ContainerID
	Reason      string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("container %s halted: %s", e.ContainerID, e.Reason)
}

func (e *HaltedError) Is(target error) bool { return target == ErrHalted }

// nextEntry builds the entry that appends c onto head. lastTS is the previous
// entry's timestamp; timestamps never go backwards within a container.
func nextEntry(head contracts.Head, lastTS int64, c *contracts.Commit, nowMS int64) (contracts.Entry, contracts.Head, error) {
	seq := head.Sequence + 1
	if c.ContainerID != head.ContainerID {
		return contracts.Entry{}, head, integrity(contracts.KindAppendOutOfOrder, head.ContainerID, seq,
			"commit targets %s", c.ContainerID)
	}
	if c.ExpectedSequence != seq {
		return contracts.Entry{}, head, integrity(contracts.KindAppendOutOfOrder, head.ContainerID, seq,
			"commit carries sequence %d", c.ExpectedSequence)
	}
	if c.PreviousHash != head.LastHash {
		return contracts.Entry{}, head, integrity(contracts.KindAppendOutOfOrder, head.ContainerID, seq,
			"commit links to %s, head is %s", c.PreviousHash, head.LastHash)
	}

	ts := nowMS
	if ts < lastTS {
		ts = lastTS
	}
	e := contracts.Entry{
		ContainerID:  head.ContainerID,
		Sequence:     seq,
		AtomHash:     c.AtomHash,
		PreviousHash: head.LastHash,
		Timestamp:    ts,
		IntentClass:  c.IntentClass,
		PhysicsDelta: c.PhysicsDelta,
		AuthorPubKey: c.AuthorPubKey,
		Signature:    c.Signature,
	}
	if c.Pact != nil {
		e.PactID = c.Pact.PactID
	}
	e.EntryHash = EntryHash(e.ContainerID, e.Sequence, e.AtomHash, e.PreviousHash, e.Timestamp)

	next, err := head.Advance(e)
	if err != nil {
		return contracts.Entry{}, head, fmt.Errorf("advance head: %w", err)
	}
	return e, next, nil
}
