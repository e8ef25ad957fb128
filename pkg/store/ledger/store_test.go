package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
)

var epoch = time.UnixMilli(1_767_225_600_000)

func fixedClock() time.Time { return epoch }

func testAuthor(t testing.TB) crypto.Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(make([]byte, 32), "test")
	require.NoError(t, err)
	return s
}

// extend returns a Decide that signs the next commit on whatever head it is given.
func extend(author crypto.Signer, class contracts.IntentClass, delta int64) Decide {
	return func(head contracts.Head) (*contracts.Commit, error) {
		atom := contracts.Hash{byte(head.Sequence + 1)}
		c := envelope.Next(head).Atom(atom).Intent(class, contracts.Int128FromInt64(delta)).Sign(author)
		return &c, nil
	}
}

func observe(author crypto.Signer) Decide {
	return extend(author, contracts.IntentObservation, 0)
}

// runStoreSuite checks the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	cid := envelope.ContainerIDFor("C.Suite")

	t.Run("GenesisHead", func(t *testing.T) {
		s := newStore(t)
		head, err := s.Head(ctx, cid)
		require.NoError(t, err)
		assert.Equal(t, contracts.GenesisHead(cid), head)

		_, err = s.Entry(ctx, cid, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendChains", func(t *testing.T) {
		s := newStore(t)
		author := testAuthor(t)

		e1, err := s.Commit(ctx, cid, observe(author))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e1.Sequence)
		assert.Equal(t, contracts.ZeroHash, e1.PreviousHash)
		assert.Equal(t, EntryHash(cid, 1, e1.AtomHash, contracts.ZeroHash, e1.Timestamp), e1.EntryHash)
		assert.NotEqual(t, e1.AtomHash, e1.EntryHash)

		e2, err := s.Commit(ctx, cid, extend(author, contracts.IntentConservation, 40))
		require.NoError(t, err)
		assert.Equal(t, e1.EntryHash, e2.PreviousHash)

		_, err = s.Commit(ctx, cid, extend(author, contracts.IntentConservation, -15))
		require.NoError(t, err)

		head, err := s.Head(ctx, cid)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), head.Sequence)
		assert.Equal(t, "25", head.Balance.String())

		all, err := s.Entries(ctx, cid, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		verified, err := VerifyChain(cid, all, VerifyOptions{Signatures: true})
		require.NoError(t, err)
		assert.Equal(t, head, verified)

		page, err := s.Entries(ctx, cid, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, uint64(2), page[0].Sequence)

		got, err := s.Entry(ctx, cid, 2)
		require.NoError(t, err)
		assert.Equal(t, e2, got)

		ids, err := s.Containers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []contracts.ContainerID{cid}, ids)
	})

	t.Run("DecideErrorWritesNothing", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("rejected")
		_, err := s.Commit(ctx, cid, func(contracts.Head) (*contracts.Commit, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)

		head, err := s.Head(ctx, cid)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), head.Sequence)
	})

	t.Run("StaleCommitRefused", func(t *testing.T) {
		s := newStore(t)
		author := testAuthor(t)
		stale := envelope.Next(contracts.GenesisHead(cid)).Atom(contracts.Hash{9}).Intent(contracts.IntentObservation, contracts.Int128{}).Sign(author)

		_, err := s.Commit(ctx, cid, observe(author))
		require.NoError(t, err)

		_, err = s.Commit(ctx, cid, func(contracts.Head) (*contracts.Commit, error) { return &stale, nil })
		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, contracts.KindAppendOutOfOrder, ierr.Kind)

		// Not a corruption: the container keeps accepting.
		_, err = s.Commit(ctx, cid, observe(author))
		assert.NoError(t, err)
	})

	t.Run("HaltAndResume", func(t *testing.T) {
		s := newStore(t)
		author := testAuthor(t)
		require.NoError(t, s.Halt(ctx, cid, "operator"))

		_, err := s.Commit(ctx, cid, observe(author))
		assert.ErrorIs(t, err, ErrHalted)
		var herr *HaltedError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, "operator", herr.Reason)

		require.NoError(t, s.Resume(ctx, cid))
		_, err = s.Commit(ctx, cid, observe(author))
		assert.NoError(t, err)
	})

	t.Run("ConcurrentWritersSerialize", func(t *testing.T) {
		s := newStore(t)
		author := testAuthor(t)
		other := envelope.ContainerIDFor("C.Other")

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, 2*writers)
		for i := 0; i < writers; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := s.Commit(ctx, cid, observe(author))
				errs <- err
			}()
			go func() {
				defer wg.Done()
				_, err := s.Commit(ctx, other, observe(author))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for _, id := range []contracts.ContainerID{cid, other} {
			entries, err := s.Entries(ctx, id, 0, 0)
			require.NoError(t, err)
			head, err := VerifyChain(id, entries, VerifyOptions{})
			require.NoError(t, err, fmt.Sprintf("container %s", id))
			assert.Equal(t, uint64(writers), head.Sequence)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStoreWithClock(fixedClock) })
}

func TestMemoryStore_CorruptHeadHalts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStoreWithClock(fixedClock)
	cid := envelope.ContainerIDFor("C.Corrupt")
	author := testAuthor(t)

	_, err := s.Commit(ctx, cid, observe(author))
	require.NoError(t, err)

	s.mu.Lock()
	h := s.heads[cid]
	h.LastHash = contracts.Hash{0xff}
	s.heads[cid] = h
	s.mu.Unlock()

	_, err = s.Commit(ctx, cid, observe(author))
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, contracts.KindBrokenChain, ierr.Kind)

	_, err = s.Commit(ctx, cid, observe(author))
	assert.ErrorIs(t, err, ErrHalted)
}

func TestMemoryStore_TimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	now := epoch
	s := NewMemoryStoreWithClock(func() time.Time { return now })
	cid := envelope.ContainerIDFor("C.Clock")
	author := testAuthor(t)

	e1, err := s.Commit(ctx, cid, observe(author))
	require.NoError(t, err)
	now = epoch.Add(-time.Hour)
	e2, err := s.Commit(ctx, cid, observe(author))
	require.NoError(t, err)
	assert.Equal(t, e1.Timestamp, e2.Timestamp)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	_, err := s.Commit(ctx, envelope.ContainerIDFor("C.X"), observe(testAuthor(t)))
	assert.ErrorIs(t, err, context.Canceled)
}
