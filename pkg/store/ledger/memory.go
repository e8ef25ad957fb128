package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// MemoryStore keeps every entry in one arena, indexed by container.
type MemoryStore struct {
	locks keyedMutex
	clock func() time.Time

	mu     sync.RWMutex
	arena  []contracts.Entry
	index  map[contracts.ContainerID][]int
	heads  map[contracts.ContainerID]contracts.Head
	halted map[contracts.ContainerID]string

	// persist runs inside the critical section before the entry becomes
	// visible. A failure aborts the append.
	persist func(contracts.Entry) error
	// onHalt records a halt raised by the store itself.
	onHalt func(cid contracts.ContainerID, reason string)
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(clock func() time.Time) *MemoryStore {
	return &MemoryStore{
		clock:  clock,
		index:  make(map[contracts.ContainerID][]int),
		heads:  make(map[contracts.ContainerID]contracts.Head),
		halted: make(map[contracts.ContainerID]string),
	}
}

func (m *MemoryStore) Head(ctx context.Context, cid contracts.ContainerID) (contracts.Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headLocked(cid), nil
}

func (m *MemoryStore) headLocked(cid contracts.ContainerID) contracts.Head {
	if h, ok := m.heads[cid]; ok {
		return h
	}
	return contracts.GenesisHead(cid)
}

func (m *MemoryStore) Commit(ctx context.Context, cid contracts.ContainerID, fn Decide) (contracts.Entry, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Entry{}, err
	}
	unlock := m.locks.lock(cid)
	defer unlock()

	m.mu.RLock()
	reason, halted := m.halted[cid]
	head := m.headLocked(cid)
	idx := m.index[cid]
	var tail *contracts.Entry
	if len(idx) > 0 {
		t := m.arena[idx[len(idx)-1]]
		tail = &t
	}
	m.mu.RUnlock()

	if halted {
		return contracts.Entry{}, &HaltedError{ContainerID: cid, Reason: reason}
	}
	if err := checkTail(head, uint64(len(idx)), tail); err != nil {
		m.haltOnIntegrity(cid, err)
		return contracts.Entry{}, err
	}

	c, err := fn(head)
	if err != nil {
		return contracts.Entry{}, err
	}
	var lastTS int64
	if tail != nil {
		lastTS = tail.Timestamp
	}
	e, next, err := nextEntry(head, lastTS, c, m.clock().UnixMilli())
	if err != nil {
		return contracts.Entry{}, err
	}
	if m.persist != nil {
		if err := m.persist(e); err != nil {
			return contracts.Entry{}, err
		}
	}

	m.mu.Lock()
	m.arena = append(m.arena, e)
	m.index[cid] = append(m.index[cid], len(m.arena)-1)
	m.heads[cid] = next
	m.mu.Unlock()
	return e, nil
}

// checkTail compares the cached head with the stored chain tail.
func checkTail(head contracts.Head, count uint64, tail *contracts.Entry) error {
	if count != head.Sequence {
		return integrity(contracts.KindSequenceViolation, head.ContainerID, head.Sequence,
			"head at %d but %d entries stored", head.Sequence, count)
	}
	if tail == nil {
		if !head.LastHash.IsZero() {
			return integrity(contracts.KindBrokenChain, head.ContainerID, 0, "empty chain with non-genesis head")
		}
		return nil
	}
	if tail.Sequence != head.Sequence || tail.EntryHash != head.LastHash {
		return integrity(contracts.KindBrokenChain, head.ContainerID, head.Sequence,
			"tail is #%d %s, head is %s", tail.Sequence, tail.EntryHash, head.LastHash)
	}
	return nil
}

func (m *MemoryStore) haltOnIntegrity(cid contracts.ContainerID, err error) {
	m.halt(cid, err.Error())
}

func (m *MemoryStore) halt(cid contracts.ContainerID, reason string) {
	m.mu.Lock()
	m.halted[cid] = reason
	m.mu.Unlock()
	if m.onHalt != nil {
		m.onHalt(cid, reason)
	}
}

func (m *MemoryStore) Entry(ctx context.Context, cid contracts.ContainerID, seq uint64) (contracts.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.index[cid]
	if seq == 0 || seq > uint64(len(idx)) {
		return contracts.Entry{}, ErrNotFound
	}
	return m.arena[idx[seq-1]], nil
}

func (m *MemoryStore) Entries(ctx context.Context, cid contracts.ContainerID, after uint64, limit int) ([]contracts.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.index[cid]
	if after >= uint64(len(idx)) {
		return []contracts.Entry{}, nil
	}
	idx = idx[after:]
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]contracts.Entry, len(idx))
	for i, j := range idx {
		out[i] = m.arena[j]
	}
	return out, nil
}

func (m *MemoryStore) Containers(ctx context.Context) ([]contracts.ContainerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ContainerID, 0, len(m.index))
	for cid := range m.index {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

func (m *MemoryStore) Halt(ctx context.Context, cid contracts.ContainerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[cid] = reason
	return nil
}

func (m *MemoryStore) Resume(ctx context.Context, cid contracts.ContainerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.halted, cid)
	return nil
}

// load installs a verified chain. Used when rebuilding from disk.
func (m *MemoryStore) load(cid contracts.ContainerID, entries []contracts.Entry, head contracts.Head) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.arena = append(m.arena, e)
		m.index[cid] = append(m.index[cid], len(m.arena)-1)
	}
	m.heads[cid] = head
}
