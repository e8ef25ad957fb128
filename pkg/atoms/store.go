// Package atoms is a content-addressed store for atom payloads.
//
// Atoms are kept in canonical form under their atom hash, so anyone holding a
// commit can fetch and re-verify the data it refers to. The ledger never
// reads from here.
package atoms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

var (
	ErrNotFound     = errors.New("atoms: not found")
	ErrHashMismatch = errors.New("atoms: hash does not match canonical bytes")
)

// Store holds canonical bytes keyed by their hash. Backends trust the key they
// are given; Ingest and Fetch do the checking.
type Store interface {
	Put(ctx context.Context, h contracts.Hash, canonical []byte) error
	Get(ctx context.Context, h contracts.Hash) ([]byte, error)
	Exists(ctx context.Context, h contracts.Hash) (bool, error)
}

// Ingest canonicalizes raw JSON, checks it against claimed when claimed is
// non-zero, and stores it.
func Ingest(ctx context.Context, s Store, raw []byte, claimed contracts.Hash) (contracts.Hash, []byte, error) {
	h, canonical, err := canonicalize.AtomHashJSON(raw)
	if err != nil {
		return contracts.Hash{}, nil, err
	}
	if !claimed.IsZero() && claimed != h {
		return contracts.Hash{}, nil, fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, claimed, h)
	}
	if err := s.Put(ctx, h, canonical); err != nil {
		return contracts.Hash{}, nil, err
	}
	return h, canonical, nil
}

// Fetch returns the atom stored under h after re-hashing it.
func Fetch(ctx context.Context, s Store, h contracts.Hash) ([]byte, error) {
	data, err := s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.Hash(data); got != h {
		return nil, fmt.Errorf("%w: stored under %s, hashes to %s", ErrHashMismatch, h, got)
	}
	return data, nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	atoms map[contracts.Hash][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{atoms: make(map[contracts.Hash][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, h contracts.Hash, canonical []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.atoms[h]; !ok {
		m.atoms[h] = append([]byte(nil), canonical...)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, h contracts.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.atoms[h]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Exists(_ context.Context, h contracts.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.atoms[h]
	return ok, nil
}
