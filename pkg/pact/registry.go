package pact

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a registry has no pact with the requested id.
var ErrNotFound = errors.New("pact not found")

// Registry stores pacts durably. Lookups may do I/O.
type Registry interface {
	Get(ctx context.Context, id string) (*Pact, error)
	Put(ctx context.Context, p *Pact) error
	List(ctx context.Context) ([]*Pact, error)
}

// MemoryRegistry is a Registry and a Lookup backed by a map.
type MemoryRegistry struct {
	mu    sync.RWMutex
	pacts map[string]*Pact
}

func NewMemoryRegistry(pacts ...*Pact) (*MemoryRegistry, error) {
	r := &MemoryRegistry{pacts: make(map[string]*Pact)}
	for _, p := range pacts {
		if err := r.Put(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Pact, error) {
	p, ok := r.Pact(id)
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRegistry) Pact(id string) (*Pact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pacts[id]
	return p, ok
}

// Put registers p, replacing any pact with the same id. Malformed pacts are refused.
func (r *MemoryRegistry) Put(_ context.Context, p *Pact) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	cp.Signers = append(cp.Signers[:0:0], p.Signers...)
	r.pacts[p.ID] = &cp
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*Pact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pact, 0, len(r.pacts))
	for _, p := range r.pacts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Resolve fetches the pact named by id into a Set usable by Check. A missing
// pact yields an empty Set so Check reports UnknownPact.
func Resolve(ctx context.Context, reg Registry, id string) (Set, error) {
	p, err := reg.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Set{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Set{id: p}, nil
}
