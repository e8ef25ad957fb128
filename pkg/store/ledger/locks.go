package ledger

import (
	"sync"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// keyedMutex hands out one mutex per container.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[contracts.ContainerID]*sync.Mutex
}

func (k *keyedMutex) lock(cid contracts.ContainerID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[contracts.ContainerID]*sync.Mutex)
	}
	m, ok := k.locks[cid]
	if !ok {
		m = &sync.Mutex{}
		k.locks[cid] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
