// Package notify announces new container sequences to tail subscribers.
//
// Publishing is fire-and-forget: Publish never blocks and never fails the
// append that triggered it. Slow subscribers lose notifications, not the
// ledger; they catch up by reading entries after their last sequence.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Publisher receives one notification per accepted entry.
type Publisher interface {
	Publish(n contracts.Notification)
}

// Fanout publishes to every member.
type Fanout []Publisher

func (f Fanout) Publish(n contracts.Notification) {
	for _, p := range f {
		if p != nil {
			p.Publish(n)
		}
	}
}

const DefaultBuffer = 64

// TailBus is an in-process publisher with bounded per-subscriber buffers.
type TailBus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription
	buffer  int
	dropped atomic.Uint64
}

type subscription struct {
	filter *contracts.ContainerID
	ch     chan contracts.Notification
}

func NewTailBus(buffer int) *TailBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &TailBus{subs: make(map[uint64]*subscription), buffer: buffer}
}

// Subscribe returns notifications for cid, or for every container when cid
// is nil. cancel closes the channel.
func (b *TailBus) Subscribe(cid *contracts.ContainerID) (<-chan contracts.Notification, func()) {
	sub := &subscription{ch: make(chan contracts.Notification, b.buffer)}
	if cid != nil {
		c := *cid
		sub.filter = &c
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *TailBus) Publish(n contracts.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && *sub.filter != n.ContainerID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts notifications discarded because a subscriber was full.
func (b *TailBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (b *TailBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
