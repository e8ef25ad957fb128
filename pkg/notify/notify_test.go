package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

var (
	cidA = contracts.ContainerID{0xa}
	cidB = contracts.ContainerID{0xb}
)

func TestTailBus_FiltersByContainer(t *testing.T) {
	bus := NewTailBus(4)
	onlyA, cancelA := bus.Subscribe(&cidA)
	defer cancelA()
	all, cancelAll := bus.Subscribe(nil)
	defer cancelAll()

	bus.Publish(contracts.Notification{ContainerID: cidA, Sequence: 1})
	bus.Publish(contracts.Notification{ContainerID: cidB, Sequence: 1})

	assert.Equal(t, contracts.Notification{ContainerID: cidA, Sequence: 1}, <-onlyA)
	assert.Len(t, onlyA, 0)
	assert.Len(t, all, 2)
}

func TestTailBus_NeverBlocks(t *testing.T) {
	bus := NewTailBus(2)
	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 10; i++ {
			bus.Publish(contracts.Notification{ContainerID: cidA, Sequence: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(8), bus.Dropped())
}

func TestTailBus_Cancel(t *testing.T) {
	bus := NewTailBus(1)
	ch, cancel := bus.Subscribe(nil)
	assert.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-ch
	assert.False(t, open)

	bus.Publish(contracts.Notification{ContainerID: cidA, Sequence: 1})
}

type recorder struct{ got []contracts.Notification }

func (r *recorder) Publish(n contracts.Notification) { r.got = append(r.got, n) }

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, nil, b}
	n := contracts.Notification{ContainerID: cidA, Sequence: 3}
	f.Publish(n)
	assert.Equal(t, []contracts.Notification{n}, a.got)
	assert.Equal(t, []contracts.Notification{n}, b.got)
}

func TestDecode(t *testing.T) {
	n := contracts.Notification{ContainerID: cidB, Sequence: 42}
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	got, err := decode(string(raw))
	require.NoError(t, err)
	assert.Equal(t, n, got.Notification)
	assert.Empty(t, got.Origin)

	_, err = decode("not json")
	assert.Error(t, err)
}

func TestRedisPublisher_UnreachableServerDoesNotBlock(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	p := NewRedisPublisher(client, "", 1)
	start := time.Now()
	for i := uint64(1); i <= 100; i++ {
		p.Publish(contracts.Notification{ContainerID: cidA, Sequence: i})
	}
	assert.Less(t, time.Since(start), time.Second)
	p.Close()
	assert.NotZero(t, p.Dropped())
}

func TestRedisSubscriber_StopsWithContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := NewRedisSubscriber(client, "", NewTailBus(1)).Run(ctx)
	assert.Error(t, err)
}

func TestRedisSubscriber_SkipsOwnOrigin(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer func() { _ = client.Close() }()

	p := NewRedisPublisher(client, "", 1)
	defer p.Close()
	require.NotEmpty(t, p.Origin())

	sink := &recorder{}
	s := NewRedisSubscriber(client, "", sink).IgnoreOrigin(p.Origin())

	own := contracts.Notification{ContainerID: cidA, Sequence: 1}
	peer := contracts.Notification{ContainerID: cidA, Sequence: 2}
	legacy := contracts.Notification{ContainerID: cidB, Sequence: 3}
	for _, m := range []any{
		relayMessage{Origin: p.Origin(), Notification: own},
		relayMessage{Origin: "other-node", Notification: peer},
		legacy,
	} {
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		s.forward(string(raw))
	}
	s.forward("not json")

	assert.Equal(t, []contracts.Notification{peer, legacy}, sink.got)
}
