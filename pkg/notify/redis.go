package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

const DefaultChannel = "ubl:commits"

// relayMessage is the wire form on the channel. Origin identifies the
// publishing process.
type relayMessage struct {
	Origin string `json:"origin,omitempty"`
	contracts.Notification
}

// RedisPublisher relays notifications to a Redis pub/sub channel so tail
// subscribers on other replicas see them. Publish only enqueues; a single
// goroutine does the network I/O.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
	queue   chan contracts.Notification
	dropped atomic.Uint64
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewRedisPublisher(client *redis.Client, channel string, buffer int) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = 1024
	}
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		queue:   make(chan contracts.Notification, buffer),
		logger:  slog.Default().With("component", "notify.redis"),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Publish(n contracts.Notification) {
	select {
	case p.queue <- n:
	default:
		p.dropped.Add(1)
	}
}

func (p *RedisPublisher) Dropped() uint64 { return p.dropped.Load() }

// Origin is the id stamped on every message this publisher sends.
func (p *RedisPublisher) Origin() string { return p.origin }

func (p *RedisPublisher) run() {
	defer close(p.done)
	ctx := context.Background()
	for n := range p.queue {
		msg, err := json.Marshal(relayMessage{Origin: p.origin, Notification: n})
		if err != nil {
			continue
		}
		if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
			p.dropped.Add(1)
			p.logger.Warn("publish failed", "container_id", n.ContainerID.String(), "sequence", n.Sequence, "error", err)
		}
	}
}

// Close stops accepting notifications and waits for the queue to drain.
// Publish must not be called after Close.
func (p *RedisPublisher) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
	<-p.done
}

// RedisSubscriber forwards notifications from a Redis channel into a local
// publisher, normally a TailBus.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	sink    Publisher
	ignore  string
	logger  *slog.Logger
}

func NewRedisSubscriber(client *redis.Client, channel string, sink Publisher) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		sink:    sink,
		logger:  slog.Default().With("component", "notify.redis"),
	}
}

// IgnoreOrigin drops messages stamped with origin. A node that publishes
// to its own TailBus directly ignores its own relay.
func (s *RedisSubscriber) IgnoreOrigin(origin string) *RedisSubscriber {
	s.ignore = origin
	return s
}

// Run relays messages until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			s.forward(msg.Payload)
		}
	}
}

func (s *RedisSubscriber) forward(payload string) {
	m, err := decode(payload)
	if err != nil {
		s.logger.Warn("dropping malformed notification", "error", err)
		return
	}
	if s.ignore != "" && m.Origin == s.ignore {
		return
	}
	s.sink.Publish(m.Notification)
}

func decode(payload string) (relayMessage, error) {
	var m relayMessage
	err := json.Unmarshal([]byte(payload), &m)
	return m, err
}
