// Package realtime fans out row changes over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "pingai:realtime"

var ErrStopped = errors.New("subscription stopped")

// Stream is a change feed with an explicit lifecycle. Subscription and the
// websocket-backed client subscription both implement it.
type Stream interface {
	Start(ctx context.Context) error
	C() <-chan Change
	Stop()
}

// Publisher writes changes to the per-table channel.
type Publisher struct {
	client redis.UniversalClient
	prefix string
}

func NewPublisher(client redis.UniversalClient, prefix string) *Publisher {
	return &Publisher{client: client, prefix: channelPrefix(prefix)}
}

func (p *Publisher) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+":"+c.Table, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Hub hands out subscriptions on the same channels the Publisher writes to.
type Hub struct {
	client redis.UniversalClient
	prefix string
	buffer int
}

func NewHub(client redis.UniversalClient, prefix string) *Hub {
	return &Hub{client: client, prefix: channelPrefix(prefix), buffer: 16}
}

// Subscribe returns an unstarted subscription.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	return &Subscription{
		hub:    h,
		filter: filter,
		ch:     make(chan Change, h.buffer),
		done:   make(chan struct{}),
	}
}

// Subscription delivers matching changes on C between Start and Stop.
// C is closed once the subscription ends.
type Subscription struct {
	hub    *Hub
	filter Filter
	ch     chan Change

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	pubsub  *redis.PubSub
	done    chan struct{}
}

// Start opens the Redis subscription and begins delivery.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	pubsub := s.hub.client.Subscribe(ctx, s.hub.prefix+":"+s.filter.Table)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.filter.Table, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.pubsub = pubsub
	go s.loop(loopCtx, pubsub.Channel())
	return nil
}

func (s *Subscription) C() <-chan Change { return s.ch }

// Filter returns what the subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Stop releases the Redis connection and closes C. Safe to call repeatedly
// and before Start.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	if started {
		s.cancel()
		_ = s.pubsub.Close()
	}
	s.mu.Unlock()

	if started {
		<-s.done
		return
	}
	close(s.ch)
	close(s.done)
}

func (s *Subscription) loop(ctx context.Context, msgs <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				slog.Warn("realtime_decode_failed", "channel", msg.Channel, "err", err)
				continue
			}
			if !s.filter.Match(c) {
				continue
			}
			select {
			case s.ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

func channelPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return defaultPrefix
	}
	return prefix
}
