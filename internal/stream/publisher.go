package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscription is an active push channel for one shop
type Subscription interface {
	// Events is closed when the subscription ends
	Events() <-chan Event
	Close() error
}

// Subscriber opens push subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, shopID string) (Subscription, error)
}

// Publisher fans verified events out over Redis pub/sub, one channel per shop
type Publisher struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ Subscriber = (*Publisher)(nil)

// NewPublisher creates a publisher. prefix defaults to "pixelstream".
func NewPublisher(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "pixelstream"
	}
	return &Publisher{rdb: rdb, prefix: prefix, logger: logger.Named("publisher")}
}

// Channel returns the live channel name of shopID
func (p *Publisher) Channel(shopID string) string {
	return fmt.Sprintf("%s:{%s}:events", p.prefix, shopID)
}

// Publish sends ev to its shop's channel and returns the number of receivers
func (p *Publisher) Publish(ctx context.Context, ev Event) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return p.rdb.Publish(ctx, p.Channel(ev.ShopID), data).Result()
}

// Subscribe opens the shop's channel and waits for the server to confirm it
func (p *Publisher) Subscribe(ctx context.Context, shopID string) (Subscription, error) {
	ps := p.rdb.Subscribe(ctx, p.Channel(shopID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.Channel(shopID), err)
	}

	sub := &redisSubscription{ps: ps, events: make(chan Event, 64), done: make(chan struct{})}
	go sub.pump(p.logger.With(zap.String("shop_id", shopID)))
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

// Close stops the pump even when nobody drains Events
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump(logger *zap.Logger) {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn("Dropping malformed live event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
