package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pixelverify/pkg/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPublisherChannel(t *testing.T) {
	_, rdb := newRedis(t)
	p := NewPublisher(rdb, "", zaptest.NewLogger(t))
	assert.Equal(t, "pixelstream:{shop-1}:events", p.Channel("shop-1"))
}

func TestPublishSubscribe(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, "px", zaptest.NewLogger(t))
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "shop-1")
	require.NoError(t, err)
	defer sub.Close()

	// malformed payloads are skipped
	mr.Publish(p.Channel("shop-1"), "not json")

	n, err := p.Publish(ctx, Event{
		ID:       "r1",
		ShopID:   "shop-1",
		Platform: "meta",
		Result:   models.VerificationEventResult{ReceiptID: "r1", Status: models.StatusSuccess},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "r1", ev.ID)
		assert.Equal(t, "meta", ev.Platform)
		assert.Equal(t, models.StatusSuccess, ev.Result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	// other shops do not leak in
	_, err = p.Publish(ctx, Event{ID: "r2", ShopID: "shop-2"})
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionCloseEndsEvents(t *testing.T) {
	_, rdb := newRedis(t)
	p := NewPublisher(rdb, "px", zaptest.NewLogger(t))

	sub, err := p.Subscribe(context.Background(), "shop-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscriptionCloseWithUndrainedEvents(t *testing.T) {
	_, rdb := newRedis(t)
	p := NewPublisher(rdb, "px", zaptest.NewLogger(t))
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "shop-1")
	require.NoError(t, err)

	const published = 100
	for i := 0; i < published; i++ {
		_, err := p.Publish(ctx, Event{ID: fmt.Sprintf("r%d", i), ShopID: "shop-1"})
		require.NoError(t, err)
	}
	// the pump is blocked on a full buffer
	require.Eventually(t, func() bool { return len(sub.Events()) == cap(sub.Events()) },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	time.Sleep(50 * time.Millisecond)

	received := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.Less(t, received, published)
				return
			}
			received++
		case <-timeout:
			t.Fatalf("events channel not closed after %d events", received)
		}
	}
}

func TestSubscribeFailsWhenStoreDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	p := NewPublisher(rdb, "px", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Subscribe(ctx, "shop-1")
	assert.Error(t, err)
}
