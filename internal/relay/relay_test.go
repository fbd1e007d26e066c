package relay

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []stream.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev stream.Event) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.events = append(p.events, ev)
	return 1, nil
}

func (p *recordingPublisher) published() []stream.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stream.Event(nil), p.events...)
}

// sliceReader serves queued messages, then blocks until ctx is done
type sliceReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (s *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *sliceReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceReader) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

func TestHandleVerifiesAndPublishes(t *testing.T) {
	src := changesource.NewMemorySource()
	src.AddOrders(models.Order{OrderID: "o-1", ShopID: "shop-1", TotalPrice: decimal.NewFromInt(40), Currency: "EUR"})
	pub := &recordingPublisher{}
	r := NewWithReader(&sliceReader{}, pub, src, zaptest.NewLogger(t))

	err := r.Handle(context.Background(), kafka.Message{
		Value: []byte(`{"id":"r1","shop_id":"shop-1","order_key":"o-1","event_type":"purchase","platform":"facebook",
			"payload":{"custom_data":{"value":40,"currency":"eur","order_id":"o-1"},"user_data":{"em":"hash"}}}`),
		Time: time.Now(),
	})
	require.NoError(t, err)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].ID)
	assert.Equal(t, "shop-1", events[0].ShopID)
	assert.Equal(t, "meta", events[0].Platform)
	assert.Equal(t, models.StatusSuccess, events[0].Result.Status)
	assert.Equal(t, "o-1", events[0].Result.OrderID)
}

func TestHandleRejectsMalformed(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewWithReader(&sliceReader{}, pub, changesource.NewMemorySource(), zaptest.NewLogger(t))

	err := r.Handle(context.Background(), kafka.Message{Value: []byte("{")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Invalid))

	err = r.Handle(context.Background(), kafka.Message{Value: []byte(`{"id":"r1"}`)})
	require.Error(t, err)
	assert.Empty(t, pub.published())
}

func TestHandlePublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: stderrors.New("redis down")}
	r := NewWithReader(&sliceReader{}, pub, changesource.NewMemorySource(), zaptest.NewLogger(t))

	err := r.Handle(context.Background(), kafka.Message{Value: []byte(`{"id":"r1","shop_id":"shop-1","event_type":"page_viewed"}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.TransportFailure))
}

func TestRunCommitsEveryMessage(t *testing.T) {
	reader := &sliceReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"id":"r1","shop_id":"shop-1","event_type":"page_viewed","platform":"google"}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"id":"r3","shop_id":"shop-2","event_type":"page_viewed","platform":"tiktok"}`)},
	}}
	pub := &recordingPublisher{}
	r := NewWithReader(reader, pub, changesource.NewMemorySource(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	require.Len(t, pub.published(), 2)
	assert.Equal(t, "shop-2", pub.published()[1].ShopID)
	assert.True(t, reader.closed)
}
