package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/pixelverify/internal/admission"
	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/internal/verification"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/metrics"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// State is the lifecycle position of a session
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode is how a session receives new events
type Mode string

const (
	// ModePush forwards events from the shop's live channel; polling is suppressed
	ModePush Mode = "push-active"
	// ModePull polls the change source
	ModePull Mode = "pull-only"
)

// Config holds broadcaster settings
type Config struct {
	ConnectionLimit   int64         `mapstructure:"connection_limit" validate:"min=1"`
	SlotTTL           time.Duration `mapstructure:"slot_ttl" validate:"gt=0"`
	RetryAfter        time.Duration `mapstructure:"retry_after" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	SubscribeTimeout  time.Duration `mapstructure:"subscribe_timeout" validate:"gt=0"`
	ReleaseTimeout    time.Duration `mapstructure:"release_timeout" validate:"gt=0"`
	PollBatch         int           `mapstructure:"poll_batch" validate:"min=1"`
	DedupSize         int           `mapstructure:"dedup_size" validate:"min=1"`
	Backoff           Backoff       `mapstructure:"backoff"`
}

// DefaultConfig returns the default broadcaster settings
func DefaultConfig() Config {
	return Config{
		ConnectionLimit:   5,
		SlotTTL:           2 * time.Hour,
		RetryAfter:        30 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		SubscribeTimeout:  3 * time.Second,
		ReleaseTimeout:    5 * time.Second,
		PollBatch:         100,
		DedupSize:         1000,
		Backoff:           DefaultBackoff,
	}
}

// Admitter grants connection slots
type Admitter interface {
	Acquire(ctx context.Context, shopID string, limit int64, ttl time.Duration) (admission.Decision, error)
	Release(ctx context.Context, shopID, connectionID string, ttl time.Duration) (int64, error)
	Refresh(ctx context.Context, shopID, connectionID string, ttl time.Duration) (bool, error)
}

var _ Admitter = (*admission.Controller)(nil)

// Broadcaster admits live connections and creates their sessions
type Broadcaster struct {
	admitter   Admitter
	subscriber Subscriber
	source     changesource.Source
	verifier   *verification.Verifier
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewBroadcaster creates a broadcaster. subscriber may be nil, in which case every
// session polls.
func NewBroadcaster(admitter Admitter, subscriber Subscriber, source changesource.Source, cfg Config, logger *zap.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.ConnectionLimit == 0 {
		cfg.ConnectionLimit = def.ConnectionLimit
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = def.SlotTTL
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Broadcaster{
		admitter:   admitter,
		subscriber: subscriber,
		source:     source,
		verifier:   verification.NewVerifier(),
		cfg:        cfg,
		logger:     logger.Named("stream"),
		now:        time.Now,
	}
}

// RetryAfter is the hint returned with capacity denials
func (b *Broadcaster) RetryAfter() time.Duration {
	return b.cfg.RetryAfter
}

// Open admits a connection for shopID. A denied admission returns a CapacityExceeded error;
// a store failure returns an UpstreamFailure error. In both cases no session exists and
// nothing needs releasing. The caller must Run or Close the returned session.
func (b *Broadcaster) Open(ctx context.Context, shopID string, platforms []string) (*Session, admission.Decision, error) {
	decision, err := b.admitter.Acquire(ctx, shopID, b.cfg.ConnectionLimit, b.cfg.SlotTTL)
	if err != nil {
		return nil, decision, err
	}
	if !decision.Allowed {
		return nil, decision, errors.CapacityExceeded.Explain("shop %s already has %d live connections", shopID, decision.Limit)
	}

	s := &Session{
		b:         b,
		id:        decision.Slot.ConnectionID,
		shopID:    shopID,
		platforms: map[string]bool{},
		startedAt: b.now().UTC(),
		dedup:     newDedupWindow(b.cfg.DedupSize),
		logger: b.logger.With(
			zap.String("shop_id", shopID),
			zap.String("connection_id", decision.Slot.ConnectionID)),
	}
	for _, p := range platforms {
		if p = extract.NormalizePlatform(p); p != "" {
			s.platforms[p] = true
		}
	}
	return s, decision, nil
}

// Session is one admitted live connection
type Session struct {
	b         *Broadcaster
	id        string
	shopID    string
	platforms map[string]bool
	startedAt time.Time
	logger    *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	mode   Mode
	sink   Sink
	sub    Subscription
	cancel context.CancelFunc

	// sendMu serializes writes to the sink and guards dedup and resume
	sendMu sync.Mutex
	dedup  *dedupWindow
	// resume is the newest pushed receipt; polling continues after it
	resume models.Cursor

	closeOnce sync.Once
}

// ID returns the connection id
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State { return State(s.state.Load()) }

// Mode returns the delivery mode, empty before streaming starts
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run streams to sink until the client goes away, ctx is cancelled or a write fails.
// The slot is always released before Run returns. Only transport failures are returned.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		cancel()
		return errors.TransportFailure.Explain("session %s is %s", s.id, s.State())
	}
	s.sink = sink
	s.cancel = cancel
	s.state.Store(int32(StateStreaming))
	s.mu.Unlock()
	defer s.Close()

	if err := s.send(Message{Type: TypeConnected, ConnectionID: s.id}, "control"); err != nil {
		return err
	}
	s.subscribe(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeats(gctx) })
	g.Go(func() error { return s.deliver(gctx) })
	g.Go(func() error {
		select {
		case <-sink.Done():
			s.logger.Debug("Client went away")
			return context.Canceled
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); errors.Is(err, errors.TransportFailure) {
		s.logger.Warn("Live connection write failed", zap.Error(err))
		return err
	}
	return nil
}

// Close tears the session down: stops its loops, drops the push subscription, releases the
// admission slot and closes the sink. Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosing))
		cancel, sub, sink, mode := s.cancel, s.sub, s.sink, s.mode
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				s.logger.Warn("Closing push subscription failed", zap.Error(err))
			}
		}

		// the request context is usually gone by now
		ctx, done := context.WithTimeout(context.Background(), s.b.cfg.ReleaseTimeout)
		defer done()
		if _, err := s.b.admitter.Release(ctx, s.shopID, s.id, s.b.cfg.SlotTTL); err != nil {
			s.logger.Error("Releasing admission slot failed", zap.Error(err))
		}

		if sink != nil {
			if err := sink.Close(); err != nil {
				s.logger.Debug("Closing sink failed", zap.Error(err))
			}
		}
		if mode != "" {
			metrics.ActiveStreams.WithLabelValues(string(mode)).Dec()
		}
		s.state.Store(int32(StateClosed))
		s.logger.Info("Live connection closed", zap.Duration("duration", time.Since(s.startedAt)))
	})
}

func (s *Session) setMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateStreaming || s.mode == mode {
		return
	}
	if s.mode != "" {
		metrics.ActiveStreams.WithLabelValues(string(s.mode)).Dec()
	}
	s.mode = mode
	metrics.ActiveStreams.WithLabelValues(string(mode)).Inc()
}

func (s *Session) subscribe(ctx context.Context) {
	if s.b.subscriber == nil {
		s.setMode(ModePull)
		return
	}

	subCtx, cancel := context.WithTimeout(ctx, s.b.cfg.SubscribeTimeout)
	sub, err := s.b.subscriber.Subscribe(subCtx, s.shopID)
	cancel()
	if err != nil {
		s.logger.Warn("Push subscription unavailable, polling instead", zap.Error(err))
		s.setMode(ModePull)
		return
	}

	s.mu.Lock()
	if s.State() != StateStreaming {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.sub = sub
	s.mu.Unlock()
	s.setMode(ModePush)
}

func (s *Session) subscription() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *Session) wants(platform string) bool {
	if len(s.platforms) == 0 {
		return true
	}
	return s.platforms[extract.NormalizePlatform(platform)]
}

func (s *Session) deliver(ctx context.Context) error {
	from := models.Cursor{Timestamp: s.startedAt}
	if sub := s.subscription(); sub != nil {
		if err := s.push(ctx, sub); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		from = s.resumeCursor()
		s.logger.Warn("Push subscription ended, polling instead",
			zap.Time("resume_at", from.Timestamp), zap.String("resume_id", from.ID))
		s.setMode(ModePull)
	}
	return s.pull(ctx, from)
}

// resumeCursor is where polling picks up after push: after the newest pushed receipt,
// or at the session start when nothing was pushed
func (s *Session) resumeCursor() models.Cursor {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return models.Cursor{Timestamp: s.startedAt}.Advance(s.resume.Timestamp, s.resume.ID)
}

func (s *Session) push(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if !s.wants(ev.Platform) {
				continue
			}
			if err := s.deliverPushed(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) pull(ctx context.Context, from models.Cursor) error {
	poller := NewPollerAt(s.b.source, s.shopID, from, s.b.cfg.PollBatch)
	interval := s.b.cfg.Backoff.Base
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		receipts, pollErr := poller.Poll(ctx)
		if pollErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.PollErrors.Inc()
			s.logger.Warn("Poll failed", zap.Duration("interval", interval), zap.Error(pollErr))
			if err := s.send(Message{Type: TypeError, Error: "temporarily unable to load new events"}, "poll"); err != nil {
				return err
			}
		} else if err := s.deliverReceipts(ctx, receipts); err != nil {
			return err
		}

		interval = s.b.cfg.Backoff.Next(interval, len(receipts) > 0, pollErr != nil)
		timer.Reset(interval)
	}
}

func (s *Session) deliverReceipts(ctx context.Context, receipts []models.PixelReceipt) error {
	wanted := receipts[:0:0]
	for _, r := range receipts {
		if s.wants(r.Platform) {
			wanted = append(wanted, r)
		}
	}
	results := VerifyReceipts(ctx, s.b.source, s.b.verifier, s.shopID, wanted, s.logger)
	for i := range results {
		if err := s.deliverEvent(results[i].ReceiptID, &results[i], "poll"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) deliverEvent(id string, result *models.VerificationEventResult, source string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.dedup.Add(id) {
		return nil
	}
	return s.sendLocked(Message{Type: TypeEvent, Event: result}, source)
}

// deliverPushed sends a pushed event and moves the resume cursor past it. Events
// without a receipt time resume at the moment they arrived.
func (s *Session) deliverPushed(ev Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ts := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		ts = s.b.now().UTC()
	}
	s.resume = s.resume.Advance(ts, ev.ID)
	if !s.dedup.Add(ev.ID) {
		return nil
	}
	result := ev.Result
	return s.sendLocked(Message{Type: TypeEvent, Event: &result}, "push")
}

func (s *Session) heartbeats(ctx context.Context) error {
	ticker := time.NewTicker(s.b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.send(Message{Type: TypeHeartbeat}, "control"); err != nil {
				return err
			}
			s.refreshSlot(ctx)
		}
	}
}

// refreshSlot keeps the slot alive for as long as the connection is. Failures are logged
// only; the slot then lapses with its TTL.
func (s *Session) refreshSlot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.b.cfg.ReleaseTimeout)
	defer cancel()
	alive, err := s.b.admitter.Refresh(ctx, s.shopID, s.id, s.b.cfg.SlotTTL)
	switch {
	case err != nil:
		s.logger.Warn("Slot refresh failed", zap.Error(err))
	case !alive:
		s.logger.Warn("Slot expired while the connection was open")
	}
}

func (s *Session) send(msg Message, source string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(msg, source)
}

func (s *Session) sendLocked(msg Message, source string) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.b.now().UTC()
	}
	if err := s.sink.Send(msg); err != nil {
		return errors.TransportFailure.Explain("write %s message", msg.Type).Wrap(err)
	}
	metrics.StreamMessages.WithLabelValues(string(msg.Type), source).Inc()
	return nil
}
