// Package relay forwards freshly ingested pixel receipts from the ingestion topic to the
// shops' live channels so push-mode dashboards see them without polling.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/Aidin1998/pixelverify/internal/verification"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/metrics"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// Config holds relay settings
type Config struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	MaxBytes int      `mapstructure:"max_bytes"`
}

// DefaultConfig returns the default relay settings
func DefaultConfig() Config {
	return Config{
		Topic:    "pixel-receipts",
		GroupID:  "pixelstream-relay",
		MaxBytes: 10e6,
	}
}

// MessageReader is the consumer side of the ingestion topic
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher delivers events to a shop's live channel
type Publisher interface {
	Publish(ctx context.Context, ev stream.Event) (int64, error)
}

// Relay consumes receipts, verifies them and publishes them live
type Relay struct {
	reader    MessageReader
	publisher Publisher
	source    changesource.Source
	verifier  *verification.Verifier
	logger    *zap.Logger
}

// New creates a relay reading from the configured Kafka topic
func New(cfg Config, publisher Publisher, source changesource.Source, logger *zap.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = def.GroupID
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	logger = logger.Named("relay")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return NewWithReader(reader, publisher, source, logger)
}

// NewWithReader creates a relay over an existing reader
func NewWithReader(reader MessageReader, publisher Publisher, source changesource.Source, logger *zap.Logger) *Relay {
	return &Relay{
		reader:    reader,
		publisher: publisher,
		source:    source,
		verifier:  verification.NewVerifier(),
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed, including
// malformed ones and ones whose publish failed: live delivery is best-effort and
// polling sessions read receipts from the database.
func (r *Relay) Run(ctx context.Context) error {
	defer r.reader.Close()
	r.logger.Info("Relay started")

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch receipt: %w", err)
		}

		if err := r.Handle(ctx, msg); err != nil {
			r.logger.Warn("Skipping receipt",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Error("Commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle verifies one receipt message and publishes it to its shop's channel
func (r *Relay) Handle(ctx context.Context, msg kafka.Message) error {
	var receipt models.PixelReceipt
	if err := json.Unmarshal(msg.Value, &receipt); err != nil {
		metrics.RelayMessages.WithLabelValues("malformed").Inc()
		return errors.Invalid.Explain("decode receipt").Wrap(err)
	}
	if receipt.ID == "" || receipt.ShopID == "" {
		metrics.RelayMessages.WithLabelValues("malformed").Inc()
		return errors.Invalid.Explain("receipt without id or shop")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = msg.Time
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	results := stream.VerifyReceipts(ctx, r.source, r.verifier, receipt.ShopID, []models.PixelReceipt{receipt}, r.logger)
	ev := stream.Event{
		ID:        receipt.ID,
		ShopID:    receipt.ShopID,
		Platform:  results[0].Platform,
		CreatedAt: receipt.CreatedAt,
		Result:    results[0],
	}
	receivers, err := r.publisher.Publish(ctx, ev)
	if err != nil {
		metrics.RelayMessages.WithLabelValues("publish_error").Inc()
		return errors.TransportFailure.Explain("publish receipt %s", receipt.ID).Wrap(err)
	}
	metrics.RelayMessages.WithLabelValues("published").Inc()
	r.logger.Debug("Receipt relayed",
		zap.String("shop_id", receipt.ShopID),
		zap.String("receipt_id", receipt.ID),
		zap.Int64("receivers", receivers))
	return nil
}
