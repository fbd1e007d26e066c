// Package reconcile matches orders against pixel receipts over a time window.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/internal/verification"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/metrics"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// Advisory accompanies every reconciliation result shown to merchants
const Advisory = "Some orders legitimately have no pixel event: the customer did not grant tracking consent, " +
	"closed the page before the thank-you page loaded, or a network failure dropped the request. " +
	"A missing pixel is not necessarily a tracking fault."

// Window bounds in hours
const (
	MinWindowHours     = 1
	MaxWindowHours     = 168
	DefaultWindowHours = 24
)

// DefaultMaxRows caps each side of a reconciliation fetch
const DefaultMaxRows = 10000

// ClampWindowHours limits a requested window to [MinWindowHours, MaxWindowHours]
func ClampWindowHours(h int) int {
	if h < MinWindowHours {
		return MinWindowHours
	}
	if h > MaxWindowHours {
		return MaxWindowHours
	}
	return h
}

// Config holds engine settings
type Config struct {
	MaxRows int `mapstructure:"max_rows" validate:"min=1"`
}

// Engine computes ReconciliationResults. It keeps no state between calls and is safe
// for concurrent use.
type Engine struct {
	source  changesource.Source
	maxRows int
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a reconciliation engine
func NewEngine(source changesource.Source, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Engine{
		source:  source,
		maxRows: cfg.MaxRows,
		logger:  logger.Named("reconcile"),
		now:     time.Now,
	}
}

// Reconcile computes the order/pixel match for shopID over the last windowHours hours
func (e *Engine) Reconcile(ctx context.Context, shopID string, windowHours int) (models.ReconciliationResult, error) {
	ctx, span := otel.Tracer("pixelverify/reconcile").Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("shop_id", shopID), attribute.Int("window_hours", windowHours))

	start := time.Now()
	defer func() { metrics.ReconcileLatency.Observe(time.Since(start).Seconds()) }()

	end := e.now().UTC()
	begin := end.Add(-time.Duration(windowHours) * time.Hour)

	var (
		orders   []models.Order
		receipts []models.PixelReceipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		orders, err = e.source.RecentOrders(gctx, shopID, begin, end, e.maxRows)
		return err
	})
	g.Go(func() error {
		var err error
		receipts, err = e.source.RecentReceipts(gctx, shopID, begin, end, e.maxRows)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return models.ReconciliationResult{}, errors.UpstreamFailure.Explain("load reconciliation window for %s", shopID).Wrap(err)
	}

	result := Compute(orders, receipts, Window{
		Start:     begin,
		End:       end,
		Truncated: len(orders) >= e.maxRows || len(receipts) >= e.maxRows,
	})
	result.ShopID = shopID

	if result.Truncated {
		metrics.ReconcileTruncations.Inc()
		e.logger.Info("Reconciliation window narrowed by row cap",
			zap.String("shop_id", shopID),
			zap.Int("max_rows", e.maxRows),
			zap.Time("requested_start", begin),
			zap.Time("safe_cutoff", result.PeriodStart))
	}
	span.SetAttributes(
		attribute.Int("total_orders", result.TotalOrders),
		attribute.Int("missing", len(result.MissingOrderIDs)),
		attribute.Bool("truncated", result.Truncated),
	)
	return result, nil
}

// Window describes the fetched range and whether either side hit its row cap
type Window struct {
	Start     time.Time
	End       time.Time
	Truncated bool
}

// SafeCutoff returns the later of the two sets' oldest retained creation times.
// Empty sets do not constrain the cutoff; ok is false when both are empty.
func SafeCutoff(orders []models.Order, receipts []models.PixelReceipt) (cutoff time.Time, ok bool) {
	for i, o := range orders {
		if i == 0 || o.CreatedAt.Before(cutoff) {
			cutoff = o.CreatedAt
		}
	}
	ok = len(orders) > 0

	var oldestReceipt time.Time
	for i, r := range receipts {
		if i == 0 || r.CreatedAt.Before(oldestReceipt) {
			oldestReceipt = r.CreatedAt
		}
	}
	if len(receipts) > 0 && (!ok || oldestReceipt.After(cutoff)) {
		cutoff, ok = oldestReceipt, true
	}
	return cutoff, ok
}

// Compute is the pure reconciliation over a fetched snapshot
func Compute(orders []models.Order, receipts []models.PixelReceipt, w Window) models.ReconciliationResult {
	result := models.ReconciliationResult{
		PeriodStart:     w.Start,
		PeriodEnd:       w.End,
		RequestedStart:  w.Start,
		MissingOrderIDs: []string{},
		ValueMismatches: []models.ValueMismatch{},
	}

	if w.Truncated {
		result.Truncated = true
		if cutoff, ok := SafeCutoff(orders, receipts); ok {
			orders = filterOrders(orders, cutoff)
			receipts = filterReceipts(receipts, cutoff)
			if cutoff.After(result.PeriodStart) {
				result.PeriodStart = cutoff
			}
		}
	}

	// first receipt per order key wins
	matched := make(map[string]models.PixelReceipt, len(receipts))
	for _, r := range receipts {
		if !r.HasOrderKey() {
			continue
		}
		if _, seen := matched[*r.OrderKey]; !seen {
			matched[*r.OrderKey] = r
		}
	}

	result.TotalOrders = len(orders)
	for _, o := range orders {
		r, ok := matched[o.OrderID]
		if !ok {
			result.MissingOrderIDs = append(result.MissingOrderIDs, o.OrderID)
			continue
		}
		result.OrdersWithPixel++

		amount, _ := extract.Extract(r.Platform, r.Payload)
		valueOff, currencyOff := verification.Mismatch(o.TotalPrice, o.Currency, amount)
		if valueOff || currencyOff {
			result.ValueMismatches = append(result.ValueMismatches, models.ValueMismatch{
				OrderID:       o.OrderID,
				ReceiptID:     r.ID,
				Platform:      extract.NormalizePlatform(r.Platform),
				OrderValue:    o.TotalPrice,
				OrderCurrency: o.Currency,
				PixelValue:    *amount.Value,
				PixelCurrency: amount.Currency,
			})
		}
	}

	result.DiscrepancyRate = DiscrepancyRate(len(result.MissingOrderIDs), result.TotalOrders)
	return result
}

// DiscrepancyRate returns missing/total as a percentage rounded to 2 decimals, 0 for no orders
func DiscrepancyRate(missing, total int) float64 {
	if total == 0 {
		return 0
	}
	rate, _ := decimal.NewFromInt(int64(missing)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(decimal.NewFromInt(100)).
		Round(2).
		Float64()
	return rate
}

func filterOrders(orders []models.Order, cutoff time.Time) []models.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if !o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

func filterReceipts(receipts []models.PixelReceipt, cutoff time.Time) []models.PixelReceipt {
	out := receipts[:0:0]
	for _, r := range receipts {
		if !r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// String renders a one-line summary for logs and the CLI
func String(r models.ReconciliationResult) string {
	return fmt.Sprintf("shop=%s orders=%d with_pixel=%d missing=%d mismatches=%d rate=%.2f%% truncated=%t",
		r.ShopID, r.TotalOrders, r.OrdersWithPixel, len(r.MissingOrderIDs), len(r.ValueMismatches),
		r.DiscrepancyRate, r.Truncated)
}
