package stream

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/internal/sandbox"
	"github.com/Aidin1998/pixelverify/internal/verification"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// VerifyReceipts evaluates receipts against the orders they reference and attaches sandbox
// limitations. A failed order lookup degrades to verifying without orders.
func VerifyReceipts(ctx context.Context, source changesource.Source, verifier *verification.Verifier, shopID string, receipts []models.PixelReceipt, logger *zap.Logger) []models.VerificationEventResult {
	if len(receipts) == 0 {
		return nil
	}

	var keys []string
	for _, r := range receipts {
		if r.HasOrderKey() {
			keys = append(keys, *r.OrderKey)
		}
	}
	orders := map[string]models.Order{}
	if len(keys) > 0 && source != nil {
		found, err := source.OrdersByID(ctx, shopID, keys)
		if err != nil {
			logger.Warn("Order lookup failed, verifying without orders",
				zap.String("shop_id", shopID), zap.Int("keys", len(keys)), zap.Error(err))
		} else {
			orders = found
		}
	}

	results := make([]models.VerificationEventResult, len(receipts))
	for i, r := range receipts {
		var order *models.Order
		if r.HasOrderKey() {
			if o, ok := orders[*r.OrderKey]; ok {
				order = &o
			}
		}
		results[i] = verifier.Evaluate(r, order)
	}
	return sandbox.Annotate(results).Results
}

// ParsePlatforms splits a comma-separated allow-list into normalized platform tags
func ParsePlatforms(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		p := extract.NormalizePlatform(part)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
