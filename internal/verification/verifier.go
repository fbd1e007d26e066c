// Package verification evaluates individual pixel receipts against the parameters
// their destination platform needs and, when known, against the order they reference.
package verification

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// ValueEpsilon is the largest value difference that still counts as a match
var ValueEpsilon = decimal.New(1, -2)

// Discrepancy names used when the pixel disagrees with the order
const (
	DiscrepancyValueMismatch    = "value_mismatch"
	DiscrepancyCurrencyMismatch = "currency_mismatch"
)

// checkoutEvents are the event types that must carry commerce parameters
var checkoutEvents = map[string]bool{
	"checkout_completed": true,
	"purchase":           true,
}

// requiredFields lists the fields each platform needs on a checkout event
var requiredFields = map[string][]string{
	extract.PlatformGoogle:  {extract.FieldValue, extract.FieldCurrency, extract.FieldOrderID},
	extract.PlatformMeta:    {extract.FieldValue, extract.FieldCurrency, extract.FieldOrderID, extract.FieldEmail},
	extract.PlatformTikTok:  {extract.FieldValue, extract.FieldCurrency, extract.FieldOrderID, extract.FieldEmail},
	extract.PlatformGeneric: {extract.FieldValue, extract.FieldCurrency},
}

// Verifier turns receipts into VerificationEventResults
type Verifier struct {
	sanitizer *bluemonday.Policy
}

// NewVerifier creates a verifier
func NewVerifier() *Verifier {
	return &Verifier{sanitizer: bluemonday.StrictPolicy()}
}

// Mismatch reports whether a pixel amount disagrees with an order. Differences of at most
// ValueEpsilon are tolerated and currency codes compare case-insensitively.
func Mismatch(orderValue decimal.Decimal, orderCurrency string, pixel extract.Amount) (valueOff, currencyOff bool) {
	if !pixel.Evaluable() {
		return false, false
	}
	valueOff = orderValue.Sub(*pixel.Value).Abs().GreaterThan(ValueEpsilon)
	currencyOff = !strings.EqualFold(strings.TrimSpace(orderCurrency), pixel.Currency)
	return valueOff, currencyOff
}

// Evaluate verifies one receipt. order may be nil when the referenced order is unknown.
func (v *Verifier) Evaluate(receipt models.PixelReceipt, order *models.Order) models.VerificationEventResult {
	platform := extract.NormalizePlatform(receipt.Platform)
	amount, fields := extract.Extract(platform, receipt.Payload)

	result := models.VerificationEventResult{
		ReceiptID:  receipt.ID,
		EventType:  v.clean(receipt.EventType),
		Platform:   v.clean(platform),
		Params:     models.EventParams{Value: amount.Value, Currency: v.clean(amount.Currency)},
		OccurredAt: receipt.PixelTimestamp,
	}
	if receipt.HasOrderKey() {
		result.OrderID = v.clean(*receipt.OrderKey)
	}
	if result.OccurredAt.IsZero() {
		result.OccurredAt = receipt.CreatedAt
	}
	for name, raw := range fields {
		if name == extract.FieldValue || name == extract.FieldCurrency {
			continue
		}
		if result.Params.Extra == nil {
			result.Params.Extra = map[string]string{}
		}
		result.Params.Extra[name] = v.clean(raw)
	}

	if !checkoutEvents[receipt.EventType] && !receipt.HasOrderKey() {
		result.Status = models.StatusNotTested
		return result
	}

	required, ok := requiredFields[platform]
	if !ok {
		required = requiredFields[extract.PlatformGeneric]
	}
	for _, field := range required {
		if field == extract.FieldOrderID && receipt.HasOrderKey() {
			continue
		}
		if !fields.Has(field) {
			result.Discrepancies = append(result.Discrepancies, field)
		}
	}

	if order != nil {
		valueOff, currencyOff := Mismatch(order.TotalPrice, order.Currency, amount)
		if valueOff {
			result.Discrepancies = append(result.Discrepancies, DiscrepancyValueMismatch)
		}
		if currencyOff {
			result.Discrepancies = append(result.Discrepancies, DiscrepancyCurrencyMismatch)
		}
		if valueOff || currencyOff {
			result.Status = models.StatusFailed
			return result
		}
	}

	if len(result.Discrepancies) > 0 {
		result.Status = models.StatusMissingParams
	} else {
		result.Status = models.StatusSuccess
	}
	return result
}

func (v *Verifier) clean(s string) string {
	return v.sanitizer.Sanitize(s)
}
