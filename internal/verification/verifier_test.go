package verification

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/Aidin1998/pixelverify/internal/extract"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

func strPtr(s string) *string { return &s }

func amount(value, currency string) extract.Amount {
	d := decimal.RequireFromString(value)
	return extract.Amount{Value: &d, Currency: currency}
}

func TestMismatchBoundaries(t *testing.T) {
	order := decimal.RequireFromString("100.00")

	valueOff, currencyOff := Mismatch(order, "USD", amount("100.01", "USD"))
	assert.False(t, valueOff, "a difference of exactly 0.01 is tolerated")
	assert.False(t, currencyOff)

	valueOff, _ = Mismatch(order, "USD", amount("100.011", "USD"))
	assert.True(t, valueOff)

	valueOff, currencyOff = Mismatch(order, "usd", amount("100", "USD"))
	assert.False(t, valueOff)
	assert.False(t, currencyOff, "currency compare ignores case")

	_, currencyOff = Mismatch(order, "EUR", amount("100", "USD"))
	assert.True(t, currencyOff)

	valueOff, currencyOff = Mismatch(order, "USD", extract.Amount{Currency: "EUR"})
	assert.False(t, valueOff, "missing value cannot be evaluated")
	assert.False(t, currencyOff)
}

func TestEvaluateSuccess(t *testing.T) {
	v := NewVerifier()
	ts := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	receipt := models.PixelReceipt{
		ID:             "r-1",
		ShopID:         "shop-1",
		OrderKey:       strPtr("1001"),
		EventType:      "checkout_completed",
		Platform:       "ga4",
		PixelTimestamp: ts,
		Payload:        datatypes.JSON(`{"value": 50, "currency": "usd", "transaction_id": "1001"}`),
	}
	order := &models.Order{OrderID: "1001", TotalPrice: decimal.RequireFromString("50.00"), Currency: "USD"}

	res := v.Evaluate(receipt, order)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, "google", res.Platform)
	assert.Equal(t, "1001", res.OrderID)
	assert.Equal(t, "USD", res.Params.Currency)
	require.NotNil(t, res.Params.Value)
	assert.Equal(t, "50", res.Params.Value.String())
	assert.Empty(t, res.Discrepancies)
	assert.Equal(t, ts, res.OccurredAt)
}

func TestEvaluateMissingParams(t *testing.T) {
	v := NewVerifier()
	receipt := models.PixelReceipt{
		ID:        "r-2",
		OrderKey:  strPtr("1002"),
		EventType: "checkout_completed",
		Platform:  "meta",
		Payload:   datatypes.JSON(`{"custom_data": {"value": 10}}`),
	}

	res := v.Evaluate(receipt, nil)
	assert.Equal(t, models.StatusMissingParams, res.Status)
	assert.ElementsMatch(t, []string{"currency", "email"}, res.Discrepancies)
}

func TestEvaluateFailedOnValueMismatch(t *testing.T) {
	v := NewVerifier()
	receipt := models.PixelReceipt{
		ID:        "r-3",
		OrderKey:  strPtr("1003"),
		EventType: "checkout_completed",
		Platform:  "google",
		Payload:   datatypes.JSON(`{"value": 12, "currency": "EUR", "transaction_id": "1003"}`),
	}
	order := &models.Order{OrderID: "1003", TotalPrice: decimal.RequireFromString("15"), Currency: "USD"}

	res := v.Evaluate(receipt, order)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.ElementsMatch(t, []string{DiscrepancyValueMismatch, DiscrepancyCurrencyMismatch}, res.Discrepancies)
}

func TestEvaluateNotTestedForBrowsingEvents(t *testing.T) {
	v := NewVerifier()
	ts := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	res := v.Evaluate(models.PixelReceipt{ID: "r-4", EventType: "page_viewed", Platform: "tiktok", CreatedAt: ts}, nil)
	assert.Equal(t, models.StatusNotTested, res.Status)
	assert.Equal(t, ts, res.OccurredAt)
}

func TestEvaluateSanitizesBrowserStrings(t *testing.T) {
	v := NewVerifier()
	res := v.Evaluate(models.PixelReceipt{
		ID:        "r-5",
		EventType: `<script>alert(1)</script>page_viewed`,
		Platform:  "generic",
	}, nil)
	assert.NotContains(t, res.EventType, "<script>")
	assert.Contains(t, res.EventType, "page_viewed")
}
