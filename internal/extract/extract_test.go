package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPerPlatform(t *testing.T) {
	cases := []struct {
		name     string
		platform string
		payload  string
		value    string
		currency string
		orderID  string
	}{
		{"google top level", "google", `{"value": 19.99, "currency": "usd", "transaction_id": "1001"}`, "19.99", "USD", "1001"},
		{"google nested params", "ga4", `{"params": {"value": "5", "currency": "EUR"}}`, "5", "EUR", ""},
		{"meta custom data", "facebook", `{"custom_data": {"value": "42.10", "currency": "GBP", "order_id": "A-1"}, "user_data": {"em": "hash"}}`, "42.1", "GBP", "A-1"},
		{"tiktok properties", "tiktok", `{"properties": {"value": 3, "currency": "JPY"}, "event_id": "e-9"}`, "3", "JPY", "e-9"},
		{"unknown platform uses generic", "pinterest", `{"data": {"value": 7.5, "currency": "CAD"}}`, "7.5", "CAD", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount, fields := Extract(tc.platform, []byte(tc.payload))
			require.NotNil(t, amount.Value)
			assert.Equal(t, tc.value, amount.Value.String())
			assert.Equal(t, tc.currency, amount.Currency)
			assert.True(t, amount.Evaluable())
			assert.Equal(t, tc.orderID, fields[FieldOrderID])
		})
	}
}

func TestExtractMissingOrInvalidValue(t *testing.T) {
	amount, fields := Extract("google", []byte(`{"currency": "USD", "value": "n/a"}`))
	assert.Nil(t, amount.Value)
	assert.False(t, amount.Evaluable())
	assert.False(t, fields.Has(FieldValue))
	assert.True(t, fields.Has(FieldCurrency))

	amount, fields = Extract("meta", []byte(`not json`))
	assert.False(t, amount.Evaluable())
	assert.Empty(t, fields)

	amount, _ = Extract("meta", nil)
	assert.False(t, amount.Evaluable())

	amount, fields = Extract("generic", []byte(`[{"value": 1, "currency": "USD"}]`))
	assert.False(t, amount.Evaluable())
	assert.Empty(t, fields)
}

func TestExtractReadsRawPayloadShapes(t *testing.T) {
	payload := `{
		"custom_data": {"value": 1234.50, "currency": [" eur ", "usd"], "order_id": null},
		"event_id": "evt-7",
		"user_data": {"ct": {}, "zp": {"code": "10115"}}
	}`
	amount, fields := Extract("meta", []byte(payload))
	require.NotNil(t, amount.Value)
	assert.Equal(t, "1234.5", amount.Value.String())
	assert.Equal(t, "1234.50", fields[FieldValue], "numbers keep their literal form")
	assert.Equal(t, "EUR", amount.Currency, "arrays contribute their first element")
	assert.Equal(t, "evt-7", fields[FieldOrderID], "null falls through to the next path")
	assert.JSONEq(t, `{"code": "10115"}`, fields[FieldAddress], "empty objects are skipped")
}

func TestExtractUserDataFields(t *testing.T) {
	_, fields := Extract("meta", []byte(`{"user_data": {"em": "", "ph": "hash"}}`))
	assert.False(t, fields.Has(FieldEmail))
	assert.True(t, fields.Has(FieldPhone))
}

func TestNormalizePlatform(t *testing.T) {
	assert.Equal(t, PlatformMeta, NormalizePlatform(" Facebook "))
	assert.Equal(t, PlatformGoogle, NormalizePlatform("GA4"))
	assert.Equal(t, PlatformTikTok, NormalizePlatform("tiktk"))
	assert.Equal(t, PlatformGoogle, NormalizePlatform("gooogle"))
	assert.Equal(t, "snapchat", NormalizePlatform("Snapchat"))
	assert.Equal(t, "", NormalizePlatform("  "))
	assert.Equal(t, "x", NormalizePlatform("x"))
}

func TestNormalizePlatformTieIsStable(t *testing.T) {
	// "fa4b" is two edits from both "fb" and "ga4"
	for i := 0; i < 50; i++ {
		require.Equal(t, PlatformMeta, NormalizePlatform("fa4b"))
	}
}
