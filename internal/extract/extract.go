// Package extract reads commerce parameters out of platform-specific pixel payloads.
package extract

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Platform tags
const (
	PlatformGoogle  = "google"
	PlatformMeta    = "meta"
	PlatformTikTok  = "tiktok"
	PlatformGeneric = "generic"
)

// Canonical field names reported by extractors
const (
	FieldValue    = "value"
	FieldCurrency = "currency"
	FieldOrderID  = "order_id"
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldAddress  = "address"
)

// Amount is the (value, currency) pair carried by a pixel event.
// Nil Value or empty Currency means the payload did not carry it.
type Amount struct {
	Value    *decimal.Decimal
	Currency string
}

// Evaluable reports whether both value and currency are present
func (a Amount) Evaluable() bool {
	return a.Value != nil && a.Currency != ""
}

// Fields is the set of canonical fields present in a payload, with their raw string form
type Fields map[string]string

// Has reports whether the field was present and non-empty
func (f Fields) Has(name string) bool {
	v, ok := f[name]
	return ok && v != ""
}

// Extractor knows one platform's payload shape
type Extractor interface {
	Extract(doc gjson.Result) (Amount, Fields)
}

// paths lists the gjson paths of each canonical field in a platform payload, first match wins
type paths map[string][]string

type pathExtractor struct {
	paths paths
}

func (p pathExtractor) Extract(doc gjson.Result) (Amount, Fields) {
	fields := Fields{}
	for field, candidates := range p.paths {
		for _, path := range candidates {
			if s := stringify(doc.Get(path)); s != "" {
				fields[field] = s
				break
			}
		}
	}

	var amount Amount
	if raw, ok := fields[FieldValue]; ok {
		if d, err := decimal.NewFromString(raw); err == nil {
			amount.Value = &d
		} else {
			delete(fields, FieldValue)
		}
	}
	amount.Currency = strings.ToUpper(strings.TrimSpace(fields[FieldCurrency]))
	return amount, fields
}

var registry = map[string]Extractor{
	PlatformGoogle: pathExtractor{paths{
		FieldValue:    {"value", "params.value"},
		FieldCurrency: {"currency", "params.currency"},
		FieldOrderID:  {"transaction_id", "params.transaction_id"},
		FieldEmail:    {"user_data.email", "user_data.sha256_email_address"},
		FieldPhone:    {"user_data.phone_number"},
		FieldAddress:  {"user_data.address"},
	}},
	PlatformMeta: pathExtractor{paths{
		FieldValue:    {"custom_data.value"},
		FieldCurrency: {"custom_data.currency"},
		FieldOrderID:  {"custom_data.order_id", "event_id"},
		FieldEmail:    {"user_data.em"},
		FieldPhone:    {"user_data.ph"},
		FieldAddress:  {"user_data.ct", "user_data.zp"},
	}},
	PlatformTikTok: pathExtractor{paths{
		FieldValue:    {"properties.value"},
		FieldCurrency: {"properties.currency"},
		FieldOrderID:  {"properties.order_id", "event_id"},
		FieldEmail:    {"context.user.email"},
		FieldPhone:    {"context.user.phone_number"},
	}},
	PlatformGeneric: pathExtractor{paths{
		FieldValue:    {"value", "data.value", "total_price"},
		FieldCurrency: {"currency", "data.currency"},
		FieldOrderID:  {"order_id", "data.order_id", "orderId"},
		FieldEmail:    {"email"},
		FieldPhone:    {"phone"},
		FieldAddress:  {"address"},
	}},
}

// For returns the extractor registered for platform, falling back to the generic shape
func For(platform string) Extractor {
	if e, ok := registry[NormalizePlatform(platform)]; ok {
		return e
	}
	return registry[PlatformGeneric]
}

// Extract reads a raw JSON payload with the platform's extractor.
// Payloads that are not a JSON object yield an empty amount.
func Extract(platform string, raw []byte) (Amount, Fields) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return Amount{}, Fields{}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Amount{}, Fields{}
	}
	return For(platform).Extract(doc)
}

var aliases = map[string]string{
	"google":     PlatformGoogle,
	"ga4":        PlatformGoogle,
	"google_ads": PlatformGoogle,
	"googleads":  PlatformGoogle,
	"meta":       PlatformMeta,
	"facebook":   PlatformMeta,
	"fb":         PlatformMeta,
	"tiktok":     PlatformTikTok,
	"generic":    PlatformGeneric,
}

// aliasNames is the sorted key set of aliases; near-miss ties go to the first name
var aliasNames = func() []string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

// NormalizePlatform maps aliases and near-miss spellings to a platform tag.
// Unknown names are returned lowercased and trimmed.
func NormalizePlatform(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return ""
	}
	if p, ok := aliases[key]; ok {
		return p
	}
	if len(key) < 4 {
		return key
	}
	best, bestDist := "", 3
	for _, alias := range aliasNames {
		if d := levenshtein.ComputeDistance(key, alias); d < bestDist {
			best, bestDist = aliases[alias], d
		}
	}
	if best != "" {
		return best
	}
	return key
}

func stringify(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		return strings.TrimSpace(v.Raw)
	case gjson.True, gjson.False:
		return v.String()
	case gjson.JSON:
		if v.IsArray() {
			items := v.Array()
			if len(items) == 0 {
				return ""
			}
			return stringify(items[0])
		}
		if len(v.Map()) == 0 {
			return ""
		}
		return strings.TrimSpace(v.Raw)
	default:
		return ""
	}
}
