package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order represents an order created by the commerce webhook pipeline
type Order struct {
	OrderID    string          `json:"order_id" gorm:"primaryKey;column:order_id"`
	ShopID     string          `json:"shop_id" gorm:"index:idx_orders_shop_created,priority:1;not null"`
	TotalPrice decimal.Decimal `json:"total_price" gorm:"type:decimal(20,8)"`
	Currency   string          `json:"currency" gorm:"size:3"`
	CreatedAt  time.Time       `json:"created_at" gorm:"index:idx_orders_shop_created,priority:2"`
}

// TableName keeps the table name stable regardless of gorm naming strategy
func (Order) TableName() string { return "orders" }

// PixelReceipt represents a browser-side tracking event recorded for a shop
type PixelReceipt struct {
	ID             string         `json:"id" gorm:"primaryKey"`
	ShopID         string         `json:"shop_id" gorm:"index:idx_receipts_shop_created,priority:1;not null"`
	OrderKey       *string        `json:"order_key,omitempty" gorm:"index"`
	EventType      string         `json:"event_type" gorm:"size:64"`
	Platform       string         `json:"platform" gorm:"size:32"`
	PixelTimestamp time.Time      `json:"pixel_timestamp"`
	CreatedAt      time.Time      `json:"created_at" gorm:"index:idx_receipts_shop_created,priority:2"`
	Payload        datatypes.JSON `json:"payload"`
}

// TableName keeps the table name stable regardless of gorm naming strategy
func (PixelReceipt) TableName() string { return "pixel_receipts" }

// HasOrderKey reports whether the receipt can ever be matched to an order
func (r *PixelReceipt) HasOrderKey() bool {
	return r.OrderKey != nil && *r.OrderKey != ""
}

// Cursor is a (timestamp, id) position used to resume paginated reads.
// Records sharing a timestamp are ordered by id.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// Precedes reports whether the record at (ts, id) sorts strictly after the cursor
func (c Cursor) Precedes(ts time.Time, id string) bool {
	if ts.After(c.Timestamp) {
		return true
	}
	return ts.Equal(c.Timestamp) && id > c.ID
}

// Advance returns the cursor moved to (ts, id) if that position is later
func (c Cursor) Advance(ts time.Time, id string) Cursor {
	if c.Precedes(ts, id) {
		return Cursor{Timestamp: ts, ID: id}
	}
	return c
}

// VerificationStatus is the outcome of verifying one pixel event
type VerificationStatus string

const (
	StatusSuccess       VerificationStatus = "success"
	StatusMissingParams VerificationStatus = "missing_params"
	StatusFailed        VerificationStatus = "failed"
	StatusNotTested     VerificationStatus = "not_tested"
)

// EventParams holds the commerce parameters carried by a pixel event
type EventParams struct {
	Value    *decimal.Decimal  `json:"value,omitempty"`
	Currency string            `json:"currency,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// SandboxLimitation labels a field or event that the pixel sandbox cannot provide
type SandboxLimitation struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// VerificationEventResult is the per-event record streamed to dashboards and used in reports
type VerificationEventResult struct {
	ReceiptID          string              `json:"receipt_id,omitempty"`
	EventType          string              `json:"event_type"`
	Platform           string              `json:"platform"`
	OrderID            string              `json:"order_id,omitempty"`
	Status             VerificationStatus  `json:"status"`
	Params             EventParams         `json:"params"`
	Discrepancies      []string            `json:"discrepancies,omitempty"`
	SandboxLimitations []SandboxLimitation `json:"sandbox_limitations,omitempty"`
	OccurredAt         time.Time           `json:"occurred_at"`
}

// ValueMismatch describes an order whose pixel value or currency disagrees with the order
type ValueMismatch struct {
	OrderID       string          `json:"order_id"`
	ReceiptID     string          `json:"receipt_id"`
	Platform      string          `json:"platform"`
	OrderValue    decimal.Decimal `json:"order_value"`
	OrderCurrency string          `json:"order_currency"`
	PixelValue    decimal.Decimal `json:"pixel_value"`
	PixelCurrency string          `json:"pixel_currency"`
}

// ReconciliationResult is the outcome of one order/pixel reconciliation run
type ReconciliationResult struct {
	ShopID          string          `json:"shop_id"`
	TotalOrders     int             `json:"total_orders"`
	OrdersWithPixel int             `json:"orders_with_pixel"`
	MissingOrderIDs []string        `json:"missing_order_ids"`
	ValueMismatches []ValueMismatch `json:"value_mismatches"`
	DiscrepancyRate float64         `json:"discrepancy_rate"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	// RequestedStart differs from PeriodStart only when truncation narrowed the window
	RequestedStart time.Time `json:"requested_start"`
	Truncated      bool      `json:"truncated"`
}
