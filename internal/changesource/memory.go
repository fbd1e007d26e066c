package changesource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/pixelverify/pkg/models"
)

// MemorySource is an in-process Source used by tests and local demos
type MemorySource struct {
	mu       sync.RWMutex
	orders   []models.Order
	receipts []models.PixelReceipt
	failures []error
	calls    int
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-memory source
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// AddOrders appends orders
func (m *MemorySource) AddOrders(orders ...models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, orders...)
}

// AddReceipts appends receipts
func (m *MemorySource) AddReceipts(receipts ...models.PixelReceipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, receipts...)
}

// FailNext makes the next queries return the given errors in order
func (m *MemorySource) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls returns the number of queries served, including failed ones
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MemorySource) nextFailure() error {
	m.calls++
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// ReceiptsAfter implements Source
func (m *MemorySource) ReceiptsAfter(ctx context.Context, shopID string, after models.Cursor, limit int) ([]models.PixelReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(); err != nil {
		return nil, err
	}

	var out []models.PixelReceipt
	for _, r := range m.receipts {
		if r.ShopID == shopID && after.Precedes(r.CreatedAt, r.ID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentOrders implements Source
func (m *MemorySource) RecentOrders(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(); err != nil {
		return nil, err
	}

	var out []models.Order
	for _, o := range m.orders {
		if o.ShopID == shopID && !o.CreatedAt.Before(since) && !o.CreatedAt.After(until) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OrderID > out[j].OrderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentReceipts implements Source
func (m *MemorySource) RecentReceipts(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.PixelReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(); err != nil {
		return nil, err
	}

	var out []models.PixelReceipt
	for _, r := range m.receipts {
		if r.ShopID == shopID && !r.CreatedAt.Before(since) && !r.CreatedAt.After(until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrdersByID implements Source
func (m *MemorySource) OrdersByID(ctx context.Context, shopID string, ids []string) (map[string]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(); err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[string]models.Order)
	for _, o := range m.orders {
		if _, ok := want[o.OrderID]; ok && o.ShopID == shopID {
			out[o.OrderID] = o
		}
	}
	return out, nil
}
