package stream

import (
	"context"
	"time"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

// Poller reads new receipts for one shop in (created_at, id) order. Every receipt is
// returned exactly once, including receipts that share a timestamp.
type Poller struct {
	source changesource.Source
	shopID string
	batch  int
	cursor models.Cursor
}

// NewPoller starts reading after since
func NewPoller(source changesource.Source, shopID string, since time.Time, batch int) *Poller {
	return NewPollerAt(source, shopID, models.Cursor{Timestamp: since.UTC()}, batch)
}

// NewPollerAt starts reading strictly after cursor
func NewPollerAt(source changesource.Source, shopID string, cursor models.Cursor, batch int) *Poller {
	if batch <= 0 {
		batch = 100
	}
	return &Poller{
		source: source,
		shopID: shopID,
		batch:  batch,
		cursor: cursor,
	}
}

// Cursor returns the position of the last returned receipt
func (p *Poller) Cursor() models.Cursor {
	return p.cursor
}

// Poll fetches the next batch and advances the cursor past it. On error the cursor is unchanged.
func (p *Poller) Poll(ctx context.Context) ([]models.PixelReceipt, error) {
	receipts, err := p.source.ReceiptsAfter(ctx, p.shopID, p.cursor, p.batch)
	if err != nil {
		return nil, err
	}
	for _, r := range receipts {
		p.cursor = p.cursor.Advance(r.CreatedAt, r.ID)
	}
	return receipts, nil
}
