package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCursorOrdering(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Cursor{Timestamp: t0, ID: "b"}

	assert.True(t, c.Precedes(t0.Add(time.Millisecond), "a"))
	assert.True(t, c.Precedes(t0, "c"))
	assert.False(t, c.Precedes(t0, "b"))
	assert.False(t, c.Precedes(t0, "a"))
	assert.False(t, c.Precedes(t0.Add(-time.Second), "z"))

	assert.Equal(t, Cursor{Timestamp: t0, ID: "c"}, c.Advance(t0, "c"))
	assert.Equal(t, c, c.Advance(t0.Add(-time.Second), "z"))
	assert.Equal(t, Cursor{Timestamp: t0}, Cursor{}.Advance(t0, ""), "zero cursor sorts before everything else")
}

func TestHasOrderKey(t *testing.T) {
	empty := ""
	key := "1001"
	assert.False(t, (&PixelReceipt{}).HasOrderKey())
	assert.False(t, (&PixelReceipt{OrderKey: &empty}).HasOrderKey())
	assert.True(t, (&PixelReceipt{OrderKey: &key}).HasOrderKey())
}
