package stream

import "github.com/tidwall/btree"

// dedupWindow remembers the last size delivered event ids, evicting the oldest first.
// Not safe for concurrent use.
type dedupWindow struct {
	size  int
	seq   uint64
	order *btree.Map[uint64, string]
	seen  *btree.Map[string, uint64]
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = 1
	}
	return &dedupWindow{
		size:  size,
		order: btree.NewMap[uint64, string](32),
		seen:  btree.NewMap[string, uint64](32),
	}
}

// Add records id and reports whether it was new
func (d *dedupWindow) Add(id string) bool {
	if _, ok := d.seen.Get(id); ok {
		return false
	}
	d.seq++
	d.order.Set(d.seq, id)
	d.seen.Set(id, d.seq)
	for d.order.Len() > d.size {
		_, oldest, ok := d.order.PopMin()
		if !ok {
			break
		}
		d.seen.Delete(oldest)
	}
	return true
}

// Len returns the number of remembered ids
func (d *dedupWindow) Len() int {
	return d.order.Len()
}
