// Package feed holds the data model shared by the scheduler and the window
// manager: immutable feed items and the append-only window that orders them.
package feed

import (
	"errors"
	"sync"
)

// ErrDuplicateID is reported for items whose id is already in the window.
var ErrDuplicateID = errors.New("feed: duplicate item id")

// Item is a single page of the feed. Immutable once created.
type Item struct {
	ID      string `json:"id"`
	Locator string `json:"locator"` // opaque fetchable URI, passed through unmodified
}

// Window is an ordered, append-only sequence of Items.
// Readers may call any method concurrently; Append is expected to be called
// by a single owner but is safe under contention.
type Window struct {
	mu    sync.RWMutex
	items []Item
	ids   map[string]int // id -> index
}

// NewWindow creates an empty window.
func NewWindow() *Window {
	return &Window{ids: make(map[string]int)}
}

// Append adds items to the tail in order. Items whose id already exists,
// either in the window or earlier in the same batch, are skipped and
// returned in rejected.
func (w *Window) Append(items []Item) (added int, rejected []Item) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, item := range items {
		if _, dup := w.ids[item.ID]; dup {
			rejected = append(rejected, item)
			continue
		}
		w.ids[item.ID] = len(w.items)
		w.items = append(w.items, item)
		added++
	}
	return added, rejected
}

// Len returns the number of items.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}

// At returns the item at index i.
func (w *Window) At(i int) (Item, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if i < 0 || i >= len(w.items) {
		return Item{}, false
	}
	return w.items[i], true
}

// IndexOf returns the index of the item with the given id.
func (w *Window) IndexOf(id string) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i, ok := w.ids[id]
	return i, ok
}

// Items returns a copy of every item, in order.
func (w *Window) Items() []Item {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Item, len(w.items))
	copy(out, w.items)
	return out
}

// Range returns a copy of items[lo:hi+1], clamped to valid indices.
// Returns nil when the clamped range is empty.
func (w *Window) Range(lo, hi int) []Item {
	w.mu.RLock()
	defer w.mu.RUnlock()

	lo, hi, ok := Clamp(lo, hi, len(w.items))
	if !ok {
		return nil
	}
	out := make([]Item, hi-lo+1)
	copy(out, w.items[lo:hi+1])
	return out
}

// Clamp limits the inclusive range [lo, hi] to [0, n-1].
// ok is false when nothing of the range remains.
func Clamp(lo, hi, n int) (int, int, bool) {
	if n <= 0 {
		return 0, -1, false
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	if lo > hi {
		return 0, -1, false
	}
	return lo, hi, true
}
