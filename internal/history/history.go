// Package history keeps the launch history of a player session: a list
// with a cursor, where launching something new drops everything after the
// cursor.
package history

import (
	"slices"
	"sync"

	"github.com/gg-glitch-88/cartlink/internal/listing"
)

type entry struct {
	seq  int
	item listing.FileEntry
}

// History is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	entries []entry
	current int
	isNew   bool
}

// New returns an empty History.
func New() *History {
	return &History{current: -1}
}

// Add records item as the newest launch and moves the cursor to it.
func (h *History) Add(item listing.FileEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current < len(h.entries)-1 {
		h.entries = h.entries[:h.current+1]
	}
	h.current = len(h.entries)
	h.entries = append(h.entries, entry{seq: h.current, item: item})
	h.isNew = true
}

// Remove drops the first entry with item's path. Removing at or before
// the cursor moves the cursor back by one.
func (h *History) Remove(item listing.FileEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := slices.IndexFunc(h.entries, func(e entry) bool { return e.item.Path == item.Path })
	if idx < 0 {
		return
	}
	h.entries = slices.Delete(h.entries, idx, idx+1)
	for i := idx; i < len(h.entries); i++ {
		h.entries[i].seq = i
	}
	if idx <= h.current {
		h.current--
		h.isNew = false
	}
}

// Clear forgets everything.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.current = -1
	h.isNew = false
}

// Previous moves the cursor to the nearest earlier entry whose type is in
// types (any type when types is empty).
func (h *History) Previous(types ...listing.FileType) (listing.FileEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if e.seq < h.current && matches(e.item, types) {
			return h.moveTo(e), true
		}
	}
	return listing.FileEntry{}, false
}

// Next moves the cursor to the nearest later entry whose type is in types.
func (h *History) Next(types ...listing.FileType) (listing.FileEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.seq > h.current && matches(e.item, types) {
			return h.moveTo(e), true
		}
	}
	return listing.FileEntry{}, false
}

// Current returns the entry under the cursor.
func (h *History) Current() (listing.FileEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current < 0 || h.current >= len(h.entries) {
		return listing.FileEntry{}, false
	}
	return h.entries[h.current].item, true
}

// CurrentIsNew reports whether the cursor sits on an entry that was just
// added rather than reached by navigation.
func (h *History) CurrentIsNew() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isNew
}

// Len is the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) moveTo(e entry) listing.FileEntry {
	h.current = e.seq
	h.isNew = false
	return e.item
}

func matches(item listing.FileEntry, types []listing.FileType) bool {
	return len(types) == 0 || slices.Contains(types, item.Type)
}
