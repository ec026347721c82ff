package normalizer

import (
	"time"

	"github.com/iolloyd/consoletap/internal/models"
)

type windowKey struct {
	port int
	dir  models.Direction
	text string
}

type windowEntry struct {
	seen time.Time
	gen  uint64
}

// duplicateWindow remembers recently written lines for a short TTL. A line only
// counts as a duplicate when it came from an earlier delivery: a repeat inside
// one chunk of output is real device output.
type duplicateWindow struct {
	entries map[windowKey]*windowEntry
	ttl     time.Duration
}

func newDuplicateWindow(ttl time.Duration) *duplicateWindow {
	return &duplicateWindow{
		entries: make(map[windowKey]*windowEntry),
		ttl:     ttl,
	}
}

// seen records key and reports whether it is a cross-delivery duplicate
func (w *duplicateWindow) seen(key windowKey, gen uint64, now time.Time) bool {
	if len(w.entries) > 1024 {
		w.cleanup(now)
	}

	entry, exists := w.entries[key]
	if exists && entry.gen != gen && now.Sub(entry.seen) < w.ttl {
		return true
	}
	w.entries[key] = &windowEntry{seen: now, gen: gen}
	return false
}

func (w *duplicateWindow) cleanup(now time.Time) {
	for k, e := range w.entries {
		if now.Sub(e.seen) > w.ttl {
			delete(w.entries, k)
		}
	}
}
