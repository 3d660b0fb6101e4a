package http11

import (
	"sync"
	"sync/atomic"
	"time"
)

// imfFixdate is the RFC 7231 IMF-fixdate layout used by the Date header.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// The process-wide Date cache. Formatting a date per response is measurable
// at high request rates, and second granularity makes it pointless: a single
// writer refreshes the formatted value at most once per second, gated on the
// monotonic clock, and readers snapshot atomically.
type dateEntry struct {
	stamp time.Time // carries the monotonic reading
	value []byte
}

var (
	dateMu  sync.Mutex
	dateVal atomic.Pointer[dateEntry]
)

// CachedDate returns the current IMF-fixdate value. The returned slice is
// shared and must not be mutated.
func CachedDate() []byte {
	if e := dateVal.Load(); e != nil && time.Since(e.stamp) < time.Second {
		return e.value
	}
	dateMu.Lock()
	defer dateMu.Unlock()
	if e := dateVal.Load(); e != nil && time.Since(e.stamp) < time.Second {
		return e.value
	}
	now := time.Now()
	e := &dateEntry{
		stamp: now,
		value: now.UTC().AppendFormat(make([]byte, 0, len(imfFixdate)), imfFixdate),
	}
	dateVal.Store(e)
	return e.value
}
