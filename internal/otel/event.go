// Package otel records structured reports for swipefeed.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously through a buffered channel and a drain goroutine.
// An optional RingBuffer keeps recent events in memory so tests and the
// status line can inspect what the scheduler did.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Prefetch scheduler
	KindPrefetchStart    EventKind = "prefetch.start"
	KindPrefetchComplete EventKind = "prefetch.complete"
	KindPrefetchError    EventKind = "prefetch.error"
	KindPrefetchEvict    EventKind = "prefetch.evict"

	// Feed window manager
	KindWindowExtend    EventKind = "window.extend"
	KindWindowReject    EventKind = "window.reject"
	KindWindowExhausted EventKind = "window.exhausted"
	KindWindowError     EventKind = "window.error"

	// Viewport tracker
	KindViewportPosition EventKind = "viewport.position"

	// Image cache
	KindCacheHit  EventKind = "cache.hit"
	KindCacheMiss EventKind = "cache.miss"

	// System
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
)

// Event is the universal report record. Every field except Kind and Time is
// optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // "prefetch", "window", "coord", "cache"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for entire run
	Index     *int           `json:"index,omitempty"`      // feed index; pointer so index 0 survives omitempty
	Position  *int           `json:"pos,omitempty"`        // viewport position at the time of the event
	Locator   string         `json:"locator,omitempty"`
	Dur       time.Duration  `json:"-"`
	DurMs     float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// At returns a pointer to i for the Index and Position fields.
func At(i int) *int {
	return &i
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
