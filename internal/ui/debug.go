package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/work"
)

// debugPanelChrome is the number of terminal lines consumed by DebugPanel's
// border (top + bottom = 2) and vertical padding (top + bottom = 2).
// Must be updated if DebugPanel style changes.
const debugPanelChrome = 4

// maxInFlightLines caps the active and queued work listed in the overlay.
const maxInFlightLines = 6

// PoolView exposes the fetch queue for display. *work.Pool satisfies it.
type PoolView interface {
	Snapshot() work.Snapshot
}

// debugOverlay renders the debug panel showing prefetch stats and recent events.
// Returns empty string if ring is nil.
func debugOverlay(ring *otel.RingBuffer, pool PoolView, width, height int) string {
	if ring == nil {
		return ""
	}

	stats := ring.Stats()
	recent := ring.Last(20)

	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Prefetch Stats"))
	lines = append(lines, fmt.Sprintf("  Prefetch:   %d started, %d complete, %d errors",
		stats[otel.KindPrefetchStart], stats[otel.KindPrefetchComplete], stats[otel.KindPrefetchError]))
	lines = append(lines, fmt.Sprintf("  Window:     %d extended, %d rejected, %d exhausted",
		stats[otel.KindWindowExtend], stats[otel.KindWindowReject], stats[otel.KindWindowExhausted]))
	lines = append(lines, fmt.Sprintf("  Cache:      %d hits, %d misses",
		stats[otel.KindCacheHit], stats[otel.KindCacheMiss]))
	var snap work.Snapshot
	if pool != nil {
		snap = pool.Snapshot()
		lines = append(lines, "  Pool:       "+snap.Stats.String())
	}
	lines = append(lines, fmt.Sprintf("  Buffer:     %d / %d events", ring.Len(), ring.Cap()))
	lines = append(lines, "")

	if len(snap.Active)+len(snap.Pending) > 0 {
		lines = append(lines, DebugHeaderStyle.Render("In Flight"))
		lines = append(lines, inFlightLines(snap, maxInFlightLines)...)
		lines = append(lines, "")
	}

	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range recent {
		line := fmt.Sprintf("  %6s  %-18s", formatAge(time.Since(e.Time)), string(e.Kind))
		if e.Index != nil {
			line += fmt.Sprintf("  #%d", *e.Index)
		}
		if e.Msg != "" {
			line += "  " + runewidth.Truncate(e.Msg, 40, "…")
		}
		if e.Err != "" {
			line += "  ERR:" + runewidth.Truncate(e.Err, 30, "…")
		}
		lines = append(lines, line)
	}

	// Truncate to fit terminal height (subtract chrome added by DebugPanel border/padding)
	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	panelWidth := 76
	if panelWidth > width-4 {
		panelWidth = width - 4
	}
	if panelWidth < 20 {
		panelWidth = 20
	}

	return DebugPanel.Width(panelWidth).Render(strings.Join(lines, "\n"))
}

// inFlightLines lists active work, then queued work in pop order, up to limit
// lines. A final line counts what did not fit.
func inFlightLines(snap work.Snapshot, limit int) []string {
	sort.Slice(snap.Active, func(i, j int) bool {
		return snap.Active[i].StartedAt.Before(snap.Active[j].StartedAt)
	})
	sort.Slice(snap.Pending, func(i, j int) bool {
		a, b := snap.Pending[i], snap.Pending[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var lines []string
	for _, item := range snap.Active {
		lines = append(lines, fmt.Sprintf("  active  %-16s %6s", item.Description, formatAge(time.Since(item.StartedAt))))
	}
	for _, item := range snap.Pending {
		lines = append(lines, fmt.Sprintf("  queued  %-16s p%d", item.Description, item.Priority))
	}
	if len(lines) > limit {
		rest := len(lines) - limit + 1
		lines = append(lines[:limit-1], fmt.Sprintf("  … %d more", rest))
	}
	return lines
}

// formatAge formats a duration as a compact human string.
// Handles negative durations from clock skew by clamping to "0ms".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}

// debugStatusBar renders the status bar for the debug overlay.
func debugStatusBar(width int) string {
	keys := StatusBarKey.Render("D") + StatusBarText.Render(":close")
	return StatusBar.Width(width).Render("  [DEBUG]  " + keys)
}
