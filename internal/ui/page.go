package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/abelbrown/swipefeed/internal/feed"
)

// Feed is the read-only view of the loaded items. *feed.Window satisfies it.
type Feed interface {
	Len() int
	At(i int) (feed.Item, bool)
}

// Status reports prefetch state per index. *prefetch.Scheduler satisfies it.
type Status interface {
	Radius() int
	Prefetched(i int) bool
	Pending(i int) bool
}

// RenderPage renders one item filling the screen.
func RenderPage(item feed.Item, index, total, width, height int) string {
	inner := width - 10 // frame border and padding
	if inner < 10 {
		inner = 10
	}

	body := strings.Join([]string{
		PageTitle.Render(runewidth.Truncate(item.ID, inner, "…")),
		"",
		PageLocator.Render(runewidth.Truncate(item.Locator, inner, "…")),
		"",
		PageCounter.Render(fmt.Sprintf("%d / %d", index+1, total)),
	}, "\n")

	frame := PageFrame.Render(body)
	if width <= 0 || height <= 0 {
		return frame
	}
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, frame)
}

// RenderNeighbourhood renders one cell per index around cursor:
// ● prefetched, ◐ in flight, ○ not requested. The current index is bracketed.
func RenderNeighbourhood(cursor, total int, status Status) string {
	if status == nil || total == 0 {
		return ""
	}
	lo, hi, ok := feed.Clamp(cursor-status.Radius(), cursor+status.Radius(), total)
	if !ok {
		return ""
	}

	var cells []string
	for i := lo; i <= hi; i++ {
		var cell string
		switch {
		case status.Prefetched(i):
			cell = CellReady.Render("●")
		case status.Pending(i):
			cell = CellPending.Render("◐")
		default:
			cell = CellCold.Render("○")
		}
		if i == cursor {
			cell = CellCurrent.Render("[") + cell + CellCurrent.Render("]")
		}
		cells = append(cells, cell)
	}
	return strings.Join(cells, " ")
}

// RenderStatusBar renders the bottom status bar.
func RenderStatusBar(cursor, total int, neighbourhood string, failures int, width int, loading bool) string {
	var left string
	if total > 0 {
		left = fmt.Sprintf("%d/%d", cursor+1, total)
	}
	if neighbourhood != "" {
		left += "  " + neighbourhood
	}
	if failures > 0 {
		left += "  " + ErrorStyle.Render(fmt.Sprintf("%d failed", failures))
	}
	if loading {
		left += "  " + StatusBarText.Render("loading…")
	}

	keys := []string{
		StatusBarKey.Render("j/k") + StatusBarText.Render(":page"),
		StatusBarKey.Render("g") + StatusBarText.Render(":top"),
		StatusBarKey.Render("D") + StatusBarText.Render(":debug"),
		StatusBarKey.Render("q") + StatusBarText.Render(":quit"),
	}
	right := strings.Join(keys, " ")

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return StatusBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
