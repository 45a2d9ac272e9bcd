package ui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/viewport"
)

// Host receives display-surface signals. *coord.Coordinator satisfies it.
type Host interface {
	SendVisibility(report viewport.Report) bool
	SendEndReached() bool
}

// Options carries the optional collaborators of an App.
type Options struct {
	Status Status
	Ring   *otel.RingBuffer
	Pool   PoolView
}

// App is the root Bubble Tea model. It shows one item per screen and reports
// each page change to the host as a visibility report.
// IMPORTANT: App never mutates the feed; it only reads the shared view.
type App struct {
	host   Host
	feed   Feed
	status Status
	ring   *otel.RingBuffer
	pool   PoolView

	spinner spinner.Model

	cursor    int
	err       error
	width     int
	height    int
	ready     bool
	loading   bool
	showDebug bool
	failures  int
}

// NewApp creates an App paging over items and reporting to host.
func NewApp(host Host, items Feed, opts Options) App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return App{
		host:    host,
		feed:    items,
		status:  opts.Status,
		ring:    opts.Ring,
		pool:    opts.Pool,
		spinner: s,
		loading: true,
	}
}

// Init starts the loading spinner.
func (a App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		return a, nil

	case spinner.TickMsg:
		if !a.loading {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case ItemsLoaded:
		a.loading = false
		a.err = msg.Err
		return a, nil

	case WindowExtended, PositionChanged:
		return a, nil

	case PrefetchReported:
		if !msg.Result.OK() {
			a.failures++
		}
		return a, nil
	}

	return a, nil
}

// handleKeyMsg processes keyboard input.
func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Clear any existing error on key press
	if a.err != nil {
		a.err = nil
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Debug):
		a.showDebug = !a.showDebug
		return a, nil

	case key.Matches(msg, keys.Next):
		if a.cursor < a.total()-1 {
			a.cursor++
			a.report()
		} else if a.total() > 0 && a.host != nil {
			a.host.SendEndReached()
		}
		return a, nil

	case key.Matches(msg, keys.Prev):
		if a.cursor > 0 {
			a.cursor--
			a.report()
		}
		return a, nil

	case key.Matches(msg, keys.Top):
		if a.cursor != 0 {
			a.cursor = 0
			a.report()
		}
		return a, nil
	}

	return a, nil
}

// report tells the host the current page is fully visible.
func (a App) report() {
	if a.host != nil {
		a.host.SendVisibility(viewport.Report{{Index: a.cursor, Percent: 100}})
	}
}

func (a App) total() int {
	if a.feed == nil {
		return 0
	}
	return a.feed.Len()
}

// View renders the UI.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}

	if a.showDebug {
		return debugOverlay(a.ring, a.pool, a.width, a.height-1) + "\n" + debugStatusBar(a.width)
	}

	contentHeight := a.height - 1
	if a.err != nil {
		contentHeight--
	}

	var item feed.Item
	ok := false
	if a.feed != nil {
		item, ok = a.feed.At(a.cursor)
	}

	var content string
	switch {
	case a.loading && a.total() == 0:
		content = HelpStyle.Render(a.spinner.View() + " loading feed")
	case !ok:
		content = HelpStyle.Render("Nothing to show.")
	default:
		content = RenderPage(item, a.cursor, a.total(), a.width, contentHeight)
	}

	errorBar := ""
	if a.err != nil {
		errorBar = "\n" + ErrorStyle.Width(a.width).Render("Error: "+a.err.Error()+" (press any key to dismiss)")
	}

	neighbourhood := RenderNeighbourhood(a.cursor, a.total(), a.status)
	statusBar := RenderStatusBar(a.cursor, a.total(), neighbourhood, a.failures, a.width, a.loading)

	return content + errorBar + "\n" + statusBar
}

// Cursor returns the current cursor position (for testing).
func (a App) Cursor() int {
	return a.cursor
}

// Failures returns how many prefetch failures were reported (for testing).
func (a App) Failures() int {
	return a.failures
}

type keyMap struct {
	Next  key.Binding
	Prev  key.Binding
	Top   key.Binding
	Debug key.Binding
	Quit  key.Binding
}

var keys = keyMap{
	Next:  key.NewBinding(key.WithKeys("j", "down", "pgdown", " ")),
	Prev:  key.NewBinding(key.WithKeys("k", "up", "pgup")),
	Top:   key.NewBinding(key.WithKeys("g", "home")),
	Debug: key.NewBinding(key.WithKeys("D")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c")),
}
