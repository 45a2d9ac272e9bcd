// Package window owns the growable feed and extends it from a content
// source as the viewport nears the tail.
package window

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/logging"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/source"
)

const (
	// DefaultInitialBatch is the size of the first load.
	DefaultInitialBatch = 50

	// DefaultBatchSize is how many items each extension appends.
	DefaultBatchSize = 20

	// DefaultEndThreshold is the trailing fraction of loaded items in which
	// the viewport counts as near the tail.
	DefaultEndThreshold = 0.5
)

// Config tunes a Manager. Zero values take defaults.
type Config struct {
	InitialBatch int
	BatchSize    int
	EndThreshold float64

	Events *otel.Logger

	// OnExtended is called after an extension appended items, from the
	// goroutine that ran it.
	OnExtended func(added, total int)
}

// Manager owns a feed.Window and extends it from a source.
// At most one extension is in flight at a time.
type Manager struct {
	cfg Config
	src source.Source
	win *feed.Window

	extending atomic.Bool
	wg        sync.WaitGroup
}

// New creates a Manager with an empty window.
func New(cfg Config, src source.Source) *Manager {
	if cfg.InitialBatch <= 0 {
		cfg.InitialBatch = DefaultInitialBatch
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.EndThreshold <= 0 || cfg.EndThreshold > 1 {
		cfg.EndThreshold = DefaultEndThreshold
	}
	return &Manager{cfg: cfg, src: src, win: feed.NewWindow()}
}

// Window returns the read-only view handed to the display layer.
func (m *Manager) Window() *feed.Window {
	return m.win
}

// Len returns the number of loaded items.
func (m *Manager) Len() int {
	return m.win.Len()
}

// Append adds items to the tail, rejecting ids already present.
// Returns how many were added.
func (m *Manager) Append(items []feed.Item) int {
	added, rejected := m.win.Append(items)
	for _, item := range rejected {
		logging.Warn("rejected duplicate feed item", "id", item.ID, "locator", item.Locator)
		m.cfg.Events.Emit(otel.Event{
			Level:   otel.LevelWarn,
			Kind:    otel.KindWindowReject,
			Comp:    "window",
			Locator: item.Locator,
			Err:     feed.ErrDuplicateID.Error(),
			Msg:     item.ID,
		})
	}
	return added
}

// Load synchronously fills the window with the initial batch.
func (m *Manager) Load(ctx context.Context) error {
	items, err := m.src.Generate(ctx, m.cfg.InitialBatch)
	if err != nil {
		return err
	}
	added := m.Append(items)
	logging.Info("feed loaded", "items", added)
	return nil
}

// NearTail reports whether current falls within the trailing EndThreshold
// fraction of the loaded items. An empty window has no tail: growth waits
// for the initial batch.
func (m *Manager) NearTail(current int) bool {
	n := m.win.Len()
	if n == 0 {
		return false
	}
	trailing := int(math.Ceil(float64(n) * m.cfg.EndThreshold))
	return current >= n-trailing
}

// MaybeExtend starts an extension when current is near the tail and none
// is in flight. Returns true if it started one.
func (m *Manager) MaybeExtend(ctx context.Context, current int) bool {
	if !m.NearTail(current) {
		return false
	}
	return m.EndReached(ctx)
}

// EndReached handles the display surface's tail-approach signal. Triggers
// while an extension is pending are no-ops.
func (m *Manager) EndReached(ctx context.Context) bool {
	if !m.extending.CompareAndSwap(false, true) {
		return false
	}
	m.wg.Add(1)
	go m.extend(ctx)
	return true
}

// Extending reports whether an extension is in flight.
func (m *Manager) Extending() bool {
	return m.extending.Load()
}

// Wait blocks until the in-flight extension, if any, finishes.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) extend(ctx context.Context) {
	defer m.wg.Done()

	start := time.Now()
	items, err := m.src.Generate(ctx, m.cfg.BatchSize)
	if err != nil {
		m.extending.Store(false)
		m.reportFailure(err)
		return
	}

	added := m.Append(items)
	total := m.win.Len()
	m.extending.Store(false)

	logging.Info("feed extended", "added", added, "total", total)
	m.cfg.Events.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindWindowExtend,
		Comp:  "window",
		Count: added,
		Dur:   time.Since(start),
		Extra: map[string]any{"total": total},
	})

	if m.cfg.OnExtended != nil {
		m.cfg.OnExtended(added, total)
	}
}

// reportFailure leaves the window unchanged; an exhausted source is not
// an error.
func (m *Manager) reportFailure(err error) {
	if errors.Is(err, source.ErrExhausted) {
		logging.Info("content source exhausted", "total", m.win.Len())
		m.cfg.Events.Info(otel.KindWindowExhausted, "window", err.Error())
		return
	}
	logging.Warn("feed extension failed", "error", err)
	m.cfg.Events.Error(otel.KindWindowError, "window", err)
}
