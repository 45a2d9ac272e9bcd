// Package coord runs the single-consumer event loop that ties the viewport
// tracker, prefetch scheduler and feed window together.
package coord

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/logging"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/prefetch"
	"github.com/abelbrown/swipefeed/internal/source"
	"github.com/abelbrown/swipefeed/internal/ui"
	"github.com/abelbrown/swipefeed/internal/viewport"
	"github.com/abelbrown/swipefeed/internal/window"
	"github.com/abelbrown/swipefeed/internal/work"
)

// eventBuffer is the capacity of the event channel.
const eventBuffer = 64

// defaultWorkers is the fetch concurrency when Config.Workers is unset.
const defaultWorkers = 4

// Notifier receives display messages. *tea.Program satisfies it.
type Notifier interface {
	Send(msg tea.Msg)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg tea.Msg)

// Send calls f(msg).
func (f NotifierFunc) Send(msg tea.Msg) { f(msg) }

// Config wires a Coordinator.
type Config struct {
	Workers   int
	Threshold float64 // viewport visibility threshold, percent

	Prefetch prefetch.Config
	Window   window.Config

	Events   *otel.Logger
	Notifier Notifier // optional
}

type eventKind int

const (
	evVisibility eventKind = iota
	evPosition
	evEndReached
	evExtended
	evFlush
)

type event struct {
	kind   eventKind
	report viewport.Report
	index  int
	added  int
	total  int
	done   chan struct{}
}

// Coordinator owns the work pool, scheduler and window manager. All
// scheduling decisions happen on the Run goroutine, one event at a time.
type Coordinator struct {
	pool    *work.Pool
	sched   *prefetch.Scheduler
	win     *window.Manager
	tracker viewport.Tracker
	events  *otel.Logger
	notify  Notifier

	ch       chan event
	position atomic.Int64 // last accepted position, -1 before the first
	dropped  atomic.Uint64
}

// New creates a Coordinator fetching through loader and growing the feed
// from src.
func New(cfg Config, loader prefetch.Prefetcher, src source.Source) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	c := &Coordinator{
		pool:    work.NewPool(cfg.Workers),
		tracker: viewport.NewTracker(cfg.Threshold),
		events:  cfg.Events,
		notify:  cfg.Notifier,
		ch:      make(chan event, eventBuffer),
	}
	c.position.Store(-1)

	pcfg := cfg.Prefetch
	pcfg.Events = cfg.Events
	report := pcfg.Reporter
	pcfg.Reporter = func(r prefetch.Result) {
		if report != nil {
			report(r)
		}
		c.send(ui.PrefetchReported{Result: r})
	}
	c.sched = prefetch.New(pcfg, loader, c.pool)

	wcfg := cfg.Window
	wcfg.Events = cfg.Events
	extended := wcfg.OnExtended
	wcfg.OnExtended = func(added, total int) {
		if extended != nil {
			extended(added, total)
		}
		c.enqueue(event{kind: evExtended, added: added, total: total})
	}
	c.win = window.New(wcfg, src)

	return c
}

// Window returns the read-only feed view for the display layer.
func (c *Coordinator) Window() *feed.Window { return c.win.Window() }

// Scheduler returns the prefetch scheduler.
func (c *Coordinator) Scheduler() *prefetch.Scheduler { return c.sched }

// Manager returns the feed window manager.
func (c *Coordinator) Manager() *window.Manager { return c.win }

// Pool returns the fetch work pool.
func (c *Coordinator) Pool() *work.Pool { return c.pool }

// Position returns the last accepted viewport position.
func (c *Coordinator) Position() (int, bool) {
	p := c.position.Load()
	return int(p), p >= 0
}

// Dropped returns how many events were discarded because the queue was full.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }

// SendVisibility queues a visibility report. Never blocks; returns false
// if the queue is full.
func (c *Coordinator) SendVisibility(report viewport.Report) bool {
	return c.enqueue(event{kind: evVisibility, report: report})
}

// SendPosition queues an explicit position, bypassing the tracker.
func (c *Coordinator) SendPosition(index int) bool {
	return c.enqueue(event{kind: evPosition, index: index})
}

// SendEndReached queues the display surface's tail-approach signal.
func (c *Coordinator) SendEndReached() bool {
	return c.enqueue(event{kind: evEndReached})
}

// Flush blocks until every event queued before it has been handled.
func (c *Coordinator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.ch <- event{kind: evFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) enqueue(e event) bool {
	select {
	case c.ch <- e:
		return true
	default:
		c.dropped.Add(1)
		logging.Warn("coordinator queue full, event dropped", "kind", int(e.kind))
		return false
	}
}

// Run starts the pool, loads the initial batch if the window is empty and
// processes events until ctx is cancelled. A failed initial load ends Run
// with that error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.pool.Start(ctx)
	defer func() {
		c.pool.Stop()
		c.win.Wait()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.loop(ctx)
	})

	if c.win.Len() == 0 {
		g.Go(func() error {
			err := c.win.Load(ctx)
			c.send(ui.ItemsLoaded{Total: c.win.Len(), Err: err})
			if err != nil {
				logging.Error("initial load failed", "error", err)
				return err
			}
			c.SendPosition(0)
			return nil
		})
	}

	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-c.ch:
			c.handle(ctx, e)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, e event) {
	switch e.kind {
	case evVisibility:
		if idx, ok := c.tracker.Observe(e.report); ok {
			c.onPosition(ctx, idx)
		}

	case evPosition:
		c.onPosition(ctx, e.index)

	case evEndReached:
		if c.win.Len() == 0 {
			// the initial batch is still loading
			return
		}
		c.win.EndReached(ctx)

	case evFlush:
		close(e.done)

	case evExtended:
		c.send(ui.WindowExtended{Added: e.added, Total: e.total})
		pos, ok := c.Position()
		if !ok || e.added == 0 {
			return
		}
		// the range around pos may now reach newly appended items
		c.sched.OnPositionChanged(pos, c.win.Window())
	}
}

func (c *Coordinator) onPosition(ctx context.Context, index int) {
	if index < 0 {
		return
	}
	c.position.Store(int64(index))
	c.events.Emit(otel.Event{
		Level:    otel.LevelDebug,
		Kind:     otel.KindViewportPosition,
		Comp:     "coord",
		Position: otel.At(index),
	})

	issued := c.sched.OnPositionChanged(index, c.win.Window())
	c.win.MaybeExtend(ctx, index)

	c.send(ui.PositionChanged{Index: index, Issued: len(issued)})
}

// send forwards msg to the notifier, if any.
func (c *Coordinator) send(msg tea.Msg) {
	if c.notify != nil {
		c.notify.Send(msg)
	}
}
