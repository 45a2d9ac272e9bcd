package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/source"
	"github.com/abelbrown/swipefeed/internal/ui"
	"github.com/abelbrown/swipefeed/internal/viewport"
)

// mockLoader implements prefetch.Prefetcher for testing.
type mockLoader struct {
	calls atomic.Int32
	fail  error
}

func (m *mockLoader) Prefetch(ctx context.Context, locator string) error {
	m.calls.Add(1)
	return m.fail
}

// countingSource wraps a source and counts Generate calls.
type countingSource struct {
	inner source.Source
	calls atomic.Int32
	err   error
}

func (s *countingSource) Generate(ctx context.Context, count int) ([]feed.Item, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Generate(ctx, count)
}

// recorder collects notifier messages.
type recorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recorder) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count(match func(tea.Msg) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func isLoaded(m tea.Msg) bool {
	_, ok := m.(ui.ItemsLoaded)
	return ok
}

func isExtended(m tea.Msg) bool {
	_, ok := m.(ui.WindowExtended)
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	c      *Coordinator
	loader *mockLoader
	src    *countingSource
	rec    *recorder
	ring   *otel.RingBuffer
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, loader *mockLoader, src *countingSource) *harness {
	t.Helper()
	ring := otel.NewRingBuffer(256)
	events := otel.NewNullLogger()
	events.SetRingBuffer(ring)

	rec := &recorder{}
	c := New(Config{Workers: 2, Notifier: rec, Events: events}, loader, src)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{c: c, loader: loader, src: src, rec: rec, ring: ring, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
		events.Close()
	})
	return h
}

func synthetic() *countingSource {
	return &countingSource{inner: source.NewSynthetic(source.WithSeed("test"))}
}

func TestRunLoadsAndPrefetchesAroundZero(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())

	waitFor(t, "initial load", func() bool { return h.rec.count(isLoaded) == 1 })
	if h.c.Window().Len() != 50 {
		t.Fatalf("window len = %d, want 50", h.c.Window().Len())
	}

	sched := h.c.Scheduler()
	waitFor(t, "prefetch 0..3", func() bool {
		for i := 0; i <= 3; i++ {
			if !sched.Prefetched(i) {
				return false
			}
		}
		return true
	})
	if sched.Covered(4) {
		t.Error("index 4 is outside the window around 0")
	}
	if got := h.loader.calls.Load(); got != 4 {
		t.Errorf("loader calls = %d, want 4", got)
	}
}

func TestVisibilityReportMovesWindow(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())
	waitFor(t, "initial load", func() bool { return h.rec.count(isLoaded) == 1 })

	h.c.SendVisibility(viewport.Report{{Index: 9, Percent: 30}, {Index: 10, Percent: 70}})

	waitFor(t, "position 10", func() bool {
		pos, ok := h.c.Position()
		return ok && pos == 10
	})
	sched := h.c.Scheduler()
	waitFor(t, "prefetch 7..13", func() bool {
		for i := 7; i <= 13; i++ {
			if !sched.Prefetched(i) {
				return false
			}
		}
		return true
	})
}

func TestReportBelowThresholdIgnored(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())
	waitFor(t, "position 0", func() bool {
		_, ok := h.c.Position()
		return ok
	})

	h.c.SendVisibility(viewport.Report{{Index: 20, Percent: 10}})
	h.c.SendPosition(1) // processed after the report
	waitFor(t, "position 1", func() bool {
		pos, _ := h.c.Position()
		return pos == 1
	})
	if h.c.Scheduler().Covered(20) {
		t.Error("a 10% visible item must not become current")
	}
}

func TestNearTailExtends(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())
	waitFor(t, "initial load", func() bool { return h.rec.count(isLoaded) == 1 })

	h.c.SendPosition(45)
	waitFor(t, "extension", func() bool { return h.rec.count(isExtended) == 1 })
	h.c.Manager().Wait()

	if n := h.c.Window().Len(); n != 70 {
		t.Fatalf("window len = %d, want 70", n)
	}
	if calls := h.src.calls.Load(); calls != 2 {
		t.Errorf("source calls = %d, want 2 (load + one extension)", calls)
	}
	for i := 50; i < 70; i++ {
		item, _ := h.c.Window().At(i)
		if want := fmt.Sprintf("image-%d", i); item.ID != want {
			t.Errorf("item %d id = %q, want %q", i, item.ID, want)
		}
	}
}

// gatedSource blocks Generate until gate is closed.
type gatedSource struct {
	countingSource
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedSource) Generate(ctx context.Context, count int) ([]feed.Item, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.countingSource.Generate(ctx, count)
}

func TestNoExtensionBeforeInitialLoad(t *testing.T) {
	src := &gatedSource{
		countingSource: countingSource{inner: source.NewSynthetic(source.WithSeed("test"))},
		gate:           make(chan struct{}),
		entered:        make(chan struct{}),
	}
	rec := &recorder{}
	c := New(Config{Workers: 2, Notifier: rec}, &mockLoader{}, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	<-src.entered
	c.SendPosition(0)
	c.SendEndReached()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	close(src.gate)

	waitFor(t, "initial load", func() bool { return rec.count(isLoaded) == 1 })
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c.Manager().Wait()

	if calls := src.calls.Load(); calls != 1 {
		t.Errorf("source calls = %d, want 1", calls)
	}
	if n := c.Window().Len(); n != 50 {
		t.Errorf("window len = %d, want 50", n)
	}
	if item, _ := c.Window().At(0); item.ID != "image-0" {
		t.Errorf("first item = %q, want image-0", item.ID)
	}
}

func TestEndReachedSignal(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())
	waitFor(t, "initial load", func() bool { return h.rec.count(isLoaded) == 1 })

	h.c.SendEndReached()
	waitFor(t, "extension", func() bool { return h.rec.count(isExtended) == 1 })
	if n := h.c.Window().Len(); n != 70 {
		t.Errorf("window len = %d, want 70", n)
	}
}

func TestFailedFetchesReported(t *testing.T) {
	h := start(t, &mockLoader{fail: errors.New("connection reset")}, synthetic())

	failed := func(m tea.Msg) bool {
		r, ok := m.(ui.PrefetchReported)
		return ok && !r.Result.OK()
	}
	waitFor(t, "failure reports", func() bool { return h.rec.count(failed) == 4 })
	for i := 0; i <= 3; i++ {
		if h.c.Scheduler().Prefetched(i) {
			t.Errorf("index %d must stay unmarked after a failure", i)
		}
	}
	waitFor(t, "prefetch.error events", func() bool {
		return len(h.ring.OfKind(otel.KindPrefetchError)) == 4
	})
}

func TestInitialLoadFailureEndsRun(t *testing.T) {
	src := &countingSource{err: errors.New("feed unreachable")}
	rec := &recorder{}
	c := New(Config{Notifier: rec}, &mockLoader{}, src)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the initial load fails")
	}
	if rec.count(isLoaded) != 1 {
		t.Error("ItemsLoaded should still be sent with the error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(Config{}, &mockLoader{}, synthetic())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSendNeverBlocks(t *testing.T) {
	c := New(Config{}, &mockLoader{}, synthetic())

	for i := 0; i < eventBuffer; i++ {
		if !c.SendPosition(i) {
			t.Fatalf("send %d rejected before the buffer filled", i)
		}
	}
	if c.SendEndReached() {
		t.Error("send on a full queue should return false")
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", c.Dropped())
	}
}

func TestFlushWaitsForQueuedEvents(t *testing.T) {
	h := start(t, &mockLoader{}, synthetic())
	waitFor(t, "position 0", func() bool {
		_, ok := h.c.Position()
		return ok
	})

	h.c.SendPosition(30)
	if err := h.c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if pos, _ := h.c.Position(); pos != 30 {
		t.Errorf("position after flush = %d, want 30", pos)
	}
	if !h.c.Scheduler().Covered(33) {
		t.Error("fetches for position 30 should be issued by the time Flush returns")
	}
}

func TestFlushHonoursContext(t *testing.T) {
	c := New(Config{}, &mockLoader{}, synthetic())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Flush(ctx); err == nil {
		t.Error("Flush without a running loop should fail when ctx expires")
	}
}

func TestNotifierFunc(t *testing.T) {
	var got tea.Msg
	NotifierFunc(func(m tea.Msg) { got = m }).Send(ui.WindowExtended{Added: 1})
	if _, ok := got.(ui.WindowExtended); !ok {
		t.Errorf("NotifierFunc did not forward, got %T", got)
	}
}
