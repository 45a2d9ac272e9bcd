package prefetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/work"
)

// mockLoader implements Prefetcher for testing.
type mockLoader struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // locator -> remaining failures
	block    chan struct{}  // when non-nil, Prefetch waits for it to close
	count    atomic.Int32
}

func newMockLoader() *mockLoader {
	return &mockLoader{calls: make(map[string]int), failures: make(map[string]int)}
}

func (m *mockLoader) Prefetch(ctx context.Context, locator string) error {
	m.count.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[locator]++
	if m.failures[locator] > 0 {
		m.failures[locator]--
		return errors.New("connection reset")
	}
	return nil
}

func (m *mockLoader) failOnce(locator string) {
	m.mu.Lock()
	m.failures[locator]++
	m.mu.Unlock()
}

func (m *mockLoader) callsFor(locator string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[locator]
}

func window(n int) Slice {
	items := make(Slice, n)
	for i := range items {
		items[i] = feed.Item{ID: fmt.Sprintf("image-%d", i), Locator: fmt.Sprintf("https://img.test/%d", i)}
	}
	return items
}

func startPool(t *testing.T, workers int) *work.Pool {
	t.Helper()
	pool := work.NewPool(workers)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return pool
}

func indices(reqs []Request) []int {
	out := make([]int, len(reqs))
	for i, r := range reqs {
		out[i] = r.Index
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPositionZeroClampsAtStart(t *testing.T) {
	loader := newMockLoader()
	s := New(Config{}, loader, startPool(t, 4))

	reqs := s.OnPositionChanged(0, window(50))
	s.Wait()

	if got := indices(reqs); !equalInts(got, []int{0, 1, 2, 3}) {
		t.Errorf("issued %v, want [0 1 2 3]", got)
	}
	if s.Set().Len() != 4 {
		t.Errorf("prefetched %d, want 4", s.Set().Len())
	}
}

func TestMoveByOneIssuesOnlyTheNewEdge(t *testing.T) {
	loader := newMockLoader()
	s := New(Config{}, loader, startPool(t, 4))
	items := window(50)

	first := s.OnPositionChanged(10, items)
	if got := indices(first); !equalInts(got, []int{7, 8, 9, 10, 11, 12, 13}) {
		t.Fatalf("first window %v", got)
	}
	s.Wait()

	second := s.OnPositionChanged(11, items)
	s.Wait()
	if got := indices(second); !equalInts(got, []int{14}) {
		t.Errorf("second window issued %v, want [14]", got)
	}
	for i := 7; i <= 14; i++ {
		if n := loader.callsFor(items[i].Locator); n != 1 {
			t.Errorf("index %d fetched %d times, want 1", i, n)
		}
	}
}

func TestInFlightFetchesSuppressDuplicates(t *testing.T) {
	loader := newMockLoader()
	loader.block = make(chan struct{})
	s := New(Config{}, loader, startPool(t, 8))
	items := window(50)

	s.OnPositionChanged(10, items)
	// nothing has completed yet
	second := s.OnPositionChanged(11, items)
	if got := indices(second); !equalInts(got, []int{14}) {
		t.Errorf("issued %v while 7..13 in flight, want [14]", got)
	}
	for i := 7; i <= 14; i++ {
		if !s.Pending(i) || s.Prefetched(i) {
			t.Errorf("index %d: pending=%v prefetched=%v", i, s.Pending(i), s.Prefetched(i))
		}
	}

	close(loader.block)
	s.Wait()
	for i := 7; i <= 14; i++ {
		if !s.Prefetched(i) || s.Pending(i) {
			t.Errorf("index %d not settled after completion", i)
		}
	}
}

func TestRepeatedPositionIssuesNothing(t *testing.T) {
	s := New(Config{}, newMockLoader(), startPool(t, 4))
	items := window(50)

	s.OnPositionChanged(20, items)
	if reqs := s.OnPositionChanged(20, items); len(reqs) != 0 {
		t.Errorf("second call (in flight) issued %v", indices(reqs))
	}
	s.Wait()
	if reqs := s.OnPositionChanged(20, items); len(reqs) != 0 {
		t.Errorf("third call (completed) issued %v", indices(reqs))
	}
}

func TestFailedFetchIsRetriedByLaterWindow(t *testing.T) {
	loader := newMockLoader()
	items := window(50)
	loader.failOnce(items[12].Locator)

	var mu sync.Mutex
	var failures []Result
	s := New(Config{Reporter: func(r Result) {
		if !r.OK() {
			mu.Lock()
			failures = append(failures, r)
			mu.Unlock()
		}
	}}, loader, startPool(t, 4))

	s.OnPositionChanged(10, items)
	s.Wait()

	if s.Prefetched(12) {
		t.Fatal("failed index must not be marked")
	}
	mu.Lock()
	if len(failures) != 1 || failures[0].Index != 12 || failures[0].Position != 10 {
		t.Errorf("failure report = %+v", failures)
	}
	mu.Unlock()

	retry := s.OnPositionChanged(11, items)
	s.Wait()
	if got := indices(retry); !equalInts(got, []int{12, 14}) {
		t.Errorf("retry window issued %v, want [12 14]", got)
	}
	if !s.Prefetched(12) {
		t.Error("index 12 should be marked after successful retry")
	}
}

func TestNoRetryWithoutReinclusion(t *testing.T) {
	loader := newMockLoader()
	items := window(50)
	loader.failOnce(items[7].Locator)
	s := New(Config{}, loader, startPool(t, 4))

	s.OnPositionChanged(10, items)
	s.Wait()
	s.OnPositionChanged(20, items) // 7 out of range
	s.Wait()

	if n := loader.callsFor(items[7].Locator); n != 1 {
		t.Errorf("index 7 fetched %d times, want 1 (single-shot)", n)
	}
}

func TestEmptyWindowIsNoop(t *testing.T) {
	loader := newMockLoader()
	s := New(Config{}, loader, startPool(t, 1))
	if reqs := s.OnPositionChanged(0, Slice(nil)); reqs != nil {
		t.Errorf("expected nil, got %v", reqs)
	}
	if reqs := s.OnPositionChanged(5, feed.NewWindow()); reqs != nil {
		t.Errorf("expected nil for empty feed.Window, got %v", reqs)
	}
	if loader.count.Load() != 0 {
		t.Error("no fetches expected")
	}
}

func TestStalePositionIsClamped(t *testing.T) {
	s := New(Config{}, newMockLoader(), startPool(t, 4))

	reqs := s.OnPositionChanged(99, window(10))
	s.Wait()
	if got := indices(reqs); !equalInts(got, []int{6, 7, 8, 9}) {
		t.Errorf("stale position issued %v, want [6 7 8 9]", got)
	}

	reqs = s.OnPositionChanged(-5, window(10))
	s.Wait()
	if got := indices(reqs); !equalInts(got, []int{0, 1, 2, 3}) {
		t.Errorf("negative position issued %v, want [0 1 2 3]", got)
	}
}

func TestEveryIndexInRangeCovered(t *testing.T) {
	s := New(Config{}, newMockLoader(), startPool(t, 4))
	items := window(40)

	for c := 0; c < items.Len(); c++ {
		s.OnPositionChanged(c, items)
		lo, hi, _ := s.Target(c, items.Len())
		if lo != max(0, c-3) || hi != min(items.Len()-1, c+3) {
			t.Fatalf("Target(%d) = [%d,%d]", c, lo, hi)
		}
		for i := lo; i <= hi; i++ {
			if !s.Covered(i) {
				t.Errorf("position %d: index %d neither pending nor prefetched", c, i)
			}
		}
	}
	s.Wait()
}

func TestSetGrowsMonotonically(t *testing.T) {
	s := New(Config{}, newMockLoader(), startPool(t, 4))
	items := window(100)
	rng := rand.New(rand.NewSource(7))

	prev := map[int]bool{}
	pos := 0
	for step := 0; step < 200; step++ {
		pos = max(0, min(pos+rng.Intn(7)-3, items.Len()-1))
		s.OnPositionChanged(pos, items)
		s.Wait()

		now := map[int]bool{}
		for _, i := range s.Set().Indices() {
			now[i] = true
		}
		for i := range prev {
			if !now[i] {
				t.Fatalf("step %d: index %d was un-marked", step, i)
			}
		}
		prev = now
	}
}

func TestHungFetchBecomesRetryable(t *testing.T) {
	loader := newMockLoader()
	loader.block = make(chan struct{})
	defer close(loader.block)

	s := New(Config{Radius: 1, RetryAfter: time.Minute}, loader, startPool(t, 8))
	clock := time.Now()
	s.now = func() time.Time { return clock }
	items := window(10)

	s.OnPositionChanged(5, items)
	if reqs := s.OnPositionChanged(5, items); len(reqs) != 0 {
		t.Fatalf("young in-flight fetches should suppress, got %v", indices(reqs))
	}

	clock = clock.Add(2 * time.Minute)
	if got := indices(s.OnPositionChanged(5, items)); !equalInts(got, []int{4, 5, 6}) {
		t.Errorf("stale in-flight fetches should be re-requested, got %v", got)
	}
}

func TestEvictBehind(t *testing.T) {
	events := otel.NewNullLogger()
	rb := otel.NewRingBuffer(64)
	events.SetRingBuffer(rb)

	s := New(Config{EvictBehind: 5, Events: events}, newMockLoader(), startPool(t, 4))
	items := window(50)

	s.OnPositionChanged(2, items) // marks 0..5
	s.Wait()
	s.OnPositionChanged(20, items) // drops < 15, marks 17..23
	s.Wait()
	events.Close()

	for i := 0; i <= 5; i++ {
		if s.Prefetched(i) {
			t.Errorf("index %d should have been evicted", i)
		}
	}
	if !s.Prefetched(20) {
		t.Error("current window should be prefetched")
	}
	evicts := rb.OfKind(otel.KindPrefetchEvict)
	if len(evicts) != 1 || evicts[0].Count != 6 {
		t.Errorf("evict events = %+v", evicts)
	}

	// moving back re-requests evicted indices
	back := s.OnPositionChanged(2, items)
	s.Wait()
	if got := indices(back); !equalInts(got, []int{0, 1, 2, 3, 4, 5}) {
		t.Errorf("returning issued %v", got)
	}
}

func TestEventsReportOutcomes(t *testing.T) {
	events := otel.NewNullLogger()
	rb := otel.NewRingBuffer(64)
	events.SetRingBuffer(rb)

	loader := newMockLoader()
	items := window(10)
	loader.failOnce(items[1].Locator)

	s := New(Config{Radius: 1, Events: events}, loader, startPool(t, 2))
	s.OnPositionChanged(0, items)
	s.Wait()
	events.Close()

	if got := len(rb.OfKind(otel.KindPrefetchStart)); got != 2 {
		t.Errorf("start events = %d, want 2", got)
	}
	if got := len(rb.OfKind(otel.KindPrefetchComplete)); got != 1 {
		t.Errorf("complete events = %d, want 1", got)
	}
	errs := rb.OfKind(otel.KindPrefetchError)
	if len(errs) != 1 || *errs[0].Index != 1 {
		t.Errorf("error events = %+v", errs)
	}
}

// recordingPool captures submissions without running them.
type recordingPool struct {
	priorities map[string]int
}

func (p *recordingPool) Submit(_ work.Type, desc string, priority int, _ func(context.Context) error, _ func(*work.Item)) string {
	p.priorities[desc] = priority
	return desc
}

func TestNearerIndicesGetHigherPriority(t *testing.T) {
	pool := &recordingPool{priorities: map[string]int{}}
	s := New(Config{}, newMockLoader(), pool)
	s.OnPositionChanged(10, window(50))

	p := pool.priorities
	if !(p["prefetch #10"] > p["prefetch #11"] && p["prefetch #11"] > p["prefetch #9"] && p["prefetch #9"] > p["prefetch #13"]) {
		t.Errorf("unexpected priorities: %v", p)
	}
}
