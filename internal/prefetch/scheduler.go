// Package prefetch keeps the neighbourhood of the viewport warm.
//
// On every position change the Scheduler computes the window of indices
// within Radius of the current item, skips the ones already prefetched or
// in flight, and submits a fetch for each of the rest. A successful fetch
// marks its index in the Set; a failed one leaves it unmarked so the next
// window that covers it retries.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/logging"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/work"
)

const (
	// DefaultRadius is how many items either side of the current one are prefetched.
	DefaultRadius = 3

	// DefaultRetryAfter is how long an in-flight fetch suppresses a new
	// request for the same index.
	DefaultRetryAfter = 10 * time.Second
)

// Prefetcher warms a cache for a locator. The display layer loads the
// resource separately when it renders it.
type Prefetcher interface {
	Prefetch(ctx context.Context, locator string) error
}

// Submitter runs fetch tasks asynchronously. Satisfied by *work.Pool.
type Submitter interface {
	Submit(typ work.Type, desc string, priority int, fn func(ctx context.Context) error, onDone func(*work.Item)) string
}

// Items is the read side of the feed window. Satisfied by *feed.Window.
type Items interface {
	Len() int
	At(i int) (feed.Item, bool)
}

// Slice adapts a plain slice to Items.
type Slice []feed.Item

func (s Slice) Len() int { return len(s) }

func (s Slice) At(i int) (feed.Item, bool) {
	if i < 0 || i >= len(s) {
		return feed.Item{}, false
	}
	return s[i], true
}

// Request is a fetch issued by OnPositionChanged.
type Request struct {
	Index   int
	Locator string
	WorkID  string
}

// Result is the outcome of one fetch.
type Result struct {
	Index    int
	Locator  string
	Position int // position that issued the fetch
	Err      error
	Duration time.Duration
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	Radius     int
	RetryAfter time.Duration

	// EvictBehind, when positive, drops Set entries more than EvictBehind
	// indices behind the current position. Zero keeps every entry.
	EvictBehind int

	Events   *otel.Logger
	Reporter func(Result) // called once per finished fetch
}

// Scheduler decides what to prefetch as the viewport moves.
type Scheduler struct {
	cfg    Config
	loader Prefetcher
	pool   Submitter
	set    *Set

	mu       sync.Mutex
	inflight map[int]time.Time // index -> when its fetch was issued

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a Scheduler issuing fetches to loader through pool.
func New(cfg Config, loader Prefetcher, pool Submitter) *Scheduler {
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultRadius
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.EvictBehind < 0 {
		cfg.EvictBehind = 0
	}
	return &Scheduler{
		cfg:      cfg,
		loader:   loader,
		pool:     pool,
		set:      NewSet(),
		inflight: make(map[int]time.Time),
		now:      time.Now,
	}
}

// Radius returns the configured window radius.
func (s *Scheduler) Radius() int { return s.cfg.Radius }

// Target returns the inclusive index range to keep warm around current for
// a window of n items. A current outside [0, n) is clamped first.
func (s *Scheduler) Target(current, n int) (lo, hi int, ok bool) {
	if n <= 0 {
		return 0, -1, false
	}
	current = max(0, min(current, n-1))
	return feed.Clamp(current-s.cfg.Radius, current+s.cfg.Radius, n)
}

// OnPositionChanged issues fetches for every index in the target window
// that is neither prefetched nor in flight, in ascending order, and returns
// them. An empty window is a no-op.
func (s *Scheduler) OnPositionChanged(current int, items Items) []Request {
	n := items.Len()
	lo, hi, ok := s.Target(current, n)
	if !ok {
		return nil
	}

	if s.cfg.EvictBehind > 0 {
		s.evictBehind(current)
	}

	var issued []Request
	for i := lo; i <= hi; i++ {
		if s.set.Has(i) {
			continue
		}
		item, ok := items.At(i)
		if !ok {
			continue
		}
		issuedAt, claimed := s.claim(i)
		if !claimed {
			continue
		}
		req := Request{Index: i, Locator: item.Locator}
		req.WorkID = s.submit(req, current, issuedAt)
		issued = append(issued, req)
	}

	if len(issued) > 0 {
		logging.Debug("prefetch scheduled", "pos", current, "from", lo, "to", hi, "issued", len(issued))
	}
	return issued
}

// claim records an in-flight fetch for i unless a young one already exists.
func (s *Scheduler) claim(i int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.inflight[i]; ok && now.Sub(at) < s.cfg.RetryAfter {
		return time.Time{}, false
	}
	s.inflight[i] = now
	return now, true
}

func (s *Scheduler) submit(req Request, pos int, issuedAt time.Time) string {
	s.wg.Add(1)
	s.cfg.Events.Emit(otel.Event{
		Level:    otel.LevelDebug,
		Kind:     otel.KindPrefetchStart,
		Comp:     "prefetch",
		Index:    otel.At(req.Index),
		Position: otel.At(pos),
		Locator:  req.Locator,
	})

	dist := req.Index - pos
	if dist < 0 {
		dist = -dist
	}
	priority := work.PriorityNormal + 2*(s.cfg.Radius-dist)
	if req.Index >= pos {
		priority++ // ahead of the viewport beats behind it
	}

	return s.pool.Submit(work.TypePrefetch,
		fmt.Sprintf("prefetch #%d", req.Index),
		priority,
		func(ctx context.Context) error {
			return s.loader.Prefetch(ctx, req.Locator)
		},
		func(item *work.Item) {
			s.record(Result{
				Index:    req.Index,
				Locator:  req.Locator,
				Position: pos,
				Err:      item.Err,
				Duration: item.Duration(),
			}, issuedAt)
		})
}

// record is the set-update step for a finished fetch.
func (s *Scheduler) record(r Result, issuedAt time.Time) {
	defer s.wg.Done()

	s.mu.Lock()
	if at, ok := s.inflight[r.Index]; ok && at.Equal(issuedAt) {
		delete(s.inflight, r.Index)
	}
	s.mu.Unlock()

	if r.OK() {
		s.set.Add(r.Index)
		s.cfg.Events.Emit(otel.Event{
			Level:   otel.LevelDebug,
			Kind:    otel.KindPrefetchComplete,
			Comp:    "prefetch",
			Index:   otel.At(r.Index),
			Locator: r.Locator,
			Dur:     r.Duration,
		})
	} else {
		logging.Warn("prefetch failed", "index", r.Index, "locator", r.Locator, "error", r.Err)
		s.cfg.Events.Emit(otel.Event{
			Level:   otel.LevelWarn,
			Kind:    otel.KindPrefetchError,
			Comp:    "prefetch",
			Index:   otel.At(r.Index),
			Locator: r.Locator,
			Dur:     r.Duration,
			Err:     r.Err.Error(),
		})
	}

	if s.cfg.Reporter != nil {
		s.cfg.Reporter(r)
	}
}

func (s *Scheduler) evictBehind(current int) {
	limit := current - s.cfg.EvictBehind
	if limit <= 0 {
		return
	}
	if n := s.set.removeBelow(limit); n > 0 {
		s.cfg.Events.Emit(otel.Event{
			Level:    otel.LevelDebug,
			Kind:     otel.KindPrefetchEvict,
			Comp:     "prefetch",
			Position: otel.At(current),
			Count:    n,
		})
	}
}

// Prefetched reports whether index i has a successful fetch recorded.
func (s *Scheduler) Prefetched(i int) bool {
	return s.set.Has(i)
}

// Pending reports whether a fetch for index i is in flight.
func (s *Scheduler) Pending(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[i]
	return ok
}

// Covered reports whether index i is prefetched or in flight.
func (s *Scheduler) Covered(i int) bool {
	return s.Prefetched(i) || s.Pending(i)
}

// Set returns the prefetched-index set.
func (s *Scheduler) Set() *Set {
	return s.set
}

// Wait blocks until every issued fetch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
