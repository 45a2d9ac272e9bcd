package work

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/swipefeed/internal/logging"
)

// historySize bounds the completed-work history kept for snapshots.
const historySize = 100

// ErrStopped is the error recorded on items still queued when the pool stops.
var ErrStopped = errors.New("work: pool stopped")

// Pool runs submitted items on a fixed number of workers, highest priority
// first. Items may be submitted before Start; they run once workers exist.
type Pool struct {
	mu      sync.Mutex
	workers int
	pending priorityQueue
	active  map[string]*Item
	history []Item // newest last
	stopped bool

	wake chan struct{}

	subscribersMu sync.RWMutex
	subscribers   []chan Event

	totalCreated   atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	nextID         atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // workers
	inflight sync.WaitGroup // submitted, not yet finished
}

// NewPool creates a pool with the given number of workers.
// If workers <= 0, uses runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		workers: workers,
		active:  make(map[string]*Item),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.signal()
	logging.Info("work pool started", "workers", p.workers)
}

// Stop cancels running work, fails anything still queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.stopped = true
	var orphaned []*Item
	for p.pending.Len() > 0 {
		orphaned = append(orphaned, heap.Pop(&p.pending).(*Item))
	}
	p.mu.Unlock()

	for _, item := range orphaned {
		p.complete(item, ErrStopped)
	}
	logging.Info("work pool stopped",
		"created", p.totalCreated.Load(),
		"completed", p.totalCompleted.Load(),
		"failed", p.totalFailed.Load())
}

// Submit queues fn and returns the item id. onDone, if non-nil, is called
// once with the finished item from the goroutine that ran it.
func (p *Pool) Submit(typ Type, desc string, priority int, fn func(ctx context.Context) error, onDone func(*Item)) string {
	item := &Item{
		ID:          fmt.Sprintf("w%d", p.nextID.Add(1)),
		Type:        typ,
		Status:      StatusPending,
		Description: desc,
		Priority:    priority,
		CreatedAt:   time.Now(),
		fn:          fn,
		onDone:      onDone,
	}
	p.totalCreated.Add(1)
	p.inflight.Add(1)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.complete(item, ErrStopped)
		return item.ID
	}
	heap.Push(&p.pending, item)
	// copy under the lock; a worker may pop the item as soon as it is released
	created := *item
	p.mu.Unlock()

	p.notify(Event{Item: created, Change: ChangeCreated})
	p.signal()
	return item.ID
}

// Wait blocks until every submitted item has finished.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		if item, started := p.next(); item != nil {
			p.execute(item, started)
			continue
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// next pops the highest priority item, re-signalling if more remain so
// another idle worker picks them up. The returned copy is taken under the
// lock for the started event.
func (p *Pool) next() (*Item, Item) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil || p.pending.Len() == 0 {
		return nil, Item{}
	}
	item := heap.Pop(&p.pending).(*Item)
	item.Status = StatusActive
	item.StartedAt = time.Now()
	p.active[item.ID] = item
	if p.pending.Len() > 0 {
		p.signal()
	}
	return item, *item
}

func (p *Pool) execute(item *Item, started Item) {
	p.notify(Event{Item: started, Change: ChangeStarted})

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("work panicked", "id", item.ID, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if item.fn == nil {
			err = errors.New("no work function")
			return
		}
		err = item.fn(p.ctx)
	}()

	p.complete(item, err)
}

func (p *Pool) complete(item *Item, err error) {
	p.mu.Lock()
	item.FinishedAt = time.Now()
	item.Err = err
	if err != nil {
		item.Status = StatusFailed
		p.totalFailed.Add(1)
	} else {
		item.Status = StatusComplete
		p.totalCompleted.Add(1)
	}
	delete(p.active, item.ID)
	p.history = append(p.history, *item)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	done := *item
	p.mu.Unlock()

	change := ChangeCompleted
	if err != nil {
		change = ChangeFailed
	}
	p.notify(Event{Item: done, Change: change})

	if item.onDone != nil {
		item.onDone(&done)
	}
	p.inflight.Done()
}

// Snapshot returns the current state for display.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]Item, 0, p.pending.Len())
	for _, item := range p.pending {
		pending = append(pending, *item)
	}
	active := make([]Item, 0, len(p.active))
	for _, item := range p.active {
		active = append(active, *item)
	}
	completed := make([]Item, len(p.history))
	for i, item := range p.history {
		completed[len(p.history)-1-i] = item
	}

	return Snapshot{
		Pending:   pending,
		Active:    active,
		Completed: completed,
		Stats:     p.statsLocked(),
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		TotalCreated:   p.totalCreated.Load(),
		TotalCompleted: p.totalCompleted.Load(),
		TotalFailed:    p.totalFailed.Load(),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   p.pending.Len(),
	}
}

// Subscribe returns a channel that receives work events.
// Events are dropped for subscribers that do not keep up.
func (p *Pool) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subscribersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (p *Pool) Unsubscribe(ch <-chan Event) {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (p *Pool) notify(e Event) {
	logEvent(e)

	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}
