package work

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriorityQueueDirect(t *testing.T) {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)

	now := time.Now()
	items := []*Item{
		{ID: "low", Priority: PriorityLow, CreatedAt: now},
		{ID: "high", Priority: PriorityHigh, CreatedAt: now.Add(time.Millisecond)},
		{ID: "normal", Priority: PriorityNormal, CreatedAt: now.Add(2 * time.Millisecond)},
	}
	for _, item := range items {
		heap.Push(&pq, item)
	}

	expected := []string{"high", "normal", "low"}
	for i, exp := range expected {
		item := heap.Pop(&pq).(*Item)
		if item.ID != exp {
			t.Errorf("pop[%d] = %s (priority %d), expected %s", i, item.ID, item.Priority, exp)
		}
		if item.heapIndex != -1 {
			t.Errorf("popped item should be marked removed, heapIndex=%d", item.heapIndex)
		}
	}
}

func TestPriorityQueueFIFODirect(t *testing.T) {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)

	now := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		heap.Push(&pq, &Item{ID: id, Priority: PriorityNormal, CreatedAt: now.Add(time.Duration(i) * time.Millisecond)})
	}

	for i, exp := range []string{"first", "second", "third"} {
		item := heap.Pop(&pq).(*Item)
		if item.ID != exp {
			t.Errorf("pop[%d] = %s, expected %s", i, item.ID, exp)
		}
	}
}

func TestPoolSubmit(t *testing.T) {
	pool := NewPool(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	var counter atomic.Int64
	done := make(chan *Item, 1)

	pool.Submit(TypePrefetch, "test work", PriorityNormal, func(ctx context.Context) error {
		counter.Add(1)
		return nil
	}, func(item *Item) { done <- item })

	select {
	case item := <-done:
		if item.Status != StatusComplete || item.Err != nil {
			t.Errorf("item finished as %s (%v)", item.Status, item.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work did not complete in time")
	}
	if counter.Load() != 1 {
		t.Errorf("expected counter 1, got %d", counter.Load())
	}
}

func TestPoolReportsFailureAndPanic(t *testing.T) {
	pool := NewPool(2)
	pool.Start(context.Background())
	defer pool.Stop()

	var mu sync.Mutex
	errs := map[string]error{}
	record := func(item *Item) {
		mu.Lock()
		errs[item.Description] = item.Err
		mu.Unlock()
	}

	pool.Submit(TypePrefetch, "fails", PriorityNormal, func(context.Context) error {
		return errors.New("http 503")
	}, record)
	pool.Submit(TypePrefetch, "panics", PriorityNormal, func(context.Context) error {
		panic("boom")
	}, record)
	pool.Submit(TypePrefetch, "nil fn", PriorityNormal, nil, record)
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, desc := range []string{"fails", "panics", "nil fn"} {
		if errs[desc] == nil {
			t.Errorf("%s: expected error", desc)
		}
	}
	if got := pool.Stats().TotalFailed; got != 3 {
		t.Errorf("TotalFailed = %d, want 3", got)
	}
}

func TestPoolRunsHigherPriorityFirst(t *testing.T) {
	pool := NewPool(1)

	var mu sync.Mutex
	var order []string
	record := func(item *Item) {
		mu.Lock()
		order = append(order, item.Description)
		mu.Unlock()
	}
	noop := func(context.Context) error { return nil }

	// queued before Start so all three compete for the single worker
	pool.Submit(TypePrefetch, "low", PriorityLow, noop, record)
	pool.Submit(TypePrefetch, "high", PriorityHigh, noop, record)
	pool.Submit(TypePrefetch, "normal", PriorityNormal, noop, record)

	pool.Start(context.Background())
	pool.Wait()
	pool.Stop()

	want := []string{"high", "normal", "low"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(2)
	pool.Start(context.Background())
	defer pool.Stop()

	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		pool.Submit(TypePrefetch, "slow", PriorityNormal, func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}, nil)
	}
	pool.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds 2 workers", peak.Load())
	}
}

func TestPoolStopFailsQueuedItems(t *testing.T) {
	pool := NewPool(1)

	var stopped atomic.Int32
	pool.Submit(TypePrefetch, "never runs", PriorityNormal, func(context.Context) error {
		return nil
	}, func(item *Item) {
		if errors.Is(item.Err, ErrStopped) {
			stopped.Add(1)
		}
	})
	pool.Stop()
	pool.Wait()

	if stopped.Load() != 1 {
		t.Errorf("queued item should fail with ErrStopped")
	}

	// submissions after Stop fail immediately
	var late atomic.Bool
	pool.Submit(TypePrefetch, "late", PriorityNormal, nil, func(item *Item) {
		late.Store(errors.Is(item.Err, ErrStopped))
	})
	if !late.Load() {
		t.Error("submit after Stop should fail with ErrStopped")
	}
}

func TestPoolSnapshot(t *testing.T) {
	pool := NewPool(1)
	pool.Start(context.Background())
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		pool.Submit(TypePrefetch, "ok", PriorityNormal, func(context.Context) error { return nil }, nil)
	}
	pool.Wait()

	snap := pool.Snapshot()
	if snap.Stats.TotalCreated != 3 || snap.Stats.TotalCompleted != 3 {
		t.Errorf("stats = %+v", snap.Stats)
	}
	if len(snap.Completed) != 3 {
		t.Fatalf("completed history = %d, want 3", len(snap.Completed))
	}
	if snap.Completed[0].ID != "w3" {
		t.Errorf("history should be newest first, got %s", snap.Completed[0].ID)
	}
}

func TestPoolSubscribe(t *testing.T) {
	pool := NewPool(1)
	events := pool.Subscribe()
	pool.Start(context.Background())

	pool.Submit(TypePrefetch, "observed", PriorityNormal, func(context.Context) error { return nil }, nil)
	pool.Wait()
	pool.Stop()

	var changes []string
	for len(events) > 0 {
		changes = append(changes, (<-events).Change)
	}
	want := []string{ChangeCreated, ChangeStarted, ChangeCompleted}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %s, want %s", i, changes[i], want[i])
		}
	}

	pool.Unsubscribe(events)
	if _, ok := <-events; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestPoolSubmitWhileWorkersPop(t *testing.T) {
	pool := NewPool(4)
	events := pool.Subscribe()
	pool.Start(context.Background())
	defer pool.Stop()

	var bad atomic.Int32
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range events {
			if e.Change == ChangeCreated && e.Item.Status != StatusPending {
				bad.Add(1)
			}
			if e.Change == ChangeStarted && e.Item.Status != StatusActive {
				bad.Add(1)
			}
		}
	}()

	priorities := []int{PriorityLow, PriorityNormal, PriorityHigh}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pool.Submit(TypePrefetch, "noop", priorities[(g+i)%3], func(context.Context) error { return nil }, nil)
			}
		}(g)
	}
	wg.Wait()
	pool.Wait()

	pool.Unsubscribe(events)
	<-drained

	if got := pool.Stats().TotalCompleted; got != 200 {
		t.Errorf("TotalCompleted = %d, want 200", got)
	}
	if bad.Load() != 0 {
		t.Errorf("%d events carried a status from a later stage", bad.Load())
	}
}
