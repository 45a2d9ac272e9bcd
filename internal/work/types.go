// Package work runs asynchronous tasks on a bounded set of workers.
// Prefetch fetches flow through a Pool so their concurrency, ordering and
// outcomes are observable in one place.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/swipefeed/internal/logging"
)

// Type categorizes work items.
type Type string

const (
	TypePrefetch Type = "prefetch" // warm the image cache for one feed index
)

// Priority levels. Higher runs first.
const (
	PriorityLow      = -10
	PriorityNormal   = 0
	PriorityHigh     = 10
	PriorityCritical = 100
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Item is a unit of async work.
type Item struct {
	ID          string
	Type        Type
	Status      Status
	Description string
	Priority    int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Err error

	fn        func(ctx context.Context) error
	onDone    func(*Item)
	heapIndex int
}

// Duration returns how long the work took (or has been running).
func (i *Item) Duration() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	if i.FinishedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// Event is sent to subscribers when work state changes.
type Event struct {
	Item   Item // copy taken at the time of the change
	Change string
}

// Change values carried by Event.
const (
	ChangeCreated   = "created"
	ChangeStarted   = "started"
	ChangeCompleted = "completed"
	ChangeFailed    = "failed"
)

// Stats tracks pool counters.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}

// Snapshot is a point-in-time copy of the pool's queues.
type Snapshot struct {
	Pending   []Item
	Active    []Item
	Completed []Item // newest first
	Stats     Stats
}

func logEvent(e Event) {
	item := e.Item
	switch e.Change {
	case ChangeCreated:
		logging.Debug("work created", "id", item.ID, "type", item.Type, "desc", item.Description, "priority", item.Priority)
	case ChangeStarted:
		logging.Debug("work started", "id", item.ID, "type", item.Type, "desc", item.Description)
	case ChangeCompleted:
		logging.Debug("work completed", "id", item.ID, "type", item.Type, "duration", item.Duration())
	case ChangeFailed:
		logging.Warn("work failed", "id", item.ID, "type", item.Type, "desc", item.Description, "error", item.Err, "duration", item.Duration())
	}
}
