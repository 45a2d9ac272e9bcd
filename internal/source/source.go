// Package source produces feed items on demand, in batches.
package source

import (
	"context"
	"errors"

	"github.com/abelbrown/swipefeed/internal/feed"
)

// ErrExhausted is returned when a source has no more items to give.
var ErrExhausted = errors.New("source: exhausted")

// Source generates the next count items of a feed.
// Implementations return ids that never repeat across calls.
type Source interface {
	Generate(ctx context.Context, count int) ([]feed.Item, error)
}
