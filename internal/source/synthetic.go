package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/abelbrown/swipefeed/internal/feed"
)

const defaultImageBase = "https://picsum.photos"

// Synthetic is an unbounded, local source of placeholder images.
// Ordinals increase monotonically across batches, so ids never collide and
// no two items share a seed.
type Synthetic struct {
	mu      sync.Mutex
	seed    string // per-source random prefix
	next    int    // ordinal of the next item
	batch   int
	width   int
	height  int
	baseURL string
}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithSize sets the requested image dimensions.
func WithSize(width, height int) SyntheticOption {
	return func(s *Synthetic) {
		if width > 0 {
			s.width = width
		}
		if height > 0 {
			s.height = height
		}
	}
}

// WithImageBase overrides the image host (useful for testing).
func WithImageBase(url string) SyntheticOption {
	return func(s *Synthetic) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithSeed fixes the seed prefix, making locators reproducible.
func WithSeed(seed string) SyntheticOption {
	return func(s *Synthetic) {
		s.seed = seed
	}
}

// NewSynthetic creates a Synthetic source sized for a 1080x1920 screen.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		seed:    uuid.NewString()[:8],
		width:   1080,
		height:  1920,
		baseURL: defaultImageBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate returns count new items. It never fails; count <= 0 yields an
// empty batch.
func (s *Synthetic) Generate(_ context.Context, count int) ([]feed.Item, error) {
	if count <= 0 {
		return []feed.Item{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch++
	items := make([]feed.Item, count)
	for i := range items {
		ordinal := s.next + i
		items[i] = feed.Item{
			ID: fmt.Sprintf("image-%d", ordinal),
			Locator: fmt.Sprintf("%s/seed/%s-%d-%d/%d/%d",
				s.baseURL, s.seed, s.batch, ordinal, s.width, s.height),
		}
	}
	s.next += count
	return items, nil
}
