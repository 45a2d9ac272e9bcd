// Package imagecache is the image loader used by the prefetch scheduler and
// the display layer: it downloads locators over HTTP and keeps the bytes
// in a SQLite-backed cache.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/abelbrown/swipefeed/internal/otel"
)

// maxImageBytes caps a single download.
const maxImageBytes = 16 << 20

// HTTPClient allows injection for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Cache) {
		c.client = client
	}
}

// WithLimiter sets the request pacing. A nil limiter disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Cache) {
		c.limiter = l
	}
}

// WithEvents attaches an event log for hit/miss reports.
func WithEvents(l *otel.Logger) Option {
	return func(c *Cache) {
		c.events = l
	}
}

// Cache downloads and stores images.
type Cache struct {
	store   *Store
	client  HTTPClient
	limiter *rate.Limiter
	events  *otel.Logger
}

// New creates a Cache over store with a 30s HTTP timeout and ~10 req/s pacing.
func New(store *Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefetch makes sure locator is cached. Already-cached locators return
// immediately without a request.
func (c *Cache) Prefetch(ctx context.Context, locator string) error {
	cached, err := c.store.Has(locator)
	if err != nil {
		return err
	}
	if cached {
		c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheHit, Comp: "cache", Locator: locator})
		return nil
	}
	_, err = c.fetch(ctx, locator)
	return err
}

// Load returns the image bytes for locator, fetching on a miss.
func (c *Cache) Load(ctx context.Context, locator string) (Image, error) {
	img, err := c.store.Get(locator)
	if err == nil {
		c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheHit, Comp: "cache", Locator: locator})
		return img, nil
	}
	if !errors.Is(err, ErrNotCached) {
		return Image{}, err
	}
	return c.fetch(ctx, locator)
}

// Warm prefetches every locator concurrently, at most limit at a time, and
// returns the first error.
func (c *Cache) Warm(ctx context.Context, locators []string, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, loc := range locators {
		g.Go(func() error {
			return c.Prefetch(ctx, loc)
		})
	}
	return g.Wait()
}

func (c *Cache) fetch(ctx context.Context, locator string) (Image, error) {
	c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheMiss, Comp: "cache", Locator: locator})

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Image{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "swipefeed/0.1")

	resp, err := c.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(body) > maxImageBytes {
		return Image{}, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	img := Image{
		Locator:     locator,
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       body,
		FetchedAt:   time.Now(),
	}
	if err := c.store.Put(img); err != nil {
		return Image{}, err
	}
	return img, nil
}
