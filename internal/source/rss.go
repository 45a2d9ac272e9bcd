package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/swipefeed/internal/feed"
	"github.com/abelbrown/swipefeed/internal/logging"
)

// HTTPClient allows injection for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeedOption configures a Feed source.
type FeedOption func(*Feed)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c HTTPClient) FeedOption {
	return func(f *Feed) {
		f.client = c
	}
}

// WithParser sets the gofeed parser, e.g. one with custom translators.
func WithParser(p *gofeed.Parser) FeedOption {
	return func(f *Feed) {
		f.parser = p
	}
}

// Feed serves image locators found in an RSS or Atom feed.
// When its buffered entries run out it re-reads the feed once; if nothing
// new turned up it reports ErrExhausted.
type Feed struct {
	url    string
	client HTTPClient
	parser *gofeed.Parser

	mu      sync.Mutex
	pending []feed.Item
	seen    map[string]bool // locators already handed out or queued
}

// NewFeed creates a Feed source reading url.
func NewFeed(url string, opts ...FeedOption) *Feed {
	f := &Feed{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		seen:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Generate returns up to count items. It returns fewer only when the feed
// has no more; with nothing at all left it returns ErrExhausted.
func (f *Feed) Generate(ctx context.Context, count int) ([]feed.Item, error) {
	if count <= 0 {
		return []feed.Item{}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) < count {
		if err := f.refill(ctx); err != nil {
			if len(f.pending) == 0 {
				return nil, err
			}
			// serve what is buffered; the next call retries the feed
			logging.Warn("feed refill failed", "url", f.url, "error", err)
		}
	}
	if len(f.pending) == 0 {
		return nil, ErrExhausted
	}

	n := min(count, len(f.pending))
	out := make([]feed.Item, n)
	copy(out, f.pending[:n])
	f.pending = f.pending[n:]
	return out, nil
}

// refill fetches the feed and queues images not seen before.
// Must be called with f.mu held.
func (f *Feed) refill(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "swipefeed/0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse feed: %w", err)
	}

	queued := 0
	for _, entry := range parsed.Items {
		for _, loc := range imageLocators(entry) {
			if f.seen[loc] {
				continue
			}
			f.seen[loc] = true
			f.pending = append(f.pending, feed.Item{ID: hashString(loc), Locator: loc})
			queued++
		}
	}
	logging.Debug("feed refilled", "url", f.url, "entries", len(parsed.Items), "queued", queued)
	return nil
}

// imageLocators returns the image URLs of one entry: image enclosures
// first, then the entry image.
func imageLocators(entry *gofeed.Item) []string {
	var locs []string
	for _, enc := range entry.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(enc.Type, "image/") {
			locs = append(locs, enc.URL)
		}
	}
	if entry.Image != nil && entry.Image.URL != "" {
		locs = append(locs, entry.Image.URL)
	}
	return locs
}

// hashString creates a short stable id for a locator.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return "img-" + hex.EncodeToString(h[:8])
}
