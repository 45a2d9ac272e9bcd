package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/swipefeed/internal/config"
	"github.com/abelbrown/swipefeed/internal/coord"
	"github.com/abelbrown/swipefeed/internal/imagecache"
	"github.com/abelbrown/swipefeed/internal/otel"
	"github.com/abelbrown/swipefeed/internal/prefetch"
	"github.com/abelbrown/swipefeed/internal/source"
	"github.com/abelbrown/swipefeed/internal/window"
)

// ringSize is the number of recent events kept for the debug overlay.
const ringSize = 512

// session holds the long-lived pieces shared by view and simulate.
type session struct {
	cfg    *config.Config
	events *otel.Logger
	ring   *otel.RingBuffer
	store  *imagecache.Store
	cache  *imagecache.Cache
	src    source.Source
}

// openSession opens the event log and image cache under cfg.DataDir.
func openSession(cfg *config.Config) (*session, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	events, err := otel.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	ring := otel.NewRingBuffer(ringSize)
	events.SetRingBuffer(ring)

	dbPath := filepath.Join(cfg.DataDir, "images.db")
	if cfg.Cache.InMemory {
		dbPath = ":memory:"
	}
	store, err := imagecache.OpenStore(dbPath)
	if err != nil {
		events.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout()}
	var limiter *rate.Limiter
	if cfg.Cache.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Cache.RatePerSec), cfg.Cache.Burst)
	}
	cache := imagecache.New(store,
		imagecache.WithHTTPClient(httpClient),
		imagecache.WithLimiter(limiter),
		imagecache.WithEvents(events),
	)

	events.Info(otel.KindStartup, "main", "swipefeed "+version)

	return &session{
		cfg:    cfg,
		events: events,
		ring:   ring,
		store:  store,
		cache:  cache,
		src:    newSource(cfg, httpClient),
	}, nil
}

// Close flushes the event log and closes the cache.
func (r *session) Close() {
	r.events.Info(otel.KindShutdown, "main", "")
	r.events.Close()
	r.store.Close()
}

// newSource picks the feed-backed source when a feed URL is configured.
func newSource(cfg *config.Config, client *http.Client) source.Source {
	if cfg.Source.FeedURL != "" {
		return source.NewFeed(cfg.Source.FeedURL, source.WithHTTPClient(client))
	}
	return source.NewSynthetic(
		source.WithSize(cfg.Source.Width, cfg.Source.Height),
		source.WithImageBase(cfg.Source.ImageBase),
	)
}

// coordinator builds a Coordinator fetching through loader.
func (r *session) coordinator(loader prefetch.Prefetcher, notify coord.Notifier, reporter func(prefetch.Result)) *coord.Coordinator {
	return coord.New(coord.Config{
		Workers:   r.cfg.Cache.Workers,
		Threshold: r.cfg.Viewport.Threshold,
		Prefetch: prefetch.Config{
			Radius:      r.cfg.Scheduler.Radius,
			RetryAfter:  r.cfg.RetryAfter(),
			EvictBehind: r.cfg.Scheduler.EvictBehind,
			Reporter:    reporter,
		},
		Window: window.Config{
			InitialBatch: r.cfg.Window.InitialBatch,
			BatchSize:    r.cfg.Window.BatchSize,
			EndThreshold: r.cfg.Window.EndThreshold,
		},
		Events:   r.events,
		Notifier: notify,
	}, loader, r.src)
}

// dryRunLoader pretends to fetch, taking a random latency up to max and
// failing roughly failRate of the time.
type dryRunLoader struct {
	max      time.Duration
	failRate float64
}

func (d dryRunLoader) Prefetch(ctx context.Context, locator string) error {
	delay := time.Duration(0)
	if d.max > 0 {
		delay = time.Duration(rand.Int64N(int64(d.max)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	if d.failRate > 0 && rand.Float64() < d.failRate {
		return fmt.Errorf("simulated fetch failure for %s", locator)
	}
	return nil
}
