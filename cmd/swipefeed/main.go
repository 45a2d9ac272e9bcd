// Command swipefeed is a vertically paged image feed with windowed
// prefetching.
//
// Usage:
//
//	swipefeed view               Page through the feed in the terminal
//	swipefeed simulate           Scroll headlessly and print prefetch reports
//	swipefeed events             JSONL event log viewer
//	swipefeed cache stats        Image cache statistics
//	swipefeed cache prune        Drop cached images older than a cutoff
//	swipefeed config             Print the resolved configuration
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/abelbrown/swipefeed/internal/config"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// overrides holds flag values applied on top of the loaded config.
type overrides struct {
	radius  int
	feedURL string
	dataDir string
	workers int
}

// newRootCmd creates the root command for the swipefeed CLI.
func newRootCmd() *cobra.Command {
	var o overrides

	rootCmd := &cobra.Command{
		Use:           "swipefeed",
		Short:         "Vertically paged image feed with windowed prefetching",
		Long:          "swipefeed pages through an endless image feed, prefetching the images around the current page and growing the feed as you near its end.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetVersionTemplate("swipefeed version {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&o.radius, "radius", 0, "Prefetch radius around the current page (default from config)")
	flags.StringVar(&o.feedURL, "feed-url", "", "RSS/Atom feed to pull images from (default: synthetic source)")
	flags.StringVar(&o.dataDir, "data-dir", "", "Directory for logs, events and the image cache")
	flags.IntVar(&o.workers, "workers", 0, "Concurrent image fetches")

	rootCmd.AddCommand(newViewCmd(&o))
	rootCmd.AddCommand(newSimulateCmd(&o))
	rootCmd.AddCommand(newEventsCmd(&o))
	rootCmd.AddCommand(newCacheCmd(&o))
	rootCmd.AddCommand(newConfigCmd(&o))

	return rootCmd
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(o *overrides) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.radius > 0 {
		cfg.Scheduler.Radius = o.radius
	}
	if o.feedURL != "" {
		cfg.Source.FeedURL = o.feedURL
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.workers > 0 {
		cfg.Cache.Workers = o.workers
	}
	return cfg, nil
}
