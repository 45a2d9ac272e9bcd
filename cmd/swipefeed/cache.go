package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/swipefeed/internal/imagecache"
)

// newCacheCmd creates the cache subcommand group.
func newCacheCmd(o *overrides) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect, warm or prune the image cache",
	}
	cmd.AddCommand(newCacheStatsCmd(o))
	cmd.AddCommand(newCachePruneCmd(o))
	cmd.AddCommand(newCacheWarmCmd(o))
	return cmd
}

func openCacheStore(o *overrides) (*imagecache.Store, string, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(cfg.DataDir, "images.db")
	store, err := imagecache.OpenStore(path)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

func newCacheStatsCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many images are cached",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, path, err := openCacheStore(o)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache:           %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Cached images:   %d\n", n)
			return nil
		},
	}
}

func newCachePruneCmd(o *overrides) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop cached images older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openCacheStore(o)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneBefore(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d images older than %s\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age cutoff")

	return cmd
}

func newCacheWarmCmd(o *overrides) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Download the first items of the feed into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.src.Generate(cmd.Context(), count)
			if err != nil {
				return fmt.Errorf("generate items: %w", err)
			}
			locators := make([]string, len(items))
			for i, item := range items {
				locators[i] = item.Locator
			}
			if err := s.cache.Warm(cmd.Context(), locators, cfg.Cache.Workers); err != nil {
				return fmt.Errorf("warm cache: %w", err)
			}

			n, err := s.store.Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Warmed %d images (%d cached)\n", len(locators), n)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of feed items to download")

	return cmd
}
