package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abelbrown/swipefeed/internal/coord"
	"github.com/abelbrown/swipefeed/internal/logging"
	"github.com/abelbrown/swipefeed/internal/prefetch"
	"github.com/abelbrown/swipefeed/internal/ui"
	"github.com/abelbrown/swipefeed/internal/viewport"
	"github.com/abelbrown/swipefeed/internal/work"
)

// simOptions are the simulate flags.
type simOptions struct {
	steps    int
	stride   int
	dwell    time.Duration
	dryRun   bool
	latency  time.Duration
	failRate float64
	verbose  bool
}

// newSimulateCmd creates the simulate subcommand.
func newSimulateCmd(o *overrides) *cobra.Command {
	var so simOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Scroll headlessly and print prefetch reports",
		Long:  "Page through the feed without a terminal UI, one visibility report per step, and print what the scheduler and window manager did.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}

			level := log.WarnLevel
			if so.verbose {
				level = log.DebugLevel
			}
			logging.SetOutput(cmd.ErrOrStderr(), level)

			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			var loader prefetch.Prefetcher = s.cache
			if so.dryRun {
				loader = dryRunLoader{max: so.latency, failRate: so.failRate}
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), s, loader, so)
		},
	}

	cmd.Flags().IntVarP(&so.steps, "steps", "n", 60, "Number of page changes")
	cmd.Flags().IntVar(&so.stride, "stride", 1, "Pages advanced per step")
	cmd.Flags().DurationVar(&so.dwell, "dwell", 50*time.Millisecond, "Time spent on each page")
	cmd.Flags().BoolVar(&so.dryRun, "dry-run", false, "Do not download images; simulate fetch latency instead")
	cmd.Flags().DurationVar(&so.latency, "latency", 200*time.Millisecond, "Maximum simulated fetch latency (with --dry-run)")
	cmd.Flags().Float64Var(&so.failRate, "fail-rate", 0, "Fraction of simulated fetches that fail (with --dry-run)")
	cmd.Flags().BoolVarP(&so.verbose, "verbose", "v", false, "Print every fetch result and debug logs")

	return cmd
}

// simulate drives a coordinator through so.steps positions and prints a
// line per event and a final summary to out.
func simulate(ctx context.Context, out io.Writer, s *session, loader prefetch.Prefetcher, so simOptions) error {
	if so.stride < 1 {
		so.stride = 1
	}

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	var failed, succeeded atomic.Int64
	loaded := make(chan error, 1)

	notify := coord.NotifierFunc(func(msg tea.Msg) {
		switch m := msg.(type) {
		case ui.ItemsLoaded:
			if m.Err == nil {
				printf("loaded %d items\n", m.Total)
			}
			loaded <- m.Err
		case ui.PositionChanged:
			printf("pos %4d  issued %d\n", m.Index, m.Issued)
		case ui.WindowExtended:
			printf("window +%d -> %d items\n", m.Added, m.Total)
		case ui.PrefetchReported:
			r := m.Result
			if r.OK() {
				succeeded.Add(1)
				if so.verbose {
					printf("  ok   #%d (%s)\n", r.Index, r.Duration.Round(time.Millisecond))
				}
			} else {
				failed.Add(1)
				printf("  FAIL #%d: %v\n", r.Index, r.Err)
			}
		}
	})

	c := s.coordinator(loader, notify, nil)

	// peak concurrent fetches, from the pool's lifecycle events
	var peak atomic.Int64
	poolEvents := c.Pool().Subscribe()
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		var active int64
		for e := range poolEvents {
			switch e.Change {
			case work.ChangeStarted:
				active++
				if active > peak.Load() {
					peak.Store(active)
				}
			case work.ChangeCompleted, work.ChangeFailed:
				if active > 0 {
					active--
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case err := <-loaded:
		if err != nil {
			cancel()
			<-runErr
			return fmt.Errorf("initial load: %w", err)
		}
	case err := <-runErr:
		return err
	}

	pos := 0
	for step := 1; step <= so.steps; step++ {
		pos += so.stride
		c.SendVisibility(viewport.Report{{Index: pos, Percent: 100}})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(so.dwell):
		}
	}

	// let the last extension, its rescheduling and every fetch settle
	c.Manager().Wait()
	if err := c.Flush(ctx); err != nil {
		return err
	}
	c.Scheduler().Wait()
	c.Pool().Unsubscribe(poolEvents)
	<-watched

	final, _ := c.Position()
	printf("\nfinal position:  %d\n", final)
	printf("window length:   %d\n", c.Window().Len())
	printf("prefetched:      %d\n", c.Scheduler().Set().Len())
	printf("fetches:         %d ok, %d failed\n", succeeded.Load(), failed.Load())
	printf("pool:            %s\n", c.Pool().Stats())
	printf("peak fetches:    %d\n", peak.Load())
	if d := c.Dropped(); d > 0 {
		printf("dropped events:  %d\n", d)
	}

	cancel()
	return <-runErr
}
