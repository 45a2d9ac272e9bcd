package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abelbrown/swipefeed/internal/coord"
	"github.com/abelbrown/swipefeed/internal/logging"
	"github.com/abelbrown/swipefeed/internal/ui"
)

// newViewCmd creates the view subcommand.
func newViewCmd(o *overrides) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Page through the feed in the terminal",
		Long:  "Open the full-screen pager. j/k or the arrow keys page, g jumps to the top, D shows prefetch internals, q quits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}

			level := log.InfoLevel
			if debug {
				level = log.DebugLevel
			}
			// The TUI owns the terminal, so logs go to a file.
			if err := logging.Init(cfg.DataDir, level); err != nil {
				return err
			}
			defer logging.Close()

			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// The program is the coordinator's notifier and the coordinator is
			// the program's host, so build the coordinator against a forwarder.
			var program *tea.Program
			forward := func(msg tea.Msg) {
				if program != nil {
					program.Send(msg)
				}
			}
			c := s.coordinator(s.cache, coord.NotifierFunc(forward), nil)

			app := ui.NewApp(c, c.Window(), ui.Options{
				Status: c.Scheduler(),
				Ring:   s.ring,
				Pool:   c.Pool(),
			})
			program = tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))

			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()

			_, progErr := program.Run()
			cancel()
			if err := <-runErr; err != nil {
				return fmt.Errorf("feed: %w", err)
			}
			if progErr != nil && !errors.Is(progErr, tea.ErrProgramKilled) {
				return progErr
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level")

	return cmd
}
