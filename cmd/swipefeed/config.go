package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abelbrown/swipefeed/internal/config"
)

// newConfigCmd creates the config subcommand.
func newConfigCmd(o *overrides) *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long:  "Print the configuration after the config file, .env, SWIPEFEED_* variables and flags are applied. With --write, save it to the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}

			if write {
				if err := cfg.Save(); err != nil {
					return fmt.Errorf("failed to save config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", config.ConfigPath())
				return nil
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", config.ConfigPath(), data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "Save the resolved configuration")

	return cmd
}
