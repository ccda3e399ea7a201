package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amaumene/episodarr/internal/config"
	"github.com/amaumene/episodarr/internal/utils"
)

// app carries what every command needs once the configuration is loaded
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	logLevel string
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.cfg = cfg
	a.logger = utils.NewLogger(level, cfg.LogFile)
	return nil
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "episodarr",
		Short:         "Episodic media acquisition daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override LOG_LEVEL")

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newSeriesCommand(a))
	rootCmd.AddCommand(newScanCommand(a))

	return rootCmd
}
