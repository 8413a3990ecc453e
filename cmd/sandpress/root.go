package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpress/internal/config"
	"github.com/p-arndt/sandpress/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sandpress",
	Short: "Sandbox lifecycle load generator",
	Long: `sandpress drives create, pause, resume and connect operations against a
sandbox API at a fixed concurrency and reports latency percentiles.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}

		log = logger.Setup(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to sandpress.yaml")
	rootCmd.PersistentFlags().String("backend", "", "lifecycle backend (e2b, docker)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("backend") {
		if c.Backend, err = flags.GetString("backend"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if c.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("workers") {
		if c.Workers, err = flags.GetInt("workers"); err != nil {
			return err
		}
	}
	if flags.Changed("sandboxes") {
		if c.Sandboxes, err = flags.GetInt("sandboxes"); err != nil {
			return err
		}
	}
	if flags.Changed("files") {
		if c.Files, err = flags.GetStringSlice("files"); err != nil {
			return err
		}
	}
	if flags.Changed("cycles") {
		if c.Cycles, err = flags.GetInt("cycles"); err != nil {
			return err
		}
	}
	if flags.Changed("report") {
		if c.ReportPath, err = flags.GetString("report"); err != nil {
			return err
		}
	}
	return nil
}
