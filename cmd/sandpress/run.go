package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpress/internal/driver"
	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/metrics"
	"github.com/p-arndt/sandpress/internal/pool"
	"github.com/p-arndt/sandpress/internal/stats"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Populate a pool of sandboxes and cycle them until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		runID := uuid.NewString()

		sh := NewSignalHandler(context.Background())
		sh.Start()
		defer sh.Stop()
		ctx := sh.Context()

		client, closeClient, err := openBackend(ctx, cfg, runID, true)
		if err != nil {
			return err
		}
		defer closeClient()

		rec := stats.NewRecorder()
		p := pool.New()
		observers := []driver.Observer{rec}
		var opts []driver.Option

		st, journal, err := openJournal(runID)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close()
			observers = append(observers, journal)
			opts = append(opts, driver.WithTracker(journal))
		}

		if cfg.MetricsListen != "" {
			m := metrics.New()
			m.TrackPoolSize(p.Len)
			observers = append(observers, m)
			go func() {
				if err := m.Serve(ctx, cfg.MetricsListen, log); err != nil {
					log.Error("metrics server", "addr", cfg.MetricsListen, "error", err)
				}
			}()
		}

		em, closeReport, err := newEmitter(rec, lifecycle.Kinds())
		if err != nil {
			return err
		}
		defer closeReport()

		opts = append(opts, driver.WithObservers(observers...))
		d := driver.New(driver.Config{
			Workers:            cfg.Workers,
			Sandboxes:          cfg.Sandboxes,
			Cycles:             cfg.Cycles,
			RoundPause:         cfg.RoundPause,
			ReplenishPerMinute: cfg.ReplenishPerMinute,
		}, client, p, em, log, opts...)

		log.Info("starting run",
			"run_id", runID,
			"backend", cfg.Backend,
			"workers", cfg.Workers,
			"sandboxes", cfg.Sandboxes,
			"report", cfg.ReportPath,
		)
		if err := d.Run(ctx); err != nil {
			return fmt.Errorf("final report: %w", err)
		}
		left := p.DrawAll()
		running := 0
		for _, h := range left {
			if h.Running {
				running++
			}
		}
		log.Info("run finished",
			"run_id", runID,
			"cycles", d.Cycles(),
			"sandboxes_left", len(left),
			"running", running,
		)
		if len(left) > 0 && st != nil {
			log.Info("run `sandpress cleanup` to kill the remaining sandboxes")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntP("workers", "w", 0, "concurrent workers")
	runCmd.Flags().IntP("sandboxes", "n", 0, "initial number of sandboxes")
	runCmd.Flags().StringSlice("files", nil, "workload files uploaded into sandboxes")
	runCmd.Flags().Int("cycles", 0, "selection cycles per round")
	runCmd.Flags().String("report", "", "CSV report path")
}
