package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/reaper"
	"github.com/p-arndt/sandpress/internal/stats"
	"github.com/p-arndt/sandpress/internal/store"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill the sandboxes the latest run left behind",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.JournalPath == "" {
			return fmt.Errorf("%w: cleanup needs journal_path", errNoJournal)
		}

		sh := NewSignalHandler(context.Background())
		sh.Start()
		defer sh.Stop()
		ctx := sh.Context()

		st, err := store.New(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer st.Close()

		client, closeClient, err := openBackend(ctx, cfg, runID, false)
		if err != nil {
			return err
		}
		defer closeClient()

		rec := stats.NewRecorder()
		em, closeReport, err := newEmitter(rec, []lifecycle.Kind{lifecycle.KindKill})
		if err != nil {
			return err
		}
		defer closeReport()

		res, err := reaper.New(st, client, log, rec).Sweep(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("journal has no runs, nothing to clean up")
			return nil
		}
		if emitErr := em.Emit(); emitErr != nil {
			log.Error("emit report", "error", emitErr)
		}
		if err != nil {
			return err
		}
		log.Info("cleanup finished", "run_id", res.RunID, "killed", res.Killed, "failed", res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d sandboxes could not be killed; rerun cleanup to retry", res.Failed)
		}
		return nil
	},
}

var errNoJournal = errors.New("journal disabled")

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().String("run", "", "run ID to clean up (default latest run)")
}
