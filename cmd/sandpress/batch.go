package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/pace"
	"github.com/p-arndt/sandpress/internal/stats"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create sandboxes at a fixed rate and write their IDs to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		perMinute, _ := cmd.Flags().GetFloat64("per-minute")
		out, _ := cmd.Flags().GetString("out")

		return runBatch(lifecycle.KindCreate, perMinute, func(ctx context.Context, b batch) error {
			ids := make([]string, 0, count)
			n := b.pacer.Run(ctx, count, func(int) {
				h, dur, err := b.client.Create(context.WithoutCancel(ctx))
				b.observe(lifecycle.NewOutcome(lifecycle.KindCreate, h.ID, dur, err))
				if err != nil {
					log.Warn("create failed", "kind", lifecycle.KindCreate, "elapsed", dur, "error", err)
					return
				}
				log.Info("created", "id", h.ID, "elapsed", dur)
				if b.track != nil {
					b.track(h)
				}
				ids = append(ids, h.ID)
			})
			if n < count {
				log.Warn("create batch interrupted", "attempted", n, "requested", count)
			}
			return writeIDs(out, ids)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause every sandbox listed in an ID file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIDBatch(cmd, lifecycle.KindPause)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every sandbox listed in an ID file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIDBatch(cmd, lifecycle.KindResume)
	},
}

// batch carries what one sequential batch command works with.
type batch struct {
	client  backend
	pacer   *pace.Pacer
	observe func(lifecycle.Outcome)
	track   func(lifecycle.Handle)
}

// runBatch sets up backend, recorder, journal and report for a batch of
// kind, runs fn and emits the final statistics block.
func runBatch(kind lifecycle.Kind, perMinute float64, fn func(ctx context.Context, b batch) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	runID := uuid.NewString()

	sh := NewSignalHandler(context.Background())
	sh.Start()
	defer sh.Stop()
	ctx := sh.Context()

	client, closeClient, err := openBackend(ctx, cfg, runID, false)
	if err != nil {
		return err
	}
	defer closeClient()

	rec := stats.NewRecorder()
	b := batch{client: client, pacer: pace.New(perMinute), observe: rec.Observe}

	st, journal, err := openJournal(runID)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
		b.observe = func(o lifecycle.Outcome) {
			rec.Observe(o)
			journal.Observe(o)
		}
		b.track = journal.Track
	}

	em, closeReport, err := newEmitter(rec, []lifecycle.Kind{kind})
	if err != nil {
		return err
	}
	defer closeReport()

	log.Info("starting batch", "run_id", runID, "kind", kind, "per_minute", perMinute)
	fnErr := fn(ctx, b)
	if err := em.Emit(); err != nil {
		log.Error("emit report", "error", err)
	}
	return fnErr
}

func runIDBatch(cmd *cobra.Command, kind lifecycle.Kind) error {
	path, _ := cmd.Flags().GetString("ids")
	limit, _ := cmd.Flags().GetInt("limit")
	perMinute, _ := cmd.Flags().GetFloat64("per-minute")

	ids, err := readIDs(path, limit)
	if err != nil {
		return err
	}

	return runBatch(kind, perMinute, func(ctx context.Context, b batch) error {
		call := b.client.Pause
		running := false
		if kind == lifecycle.KindResume {
			call = b.client.Resume
			running = true
		}
		n := b.pacer.Run(ctx, len(ids), func(i int) {
			id := ids[i]
			dur, err := call(context.WithoutCancel(ctx), id)
			b.observe(lifecycle.NewOutcome(kind, id, dur, err))
			if err != nil {
				log.Warn(string(kind)+" failed", "kind", kind, "id", id, "elapsed", dur, "error", err)
				return
			}
			log.Info(string(kind)+" done", "id", id, "elapsed", dur)
			if b.track != nil {
				b.track(lifecycle.Handle{ID: id, Running: running})
			}
		})
		if n < len(ids) {
			log.Warn("batch interrupted", "kind", kind, "attempted", n, "total", len(ids))
		}
		return nil
	})
}

// readIDs reads one sandbox ID per line, skipping blanks. limit <= 0 reads
// all of them.
func readIDs(path string, limit int) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("--ids is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open id file: %w", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id == "" {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read id file: %w", err)
	}
	return ids, nil
}

func writeIDs(path string, ids []string) error {
	if path == "" {
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write id file: %w", err)
	}
	log.Info("wrote sandbox ids", "path", path, "count", len(ids))
	return nil
}

func init() {
	rootCmd.AddCommand(createCmd, pauseCmd, resumeCmd)

	createCmd.Flags().Int("count", 100, "number of sandboxes to create")
	createCmd.Flags().Float64("per-minute", 60, "create rate in operations per minute (0 = unpaced)")
	createCmd.Flags().String("out", "", "file to write sandbox IDs to (default stdout)")

	for _, c := range []*cobra.Command{pauseCmd, resumeCmd} {
		c.Flags().String("ids", "", "file with one sandbox ID per line")
		c.Flags().Int("limit", 0, "process at most this many IDs (0 = all)")
		c.Flags().Float64("per-minute", 0, "operation rate in operations per minute (0 = unpaced)")
	}
}
