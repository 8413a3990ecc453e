// Package reaper kills the sandboxes a run left behind, using the handle
// journal to find them.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/store"
)

type Reaper struct {
	store     ReaperStore
	killer    lifecycle.Killer
	observers []Observer
	logger    *slog.Logger
}

func New(st ReaperStore, killer lifecycle.Killer, logger *slog.Logger, observers ...Observer) *Reaper {
	return &Reaper{
		store:     st,
		killer:    killer,
		observers: observers,
		logger:    logger,
	}
}

// Result summarizes one sweep.
type Result struct {
	RunID  string
	Killed int
	Failed int
}

// Sweep kills every live handle of runID. An empty runID selects the most
// recent run. Handles that fail to die stay in the journal so a later sweep
// can retry them.
func (r *Reaper) Sweep(ctx context.Context, runID string) (Result, error) {
	if runID == "" {
		run, err := r.store.LatestRun()
		if err != nil {
			return Result{}, fmt.Errorf("finding latest run: %w", err)
		}
		runID = run.ID
	}
	res := Result{RunID: runID}

	live, err := r.store.LiveHandles(runID)
	if err != nil {
		return res, err
	}
	r.logger.Info("sweeping run", "run_id", runID, "live", len(live))

	for _, h := range live {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		dur, err := r.killer.Kill(ctx, h.ID)
		o := lifecycle.NewOutcome(lifecycle.KindKill, h.ID, dur, err)
		for _, obs := range r.observers {
			obs.Observe(o)
		}
		if err != nil {
			r.logger.Error("reaper: kill sandbox", "id", h.ID, "error", err)
			res.Failed++
			continue
		}
		if err := r.store.DropHandle(runID, h.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("reaper: drop handle", "id", h.ID, "error", err)
		}
		r.logger.Info("killed sandbox", "id", h.ID, "elapsed", dur)
		res.Killed++
	}
	return res, nil
}
